package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/valinor-ai/moderator/internal/moderation"
)

// ErrMalformed is wrapped by every response parsing failure.
var ErrMalformed = errors.New("malformed classification response")

const systemPrompt = `You are a content moderation classifier. Assess the submitted content for policy violations.

Respond with ONLY a JSON object of this shape:
{"safe_confidence": 0.0-1.0, "categories": {"<category>": 0.0-1.0}, "explanation": "brief reason"}

safe_confidence is your confidence that the content is safe to publish.
Score these categories when relevant: hate_speech, spam, adult_content, violence, harassment, misinformation.`

// userPrompt renders the content part of a classification request.
func userPrompt(content moderation.Content) string {
	switch content.Type {
	case moderation.TypeURL:
		return "Classify the following URL and what it likely links to:\n" + content.Text
	case moderation.TypeImage:
		if content.Filename != "" {
			return "Classify the attached image (filename: " + content.Filename + ")."
		}
		return "Classify the attached image."
	default:
		return "Classify the following text:\n" + content.Text
	}
}

type classification struct {
	SafeConfidence *float64           `json:"safe_confidence"`
	Categories     map[string]float64 `json:"categories"`
	Explanation    string             `json:"explanation"`
}

// parseClassification turns model output text into a signal. The object is
// located between the first '{' and the last '}'; a failed decode is retried
// once after repairing the JSON.
func parseClassification(text string) (moderation.Signal, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return moderation.Signal{}, fmt.Errorf("%w: no JSON object in model output", ErrMalformed)
	}
	raw := text[start : end+1]

	var c classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return moderation.Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		c = classification{}
		if err := json.Unmarshal([]byte(repaired), &c); err != nil {
			return moderation.Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if c.SafeConfidence == nil {
		return moderation.Signal{}, fmt.Errorf("%w: safe_confidence missing", ErrMalformed)
	}
	if !inUnit(*c.SafeConfidence) {
		return moderation.Signal{}, fmt.Errorf("%w: safe_confidence %v out of range", ErrMalformed, *c.SafeConfidence)
	}

	scores := make(map[string]float64, len(c.Categories))
	for name, score := range c.Categories {
		if !inUnit(score) {
			return moderation.Signal{}, fmt.Errorf("%w: category %q score %v out of range", ErrMalformed, name, score)
		}
		key := normalizeCategory(name)
		if key == "" {
			continue
		}
		if prev, ok := scores[key]; !ok || score > prev {
			scores[key] = score
		}
	}

	return moderation.Signal{
		SafeConfidence: *c.SafeConfidence,
		CategoryScores: scores,
		Explanation:    strings.TrimSpace(c.Explanation),
	}, nil
}

func normalizeCategory(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, name)
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
