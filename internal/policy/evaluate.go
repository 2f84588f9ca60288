package policy

import (
	"math"
	"sort"

	"github.com/valinor-ai/moderator/internal/moderation"
)

// FlagThreshold is the weighted severity above which a category is
// triggered.
const FlagThreshold = 0.5

// Evaluation is the outcome of applying a policy to a provider signal.
type Evaluation struct {
	Decision      moderation.Decision
	SeverityScore float64
	Categories    []string
}

// Weight scales a raw category score by sensitivity. Sensitivity 0 halves
// the score, sensitivity 1 passes it through unchanged.
func Weight(score, sensitivity float64) float64 {
	return clamp01(score) * (0.5 + 0.5*clamp01(sensitivity))
}

// Evaluate maps a provider signal and custom rule matches to a verdict.
// It is pure and safe for concurrent use.
func Evaluate(signal moderation.Signal, ruleMatches []string, cfg Config) Evaluation {
	confidence := clamp01(signal.SafeConfidence)

	type triggered struct {
		name   string
		weight float64
	}
	var hits []triggered
	for name, score := range signal.CategoryScores {
		if !cfg.EnabledCategories[name] {
			continue
		}
		w := Weight(score, cfg.SensitivityFor(name))
		if w > FlagThreshold {
			hits = append(hits, triggered{name: name, weight: w})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].weight != hits[j].weight {
			return hits[i].weight > hits[j].weight
		}
		return hits[i].name < hits[j].name
	})

	var decision moderation.Decision
	switch {
	case confidence >= cfg.AutoApprovalThreshold:
		decision = moderation.DecisionSafe
	case confidence >= cfg.ManualReviewThreshold:
		decision = moderation.DecisionReview
	default:
		decision = moderation.DecisionBlock
	}

	if len(hits) > 0 {
		decision = decision.Escalate()
	}
	if len(ruleMatches) > 0 {
		decision = moderation.MostSevere(decision, moderation.DecisionReview)
	}

	categories := make([]string, 0, len(ruleMatches)+len(hits))
	seen := make(map[string]bool, cap(categories))
	for _, name := range ruleMatches {
		if !seen[name] {
			seen[name] = true
			categories = append(categories, name)
		}
	}
	for _, h := range hits {
		if !seen[h.name] {
			seen[h.name] = true
			categories = append(categories, h.name)
		}
	}

	severity := 1 - confidence
	if len(hits) > 0 {
		severity = hits[0].weight
	}

	return Evaluation{
		Decision:      decision,
		SeverityScore: severity,
		Categories:    categories,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
