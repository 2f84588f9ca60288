package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/valinor-ai/moderator/internal/moderation"
)

const (
	DefaultGroqBaseURL     = "https://api.groq.com"
	DefaultGroqModel       = "llama3-8b-8192"
	DefaultGroqVisionModel = "meta-llama/llama-4-scout-17b-16e-instruct"
)

// GroqConfig configures the Groq provider.
type GroqConfig struct {
	BaseURL     string
	APIKey      string
	Model       string // text and URL classification
	VisionModel string // image classification; empty disables images
	HTTPClient  *http.Client
}

// Groq classifies content through Groq's OpenAI-compatible chat API.
type Groq struct {
	cfg    GroqConfig
	client *http.Client
}

// NewGroq creates a Groq provider. Missing model names fall back to defaults;
// a missing API key is reported as KindAuth on every call.
func NewGroq(cfg GroqConfig) *Groq {
	cfg.BaseURL = trimBaseURL(cfg.BaseURL, DefaultGroqBaseURL)
	if cfg.Model == "" {
		cfg.Model = DefaultGroqModel
	}
	return &Groq{cfg: cfg, client: newHTTPClient(cfg.HTTPClient)}
}

func (g *Groq) Name() string { return "groq" }

func (g *Groq) Supports(t moderation.ContentType) bool {
	if t == moderation.TypeImage {
		return g.cfg.VisionModel != ""
	}
	return t.Valid()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *chatImagePart `json:"image_url,omitempty"`
}

type chatImagePart struct {
	URL string `json:"url"`
}

// Classify sends content to the text or vision model.
func (g *Groq) Classify(ctx context.Context, content moderation.Content) (moderation.Signal, error) {
	if g.cfg.APIKey == "" {
		return moderation.Signal{}, NewError(KindAuth, g.Name(), errors.New("api key not configured"))
	}
	if !g.Supports(content.Type) {
		return moderation.Signal{}, NewError(KindUnavailable, g.Name(), fmt.Errorf("content type %q not supported", content.Type))
	}

	model, service := g.cfg.Model, "groq"
	var user any = userPrompt(content)
	if content.Type == moderation.TypeImage {
		model, service = g.cfg.VisionModel, "groq_vision"
		dataURL := "data:" + content.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(content.Data)
		user = []chatPart{
			{Type: "text", Text: userPrompt(content)},
			{Type: "image_url", ImageURL: &chatImagePart{URL: dataURL}},
		}
	}

	reqBody, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		"temperature":     0,
		"max_tokens":      512,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return moderation.Signal{}, NewError(KindUnavailable, g.Name(), fmt.Errorf("encoding request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/openai/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return moderation.Signal{}, NewError(KindUnavailable, g.Name(), fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return moderation.Signal{}, classifyTransport(ctx, g.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return moderation.Signal{}, classifyTransport(ctx, g.Name(), fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return moderation.Signal{}, classifyStatus(g.Name(), resp.StatusCode, groqErrorMessage(body))
	}

	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return moderation.Signal{}, NewError(KindMalformed, g.Name(), fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if len(envelope.Choices) == 0 {
		return moderation.Signal{}, NewError(KindMalformed, g.Name(), fmt.Errorf("%w: no choices", ErrMalformed))
	}

	signal, err := parseClassification(envelope.Choices[0].Message.Content)
	if err != nil {
		return moderation.Signal{}, NewError(KindMalformed, g.Name(), err)
	}
	signal.ModelUsed = model
	signal.ServiceName = service
	return signal, nil
}

// Health lists models, which verifies both reachability and the API key.
func (g *Groq) Health(ctx context.Context) error {
	if g.cfg.APIKey == "" {
		return NewError(KindAuth, g.Name(), errors.New("api key not configured"))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/openai/v1/models", nil)
	if err != nil {
		return NewError(KindUnavailable, g.Name(), fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, g.Name(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(g.Name(), resp.StatusCode, groqErrorMessage(body))
	}
	return nil
}

func groqErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(body)
}
