package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/valinor-ai/moderator/internal/moderation"
)

const (
	DefaultOllamaBaseURL     = "http://localhost:11434"
	DefaultOllamaModel       = "llama3"
	DefaultOllamaVisionModel = "llava"
)

// OllamaConfig configures the local Ollama fallback.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	VisionModel string // empty disables images
	HTTPClient  *http.Client
}

// Ollama classifies content with a locally hosted model.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
}

func NewOllama(cfg OllamaConfig) *Ollama {
	cfg.BaseURL = trimBaseURL(cfg.BaseURL, DefaultOllamaBaseURL)
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	return &Ollama{cfg: cfg, client: newHTTPClient(cfg.HTTPClient)}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Supports(t moderation.ContentType) bool {
	if t == moderation.TypeImage {
		return o.cfg.VisionModel != ""
	}
	return t.Valid()
}

func (o *Ollama) Classify(ctx context.Context, content moderation.Content) (moderation.Signal, error) {
	if !o.Supports(content.Type) {
		return moderation.Signal{}, NewError(KindUnavailable, o.Name(), fmt.Errorf("content type %q not supported", content.Type))
	}

	payload := map[string]any{
		"model":   o.cfg.Model,
		"system":  systemPrompt,
		"prompt":  userPrompt(content),
		"stream":  false,
		"format":  "json",
		"options": map[string]any{"temperature": 0},
	}
	model := o.cfg.Model
	if content.Type == moderation.TypeImage {
		model = o.cfg.VisionModel
		payload["model"] = model
		payload["images"] = []string{base64.StdEncoding.EncodeToString(content.Data)}
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return moderation.Signal{}, NewError(KindUnavailable, o.Name(), fmt.Errorf("encoding request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return moderation.Signal{}, NewError(KindUnavailable, o.Name(), fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return moderation.Signal{}, classifyTransport(ctx, o.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return moderation.Signal{}, classifyTransport(ctx, o.Name(), fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return moderation.Signal{}, classifyStatus(o.Name(), resp.StatusCode, ollamaErrorMessage(body))
	}

	var envelope struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return moderation.Signal{}, NewError(KindMalformed, o.Name(), fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	signal, err := parseClassification(envelope.Response)
	if err != nil {
		return moderation.Signal{}, NewError(KindMalformed, o.Name(), err)
	}
	signal.ModelUsed = model
	signal.ServiceName = o.Name()
	return signal, nil
}

func (o *Ollama) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return NewError(KindUnavailable, o.Name(), fmt.Errorf("creating request: %w", err))
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, o.Name(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(o.Name(), resp.StatusCode, ollamaErrorMessage(body))
	}
	return nil
}

func ollamaErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
