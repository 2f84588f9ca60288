package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valinor-ai/moderator/internal/moderation"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body when a
// secret is configured.
const SignatureHeader = "X-Moderator-Signature"

// WebhookSink POSTs flagged results to an operator endpoint.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: strings.TrimSpace(url), secret: secret, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Accept(e Event) bool {
	return e.Channels.Webhook && e.Flagged()
}

type webhookPayload struct {
	Type    string              `json:"type"`
	Results []moderation.Result `json:"results"`
}

func (s *WebhookSink) Send(ctx context.Context, events []Event) error {
	payload := webhookPayload{Type: "moderation.flagged", Results: make([]moderation.Result, 0, len(events))}
	for _, e := range events {
		payload.Results = append(payload.Results, e.Result)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return NewPermanentError(fmt.Errorf("marshaling webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return NewPermanentError(fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return classifyHTTPStatus("webhook", resp.StatusCode, string(respBody))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
