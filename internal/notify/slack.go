package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSlackAPIBaseURL = "https://slack.com"

// SlackConfig configures the Slack sink.
type SlackConfig struct {
	APIBaseURL  string
	AccessToken string
	Channel     string
}

// SlackSink posts a digest of flagged results to a Slack channel.
type SlackSink struct {
	client      *http.Client
	apiBaseURL  string
	accessToken string
	channel     string
}

func NewSlackSink(cfg SlackConfig, client *http.Client) *SlackSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	apiBaseURL := strings.TrimSpace(cfg.APIBaseURL)
	if apiBaseURL == "" {
		apiBaseURL = defaultSlackAPIBaseURL
	}
	return &SlackSink{
		client:      client,
		apiBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		accessToken: strings.TrimSpace(cfg.AccessToken),
		channel:     strings.TrimSpace(cfg.Channel),
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Accept(e Event) bool {
	return e.Channels.Slack && e.Flagged()
}

func (s *SlackSink) Send(ctx context.Context, events []Event) error {
	if s.channel == "" {
		return NewPermanentError(fmt.Errorf("slack channel is required"))
	}

	body, err := json.Marshal(struct {
		Channel     string `json:"channel"`
		Text        string `json:"text"`
		UnfurlLinks bool   `json:"unfurl_links"`
	}{
		Channel: s.channel,
		Text:    slackDigest(events),
	})
	if err != nil {
		return fmt.Errorf("marshaling slack message body: %w", err)
	}

	endpoint := s.apiBaseURL + "/api/chat.postMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return NewPermanentError(fmt.Errorf("building slack request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending slack request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return classifyHTTPStatus("slack", resp.StatusCode, string(respBody))
	}

	var response struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return fmt.Errorf("decoding slack response: %w", err)
	}
	if !response.OK {
		errMsg := strings.TrimSpace(response.Error)
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return NewPermanentError(fmt.Errorf("slack send failed: %s", errMsg))
	}
	return nil
}

func slackDigest(events []Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d moderation result(s) need attention", len(events))
	for _, e := range events {
		r := e.Result
		fmt.Fprintf(&b, "\n• *%s* %s (severity %.2f, via %s)", r.Decision, r.ID, r.SeverityScore, r.ServiceUsed)
		if len(r.Categories) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(r.Categories, ", "))
		}
	}
	return b.String()
}
