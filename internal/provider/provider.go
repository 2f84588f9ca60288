// Package provider talks to external AI classification services and
// chains them into an ordered fallback client.
package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/valinor-ai/moderator/internal/moderation"
)

// Provider is one classification service.
type Provider interface {
	// Name identifies the provider in logs, metrics and failure reasons.
	Name() string
	// Supports reports whether the provider can classify content of type t.
	Supports(t moderation.ContentType) bool
	// Classify returns a fully populated signal or a classified *Error.
	Classify(ctx context.Context, content moderation.Content) (moderation.Signal, error)
	// Health checks that the provider is reachable and accepts credentials.
	Health(ctx context.Context) error
}

const maxResponseBytes = 1 << 20

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	// Per-attempt deadlines come from the context; this is only a backstop.
	return &http.Client{Timeout: 60 * time.Second}
}

func trimBaseURL(u, fallback string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u == "" {
		return fallback
	}
	return u
}
