package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind classifies a provider failure for the fallback protocol.
type Kind int

const (
	// KindUnavailable covers transport failures, 5xx responses and open
	// circuit breakers.
	KindUnavailable Kind = iota
	KindAuth
	KindTimeout
	KindRateLimit
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindMalformed:
		return "malformed_response"
	default:
		return "unavailable"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError wraps err with a classification.
func NewError(kind Kind, provider string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// KindOf classifies err. Unclassified deadline and network timeout errors
// count as timeouts; anything else is KindUnavailable.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

const maxStatusMessage = 200

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// classifyStatus maps a non-2xx provider response to a classified error.
func classifyStatus(provider string, status int, message string) error {
	msg := truncate(strings.TrimSpace(message), maxStatusMessage)
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("status %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuth, provider, err)
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimit, provider, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewError(KindTimeout, provider, err)
	default:
		return NewError(KindUnavailable, provider, err)
	}
}

// classifyTransport classifies an error returned by http.Client.Do.
func classifyTransport(ctx context.Context, provider string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || KindOf(err) == KindTimeout {
		return NewError(KindTimeout, provider, err)
	}
	return NewError(KindUnavailable, provider, err)
}
