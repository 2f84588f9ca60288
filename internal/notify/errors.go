package notify

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// SendError marks sink failures with retry classification.
type SendError struct {
	err       error
	permanent bool
}

func (e *SendError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// NewPermanentError wraps a failure that must not be retried.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{err: err, permanent: true}
}

// IsPermanent reports whether err is a non-retryable send failure.
func IsPermanent(err error) bool {
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		return false
	}
	return sendErr.permanent
}

func classifyHTTPStatus(sink string, status int, message string) error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("%s send failed: status %d: %s", sink, status, msg)
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return err
	}
	if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
		return NewPermanentError(err)
	}
	return err
}
