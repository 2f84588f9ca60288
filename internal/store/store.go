// Package store persists moderation results and aggregates dashboard stats.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/valinor-ai/moderator/internal/moderation"
)

// ErrNotFound is returned when a result id is unknown.
var ErrNotFound = errors.New("result not found")

// Store is the ResultStore contract shared by all backends.
type Store interface {
	Save(ctx context.Context, result moderation.Result) error
	Get(ctx context.Context, id string) (moderation.Result, error)
	Stats(ctx context.Context) (moderation.Stats, error)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
