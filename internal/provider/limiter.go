package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent provider calls across all requests.
type Limiter struct {
	sem      *semaphore.Weighted // nil means unbounded
	inflight atomic.Int64
	total    atomic.Int64
	observe  func(int64)
}

// NewLimiter creates a limiter admitting at most max concurrent calls.
// max <= 0 disables the bound but keeps the counters. observe, if set,
// receives the in-flight count after every change.
func NewLimiter(max int64, observe func(int64)) *Limiter {
	l := &Limiter{observe: observe}
	if max > 0 {
		l.sem = semaphore.NewWeighted(max)
	}
	return l
}

// Acquire blocks until a slot is free or ctx ends. The returned release
// func is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return func() {}, err
		}
	}
	l.total.Add(1)
	l.report(l.inflight.Add(1))

	var once sync.Once
	return func() {
		once.Do(func() {
			l.report(l.inflight.Add(-1))
			if l.sem != nil {
				l.sem.Release(1)
			}
		})
	}, nil
}

// InFlight is the number of calls currently holding a slot.
func (l *Limiter) InFlight() int64 { return l.inflight.Load() }

// Total is the number of slots ever granted.
func (l *Limiter) Total() int64 { return l.total.Load() }

func (l *Limiter) report(n int64) {
	if l.observe != nil {
		l.observe(n)
	}
}
