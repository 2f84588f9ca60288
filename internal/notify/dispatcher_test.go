package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/policy"
)

// mockSink records delivered batches.
type mockSink struct {
	name   string
	accept func(Event) bool
	fail   func(call int) error

	mu      sync.Mutex
	calls   int
	batches [][]Event
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Accept(e Event) bool {
	if m.accept == nil {
		return true
	}
	return m.accept(e)
}

func (m *mockSink) Send(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		if err := m.fail(m.calls); err != nil {
			return err
		}
	}
	m.batches = append(m.batches, events)
	return nil
}

func (m *mockSink) delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *mockSink) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type dropCounter struct{ n atomic.Int64 }

func (d *dropCounter) IncNotifyDropped() { d.n.Add(1) }

func testEvent(decision moderation.Decision) Event {
	return NewEvent(moderation.Result{ID: uuid.NewString(), Decision: decision}, policy.Notifications{Webhook: true})
}

func TestAsyncDispatcher_FlushesOnInterval(t *testing.T) {
	sink := &mockSink{name: "mock"}
	d := NewAsyncDispatcher([]Sink{sink}, DispatcherConfig{
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}, nil, nil)

	d.Notify(context.Background(), testEvent(moderation.DecisionBlock))

	assert.Eventually(t, func() bool { return sink.delivered() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, d.Close())
}

func TestAsyncDispatcher_FlushesOnBatchSize(t *testing.T) {
	sink := &mockSink{name: "mock"}
	d := NewAsyncDispatcher([]Sink{sink}, DispatcherConfig{
		BufferSize:    100,
		BatchSize:     3,
		FlushInterval: 10 * time.Second,
	}, nil, nil)

	for i := 0; i < 3; i++ {
		d.Notify(context.Background(), testEvent(moderation.DecisionReview))
	}

	assert.Eventually(t, func() bool { return sink.delivered() == 3 }, time.Second, 10*time.Millisecond)
	require.NoError(t, d.Close())
}

func TestAsyncDispatcher_CloseDrains(t *testing.T) {
	sink := &mockSink{name: "mock"}
	d := NewAsyncDispatcher([]Sink{sink}, DispatcherConfig{
		BufferSize:    100,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
	}, nil, nil)

	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), testEvent(moderation.DecisionBlock))
	}
	require.NoError(t, d.Close())
	assert.Equal(t, 5, sink.delivered())
}

func TestAsyncDispatcher_DropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	sink := &mockSink{name: "slow", fail: func(int) error { <-block; return nil }}
	drops := &dropCounter{}
	d := NewAsyncDispatcher([]Sink{sink}, DispatcherConfig{
		BufferSize:    2,
		BatchSize:     1,
		FlushInterval: 10 * time.Second,
	}, drops, nil)

	for i := 0; i < 10; i++ {
		d.Notify(context.Background(), testEvent(moderation.DecisionBlock))
	}
	close(block)
	require.NoError(t, d.Close())

	assert.Greater(t, drops.n.Load(), int64(0))
	assert.Equal(t, int64(10), drops.n.Load()+int64(sink.delivered()))
}

func TestAsyncDispatcher_FiltersPerSink(t *testing.T) {
	flaggedOnly := &mockSink{name: "flagged", accept: Event.Flagged}
	everything := &mockSink{name: "all"}
	d := NewAsyncDispatcher([]Sink{flaggedOnly, everything}, DispatcherConfig{BatchSize: 100}, nil, nil)

	d.Notify(context.Background(), testEvent(moderation.DecisionSafe))
	d.Notify(context.Background(), testEvent(moderation.DecisionBlock))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, flaggedOnly.delivered())
	assert.Equal(t, 2, everything.delivered())
}

func TestAsyncDispatcher_RetriesTransientFailures(t *testing.T) {
	sink := &mockSink{name: "flaky", fail: func(call int) error {
		if call == 1 {
			return errors.New("connection reset")
		}
		return nil
	}}
	d := NewAsyncDispatcher([]Sink{sink}, DispatcherConfig{
		BatchSize:  100,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, nil, nil)

	d.Notify(context.Background(), testEvent(moderation.DecisionBlock))
	require.NoError(t, d.Close())

	assert.Equal(t, 2, sink.callCount())
	assert.Equal(t, 1, sink.delivered())
}

func TestAsyncDispatcher_PermanentFailuresNotRetried(t *testing.T) {
	sink := &mockSink{name: "broken", fail: func(int) error {
		return NewPermanentError(errors.New("channel_not_found"))
	}}
	d := NewAsyncDispatcher([]Sink{sink}, DispatcherConfig{
		BatchSize:  100,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, nil, nil)

	d.Notify(context.Background(), testEvent(moderation.DecisionBlock))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, sink.callCount())
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	n.Notify(context.Background(), testEvent(moderation.DecisionBlock))
	assert.NoError(t, n.Close())
}
