package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DispatcherConfig configures the async dispatcher.
type DispatcherConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SendTimeout   time.Duration
	MaxRetries    uint64
	RetryDelay    time.Duration
}

// DropCounter counts events dropped on a full buffer.
type DropCounter interface {
	IncNotifyDropped()
}

// AsyncDispatcher implements Notifier with a buffered channel and a
// background worker that batches events per sink.
type AsyncDispatcher struct {
	ch      chan Event
	sinks   []Sink
	cfg     DispatcherConfig
	dropped DropCounter
	logger  *slog.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewAsyncDispatcher creates and starts a dispatcher. dropped and logger
// may be nil.
func NewAsyncDispatcher(sinks []Sink, cfg DispatcherConfig, dropped DropCounter, logger *slog.Logger) *AsyncDispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &AsyncDispatcher{
		ch:      make(chan Event, cfg.BufferSize),
		sinks:   sinks,
		cfg:     cfg,
		dropped: dropped,
		logger:  logger,
		cancel:  cancel,
	}

	d.wg.Add(1)
	go d.worker(ctx)

	return d
}

// Notify enqueues an event. Never blocks the caller; drops if the buffer
// is full.
func (d *AsyncDispatcher) Notify(_ context.Context, event Event) {
	select {
	case d.ch <- event:
	default:
		if d.dropped != nil {
			d.dropped.IncNotifyDropped()
		}
		d.logger.Warn("notification buffer full, dropping event", "result_id", event.Result.ID)
	}
}

// Close flushes remaining events and stops the worker.
func (d *AsyncDispatcher) Close() error {
	d.cancel()
	d.wg.Wait()
	d.flush(d.drainAll())
	return nil
}

func (d *AsyncDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Event

	for {
		select {
		case <-ctx.Done():
			batch = append(batch, d.drainAll()...)
			d.flush(batch)
			return

		case e := <-d.ch:
			batch = append(batch, e)
			if len(batch) >= d.cfg.BatchSize {
				d.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = nil
			}
		}
	}
}

func (d *AsyncDispatcher) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, sink := range d.sinks {
		var accepted []Event
		for _, e := range events {
			if sink.Accept(e) {
				accepted = append(accepted, e)
			}
		}
		if len(accepted) == 0 {
			continue
		}
		if err := d.send(sink, accepted); err != nil {
			d.logger.Error("notification delivery failed",
				"sink", sink.Name(), "count", len(accepted), "permanent", IsPermanent(err), "error", err)
		}
	}
}

// send delivers one batch, retrying transient failures.
func (d *AsyncDispatcher) send(sink Sink, events []Event) error {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		defer cancel()
		err := sink.Send(ctx, events)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RetryDelay), d.cfg.MaxRetries))
}

func (d *AsyncDispatcher) drainAll() []Event {
	var events []Event
	for {
		select {
		case e := <-d.ch:
			events = append(events, e)
		default:
			return events
		}
	}
}
