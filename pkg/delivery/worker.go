// Package delivery drains the chord queue into the datastore.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/offlinefirst/keyboard-monitor/pkg/metrics"
	"github.com/offlinefirst/keyboard-monitor/pkg/queue"
	"github.com/offlinefirst/keyboard-monitor/pkg/store"
)

const (
	DefaultBackoffInitial = 250 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
)

// Store persists one chord per call. Errors wrapping
// store.ErrConnectionInvalidated are retried; any other error is terminal.
type Store interface {
	InsertHits(ctx context.Context, hits string) error
}

// Options controls worker construction.
type Options struct {
	Queue    *queue.Queue
	Store    Store
	Logger   *slog.Logger
	Observer metrics.Observer
	// Backoff builds the retry pacing policy. It should never return
	// backoff.Stop; if it does the retry happens immediately.
	Backoff func() backoff.BackOff
}

// Stats counts what a worker has done so far.
type Stats struct {
	Delivered int64
	Retried   int64
}

// Worker pops chords and inserts them one at a time, in queue order.
type Worker struct {
	queue      *queue.Queue
	store      Store
	logger     *slog.Logger
	observer   metrics.Observer
	newBackOff func() backoff.BackOff

	delivered atomic.Int64
	retried   atomic.Int64
}

// ExponentialBackOff returns a factory for capped exponential pacing that
// never gives up.
func ExponentialBackOff(initial, maxInterval time.Duration) func() backoff.BackOff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if maxInterval < initial {
		maxInterval = initial
	}
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// New validates opts and returns a worker.
func New(opts Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue must be provided")
	}
	if opts.Store == nil {
		return nil, errors.New("store must be provided")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	observer := opts.Observer
	if observer == nil {
		observer = metrics.Nop()
	}
	factory := opts.Backoff
	if factory == nil {
		factory = ExponentialBackOff(DefaultBackoffInitial, DefaultBackoffMax)
	}
	return &Worker{
		queue:      opts.Queue,
		store:      opts.Store,
		logger:     logger,
		observer:   observer,
		newBackOff: factory,
	}, nil
}

// Stats returns the delivery counters.
func (w *Worker) Stats() Stats {
	return Stats{Delivered: w.delivered.Load(), Retried: w.retried.Load()}
}

// Run delivers until the stop sentinel is popped, returning nil, or until a
// non-recoverable store error, which is returned with the failed chord left
// at the head of the queue. ctx only aborts: callers
// that want every queued chord delivered push the sentinel instead of
// cancelling.
func (w *Worker) Run(ctx context.Context) error {
	pacing := w.newBackOff()
	pacing.Reset()

	for {
		item, err := w.queue.Pop(ctx)
		if err != nil {
			return fmt.Errorf("delivery aborted: %w", err)
		}
		if item.IsStop() {
			w.logger.Info("stop received, delivery drained", "delivered", w.delivered.Load(), "retried", w.retried.Load())
			return nil
		}

		hits := string(item.Chord)
		start := time.Now()
		err = w.store.InsertHits(ctx, hits)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			w.delivered.Add(1)
			w.observer.RecordDelivery(elapsed, metrics.OutcomeSent, w.queue.Len())
			w.logger.Info("sent", "hits", hits)
			pacing.Reset()
		case errors.Is(err, store.ErrConnectionInvalidated):
			w.retried.Add(1)
			w.queue.PushFront(item)
			w.observer.RecordDelivery(elapsed, metrics.OutcomeRetried, w.queue.Len())
			delay := pacing.NextBackOff()
			if delay == backoff.Stop {
				pacing.Reset()
				delay = 0
			}
			w.logger.Error("connection invalidated, will retry", "hits", hits, "retry_in", delay, "error", err)
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("delivery aborted: %w", err)
			}
		default:
			// Not retried, but kept queued so it is reported as undelivered.
			w.queue.PushFront(item)
			w.observer.RecordDelivery(elapsed, metrics.OutcomeFailed, w.queue.Len())
			w.logger.Error("delivery failed", "hits", hits, "error", err)
			return fmt.Errorf("deliver %q: %w", hits, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
