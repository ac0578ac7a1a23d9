// Package agent runs the capture listener and the delivery worker side by
// side and shuts both down cleanly.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/offlinefirst/keyboard-monitor/pkg/capture"
	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
	"github.com/offlinefirst/keyboard-monitor/pkg/delivery"
	"github.com/offlinefirst/keyboard-monitor/pkg/keyhook"
	"github.com/offlinefirst/keyboard-monitor/pkg/metrics"
	"github.com/offlinefirst/keyboard-monitor/pkg/queue"
)

// Termination explains how a run ended.
type Termination string

const (
	TerminationInterrupt      Termination = "interrupt"
	TerminationDrained        Termination = "drained"
	TerminationDeliveryFailed Termination = "delivery_failed"
	TerminationCaptureFailed  Termination = "capture_failed"
	TerminationStartupFailed  Termination = "startup_failed"
)

// Failed reports whether the termination should produce a non-zero exit.
func (t Termination) Failed() bool {
	switch t {
	case TerminationDeliveryFailed, TerminationCaptureFailed, TerminationStartupFailed:
		return true
	default:
		return false
	}
}

var (
	errCaptureFinished  = errors.New("capture finished")
	errDeliveryFinished = errors.New("delivery finished")
)

// Store is the datastore seen by the agent.
type Store interface {
	delivery.Store
	EnsureTable(ctx context.Context) error
}

// Options controls agent construction.
type Options struct {
	Hook     keyhook.Hook
	Store    Store
	Logger   *slog.Logger
	Observer metrics.Observer
	Backoff  func() backoff.BackOff
	Clock    func() time.Time
}

// Summary reports how a run went.
type Summary struct {
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
	Termination Termination `json:"termination"`
	Delivered   int64       `json:"delivered"`
	Retried     int64       `json:"retried"`
	Pending     int         `json:"pending"`
	Timeline    []Event     `json:"timeline,omitempty"`
}

// Agent wires one listener to one worker through one queue.
type Agent struct {
	hook     keyhook.Hook
	store    Store
	logger   *slog.Logger
	observer metrics.Observer
	backoff  func() backoff.BackOff
	clock    func() time.Time
}

// New validates opts and returns an agent.
func New(opts Options) (*Agent, error) {
	if opts.Hook == nil {
		return nil, errors.New("key hook must be provided")
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
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Agent{
		hook:     opts.Hook,
		store:    opts.Store,
		logger:   logger,
		observer: observer,
		backoff:  opts.Backoff,
		clock:    clock,
	}, nil
}

// Run ensures the table exists, then captures and delivers until ctx is
// cancelled or either task ends. Cancelling ctx starts a graceful drain:
// every chord captured before the stop is delivered before Run returns.
// The returned error is the first task failure.
func (a *Agent) Run(ctx context.Context) (Summary, error) {
	summary := Summary{StartedAt: a.clock().UTC()}
	state := NewRunState(ctx, a.clock)
	state.Record("starting", "")

	if err := a.store.EnsureTable(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			state.Record("finished", string(TerminationInterrupt))
			summary.FinishedAt = a.clock().UTC()
			summary.Termination = TerminationInterrupt
			summary.Timeline = state.Timeline()
			a.logger.Info("interrupted before capture started")
			return summary, nil
		}
		state.Record("startup_failed", err.Error())
		summary.FinishedAt = a.clock().UTC()
		summary.Termination = TerminationStartupFailed
		summary.Timeline = state.Timeline()
		return summary, fmt.Errorf("ensure table: %w", err)
	}

	q := queue.New()
	listener, err := capture.New(capture.Options{Hook: a.hook, Queue: q, Logger: a.logger, Observer: a.observer})
	if err != nil {
		return summary, err
	}
	worker, err := delivery.New(delivery.Options{
		Queue:    q,
		Store:    a.store,
		Logger:   a.logger,
		Observer: a.observer,
		Backoff:  a.backoff,
	})
	if err != nil {
		return summary, err
	}

	var captureErr, deliveryErr error
	var g errgroup.Group
	g.Go(func() error {
		captureErr = listener.Run(state.Context())
		if captureErr != nil {
			state.Record("capture_failed", captureErr.Error())
			state.Stop(captureErr)
			return captureErr
		}
		state.Record("capture_stopped", "")
		state.Stop(errCaptureFinished)
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown reaches the worker through the queue sentinel;
		// it is never cancelled.
		deliveryErr = worker.Run(context.WithoutCancel(ctx))
		if deliveryErr != nil {
			state.Record("delivery_failed", deliveryErr.Error())
			state.Stop(deliveryErr)
			return deliveryErr
		}
		state.Record("delivery_drained", "")
		state.Stop(errDeliveryFinished)
		return nil
	})
	state.Record("running", "")
	a.logger.Info("agent running")

	runErr := g.Wait()

	stats := worker.Stats()
	summary.FinishedAt = a.clock().UTC()
	summary.Delivered = stats.Delivered
	summary.Retried = stats.Retried
	pending := q.Pending()
	summary.Pending = len(pending)
	switch {
	case deliveryErr != nil:
		summary.Termination = TerminationDeliveryFailed
	case captureErr != nil:
		summary.Termination = TerminationCaptureFailed
	case ctx.Err() != nil:
		summary.Termination = TerminationInterrupt
	default:
		summary.Termination = TerminationDrained
	}
	state.Record("finished", string(summary.Termination))
	summary.Timeline = state.Timeline()

	if len(pending) > 0 {
		a.logger.Error("chords left undelivered", "count", len(pending), "hits", chordStrings(pending))
	}
	if runErr != nil {
		a.logger.Error("agent stopped with failure", "termination", summary.Termination, "error", runErr)
		return summary, runErr
	}
	a.logger.Info("agent stopped", "termination", summary.Termination, "delivered", summary.Delivered, "retried", summary.Retried)
	return summary, nil
}

func chordStrings(chords []chord.Chord) []string {
	out := make([]string, len(chords))
	for i, c := range chords {
		out[i] = string(c)
	}
	return out
}
