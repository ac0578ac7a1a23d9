// Package capture turns key hook callbacks into chord records on the queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
	"github.com/offlinefirst/keyboard-monitor/pkg/keyhook"
	"github.com/offlinefirst/keyboard-monitor/pkg/metrics"
	"github.com/offlinefirst/keyboard-monitor/pkg/queue"
)

// State is the lifecycle position of a Listener.
type State int

const (
	StateIdle State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options controls listener construction.
type Options struct {
	Hook     keyhook.Hook
	Queue    *queue.Queue
	Logger   *slog.Logger
	Observer metrics.Observer
}

// Listener subscribes to a key hook, tracks held modifiers and pushes one
// chord per non-modifier key press.
type Listener struct {
	hook     keyhook.Hook
	queue    *queue.Queue
	tracker  *chord.Tracker
	logger   *slog.Logger
	observer metrics.Observer

	// mu serializes hook callbacks and guards state.
	mu    sync.Mutex
	state State
}

// New validates opts and returns an idle listener.
func New(opts Options) (*Listener, error) {
	if opts.Hook == nil {
		return nil, errors.New("key hook must be provided")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue must be provided")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	observer := opts.Observer
	if observer == nil {
		observer = metrics.Nop()
	}
	return &Listener{
		hook:     opts.Hook,
		queue:    opts.Queue,
		tracker:  chord.NewTracker(logger),
		logger:   logger,
		observer: observer,
	}, nil
}

// State reports the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run listens until ctx is cancelled or the hook ends by itself. On the way
// out it always pushes the stop sentinel so the consumer drains and exits.
// A failed subscription and a hook that ends with an error are returned.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("listener already %s", state)
	}
	// Callbacks block on mu until the state below is published, so events
	// delivered while Subscribe is still returning are not lost.
	sub, err := l.hook.Subscribe(l.onPress, l.onRelease)
	if err != nil {
		l.state = StateDraining
		l.queue.Push(queue.Stop())
		l.state = StateStopped
		l.mu.Unlock()
		l.logger.Error("key hook subscription failed", "error", err)
		return fmt.Errorf("subscribe key hook: %w", err)
	}
	l.state = StateListening
	l.mu.Unlock()
	l.logger.Info("listening for key chords")

	var hookErr error
	select {
	case <-ctx.Done():
		l.logger.Info("stop requested, draining capture")
	case <-sub.Done():
		hookErr = sub.Err()
		if hookErr != nil {
			l.logger.Error("key hook stopped", "error", hookErr)
		} else {
			l.logger.Info("key hook finished, draining capture")
		}
	}

	l.mu.Lock()
	l.state = StateDraining
	l.queue.Push(queue.Stop())
	l.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		l.logger.Warn("key hook unsubscribe failed", "error", err)
	}

	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
	l.logger.Debug("capture stopped")

	if hookErr != nil {
		return fmt.Errorf("key hook: %w", hookErr)
	}
	return nil
}

func (l *Listener) onPress(k chord.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateListening {
		return
	}
	l.tracker.Press(k)
	if k.IsModifier() {
		return
	}
	hits := l.tracker.Encode(k)
	l.queue.Push(queue.Of(hits))
	l.observer.RecordEnqueue(l.queue.Len())
	l.logger.Debug("chord enqueued", "hits", string(hits))
}

func (l *Listener) onRelease(k chord.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateListening {
		return
	}
	l.tracker.Release(k)
}
