package agent

import (
	"context"
	"sync"
	"time"
)

// Event is one entry of the run timeline.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// RunState carries the one-shot stop signal shared by the capture and
// delivery tasks and records what happened along the way.
type RunState struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	clock  func() time.Time

	mu       sync.Mutex
	stopping bool
	timeline []Event
}

// NewRunState derives the stop signal from parent, so cancelling parent
// also stops the run.
func NewRunState(parent context.Context, clock func() time.Time) *RunState {
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &RunState{ctx: ctx, cancel: cancel, clock: clock}
}

// Context is done once Stop is called or the parent is cancelled.
func (r *RunState) Context() context.Context {
	return r.ctx
}

// Stop fires the stop signal. It is safe to call from several goroutines and
// more than once; the first cause wins.
func (r *RunState) Stop(cause error) {
	r.mu.Lock()
	first := !r.stopping && r.ctx.Err() == nil
	r.stopping = true
	r.mu.Unlock()
	if first {
		detail := ""
		if cause != nil {
			detail = cause.Error()
		}
		r.Record("stop_requested", detail)
	}
	r.cancel(cause)
}

// Cause reports why the run was stopped, or nil while it is still running.
func (r *RunState) Cause() error {
	if r.ctx.Err() == nil {
		return nil
	}
	return context.Cause(r.ctx)
}

// Record appends a timeline entry.
func (r *RunState) Record(kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeline = append(r.timeline, Event{At: r.clock().UTC(), Kind: kind, Detail: detail})
}

// Timeline returns a copy of the recorded entries in order.
func (r *RunState) Timeline() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.timeline...)
}

// State reports the textual state for diagnostics.
func (r *RunState) State() string {
	if r.ctx.Err() != nil {
		return "stopping"
	}
	return "running"
}
