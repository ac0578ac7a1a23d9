package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
	"github.com/offlinefirst/keyboard-monitor/pkg/keyhook"
	"github.com/offlinefirst/keyboard-monitor/pkg/store"
)

type memoryStore struct {
	mu        sync.Mutex
	ensureErr error
	failures  map[int]error
	calls     int
	rows      []string
	ensured   bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (s *memoryStore) EnsureTable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = true
	if s.ensureErr != nil {
		return s.ensureErr
	}
	return ctx.Err()
}

func (s *memoryStore) InsertHits(_ context.Context, hits string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.failures[s.calls]; ok {
		return err
	}
	s.rows = append(s.rows, hits)
	return nil
}

func (s *memoryStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rows...)
}

func newAgent(t *testing.T, hook keyhook.Hook, s Store) *Agent {
	t.Helper()
	a, err := New(Options{
		Hook:    hook,
		Store:   s,
		Backoff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Clock:   fixedClock(),
	})
	require.NoError(t, err)
	return a
}

type result struct {
	summary Summary
	err     error
}

func runAsync(a *Agent, ctx context.Context) <-chan result {
	done := make(chan result, 1)
	go func() {
		summary, err := a.Run(ctx)
		done <- result{summary, err}
	}()
	return done
}

func await(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("agent did not stop")
		return result{}
	}
}

func TestAgentDrainsWhenHookFinishes(t *testing.T) {
	hook := keyhook.NewScript([]keyhook.Event{
		keyhook.Down(chord.Shift), keyhook.Down("a"), keyhook.Up("a"), keyhook.Up(chord.Shift),
	})
	s := newMemoryStore()

	summary, err := newAgent(t, hook, s).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"shift+a"}, s.snapshot())
	assert.Equal(t, TerminationDrained, summary.Termination)
	assert.Equal(t, int64(1), summary.Delivered)
	assert.Zero(t, summary.Pending)
	assert.False(t, summary.Termination.Failed())
	assert.True(t, summary.FinishedAt.After(summary.StartedAt))
}

func TestAgentInterruptDeliversEverythingCaptured(t *testing.T) {
	hook := keyhook.NewScript([]keyhook.Event{
		keyhook.Down(chord.CtrlL), keyhook.Down("c"), keyhook.Up("c"), keyhook.Up(chord.CtrlL),
		keyhook.Down("x"), keyhook.Up("x"),
		{Pause: time.Hour},
	})
	s := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(newAgent(t, hook, s), ctx)

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, time.Second, time.Millisecond)
	cancel()

	r := await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, TerminationInterrupt, r.summary.Termination)
	assert.Equal(t, []string{"ctrl_l+c", "x"}, s.snapshot())

	var kinds []string
	for _, ev := range r.summary.Timeline {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, "capture_stopped")
	assert.Contains(t, kinds, "delivery_drained")
	assert.Equal(t, "finished", kinds[len(kinds)-1])
}

func TestAgentRetriesInvalidatedConnection(t *testing.T) {
	hook := keyhook.NewScript([]keyhook.Event{
		keyhook.Down("a"), keyhook.Up("a"), keyhook.Down("b"), keyhook.Up("b"),
	})
	s := newMemoryStore()
	s.failures = map[int]error{1: store.ErrConnectionInvalidated}

	summary, err := newAgent(t, hook, s).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.snapshot())
	assert.Equal(t, int64(2), summary.Delivered)
	assert.Equal(t, int64(1), summary.Retried)
}

func TestAgentFatalDeliveryStopsCapture(t *testing.T) {
	hook := keyhook.NewScript([]keyhook.Event{
		keyhook.Down("a"), keyhook.Up("a"),
		{Pause: time.Hour},
	})
	fatal := errors.New("permission denied for table")
	s := newMemoryStore()
	s.failures = map[int]error{1: fatal}

	r := await(t, runAsync(newAgent(t, hook, s), context.Background()))
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, fatal)
	assert.Equal(t, TerminationDeliveryFailed, r.summary.Termination)
	assert.True(t, r.summary.Termination.Failed())
	assert.Empty(t, s.snapshot())
	assert.Equal(t, 1, r.summary.Pending)
}

func TestAgentCaptureFailureDrainsAndFails(t *testing.T) {
	denied := keyhook.ErrAccessibilityPermission
	hook := keyhook.HookFunc(func(func(chord.Key), func(chord.Key)) (keyhook.Subscription, error) {
		return nil, denied
	})
	s := newMemoryStore()

	r := await(t, runAsync(newAgent(t, hook, s), context.Background()))
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, denied)
	assert.Equal(t, TerminationCaptureFailed, r.summary.Termination)
}

func TestAgentStartupFailure(t *testing.T) {
	subscribed := false
	hook := keyhook.HookFunc(func(func(chord.Key), func(chord.Key)) (keyhook.Subscription, error) {
		subscribed = true
		return nil, errors.New("unexpected")
	})
	s := newMemoryStore()
	s.ensureErr = errors.New("no such database")

	summary, err := newAgent(t, hook, s).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, TerminationStartupFailed, summary.Termination)
	assert.True(t, s.ensured)
	assert.False(t, subscribed)
}

func TestAgentInterruptedDuringStartup(t *testing.T) {
	subscribed := false
	hook := keyhook.HookFunc(func(func(chord.Key), func(chord.Key)) (keyhook.Subscription, error) {
		subscribed = true
		return nil, errors.New("unexpected")
	})
	s := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newAgent(t, hook, s).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminationInterrupt, summary.Termination)
	assert.False(t, summary.Termination.Failed())
	assert.True(t, s.ensured)
	assert.False(t, subscribed)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Store: newMemoryStore()})
	assert.Error(t, err)
	_, err = New(Options{Hook: keyhook.NewScript(nil)})
	assert.Error(t, err)
}
