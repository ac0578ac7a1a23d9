package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
	"github.com/offlinefirst/keyboard-monitor/pkg/keyhook"
	"github.com/offlinefirst/keyboard-monitor/pkg/queue"
)

type fakeHook struct {
	mu        sync.Mutex
	err       error
	onPress   func(chord.Key)
	onRelease func(chord.Key)
	sub       *fakeSubscription
}

func (h *fakeHook) Subscribe(onPress, onRelease func(chord.Key)) (keyhook.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.onPress, h.onRelease = onPress, onRelease
	h.sub = &fakeSubscription{done: make(chan struct{})}
	return h.sub, nil
}

func (h *fakeHook) press(k chord.Key) {
	h.mu.Lock()
	fn := h.onPress
	h.mu.Unlock()
	fn(k)
}

func (h *fakeHook) release(k chord.Key) {
	h.mu.Lock()
	fn := h.onRelease
	h.mu.Unlock()
	fn(k)
}

type fakeSubscription struct {
	once         sync.Once
	done         chan struct{}
	err          error
	unsubscribed bool
	mu           sync.Mutex
}

func (s *fakeSubscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
	s.end(nil)
	return nil
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func drain(t *testing.T, q *queue.Queue) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var out []string
	for {
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		if item.IsStop() {
			return out
		}
		out = append(out, string(item.Chord))
	}
}

func startListener(t *testing.T, hook keyhook.Hook) (*Listener, *queue.Queue, context.CancelFunc, <-chan error) {
	t.Helper()
	q := queue.New()
	listener, err := New(Options{Hook: hook, Queue: q})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	require.Eventually(t, func() bool { return listener.State() != StateIdle }, time.Second, time.Millisecond)
	return listener, q, cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatalf("listener did not return")
		return nil
	}
}

func TestListenerReplaysScriptIntoChords(t *testing.T) {
	hook := keyhook.NewScript([]keyhook.Event{
		keyhook.Down(chord.Shift), keyhook.Down("a"), keyhook.Up("a"), keyhook.Up(chord.Shift),
		keyhook.Down("b"), keyhook.Up("b"),
		keyhook.Down(chord.CtrlL), keyhook.Down(chord.AltR), keyhook.Up(chord.AltR), keyhook.Up(chord.CtrlL),
	})
	listener, q, cancel, done := startListener(t, hook)
	defer cancel()

	require.NoError(t, wait(t, done))
	assert.Equal(t, StateStopped, listener.State())
	assert.Equal(t, []string{"shift+a", "b"}, drain(t, q))
	assert.Zero(t, q.Len())
}

func TestListenerDrainsOnCancel(t *testing.T) {
	hook := &fakeHook{}
	listener, q, cancel, done := startListener(t, hook)
	require.Equal(t, StateListening, listener.State())

	hook.press(chord.CtrlL)
	hook.press(chord.ShiftR)
	hook.press("c")
	hook.release("c")
	hook.release(chord.ShiftR)
	hook.press("c")

	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, StateStopped, listener.State())
	assert.True(t, hook.sub.unsubscribed)

	// Late callbacks after draining are ignored.
	hook.press("z")

	assert.Equal(t, []string{"ctrl_l+shift_r+c", "ctrl_l+c"}, drain(t, q))
	assert.Zero(t, q.Len())
}

func TestListenerAutorepeatProducesChords(t *testing.T) {
	hook := &fakeHook{}
	_, q, cancel, done := startListener(t, hook)

	hook.press(chord.CmdL)
	hook.press("v")
	hook.press("v")
	cancel()
	require.NoError(t, wait(t, done))

	assert.Equal(t, []string{"cmd_l+v", "cmd_l+v"}, drain(t, q))
}

func TestListenerSubscribeFailureStillStopsConsumer(t *testing.T) {
	boom := errors.New("no accessibility")
	hook := &fakeHook{err: boom}
	listener, q, cancel, done := startListener(t, hook)
	defer cancel()

	err := wait(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateStopped, listener.State())
	assert.Empty(t, drain(t, q))
}

func TestListenerHookFailureIsReturned(t *testing.T) {
	hook := &fakeHook{}
	_, q, cancel, done := startListener(t, hook)
	defer cancel()

	hook.press("x")
	lost := errors.New("device unplugged")
	hook.sub.end(lost)

	err := wait(t, done)
	assert.ErrorIs(t, err, lost)
	assert.Equal(t, []string{"x"}, drain(t, q))
}

func TestListenerRunsOnce(t *testing.T) {
	hook := &fakeHook{}
	listener, _, cancel, done := startListener(t, hook)
	cancel()
	require.NoError(t, wait(t, done))

	err := listener.Run(context.Background())
	assert.ErrorContains(t, err, "already stopped")
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Queue: queue.New()})
	assert.Error(t, err)
	_, err = New(Options{Hook: &fakeHook{}})
	assert.Error(t, err)
}
