package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
	"github.com/offlinefirst/keyboard-monitor/pkg/metrics"
	"github.com/offlinefirst/keyboard-monitor/pkg/queue"
	"github.com/offlinefirst/keyboard-monitor/pkg/store"
)

// scriptedStore fails the n-th call (1-based) with the configured error.
type scriptedStore struct {
	mu       sync.Mutex
	failures map[int]error
	calls    int
	attempts []string
	rows     []string
}

func (s *scriptedStore) InsertHits(_ context.Context, hits string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.attempts = append(s.attempts, hits)
	if err, ok := s.failures[s.calls]; ok {
		return err
	}
	s.rows = append(s.rows, hits)
	return nil
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func fill(q *queue.Queue, hits ...string) {
	for _, h := range hits {
		q.Push(queue.Of(chord.Chord(h)))
	}
}

func newWorker(t *testing.T, q *queue.Queue, s Store, observer metrics.Observer) *Worker {
	t.Helper()
	w, err := New(Options{Queue: q, Store: s, Observer: observer, Backoff: zeroBackOff})
	require.NoError(t, err)
	return w
}

func TestWorkerDeliversEverythingBeforeSentinel(t *testing.T) {
	q := queue.New()
	fill(q, "a", "shift+b", "ctrl+c")
	q.Push(queue.Stop())
	fill(q, "after-stop")

	s := &scriptedStore{}
	w := newWorker(t, q, s, nil)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []string{"a", "shift+b", "ctrl+c"}, s.rows)
	assert.Equal(t, Stats{Delivered: 3}, w.Stats())
	assert.Equal(t, 1, q.Len())
}

func TestWorkerRetriesInvalidatedConnectionInOrder(t *testing.T) {
	q := queue.New()
	fill(q, "first", "second", "third")
	q.Push(queue.Stop())

	invalidated := fmt.Errorf("insert hits: %w", store.ErrConnectionInvalidated)
	s := &scriptedStore{failures: map[int]error{2: invalidated}}

	reg := prometheus.NewRegistry()
	observer, err := metrics.NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	w := newWorker(t, q, s, observer)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []string{"first", "second", "second", "third"}, s.attempts)
	assert.Equal(t, []string{"first", "second", "third"}, s.rows)
	assert.Equal(t, Stats{Delivered: 3, Retried: 1}, w.Stats())

	expected := `
# HELP test_deliveries_total Delivery attempts by outcome.
# TYPE test_deliveries_total counter
test_deliveries_total{outcome="retried"} 1
test_deliveries_total{outcome="sent"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_deliveries_total"))
}

func TestWorkerStopsOnFatalError(t *testing.T) {
	q := queue.New()
	fill(q, "ok", "rejected", "never")
	q.Push(queue.Stop())

	fatal := errors.New("table dropped")
	s := &scriptedStore{failures: map[int]error{2: fatal}}
	w := newWorker(t, q, s, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, []string{"ok", "rejected"}, s.attempts)
	assert.Equal(t, Stats{Delivered: 1}, w.Stats())
	assert.Equal(t, []chord.Chord{"rejected", "never"}, q.Pending())
}

func TestWorkerKeepsFailedChordQueued(t *testing.T) {
	q := queue.New()
	fill(q, "a", "b")

	s := &scriptedStore{failures: map[int]error{1: errors.New("value too long")}}
	w := newWorker(t, q, s, nil)

	require.Error(t, w.Run(context.Background()))
	assert.Empty(t, s.rows)
	assert.Equal(t, []chord.Chord{"a", "b"}, q.Pending())
}

func TestWorkerAbortsDuringBackoff(t *testing.T) {
	q := queue.New()
	fill(q, "a")

	s := &scriptedStore{failures: map[int]error{1: store.ErrConnectionInvalidated}}
	w, err := New(Options{
		Queue:   q,
		Store:   s,
		Backoff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Stats().Retried == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("worker did not abort")
	}
	// The chord is back at the head for whoever drains next.
	assert.Equal(t, 1, q.Len())
}

func TestWorkerBlocksUntilItemsArrive(t *testing.T) {
	q := queue.New()
	s := &scriptedStore{}
	w := newWorker(t, q, s, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("worker returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	fill(q, "late")
	q.Push(queue.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("worker did not drain")
	}
	assert.Equal(t, []string{"late"}, s.rows)
}

func TestExponentialBackOffNeverStops(t *testing.T) {
	b := ExponentialBackOff(10*time.Millisecond, 40*time.Millisecond)()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, 60*time.Millisecond)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Store: &scriptedStore{}})
	assert.Error(t, err)
	_, err = New(Options{Queue: queue.New()})
	assert.Error(t, err)
}
