package chord

import (
	"log/slog"
	"sort"
)

// Tracker maintains the set of currently held modifier keys.
//
// A Tracker is not safe for concurrent use; callers serialize Press and
// Release.
type Tracker struct {
	held   map[Key]struct{}
	logger *slog.Logger
}

// NewTracker returns an empty tracker. A nil logger discards traces.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{held: make(map[Key]struct{}), logger: logger}
}

// Press records k as held when it is a modifier.
func (t *Tracker) Press(k Key) {
	if k.IsModifier() {
		t.held[k] = struct{}{}
	}
	t.logger.Debug("key pressed", "key", k, "current_modifiers", t.Held())
}

// Release forgets k. Releasing a modifier that is not held is logged and
// otherwise ignored.
func (t *Tracker) Release(k Key) {
	if k.IsModifier() {
		if _, ok := t.held[k]; ok {
			delete(t.held, k)
		} else {
			t.logger.Warn("modifier not held", "key", k, "current_modifiers", t.Held())
		}
	}
	t.logger.Debug("key released", "key", k, "current_modifiers", t.Held())
}

// Held returns the held modifiers sorted by name.
func (t *Tracker) Held() []Key {
	out := make([]Key, 0, len(t.held))
	for k := range t.held {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encode builds the chord for trigger using the currently held modifiers.
func (t *Tracker) Encode(trigger Key) Chord {
	return Encode(t.Held(), trigger)
}
