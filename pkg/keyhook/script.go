package keyhook

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
)

// Event is one scripted key transition. A positive Pause delays the next event.
type Event struct {
	Key   chord.Key
	Down  bool
	Pause time.Duration
}

// Down returns a press event.
func Down(k chord.Key) Event { return Event{Key: k, Down: true} }

// Up returns a release event.
func Up(k chord.Key) Event { return Event{Key: k} }

// Script replays a fixed sequence of key events and then ends its
// subscription cleanly.
type Script struct {
	events []Event
}

// NewScript returns a hook that replays events once per subscription.
func NewScript(events []Event) *Script {
	return &Script{events: append([]Event(nil), events...)}
}

// Subscribe starts the replay on a goroutine.
func (s *Script) Subscribe(onPress, onRelease func(chord.Key)) (Subscription, error) {
	sub := newSubscription()
	go func() {
		for _, ev := range s.events {
			if ev.Pause > 0 {
				select {
				case <-sub.stopping():
					sub.finish(nil)
					return
				case <-time.After(ev.Pause):
				}
				continue
			}
			select {
			case <-sub.stopping():
				sub.finish(nil)
				return
			default:
			}
			if ev.Down {
				onPress(ev.Key)
			} else {
				onRelease(ev.Key)
			}
		}
		sub.finish(nil)
	}()
	return sub, nil
}

// ParseScript reads a replay script. Each non-empty line is one of
//
//	down <key>
//	up <key>
//	tap <key>          (down then up)
//	combo <key>+<key>  (downs in order, ups in reverse)
//	sleep <duration>
//
// Lines starting with '#' are comments.
func ParseScript(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	var events []Event
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"<verb> <argument>\", got %q", lineNo, line)
		}
		verb, arg := strings.ToLower(fields[0]), fields[1]
		switch verb {
		case "down":
			events = append(events, Down(chord.Key(arg)))
		case "up":
			events = append(events, Up(chord.Key(arg)))
		case "tap":
			events = append(events, Down(chord.Key(arg)), Up(chord.Key(arg)))
		case "combo":
			keys := strings.Split(arg, chord.Delimiter)
			for _, k := range keys {
				if k == "" {
					return nil, fmt.Errorf("line %d: empty key in combo %q", lineNo, arg)
				}
				events = append(events, Down(chord.Key(k)))
			}
			for i := len(keys) - 1; i >= 0; i-- {
				events = append(events, Up(chord.Key(keys[i])))
			}
		case "sleep":
			d, err := time.ParseDuration(arg)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			events = append(events, Event{Pause: d})
		default:
			return nil, fmt.Errorf("line %d: unknown verb %q", lineNo, verb)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key script: %w", err)
	}
	return events, nil
}
