package keyhook

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
)

// Provider names accepted by New.
const (
	ProviderAuto   = "auto"
	ProviderQuartz = "quartz"
	ProviderEvdev  = "evdev"
	ProviderScript = "script"
)

// Hook delivers global key press and release callbacks.
//
// Implementations never invoke the two callbacks concurrently with each other
// for a single subscription, and never invoke them from within Subscribe.
type Hook interface {
	Subscribe(onPress, onRelease func(chord.Key)) (Subscription, error)
}

// Subscription is a live hook registration.
type Subscription interface {
	// Unsubscribe stops delivery and waits for the hook to shut down.
	Unsubscribe() error
	// Done is closed once the subscription has ended, either through
	// Unsubscribe or because the hook stopped on its own.
	Done() <-chan struct{}
	// Err reports why the hook stopped on its own, if it failed.
	Err() error
}

// HookFunc adapts a function literal to the Hook interface.
type HookFunc func(onPress, onRelease func(chord.Key)) (Subscription, error)

// Subscribe calls the underlying function.
func (f HookFunc) Subscribe(onPress, onRelease func(chord.Key)) (Subscription, error) {
	return f(onPress, onRelease)
}

// Options selects and configures a hook provider.
type Options struct {
	Provider string
	// Devices lists evdev device paths; empty means discover keyboards.
	Devices []string
	// Script is the path of a replay script for the script provider.
	Script string
	Logger *slog.Logger
}

// ResolveProvider maps "auto" (or empty) to the platform's native provider.
func ResolveProvider(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProviderAuto:
		switch runtime.GOOS {
		case "darwin":
			return ProviderQuartz
		case "linux":
			return ProviderEvdev
		default:
			return ""
		}
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

// New constructs the hook selected by opts.Provider.
func New(opts Options) (Hook, error) {
	provider := ResolveProvider(opts.Provider)
	switch provider {
	case ProviderQuartz:
		return newQuartzHook(opts)
	case ProviderEvdev:
		return newEvdevHook(opts)
	case ProviderScript:
		if strings.TrimSpace(opts.Script) == "" {
			return nil, errors.New("script provider requires a script path")
		}
		file, err := os.Open(opts.Script)
		if err != nil {
			return nil, fmt.Errorf("open key script: %w", err)
		}
		defer file.Close()
		events, err := ParseScript(file)
		if err != nil {
			return nil, fmt.Errorf("parse key script %q: %w", opts.Script, err)
		}
		return NewScript(events), nil
	case "":
		return nil, fmt.Errorf("%w: no native key hook on %s", ErrUnsupported, runtime.GOOS)
	default:
		return nil, fmt.Errorf("unknown key hook provider %q", opts.Provider)
	}
}

// subscription is the shared Subscription implementation for providers that
// run their event pump on a goroutine.
type subscription struct {
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newSubscription() *subscription {
	return &subscription{done: make(chan struct{}), stop: make(chan struct{})}
}

// stopping is closed when Unsubscribe is called.
func (s *subscription) stopping() <-chan struct{} {
	return s.stop
}

// finish marks the pump as exited; err is nil for a clean stop.
func (s *subscription) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) Unsubscribe() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
