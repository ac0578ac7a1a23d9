//go:build !linux

package keyhook

import "fmt"

func newEvdevHook(Options) (Hook, error) {
	return nil, fmt.Errorf("%w: evdev requires linux", ErrUnsupported)
}

// DiscoverKeyboards finds nothing outside linux.
func DiscoverKeyboards() ([]string, error) {
	return nil, nil
}
