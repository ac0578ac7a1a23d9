//go:build !(darwin && cgo)

package keyhook

import "fmt"

func newQuartzHook(Options) (Hook, error) {
	return nil, fmt.Errorf("%w: quartz event tap requires darwin with cgo", ErrUnsupported)
}

func accessibilityTrusted() (trusted bool, known bool) {
	return false, false
}
