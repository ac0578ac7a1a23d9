// Package permissions reports whether the process may read global key events.
package permissions

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Status enumerates coarse permission results for key capture prerequisites.
type Status string

const (
	// StatusUnknown indicates no explicit signal about permission state.
	StatusUnknown Status = "unknown"
	// StatusGranted signals that permission was previously granted.
	StatusGranted Status = "granted"
	// StatusDenied indicates the user has explicitly denied access.
	StatusDenied Status = "denied"
	// StatusPromptRequired means the platform will prompt at runtime.
	StatusPromptRequired Status = "prompt"
	// StatusUnavailable reports that the capability is not supported.
	StatusUnavailable Status = "unavailable"
)

// ProbeResult represents the coarse state for a permission surface.
type ProbeResult struct {
	Status   Status
	Message  string
	Guidance string
}

// LookupEnvFunc exposes environment probing for testability.
type LookupEnvFunc func(string) (string, bool)

// lookupEnv is declared for swapping in tests.
var lookupEnv = func(key string) (string, bool) {
	return os.LookupEnv(key)
}

// openDevice is declared for swapping in tests.
var openDevice = func(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// ProbeAccessibility inspects environment flags for accessibility trust.
func ProbeAccessibility(lookup LookupEnvFunc) ProbeResult {
	if lookup == nil {
		lookup = lookupEnv
	}
	if value, ok := lookup("KEYBOARD_MONITOR_ACCESSIBILITY"); ok {
		return interpretPermissionFlag("accessibility", value)
	}
	if runtime.GOOS == "darwin" {
		return ProbeResult{Status: StatusPromptRequired, Message: "accessibility trust required"}
	}
	return ProbeResult{Status: StatusUnavailable, Message: "accessibility prompts unavailable"}
}

// ResolveAccessibility folds the live trust check of the event tap into an
// env-derived probe. An explicit env override always wins.
func ResolveAccessibility(probe ProbeResult, trusted, known bool) ProbeResult {
	if !known || probe.Status != StatusPromptRequired {
		return probe
	}
	if trusted {
		return ProbeResult{Status: StatusGranted, Message: "accessibility trust granted"}
	}
	return ProbeResult{
		Status:   StatusDenied,
		Message:  "accessibility trust not granted",
		Guidance: "enable the terminal or binary under System Settings > Privacy & Security > Accessibility",
	}
}

// ProbeInputDevices checks that every evdev device can be opened for reading.
func ProbeInputDevices(devices []string) ProbeResult {
	if len(devices) == 0 {
		return ProbeResult{
			Status:   StatusUnavailable,
			Message:  "no keyboard input devices found",
			Guidance: "set capture.devices to /dev/input/eventN paths",
		}
	}
	for _, dev := range devices {
		if err := openDevice(dev); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return ProbeResult{
					Status:   StatusDenied,
					Message:  fmt.Sprintf("cannot read %s", dev),
					Guidance: "add the user to the 'input' group or run with sufficient privileges",
				}
			}
			return ProbeResult{Status: StatusUnavailable, Message: fmt.Sprintf("open %s: %v", dev, err)}
		}
	}
	return ProbeResult{Status: StatusGranted, Message: fmt.Sprintf("%d input device(s) readable", len(devices))}
}

func interpretPermissionFlag(name, value string) ProbeResult {
	normalised := strings.ToLower(strings.TrimSpace(value))
	switch normalised {
	case "granted", "allow", "allowed", "yes", "true":
		return ProbeResult{Status: StatusGranted, Message: name + " permission pre-authorised via env override"}
	case "denied", "no", "false", "blocked":
		return ProbeResult{Status: StatusDenied, Message: name + " permission denied via env override", Guidance: "use 'tccutil reset Accessibility' or update KEYBOARD_MONITOR_* env to re-test"}
	case "prompt", "ask":
		return ProbeResult{Status: StatusPromptRequired, Message: name + " permission will prompt at runtime"}
	case "unavailable", "unsupported":
		return ProbeResult{Status: StatusUnavailable, Message: name + " permission unavailable on this platform"}
	default:
		return ProbeResult{Status: StatusUnknown, Message: name + " permission state unknown"}
	}
}

// StatusString returns the status as printed by doctor.
func (p ProbeResult) StatusString() string {
	if p.Status == "" {
		return string(StatusUnknown)
	}
	return string(p.Status)
}
