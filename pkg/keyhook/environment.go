package keyhook

import (
	"fmt"

	"github.com/offlinefirst/keyboard-monitor/pkg/permissions"
)

// Environment summarises key hook backend support.
type Environment struct {
	Provider   string
	Available  bool
	Permission string
	Message    string
	Guidance   string
	Devices    []string
}

// DetectEnvironment reports whether the requested provider can run here.
func DetectEnvironment(opts Options) Environment {
	provider := ResolveProvider(opts.Provider)
	env := Environment{Provider: provider}

	switch provider {
	case ProviderQuartz:
		trusted, known := accessibilityTrusted()
		probe := permissions.ResolveAccessibility(permissions.ProbeAccessibility(nil), trusted, known)
		env.Permission = probe.StatusString()
		env.Message = probe.Message
		env.Guidance = probe.Guidance
		_, err := newQuartzHook(opts)
		env.Available = err == nil && probe.Status != permissions.StatusDenied
		if err != nil {
			env.Message = err.Error()
		}
	case ProviderEvdev:
		devices := opts.Devices
		if len(devices) == 0 {
			devices, _ = DiscoverKeyboards()
		}
		env.Devices = devices
		probe := permissions.ProbeInputDevices(devices)
		env.Permission = probe.StatusString()
		env.Message = probe.Message
		env.Guidance = probe.Guidance
		_, err := newEvdevHook(Options{Devices: devices})
		env.Available = err == nil && probe.Status == permissions.StatusGranted
		if err != nil {
			env.Message = err.Error()
		}
	case ProviderScript:
		env.Permission = "not_applicable"
		env.Available = opts.Script != ""
		env.Message = fmt.Sprintf("replay script %q", opts.Script)
		if !env.Available {
			env.Message = "script provider selected without capture.script"
		}
	default:
		env.Permission = "not_applicable"
		env.Message = fmt.Sprintf("no key hook provider for %q on this platform", opts.Provider)
	}
	return env
}
