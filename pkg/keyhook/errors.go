package keyhook

import "errors"

// ErrAccessibilityPermission indicates the host must grant Accessibility trust.
var ErrAccessibilityPermission = errors.New("macOS accessibility permission required for key capture")

// ErrUnsupported reports that a provider is not available on this platform or build.
var ErrUnsupported = errors.New("key hook provider unsupported")
