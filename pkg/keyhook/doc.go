// Package keyhook subscribes to global keyboard input using either the macOS
// Quartz event tap (with Accessibility approval), Linux evdev devices, or a
// deterministic replay script for dry runs and automated tests.
package keyhook
