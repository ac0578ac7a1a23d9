//go:build darwin && cgo

package keyhook

/*
#cgo darwin CFLAGS: -x objective-c -fmodules -fobjc-arc
#cgo darwin LDFLAGS: -framework CoreGraphics -framework ApplicationServices -framework CoreFoundation
#include <ApplicationServices/ApplicationServices.h>
#include <CoreFoundation/CoreFoundation.h>
#include <stdint.h>

static Boolean axCheckTrusted(void) {
        const void *keys[] = { kAXTrustedCheckOptionPrompt };
        const void *values[] = { kCFBooleanTrue };
        CFDictionaryRef options = CFDictionaryCreate(kCFAllocatorDefault, keys, values, 1,
                                                     &kCFTypeDictionaryKeyCallBacks,
                                                     &kCFTypeDictionaryValueCallBacks);
        Boolean trusted = AXIsProcessTrustedWithOptions(options);
        CFRelease(options);
        return trusted;
}

static Boolean axIsTrusted(void) {
        return AXIsProcessTrusted();
}

extern CGEventRef goHandleKeyEvent(CGEventTapProxy proxy, CGEventType type, CGEventRef event, void *userInfo);

static CFMachPortRef createKeyTap(uintptr_t handle) {
        CGEventMask mask = CGEventMaskBit(kCGEventKeyDown) |
                           CGEventMaskBit(kCGEventKeyUp) |
                           CGEventMaskBit(kCGEventFlagsChanged);
        return CGEventTapCreate(kCGSessionEventTap,
                                kCGHeadInsertEventTap,
                                kCGEventTapOptionListenOnly,
                                mask,
                                goHandleKeyEvent,
                                (void *)handle);
}

static CFRunLoopSourceRef attachTap(CFMachPortRef tap) {
        CFRunLoopSourceRef source = CFMachPortCreateRunLoopSource(kCFAllocatorDefault, tap, 0);
        CFRunLoopAddSource(CFRunLoopGetCurrent(), source, kCFRunLoopCommonModes);
        CGEventTapEnable(tap, true);
        return source;
}

static void detachTap(CFMachPortRef tap, CFRunLoopSourceRef source) {
        CGEventTapEnable(tap, false);
        CFRunLoopRemoveSource(CFRunLoopGetCurrent(), source, kCFRunLoopCommonModes);
        CFMachPortInvalidate(tap);
}

static void enableTap(CFMachPortRef tap) {
        CGEventTapEnable(tap, true);
}

static void runLoopFor(double seconds) {
        CFRunLoopRunInMode(kCFRunLoopDefaultMode, seconds, false);
}

static int64_t eventKeycode(CGEventRef event) {
        return CGEventGetIntegerValueField(event, kCGKeyboardEventKeycode);
}

static uint64_t eventFlags(CGEventRef event) {
        return (uint64_t)CGEventGetFlags(event);
}
*/
import "C"

import (
	"errors"
	"log/slog"
	"runtime"
	"runtime/cgo"
	"unsafe"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
)

const runLoopSliceSeconds = 0.25

type quartzHook struct {
	logger *slog.Logger
}

func newQuartzHook(opts Options) (Hook, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &quartzHook{logger: logger}, nil
}

func accessibilityTrusted() (trusted bool, known bool) {
	return C.axIsTrusted() != C.Boolean(0), true
}

type quartzStream struct {
	onPress   func(chord.Key)
	onRelease func(chord.Key)
	tap       C.CFMachPortRef
}

// Subscribe installs a listen-only session event tap on a dedicated, locked OS
// thread. The run loop is driven in short slices so Unsubscribe is observed
// even if it races with tap start-up.
func (h *quartzHook) Subscribe(onPress, onRelease func(chord.Key)) (Subscription, error) {
	if C.axCheckTrusted() == C.Boolean(0) {
		return nil, ErrAccessibilityPermission
	}

	sub := newSubscription()
	ready := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		stream := &quartzStream{onPress: onPress, onRelease: onRelease}
		handle := cgo.NewHandle(stream)
		defer handle.Delete()

		tap := C.createKeyTap(C.uintptr_t(handle))
		if tap == 0 {
			err := errors.New("failed to create CGEvent tap")
			ready <- err
			sub.finish(err)
			return
		}
		defer C.CFRelease(C.CFTypeRef(tap))
		stream.tap = tap

		source := C.attachTap(tap)
		defer C.CFRelease(C.CFTypeRef(source))
		ready <- nil
		h.logger.Debug("quartz event tap installed")

		for {
			select {
			case <-sub.stopping():
				C.detachTap(tap, source)
				sub.finish(nil)
				return
			default:
			}
			C.runLoopFor(C.double(runLoopSliceSeconds))
		}
	}()

	if err := <-ready; err != nil {
		return nil, err
	}
	return sub, nil
}

//export goHandleKeyEvent
func goHandleKeyEvent(_ C.CGEventTapProxy, eventType C.CGEventType, event C.CGEventRef, userInfo unsafe.Pointer) C.CGEventRef {
	handle := cgo.Handle(uintptr(userInfo))
	stream, ok := handle.Value().(*quartzStream)
	if !ok {
		return event
	}

	switch eventType {
	case C.kCGEventTapDisabledByTimeout, C.kCGEventTapDisabledByUserInput:
		C.enableTap(stream.tap)
	case C.kCGEventKeyDown:
		stream.onPress(quartzKey(uint16(C.eventKeycode(event))))
	case C.kCGEventKeyUp:
		stream.onRelease(quartzKey(uint16(C.eventKeycode(event))))
	case C.kCGEventFlagsChanged:
		k, pressed, ok := quartzFlagKey(uint16(C.eventKeycode(event)), uint64(C.eventFlags(event)))
		if !ok {
			return event
		}
		switch {
		case !k.IsModifier():
			stream.onPress(k)
			stream.onRelease(k)
		case pressed:
			stream.onPress(k)
		default:
			stream.onRelease(k)
		}
	default:
		// ignore other events
	}

	return event
}
