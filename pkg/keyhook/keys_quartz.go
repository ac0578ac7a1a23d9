package keyhook

import (
	"fmt"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
)

// macOS virtual key codes (Carbon HIToolbox Events.h).
var quartzKeys = map[uint16]chord.Key{
	0x00: "a", 0x01: "s", 0x02: "d", 0x03: "f", 0x04: "h", 0x05: "g", 0x06: "z", 0x07: "x",
	0x08: "c", 0x09: "v", 0x0B: "b", 0x0C: "q", 0x0D: "w", 0x0E: "e", 0x0F: "r",
	0x10: "y", 0x11: "t", 0x12: "1", 0x13: "2", 0x14: "3", 0x15: "4", 0x16: "6", 0x17: "5",
	0x18: "=", 0x19: "9", 0x1A: "7", 0x1B: "-", 0x1C: "8", 0x1D: "0", 0x1E: "]", 0x1F: "o",
	0x20: "u", 0x21: "[", 0x22: "i", 0x23: "p", 0x24: "enter", 0x25: "l", 0x26: "j", 0x27: "'",
	0x28: "k", 0x29: ";", 0x2A: "\\", 0x2B: ",", 0x2C: "/", 0x2D: "n", 0x2E: "m", 0x2F: ".",
	0x30: "tab", 0x31: "space", 0x32: "`", 0x33: "backspace", 0x35: "esc",
	0x36: chord.CmdR, 0x37: chord.CmdL, 0x38: chord.ShiftL, 0x39: "caps_lock",
	0x3A: chord.AltL, 0x3B: chord.CtrlL, 0x3C: chord.ShiftR, 0x3D: chord.AltR, 0x3E: chord.CtrlR,
	0x3F: "fn",
	0x60: "f5", 0x61: "f6", 0x62: "f7", 0x63: "f3", 0x64: "f8", 0x65: "f9", 0x67: "f11",
	0x69: "f13", 0x6B: "f14", 0x6D: "f10", 0x6F: "f12", 0x71: "f15",
	0x72: "help", 0x73: "home", 0x74: "page_up", 0x75: "delete", 0x76: "f4", 0x77: "end",
	0x78: "f2", 0x79: "page_down", 0x7A: "f1",
	0x7B: "left", 0x7C: "right", 0x7D: "down", 0x7E: "up",
}

// Device-dependent modifier bits carried in CGEventFlags (IOLLEvent.h).
var quartzModifierMasks = map[chord.Key]uint64{
	chord.CtrlL:  0x00000001,
	chord.ShiftL: 0x00000002,
	chord.ShiftR: 0x00000004,
	chord.CmdL:   0x00000008,
	chord.CmdR:   0x00000010,
	chord.AltL:   0x00000020,
	chord.AltR:   0x00000040,
	chord.CtrlR:  0x00002000,
}

// quartzKey names a macOS virtual key code; unknown codes render as "<code>".
func quartzKey(keycode uint16) chord.Key {
	if k, ok := quartzKeys[keycode]; ok {
		return k
	}
	return chord.Key(fmt.Sprintf("<%d>", keycode))
}

// quartzFlagKey interprets a FlagsChanged event. For modifiers, pressed
// reports whether the key's device bit is now set. Other keys reported through
// FlagsChanged (caps lock, fn) have no held state and return pressed=true.
func quartzFlagKey(keycode uint16, flags uint64) (k chord.Key, pressed bool, ok bool) {
	k, ok = quartzKeys[keycode]
	if !ok {
		return "", false, false
	}
	mask, isModifier := quartzModifierMasks[k]
	if !isModifier {
		return k, true, true
	}
	return k, flags&mask != 0, true
}
