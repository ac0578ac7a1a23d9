// Package chord tracks held modifier keys and turns qualifying key presses
// into canonical hit strings such as "ctrl+shift+a".
package chord

// Key identifies a physical key. Modifier keys use the fixed names below; any
// other value is an opaque key name such as "a", "enter" or "f5".
type Key string

// Modifier keys, with generic, left and right variants.
const (
	Shift  Key = "shift"
	ShiftL Key = "shift_l"
	ShiftR Key = "shift_r"
	Alt    Key = "alt"
	AltL   Key = "alt_l"
	AltR   Key = "alt_r"
	AltGr  Key = "alt_gr"
	Ctrl   Key = "ctrl"
	CtrlL  Key = "ctrl_l"
	CtrlR  Key = "ctrl_r"
	Cmd    Key = "cmd"
	CmdL   Key = "cmd_l"
	CmdR   Key = "cmd_r"
)

var modifiers = map[Key]struct{}{
	Shift: {}, ShiftL: {}, ShiftR: {},
	Alt: {}, AltL: {}, AltR: {}, AltGr: {},
	Ctrl: {}, CtrlL: {}, CtrlR: {},
	Cmd: {}, CmdL: {}, CmdR: {},
}

// Modifiers returns the modifier enumeration in declaration order.
func Modifiers() []Key {
	return []Key{Shift, ShiftL, ShiftR, Alt, AltL, AltR, AltGr, Ctrl, CtrlL, CtrlR, Cmd, CmdL, CmdR}
}

// IsModifier reports whether k belongs to the modifier enumeration.
func (k Key) IsModifier() bool {
	_, ok := modifiers[k]
	return ok
}

func (k Key) String() string {
	return string(k)
}
