package chord

import (
	"sort"
	"strings"
)

// Delimiter joins the parts of a chord.
const Delimiter = "+"

// Chord is the canonical string for one qualifying key press: held modifiers
// sorted by name, followed by the triggering key.
type Chord string

func (c Chord) String() string {
	return string(c)
}

// Encode returns the chord for trigger pressed while mods are held. The order
// of mods does not affect the result.
func Encode(mods []Key, trigger Key) Chord {
	parts := make([]string, 0, len(mods)+1)
	for _, m := range mods {
		parts = append(parts, m.String())
	}
	sort.Strings(parts)
	parts = append(parts, trigger.String())
	return Chord(strings.Join(parts, Delimiter))
}
