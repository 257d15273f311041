// Package decode reconstructs live value trees from raw target memory using
// the layout model. It performs no I/O: every function works on byte buffers
// the caller already fetched, which keeps decoding pure and independently
// testable against synthetic buffers.
package decode

import (
	"fmt"

	"github.com/asyncspect/asyncspect/pkg/layout"
)

// Value is one node of a decoded suspension tree. The variants mirror the
// layout descriptors one-to-one, plus Unreadable for contained decode
// failures.
type Value interface {
	isValue()
}

// Leaf is a formatted primitive value together with the bytes it was
// derived from.
type Leaf struct {
	Type string
	Text string
	Raw  []byte
}

func (*Leaf) isValue() {}

// FieldValue is one captured frame variable of a suspension point.
type FieldValue struct {
	Name  string
	Value Value
}

// AsyncFnValue is the resolved state of one suspended async function.
type AsyncFnValue struct {
	Type      string
	Point     int
	StateName string
	DeclLine  int64
	Fields    []FieldValue
	// Awaitee is the child wait primitive active at the current point,
	// nil when the function has not started or already completed.
	Awaitee Value
}

func (*AsyncFnValue) isValue() {}

// FanChild is one slot of a decoded fan combinator.
type FanChild struct {
	// Ready reports whether the slot finished; Value then holds the
	// result. Otherwise Value is the still-pending nested tree.
	Ready bool
	Value Value
}

// FanValue is a decoded fan combinator. Children always has exactly as many
// entries as the layout has slots, in static slot order, regardless of
// which subset is ready.
type FanValue struct {
	Type     string
	Mode     layout.FanMode
	Children []FanChild
}

func (*FanValue) isValue() {}

// Unreadable is a degraded node standing in for a value that could not be
// decoded. It contains the failure to the smallest enclosing tree node so
// one corrupted value never blanks out the rest of the forest.
type Unreadable struct {
	Err error
	Raw []byte
}

func (*Unreadable) isValue() {}

// Reason returns the human-readable cause for display.
func (u *Unreadable) Reason() string {
	return fmt.Sprintf("unreadable: %v", u.Err)
}

// TaskSnapshot is the decoded state of one pool slot.
type TaskSnapshot struct {
	Pool      string
	PoolIndex int
	Slot      int
	// Occupied is false for a slot whose header marks it never spawned;
	// its remaining bytes are undefined and were not interpreted.
	Occupied bool
	// Root is the task's suspension tree. Nil when the slot is empty; an
	// *Unreadable node when the slot's memory could not be fetched or
	// decoded.
	Root Value
}
