// Package layout models how an embedded target's async runtime encodes
// suspended tasks in memory. It is built once from the target's DWARF debug
// metadata and is immutable afterwards; every other package decodes raw
// memory against the descriptors defined here.
package layout

import (
	"fmt"
	"sort"
)

// Layout is one descriptor in the closed set of memory layouts the inspector
// understands. A Layout references child layouts by type name, never by
// embedding, so the reference graph is acyclic by construction.
type Layout interface {
	// TypeName returns the fully qualified name of the described type.
	TypeName() string
	// ByteSize returns the number of bytes an instance occupies.
	ByteSize() uint64

	isLayout()
}

// Repr classifies how a Leaf's raw bytes should be rendered.
type Repr int

const (
	// ReprOpaque renders as a hex dump.
	ReprOpaque Repr = iota
	// ReprUnsigned renders as an unsigned little-endian integer.
	ReprUnsigned
	// ReprSigned renders as a signed little-endian integer.
	ReprSigned
	// ReprBool renders as true/false.
	ReprBool
	// ReprPointer renders as a hex address.
	ReprPointer
)

// Leaf describes a primitive or otherwise opaque type.
type Leaf struct {
	Name string
	Size uint64
	Repr Repr
}

func (l *Leaf) TypeName() string { return l.Name }
func (l *Leaf) ByteSize() uint64 { return l.Size }
func (l *Leaf) isLayout()        {}

// Field is a byte span relative to the start of the enclosing value.
type Field struct {
	Offset uint64
	Size   uint64
}

// Child is a named reference to another layout at a byte offset within the
// parent's span. The referenced layout is resolved through the Model.
type Child struct {
	Type   string
	Offset uint64
	Size   uint64
}

// Member is one captured local variable of a suspended function frame.
type Member struct {
	FieldName string
	Type      string
	Field
}

// SuspensionPoint is one place an async function can be paused, identified
// by the value of the function's state discriminant.
type SuspensionPoint struct {
	Discriminant uint64
	StateName    string
	// DeclLine is the source line the point was declared at, 0 if unknown.
	DeclLine int64
	// ActiveMembers indexes into AsyncFn.Members for the fields live at
	// this point.
	ActiveMembers []int
	// Awaitee is the single child wait primitive active at this point.
	// Nil for the not-yet-started and completed points.
	Awaitee *Child
}

// AsyncFn describes the compiled state machine of one async function.
type AsyncFn struct {
	Name  string
	Size  uint64
	Discr Field
	// Points is ordered by discriminant value and is total: every legal
	// discriminant maps to exactly one point.
	Points  []SuspensionPoint
	Members []Member
}

func (a *AsyncFn) TypeName() string { return a.Name }
func (a *AsyncFn) ByteSize() uint64 { return a.Size }
func (a *AsyncFn) isLayout()        {}

// Point returns the suspension point matching the given discriminant value,
// or nil if the value is outside the declared set.
func (a *AsyncFn) Point(discriminant uint64) *SuspensionPoint {
	for i := range a.Points {
		if a.Points[i].Discriminant == discriminant {
			return &a.Points[i]
		}
	}
	return nil
}

// validate checks that the suspension points cover a dense discriminant
// range. A gap means the state machine encoding cannot be trusted for any
// instance of the type, so it is a fatal setup condition.
func (a *AsyncFn) validate() error {
	if len(a.Points) == 0 {
		return fmt.Errorf("%w: %s has no suspension points", ErrUnsupportedEncoding, a.Name)
	}
	sort.Slice(a.Points, func(i, j int) bool {
		return a.Points[i].Discriminant < a.Points[j].Discriminant
	})
	for i := range a.Points {
		if a.Points[i].Discriminant != uint64(i) {
			return fmt.Errorf("%w: %s discriminant range has gaps (missing %d)",
				ErrMalformed, a.Name, i)
		}
	}
	switch a.Discr.Size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: %s has a %d-byte discriminant", ErrUnsupportedEncoding, a.Name, a.Discr.Size)
	}
	return nil
}

// FanMode distinguishes the two composite wait primitives.
type FanMode int

const (
	// WaitAll completes when every child completed (join).
	WaitAll FanMode = iota
	// WaitFirst completes when any child completes (select).
	WaitFirst
)

func (m FanMode) String() string {
	if m == WaitAll {
		return "join"
	}
	return "select"
}

// ReadyFlag describes the per-slot readiness discriminant of a WaitAll fan.
type ReadyFlag struct {
	Field
	// PendingValue marks a slot still holding its nested future,
	// ReadyValue one holding a finished result.
	PendingValue uint64
	ReadyValue   uint64
}

// FanSlot is one child position of a fan combinator. Offsets are relative to
// the start of the fan's span; Pending and Result offsets are relative to
// the start of the slot.
type FanSlot struct {
	Offset uint64
	Size   uint64
	// Pending is the nested future decoded while the slot is not ready.
	Pending Child
	// Flag is nil for WaitFirst fans, whose slots never complete
	// individually and always decode as pending.
	Flag *ReadyFlag
	// Result is the span holding the finished value once Flag reads ready.
	Result *Child
}

// Fan describes a fan-out/fan-in wait combinator with a fixed slot order.
type Fan struct {
	Name  string
	Size  uint64
	Mode  FanMode
	Slots []FanSlot
}

func (f *Fan) TypeName() string { return f.Name }
func (f *Fan) ByteSize() uint64 { return f.Size }
func (f *Fan) isLayout()        {}

// TaskPool describes one statically allocated task pool: a fixed array of
// task slots, each led by a scheduler header whose state field doubles as
// the occupancy marker.
type TaskPool struct {
	// Path is the namespace path of the pool symbol; it ends in the name
	// of the task function the pool was generated for.
	Path    string
	Address uint64
	Size    uint64

	SlotCount  int
	SlotStride uint64
	// Occupancy is the header state field relative to the slot start.
	// A zero value means the slot has never been spawned and the rest of
	// its bytes are undefined.
	Occupancy Field
	// FutureOffset is where the task's state machine starts within a slot.
	FutureOffset uint64
	// Task names the AsyncFn layout stored in each slot.
	Task string
}

// Model is the immutable result of parsing the target's debug metadata.
// It is the sole source of layout information for the rest of the system.
type Model struct {
	futures     map[string]Layout
	pools       []TaskPool
	pollReturns []uint64
}

// NewModel assembles a model from already-built descriptors. Build is the
// production entry point; NewModel exists so decoders can be exercised
// against synthetic layouts.
func NewModel(futures []Layout, pools []TaskPool, pollReturns []uint64) (*Model, error) {
	byName := make(map[string]Layout, len(futures))
	for _, f := range futures {
		if a, ok := f.(*AsyncFn); ok {
			if err := a.validate(); err != nil {
				return nil, err
			}
		}
		byName[f.TypeName()] = f
	}
	return &Model{
		futures:     byName,
		pools:       pools,
		pollReturns: pollReturns,
	}, nil
}

// Lookup resolves a type name to its layout, or nil if the type is not one
// the model describes.
func (m *Model) Lookup(name string) Layout {
	return m.futures[name]
}

// Pools returns the task pools in a fixed order.
func (m *Model) Pools() []TaskPool {
	return m.pools
}

// PollReturns returns the addresses of the return points of the shared
// poll-dispatch routine.
func (m *Model) PollReturns() []uint64 {
	return m.pollReturns
}
