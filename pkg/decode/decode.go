package decode

import (
	"encoding/binary"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/asyncspect/asyncspect/pkg/layout"
)

// formatCacheSize bounds the formatted-leaf cache. Pools are small and leaf
// values repeat heavily across refresh cycles.
const formatCacheSize = 512

// Decoder turns raw byte buffers into value trees using the layouts of one
// model. Decoding is deterministic: the same buffer against the same layout
// always produces a structurally and textually identical tree.
type Decoder struct {
	model *layout.Model
	cache *lru.Cache
}

// NewDecoder creates a decoder over the given model.
func NewDecoder(m *layout.Model) *Decoder {
	cache, _ := lru.New(formatCacheSize)
	return &Decoder{model: m, cache: cache}
}

// Future decodes the byte span of a wait primitive of the named type.
// Unknown types degrade to a hex-dump leaf; they never fail.
func (d *Decoder) Future(typeName string, b []byte) Value {
	switch l := d.model.Lookup(typeName).(type) {
	case *layout.AsyncFn:
		return d.asyncFn(l, b)
	case *layout.Fan:
		return d.fan(l, b)
	case *layout.Leaf:
		return d.leaf(l, b)
	default:
		return d.opaque(typeName, b)
	}
}

// Slot decodes one task pool slot from its full byte span. The occupancy
// field is read first; for an empty slot the rest of the bytes are
// undefined and are not interpreted.
func (d *Decoder) Slot(pool layout.TaskPool, poolIndex, slot int, b []byte) TaskSnapshot {
	snap := TaskSnapshot{Pool: pool.Path, PoolIndex: poolIndex, Slot: slot}

	occ, err := readUint(b, pool.Occupancy.Offset, pool.Occupancy.Size)
	if err != nil {
		snap.Occupied = true
		snap.Root = &Unreadable{Err: &ShortBufferError{Layout: pool.Path, Need: int(pool.Occupancy.Offset + pool.Occupancy.Size), Got: len(b)}}
		return snap
	}
	if occ == 0 {
		return snap
	}
	snap.Occupied = true

	span, err := slice(b, pool.FutureOffset, taskSize(d.model, pool))
	if err != nil {
		snap.Root = &Unreadable{Err: err, Raw: b}
		return snap
	}
	snap.Root = d.Future(pool.Task, span)
	return snap
}

// UnreadableSlot builds the degraded snapshot for a slot whose memory could
// not be fetched at all.
func UnreadableSlot(pool layout.TaskPool, poolIndex, slot int, err error) TaskSnapshot {
	return TaskSnapshot{
		Pool:      pool.Path,
		PoolIndex: poolIndex,
		Slot:      slot,
		Occupied:  true,
		Root:      &Unreadable{Err: err},
	}
}

func taskSize(m *layout.Model, pool layout.TaskPool) uint64 {
	if l := m.Lookup(pool.Task); l != nil {
		return l.ByteSize()
	}
	return 0
}

func (d *Decoder) asyncFn(l *layout.AsyncFn, b []byte) Value {
	discr, err := readUint(b, l.Discr.Offset, l.Discr.Size)
	if err != nil {
		return &Unreadable{Err: &ShortBufferError{Layout: l.Name, Need: int(l.Discr.Offset + l.Discr.Size), Got: len(b)}, Raw: b}
	}

	point := l.Point(discr)
	if point == nil {
		return &Unreadable{Err: &InvalidDiscriminantError{Layout: l.Name, Value: discr}, Raw: b}
	}

	v := &AsyncFnValue{
		Type:      l.Name,
		Point:     int(point.Discriminant),
		StateName: point.StateName,
		DeclLine:  point.DeclLine,
	}

	for _, id := range point.ActiveMembers {
		m := l.Members[id]
		span, err := slice(b, m.Offset, m.Size)
		var fv Value
		if err != nil {
			fv = &Unreadable{Err: err}
		} else {
			fv = d.Future(m.Type, span)
		}
		v.Fields = append(v.Fields, FieldValue{Name: m.FieldName, Value: fv})
	}

	if point.Awaitee != nil {
		span, err := slice(b, point.Awaitee.Offset, point.Awaitee.Size)
		if err != nil {
			v.Awaitee = &Unreadable{Err: err}
		} else {
			v.Awaitee = d.Future(point.Awaitee.Type, span)
		}
	}
	return v
}

// fan decodes a fan combinator. The child list always matches the static
// slot order and count; presentation diffing relies on that stability.
func (d *Decoder) fan(l *layout.Fan, b []byte) Value {
	v := &FanValue{Type: l.Name, Mode: l.Mode, Children: make([]FanChild, 0, len(l.Slots))}

	for _, slot := range l.Slots {
		span, err := slice(b, slot.Offset, slot.Size)
		if err != nil {
			v.Children = append(v.Children, FanChild{Value: &Unreadable{Err: err}})
			continue
		}
		v.Children = append(v.Children, d.fanChild(l, slot, span))
	}
	return v
}

func (d *Decoder) fanChild(l *layout.Fan, slot layout.FanSlot, span []byte) FanChild {
	if slot.Flag == nil {
		// Wait-first slots never complete individually.
		return FanChild{Value: d.child(slot.Pending, span)}
	}

	flag, err := readUint(span, slot.Flag.Offset, slot.Flag.Size)
	if err != nil {
		return FanChild{Value: &Unreadable{Err: err, Raw: span}}
	}
	switch flag {
	case slot.Flag.ReadyValue:
		return FanChild{Ready: true, Value: d.child(*slot.Result, span)}
	case slot.Flag.PendingValue:
		return FanChild{Value: d.child(slot.Pending, span)}
	default:
		return FanChild{Value: &Unreadable{
			Err: &InvalidDiscriminantError{Layout: l.Name, Value: flag},
			Raw: span,
		}}
	}
}

func (d *Decoder) child(c layout.Child, span []byte) Value {
	sub, err := slice(span, c.Offset, c.Size)
	if err != nil {
		return &Unreadable{Err: err}
	}
	return d.Future(c.Type, sub)
}

// leaf formats a primitive per its declared representation. Formatting
// results are memoized; pools are refreshed every stop and the same values
// come back over and over.
func (d *Decoder) leaf(l *layout.Leaf, b []byte) Value {
	if uint64(len(b)) < l.Size {
		return &Unreadable{Err: &ShortBufferError{Layout: l.Name, Need: int(l.Size), Got: len(b)}, Raw: b}
	}
	b = b[:l.Size]

	key := l.Name + "\x00" + string(b)
	if text, ok := d.cache.Get(key); ok {
		return &Leaf{Type: l.Name, Text: text.(string), Raw: b}
	}
	text := formatLeaf(l, b)
	d.cache.Add(key, text)
	return &Leaf{Type: l.Name, Text: text, Raw: b}
}

func (d *Decoder) opaque(typeName string, b []byte) Value {
	return &Leaf{Type: typeName, Text: hexDump(b), Raw: b}
}

func formatLeaf(l *layout.Leaf, b []byte) string {
	switch l.Repr {
	case layout.ReprUnsigned:
		if u, err := readUint(b, 0, l.Size); err == nil {
			return fmt.Sprintf("%d", u)
		}
	case layout.ReprSigned:
		if u, err := readUint(b, 0, l.Size); err == nil {
			return fmt.Sprintf("%d", signExtend(u, l.Size))
		}
	case layout.ReprBool:
		if len(b) > 0 {
			if b[0] == 0 {
				return "false"
			}
			return "true"
		}
	case layout.ReprPointer:
		if u, err := readUint(b, 0, l.Size); err == nil {
			return fmt.Sprintf("0x%x", u)
		}
	}
	return hexDump(b)
}

// hexDump is the formatting fallback: unrecognized bytes render as a hex
// dump rather than failing.
func hexDump(b []byte) string {
	var sb strings.Builder
	sb.WriteString("bytes [")
	for _, c := range b {
		fmt.Fprintf(&sb, " %02x", c)
	}
	sb.WriteString(" ]")
	return sb.String()
}

func signExtend(u uint64, size uint64) int64 {
	shift := 64 - size*8
	return int64(u<<shift) >> shift
}

// readUint reads a little-endian unsigned field of 1, 2, 4, or 8 bytes.
// The bounds check is overflow-safe: offsets near the uint64 ceiling must
// degrade like any other short buffer, not wrap past the slice end.
func readUint(b []byte, offset, size uint64) (uint64, error) {
	if offset > uint64(len(b)) || size > uint64(len(b))-offset {
		return 0, &ShortBufferError{Layout: "field", Need: int(offset + size), Got: len(b)}
	}
	f := b[offset : offset+size]
	switch size {
	case 1:
		return uint64(f[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(f)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(f)), nil
	case 8:
		return binary.LittleEndian.Uint64(f), nil
	default:
		return 0, fmt.Errorf("unsupported field size %d", size)
	}
}

func slice(b []byte, offset, size uint64) ([]byte, error) {
	if offset > uint64(len(b)) || size > uint64(len(b))-offset {
		return nil, &ShortBufferError{Layout: "span", Need: int(offset + size), Got: len(b)}
	}
	return b[offset : offset+size], nil
}
