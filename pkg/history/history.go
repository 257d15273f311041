// Package history keeps a bounded in-memory record of past refresh cycles
// so a session can be compared against earlier stops. Raw slot memory is
// stored zstd-compressed; nothing is written to disk.
package history

import (
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// encoder and decoder for zstd are reusable and thread-safe
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// SlotCapture is the raw memory of one pool slot at one stop.
type SlotCapture struct {
	Pool string
	Slot int
	// Err is the read failure for slots whose memory could not be
	// fetched, empty otherwise.
	Err string

	compressed []byte
	rawLen     int
}

// NewSlotCapture compresses and wraps one slot's raw bytes.
func NewSlotCapture(pool string, slot int, raw []byte) SlotCapture {
	return SlotCapture{
		Pool:       pool,
		Slot:       slot,
		compressed: zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)),
		rawLen:     len(raw),
	}
}

// NewFailedCapture records a slot whose read failed.
func NewFailedCapture(pool string, slot int, err error) SlotCapture {
	return SlotCapture{Pool: pool, Slot: slot, Err: err.Error()}
}

// Bytes decompresses and returns the captured memory, nil for failed reads.
func (c SlotCapture) Bytes() []byte {
	if c.compressed == nil {
		return nil
	}
	raw, err := zstdDecoder.DecodeAll(c.compressed, make([]byte, 0, c.rawLen))
	if err != nil {
		return nil
	}
	return raw
}

// RawLen returns the uncompressed capture size.
func (c SlotCapture) RawLen() int { return c.rawLen }

// Cycle is everything recorded for one completed refresh.
type Cycle struct {
	Seq        uint64
	CapturedAt time.Time
	// Tasks counts the occupied slots seen in this cycle.
	Tasks int
	Slots []SlotCapture
}

// Recorder receives one Cycle per completed refresh.
type Recorder interface {
	Record(c Cycle)
	Cycles() []Cycle
	Clear()
}

// MemoryRecorder keeps the most recent cycles in a bounded ring.
type MemoryRecorder struct {
	cycles []Cycle
	max    int
}

// NewMemoryRecorder creates a recorder retaining at most max cycles.
func NewMemoryRecorder(max int) *MemoryRecorder {
	if max <= 0 {
		max = 1
	}
	return &MemoryRecorder{max: max}
}

func (r *MemoryRecorder) Record(c Cycle) {
	r.cycles = append(r.cycles, c)
	if len(r.cycles) > r.max {
		r.cycles = r.cycles[len(r.cycles)-r.max:]
	}
}

// Cycles returns the retained cycles, oldest first.
func (r *MemoryRecorder) Cycles() []Cycle {
	return r.cycles
}

func (r *MemoryRecorder) Clear() {
	r.cycles = nil
}

// Discard drops every cycle it is given. It is the Recorder used when a
// session runs without history.
type Discard struct{}

func (Discard) Record(Cycle)    {}
func (Discard) Cycles() []Cycle { return nil }
func (Discard) Clear()          {}
