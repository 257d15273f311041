package inspect

import (
	"time"

	"github.com/asyncspect/asyncspect/pkg/decode"
)

// PoolTasks is the decoded state of one task pool at one stop.
type PoolTasks struct {
	Path    string
	Address uint64
	Tasks   []decode.TaskSnapshot
}

// Forest is the complete set of per-task suspension trees produced by one
// refresh cycle. A Forest is immutable once published: each refresh replaces
// it wholesale, so a consumer holding an old Forest never observes a
// half-updated tree. Pool and slot order are fixed by the layout model, so
// positions are stable across cycles.
type Forest struct {
	Seq        uint64
	CapturedAt time.Time
	// Stale is set on the retained forest after the session detaches.
	Stale bool
	Pools []PoolTasks
}

// TaskCount returns how many occupied slots the forest holds.
func (f *Forest) TaskCount() int {
	n := 0
	for _, p := range f.Pools {
		for _, t := range p.Tasks {
			if t.Occupied {
				n++
			}
		}
	}
	return n
}

// markStale returns a copy of the forest flagged as stale. The original is
// left untouched for consumers still holding it.
func (f *Forest) markStale() *Forest {
	if f == nil {
		return nil
	}
	stale := *f
	stale.Stale = true
	return &stale
}
