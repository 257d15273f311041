// Package inspect coordinates the refresh cycle: it arms the poll-return
// breakpoint, and on every stop reads the memory of every pool slot, drives
// the decoder, and assembles a fresh forest of task suspension trees.
package inspect

import (
	"fmt"
	"log"
	"time"

	"github.com/asyncspect/asyncspect/pkg/backend"
	"github.com/asyncspect/asyncspect/pkg/decode"
	"github.com/asyncspect/asyncspect/pkg/history"
	"github.com/asyncspect/asyncspect/pkg/layout"
)

// Phase is the inspector's lifecycle state.
type Phase int

const (
	// Uninitialized means no breakpoint has been armed yet.
	Uninitialized Phase = iota
	// Armed means the breakpoint is installed and the target may run.
	Armed
	// Stopped means the target is halted and the forest is current.
	Stopped
	// Detached is terminal: the backend is gone and the last forest is
	// retained stale.
	Detached
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Armed:
		return "armed"
	case Stopped:
		return "stopped"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithHistory records every completed refresh cycle into rec.
func WithHistory(rec history.Recorder) Option {
	return func(i *Inspector) { i.hist = rec }
}

// Inspector owns one inspection session: the immutable layout model, the
// backend connection, the current forest, and the phase machine. It is
// single-threaded by design: the target is one halted core, and interleaving
// reads with other work would risk reading across a resume.
type Inspector struct {
	model   *layout.Model
	handles []layout.PoolHandle
	be      backend.Backend
	dec     *decode.Decoder

	phase     Phase
	forest    *Forest
	seq       uint64
	installed []backend.BreakpointHandle
	hist      history.Recorder
}

// New builds an inspector from a model and a backend connection. No target
// interaction happens until Arm.
func New(m *layout.Model, be backend.Backend, opts ...Option) (*Inspector, error) {
	handles := layout.Locate(m)
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: model has no task pools", layout.ErrMissingSymbol)
	}
	i := &Inspector{
		model:   m,
		handles: handles,
		be:      be,
		dec:     decode.NewDecoder(m),
		phase:   Uninitialized,
		hist:    history.Discard{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Phase returns the current lifecycle state.
func (i *Inspector) Phase() Phase { return i.phase }

// Forest returns the most recent forest, nil before the first refresh. The
// returned tree is never mutated afterwards.
func (i *Inspector) Forest() *Forest { return i.forest }

// Handles returns the located pool handles in their fixed order.
func (i *Inspector) Handles() []layout.PoolHandle { return i.handles }

// Arm installs the poll-return breakpoints and optionally resumes the
// target. Valid from Uninitialized; from Stopped only with resume, since the
// breakpoints are already installed and the target must not be left halted
// while nominally armed.
func (i *Inspector) Arm(resume bool) error {
	switch i.phase {
	case Uninitialized:
	case Stopped:
		if !resume {
			return fmt.Errorf("cannot re-arm a stopped target without resuming")
		}
	default:
		return fmt.Errorf("cannot arm while %s", i.phase)
	}

	if i.phase == Uninitialized {
		// The breakpoint addresses are shared across handles; install
		// each address once.
		seen := make(map[uint64]bool)
		for _, h := range i.handles {
			for _, addr := range h.Breakpoints {
				if seen[addr] {
					continue
				}
				seen[addr] = true
				bp, err := i.be.SetBreakpoint(addr)
				if err != nil {
					if backend.IsDisconnected(err) {
						i.detachNow()
					}
					return fmt.Errorf("failed to arm breakpoint at 0x%x: %v", addr, err)
				}
				i.installed = append(i.installed, bp)
			}
		}
	}

	if resume {
		if err := i.be.Resume(); err != nil {
			if backend.IsDisconnected(err) {
				i.detachNow()
			}
			return fmt.Errorf("failed to resume target: %v", err)
		}
	}
	i.phase = Armed
	return nil
}

// WaitForStop blocks until the backend delivers a stop event, then runs one
// refresh cycle and transitions to Stopped. Within Stopped the target is
// halted, so the cycle's reads are mutually consistent.
func (i *Inspector) WaitForStop() (backend.StopReason, error) {
	if i.phase != Armed {
		return backend.StopReason{}, fmt.Errorf("cannot wait while %s", i.phase)
	}

	reason, err := i.be.WaitForStop()
	if err != nil {
		if backend.IsDisconnected(err) {
			i.detachNow()
		}
		return backend.StopReason{}, fmt.Errorf("stop wait failed: %v", err)
	}
	if reason.Kind == backend.StopExited {
		i.detachNow()
		return reason, nil
	}

	i.phase = Stopped
	i.refresh()
	return reason, nil
}

// Resume lets the target run again. Valid only while Stopped.
func (i *Inspector) Resume() error {
	if i.phase != Stopped {
		return fmt.Errorf("cannot resume while %s", i.phase)
	}
	if err := i.be.Resume(); err != nil {
		if backend.IsDisconnected(err) {
			i.detachNow()
			return fmt.Errorf("backend lost during resume: %v", err)
		}
		return fmt.Errorf("failed to resume target: %v", err)
	}
	i.phase = Armed
	return nil
}

// Detach ends the session. The last forest is retained, flagged stale.
func (i *Inspector) Detach() error {
	if i.phase == Detached {
		return nil
	}
	err := i.be.Detach()
	i.detachNow()
	if err != nil {
		return fmt.Errorf("detach failed: %v", err)
	}
	return nil
}

func (i *Inspector) detachNow() {
	i.phase = Detached
	i.forest = i.forest.markStale()
}

// refresh reads every slot of every pool in fixed order, decodes each one,
// and atomically replaces the forest. A failed read degrades that slot
// alone; only a disconnected backend aborts the cycle.
func (i *Inspector) refresh() {
	i.seq++
	forest := &Forest{Seq: i.seq, CapturedAt: time.Now()}
	cycle := history.Cycle{Seq: i.seq, CapturedAt: forest.CapturedAt}

	for poolIdx, h := range i.handles {
		pool := h.Pool
		pt := PoolTasks{Path: pool.Path, Address: pool.Address}

		for slot := 0; slot < pool.SlotCount; slot++ {
			raw, err := i.be.ReadMemory(h.SlotAddress(slot), int(pool.SlotStride))
			if err != nil {
				if backend.IsDisconnected(err) {
					log.Printf("backend lost mid-refresh: %v", err)
					i.detachNow()
					return
				}
				pt.Tasks = append(pt.Tasks, decode.UnreadableSlot(pool, poolIdx, slot, err))
				cycle.Slots = append(cycle.Slots, history.NewFailedCapture(pool.Path, slot, err))
				continue
			}
			pt.Tasks = append(pt.Tasks, i.dec.Slot(pool, poolIdx, slot, raw))
			cycle.Slots = append(cycle.Slots, history.NewSlotCapture(pool.Path, slot, raw))
		}
		forest.Pools = append(forest.Pools, pt)
	}

	i.forest = forest
	cycle.Tasks = forest.TaskCount()
	i.hist.Record(cycle)
}

// IsPollStop reports whether the stop came from one of the breakpoints this
// inspector armed, as opposed to a stop the surrounding tool caused.
func (i *Inspector) IsPollStop(reason backend.StopReason) bool {
	if reason.Kind != backend.StopBreakpoint {
		return false
	}
	for _, bp := range i.installed {
		if bp.Addr == reason.Addr {
			return true
		}
	}
	return false
}
