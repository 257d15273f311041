package layout

// PoolHandle binds one task pool to the breakpoint target the orchestrator
// arms before watching it. Pure derivation over the model; no I/O.
type PoolHandle struct {
	Pool TaskPool
	// Breakpoints are the poll-dispatch return addresses; they are shared
	// by every pool but carried per handle so a handle is self-contained.
	Breakpoints []uint64
}

// SlotAddress returns the base address of the given slot.
func (h PoolHandle) SlotAddress(slot int) uint64 {
	return h.Pool.Address + uint64(slot)*h.Pool.SlotStride
}

// Locate derives the ordered pool handles from a model. The order is fixed
// for the lifetime of the model, so forest positions are stable across
// refresh cycles.
func Locate(m *Model) []PoolHandle {
	pools := m.Pools()
	handles := make([]PoolHandle, 0, len(pools))
	for _, p := range pools {
		handles = append(handles, PoolHandle{Pool: p, Breakpoints: m.PollReturns()})
	}
	return handles
}
