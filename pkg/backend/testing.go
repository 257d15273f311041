package backend

import (
	"fmt"
)

// Region is one span of scripted target memory.
type Region struct {
	Addr  uint64
	Bytes []byte
}

// Scripted is an in-memory Backend for tests: reads resolve against scripted
// memory regions, stops are served from a queue, and every control call is
// recorded.
type Scripted struct {
	Regions []Region
	// ReadErrs fails reads whose start address matches, simulating
	// unreachable memory.
	ReadErrs map[uint64]error
	// Stops is consumed front to back by WaitForStop.
	Stops []StopReason

	Installed []BreakpointHandle
	Resumes   int
	Detached  bool

	nextID int
}

// NewScripted creates a scripted backend with no memory.
func NewScripted() *Scripted {
	return &Scripted{ReadErrs: make(map[uint64]error)}
}

// SetMemory scripts the bytes readable at addr.
func (s *Scripted) SetMemory(addr uint64, b []byte) {
	for i := range s.Regions {
		if s.Regions[i].Addr == addr {
			s.Regions[i].Bytes = b
			return
		}
	}
	s.Regions = append(s.Regions, Region{Addr: addr, Bytes: b})
}

func (s *Scripted) ReadMemory(addr uint64, n int) ([]byte, error) {
	if s.Detached {
		return nil, &Error{Kind: KindDisconnected, Op: "read memory"}
	}
	if err, ok := s.ReadErrs[addr]; ok {
		return nil, err
	}
	for _, r := range s.Regions {
		if addr >= r.Addr && addr+uint64(n) <= r.Addr+uint64(len(r.Bytes)) {
			start := addr - r.Addr
			out := make([]byte, n)
			copy(out, r.Bytes[start:start+uint64(n)])
			return out, nil
		}
	}
	return nil, &Error{Kind: KindInvalidAddress, Op: "read memory",
		Err: fmt.Errorf("no scripted memory at 0x%x", addr)}
}

func (s *Scripted) SetBreakpoint(addr uint64) (BreakpointHandle, error) {
	if s.Detached {
		return BreakpointHandle{}, &Error{Kind: KindDisconnected, Op: "set breakpoint"}
	}
	s.nextID++
	h := BreakpointHandle{ID: s.nextID, Addr: addr}
	s.Installed = append(s.Installed, h)
	return h, nil
}

func (s *Scripted) Resume() error {
	if s.Detached {
		return &Error{Kind: KindDisconnected, Op: "resume"}
	}
	s.Resumes++
	return nil
}

func (s *Scripted) WaitForStop() (StopReason, error) {
	if s.Detached {
		return StopReason{}, &Error{Kind: KindDisconnected, Op: "wait for stop"}
	}
	if len(s.Stops) == 0 {
		return StopReason{}, &Error{Kind: KindDisconnected, Op: "wait for stop",
			Err: fmt.Errorf("no scripted stops left")}
	}
	stop := s.Stops[0]
	s.Stops = s.Stops[1:]
	return stop, nil
}

func (s *Scripted) Detach() error {
	s.Detached = true
	return nil
}
