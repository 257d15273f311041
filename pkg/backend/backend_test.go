package backend

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), KindDisconnected},
		{"eof", fmt.Errorf("unexpected EOF"), KindDisconnected},
		{"invalid address", fmt.Errorf("invalid address 0xdeadbeef"), KindInvalidAddress},
		{"unmapped", fmt.Errorf("read at unmapped page"), KindInvalidAddress},
		{"could not read", fmt.Errorf("could not read 64 bytes"), KindUnreachable},
		{"io error", fmt.Errorf("input/output error"), KindUnreachable},
		{"anything else", fmt.Errorf("rpc: service method mismatch"), KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReadError(tt.err); got != tt.kind {
				t.Errorf("classifyReadError(%v) = %v, want %v", tt.err, got, tt.kind)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	err := fmt.Errorf("refresh failed: %w",
		&Error{Kind: KindDisconnected, Op: "read memory", Err: cause})

	if !IsDisconnected(err) {
		t.Error("IsDisconnected should see through wrapping")
	}
	if !IsKind(err, KindDisconnected) {
		t.Error("IsKind(KindDisconnected) = false")
	}
	if IsKind(err, KindUnreachable) {
		t.Error("IsKind matched the wrong kind")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindUnreachable, Op: "read memory", Err: fmt.Errorf("timeout")}
	want := "read memory: target unreachable: timeout"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	bare := &Error{Kind: KindDisconnected, Op: "resume"}
	if got := bare.Error(); got != "resume: backend disconnected" {
		t.Errorf("Error() = %q", got)
	}
}

func TestScriptedMemory(t *testing.T) {
	s := NewScripted()
	s.SetMemory(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	got, err := s.ReadMemory(0x1002, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadMemory = %v, want %v", got, want)
		}
	}

	if _, err := s.ReadMemory(0x2000, 4); !IsKind(err, KindInvalidAddress) {
		t.Errorf("unscripted read = %v, want invalid address", err)
	}
	if _, err := s.ReadMemory(0x1006, 4); !IsKind(err, KindInvalidAddress) {
		t.Errorf("read past region end = %v, want invalid address", err)
	}

	s.ReadErrs[0x1000] = &Error{Kind: KindUnreachable, Op: "read memory"}
	if _, err := s.ReadMemory(0x1000, 4); !IsKind(err, KindUnreachable) {
		t.Errorf("scripted failure = %v, want unreachable", err)
	}
}

func TestScriptedControlFlow(t *testing.T) {
	s := NewScripted()
	s.Stops = []StopReason{{Kind: StopBreakpoint, Addr: 0x8000}}

	bp, err := s.SetBreakpoint(0x8000)
	if err != nil {
		t.Fatal(err)
	}
	if bp.Addr != 0x8000 || bp.ID == 0 {
		t.Errorf("breakpoint handle = %+v", bp)
	}

	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	stop, err := s.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	if stop.Kind != StopBreakpoint || stop.Addr != 0x8000 {
		t.Errorf("stop = %+v", stop)
	}

	// Queue exhausted: the backend looks disconnected.
	if _, err := s.WaitForStop(); !IsDisconnected(err) {
		t.Errorf("drained WaitForStop = %v, want disconnected", err)
	}

	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadMemory(0x1000, 1); !IsDisconnected(err) {
		t.Errorf("read after detach = %v, want disconnected", err)
	}
	if err := s.Resume(); !IsDisconnected(err) {
		t.Errorf("resume after detach = %v, want disconnected", err)
	}
}

func TestStopKindString(t *testing.T) {
	pairs := map[StopKind]string{
		StopBreakpoint: "breakpoint",
		StopPaused:     "paused",
		StopExited:     "exited",
		StopUnknown:    "stopped",
	}
	for k, want := range pairs {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}
