package backend

import (
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// DelveBackend adapts a headless Delve session to the Backend contract,
// managing the underlying dlv process.
type DelveBackend struct {
	client *rpc2.RPCClient
	target string
	dlvCmd *exec.Cmd
	listen string

	// stops is the pending Continue channel after a Resume.
	stops <-chan *api.DebuggerState
}

// findFreePort finds an available TCP port on localhost.
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// NewDelveBackend launches a Delve headless server for the target and
// connects via RPC. The target starts halted.
func NewDelveBackend(targetPath string, args ...string) (*DelveBackend, error) {
	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for target %s: %v", targetPath, err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port for delve: %v", err)
	}
	listen := "localhost:" + strconv.Itoa(port)

	cmdArgs := []string{
		"exec", absPath,
		"--headless",
		"--listen=" + listen,
		"--api-version=2",
		"--accept-multiclient",
	}
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, args...)
	}

	dlvCmd := exec.Command("dlv", cmdArgs...)
	setupProcAttr(dlvCmd)

	if err := dlvCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start delve process: %v", err)
	}

	// Give the server a moment to come up before connecting.
	time.Sleep(1000 * time.Millisecond)

	client := rpc2.NewClient(listen)
	if _, err := client.GetState(); err != nil {
		_ = dlvCmd.Process.Kill()
		_, _ = dlvCmd.Process.Wait()
		return nil, fmt.Errorf("failed to connect RPC client to delve server at %s: %v", listen, err)
	}

	return &DelveBackend{
		client: client,
		target: absPath,
		dlvCmd: dlvCmd,
		listen: listen,
	}, nil
}

// ReadMemory reads n bytes at addr from the halted target.
func (d *DelveBackend) ReadMemory(addr uint64, n int) ([]byte, error) {
	if d.client == nil {
		return nil, &Error{Kind: KindDisconnected, Op: "read memory"}
	}
	data, _, err := d.client.ExamineMemory(addr, n)
	if err != nil {
		return nil, &Error{Kind: classifyReadError(err), Op: "read memory", Err: err}
	}
	if len(data) < n {
		return nil, &Error{Kind: KindUnreachable, Op: "read memory",
			Err: fmt.Errorf("got %d of %d bytes at 0x%x", len(data), n, addr)}
	}
	return data[:n], nil
}

func classifyReadError(err error) ErrorKind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection"), strings.Contains(msg, "EOF"):
		return KindDisconnected
	case strings.Contains(msg, "invalid address"), strings.Contains(msg, "unmapped"):
		return KindInvalidAddress
	case strings.Contains(msg, "could not read"), strings.Contains(msg, "input/output"):
		return KindUnreachable
	default:
		return KindProtocol
	}
}

// SetBreakpoint installs a breakpoint at a raw address.
func (d *DelveBackend) SetBreakpoint(addr uint64) (BreakpointHandle, error) {
	if d.client == nil {
		return BreakpointHandle{}, &Error{Kind: KindDisconnected, Op: "set breakpoint"}
	}
	bp, err := d.client.CreateBreakpoint(&api.Breakpoint{Addr: addr})
	if err != nil {
		return BreakpointHandle{}, &Error{Kind: KindProtocol, Op: "set breakpoint", Err: err}
	}
	return BreakpointHandle{ID: bp.ID, Addr: addr}, nil
}

// Resume lets the target run. The resulting state is consumed by the next
// WaitForStop call rather than blocking here.
func (d *DelveBackend) Resume() error {
	if d.client == nil {
		return &Error{Kind: KindDisconnected, Op: "resume"}
	}
	if d.stops != nil {
		// Already running.
		return nil
	}
	d.stops = d.client.Continue()
	return nil
}

// WaitForStop blocks until the target halts.
func (d *DelveBackend) WaitForStop() (StopReason, error) {
	if d.client == nil {
		return StopReason{}, &Error{Kind: KindDisconnected, Op: "wait for stop"}
	}

	if d.stops == nil {
		// Not resumed by us; report the current halted state.
		state, err := d.client.GetState()
		if err != nil {
			return StopReason{}, &Error{Kind: KindDisconnected, Op: "wait for stop", Err: err}
		}
		return stopReason(state), nil
	}

	state, ok := <-d.stops
	d.stops = nil
	if !ok || state == nil {
		return StopReason{}, &Error{Kind: KindDisconnected, Op: "wait for stop"}
	}
	if state.Err != nil {
		return StopReason{}, &Error{Kind: KindProtocol, Op: "wait for stop", Err: state.Err}
	}
	if state.Exited {
		return StopReason{Kind: StopExited}, nil
	}
	return stopReason(state), nil
}

func stopReason(state *api.DebuggerState) StopReason {
	reason := StopReason{Kind: StopPaused}
	if state.CurrentThread != nil {
		reason.Addr = state.CurrentThread.PC
		if state.CurrentThread.Breakpoint != nil {
			reason.Kind = StopBreakpoint
			reason.Addr = state.CurrentThread.Breakpoint.Addr
		}
	}
	return reason
}

// Detach disconnects the RPC client and terminates the dlv process.
func (d *DelveBackend) Detach() error {
	var detachErr error
	if d.client != nil {
		if err := d.client.Disconnect(false); err != nil {
			detachErr = fmt.Errorf("failed to disconnect delve client: %v", err)
		}
		d.client = nil
	}
	if d.dlvCmd != nil && d.dlvCmd.Process != nil {
		if err := d.dlvCmd.Process.Kill(); err != nil && err.Error() != "os: process already finished" {
			if detachErr == nil {
				detachErr = fmt.Errorf("failed to kill delve process: %v", err)
			}
		}
		_, _ = d.dlvCmd.Process.Wait()
		d.dlvCmd = nil
	}
	return detachErr
}
