package inspect

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncspect/asyncspect/pkg/backend"
	"github.com/asyncspect/asyncspect/pkg/decode"
	"github.com/asyncspect/asyncspect/pkg/history"
	"github.com/asyncspect/asyncspect/pkg/layout"
)

const (
	poolAddr   = 0x2000_0000
	slotStride = 32
	pollReturn = 0x0800_1234
	taskType   = "app::__blink_task::{async_fn_env#0}"
)

func testModel(t *testing.T) *layout.Model {
	t.Helper()

	u32 := &layout.Leaf{Name: "u32", Size: 4, Repr: layout.ReprUnsigned}
	task := &layout.AsyncFn{
		Name:  taskType,
		Size:  16,
		Discr: layout.Field{Offset: 0, Size: 1},
		Points: []layout.SuspensionPoint{
			{Discriminant: 0, StateName: "Unresumed"},
			{Discriminant: 1, StateName: "Suspend0",
				Awaitee: &layout.Child{Type: "u32", Offset: 4, Size: 4}},
			{Discriminant: 2, StateName: "Returned"},
		},
	}
	pool := layout.TaskPool{
		Path:         "app::blink",
		Address:      poolAddr,
		Size:         2 * slotStride,
		SlotCount:    2,
		SlotStride:   slotStride,
		Occupancy:    layout.Field{Offset: 0, Size: 1},
		FutureOffset: 8,
		Task:         taskType,
	}

	m, err := layout.NewModel([]layout.Layout{u32, task},
		[]layout.TaskPool{pool}, []uint64{pollReturn})
	require.NoError(t, err)
	return m
}

// poolMemory scripts slot 0 occupied and parked at its await on 42, slot 1
// never spawned.
func poolMemory(be *backend.Scripted) {
	b := make([]byte, 2*slotStride)
	b[0] = 1 // slot 0 occupancy
	b[8] = 1 // discriminant: Suspend0
	binary.LittleEndian.PutUint32(b[12:], 42)
	be.SetMemory(poolAddr, b)
}

func TestLifecycle(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	be.Stops = []backend.StopReason{{Kind: backend.StopBreakpoint, Addr: pollReturn}}

	insp, err := New(testModel(t), be)
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, insp.Phase())
	assert.Nil(t, insp.Forest())

	require.NoError(t, insp.Arm(true))
	assert.Equal(t, Armed, insp.Phase())
	require.Len(t, be.Installed, 1)
	assert.Equal(t, uint64(pollReturn), be.Installed[0].Addr)
	assert.Equal(t, 1, be.Resumes)

	reason, err := insp.WaitForStop()
	require.NoError(t, err)
	assert.True(t, insp.IsPollStop(reason))
	assert.Equal(t, Stopped, insp.Phase())

	f := insp.Forest()
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.Seq)
	assert.False(t, f.Stale)
	require.Len(t, f.Pools, 1)
	require.Len(t, f.Pools[0].Tasks, 2)
	assert.Equal(t, 1, f.TaskCount())

	root, ok := f.Pools[0].Tasks[0].Root.(*decode.AsyncFnValue)
	require.True(t, ok)
	assert.Equal(t, "Suspend0", root.StateName)
	assert.False(t, f.Pools[0].Tasks[1].Occupied)

	require.NoError(t, insp.Resume())
	assert.Equal(t, Armed, insp.Phase())
	assert.Equal(t, 2, be.Resumes)

	require.NoError(t, insp.Detach())
	assert.Equal(t, Detached, insp.Phase())
	assert.True(t, be.Detached)
	assert.True(t, insp.Forest().Stale)

	// Detach is idempotent.
	require.NoError(t, insp.Detach())
}

func TestPhaseGuards(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	insp, err := New(testModel(t), be)
	require.NoError(t, err)

	// Not armed yet: nothing to wait for or resume from.
	_, err = insp.WaitForStop()
	assert.Error(t, err)
	assert.Error(t, insp.Resume())

	require.NoError(t, insp.Arm(false))
	assert.Equal(t, 0, be.Resumes)
	assert.Error(t, insp.Arm(false), "arming twice in a row")
	assert.Error(t, insp.Resume())
}

func TestArmFromStoppedRequiresResume(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	be.Stops = []backend.StopReason{{Kind: backend.StopBreakpoint, Addr: pollReturn}}

	insp, err := New(testModel(t), be)
	require.NoError(t, err)
	require.NoError(t, insp.Arm(true))
	_, err = insp.WaitForStop()
	require.NoError(t, err)

	// Leaving Stopped is resume-driven; arming without a resume would flag
	// the target as running while it is still halted.
	assert.Error(t, insp.Arm(false))
	assert.Equal(t, Stopped, insp.Phase())

	require.NoError(t, insp.Arm(true))
	assert.Equal(t, Armed, insp.Phase())
	assert.Equal(t, 2, be.Resumes)
	assert.Len(t, be.Installed, 1, "re-arming must not reinstall breakpoints")
}

func TestReadFailureDegradesSingleSlot(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	be.ReadErrs[poolAddr+slotStride] = &backend.Error{Kind: backend.KindUnreachable, Op: "read memory"}
	be.Stops = []backend.StopReason{{Kind: backend.StopBreakpoint, Addr: pollReturn}}

	insp, err := New(testModel(t), be)
	require.NoError(t, err)
	require.NoError(t, insp.Arm(true))
	_, err = insp.WaitForStop()
	require.NoError(t, err)

	// The failed slot degrades alone; the cycle still completes.
	assert.Equal(t, Stopped, insp.Phase())
	tasks := insp.Forest().Pools[0].Tasks
	require.Len(t, tasks, 2)

	root, ok := tasks[0].Root.(*decode.AsyncFnValue)
	require.True(t, ok)
	assert.Equal(t, "Suspend0", root.StateName)

	bad, ok := tasks[1].Root.(*decode.Unreadable)
	require.True(t, ok, "failed slot should decode as unreadable, got %T", tasks[1].Root)
	assert.True(t, backend.IsKind(bad.Err, backend.KindUnreachable))
}

func TestDisconnectDuringWaitDetaches(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	be.Stops = []backend.StopReason{{Kind: backend.StopBreakpoint, Addr: pollReturn}}

	insp, err := New(testModel(t), be)
	require.NoError(t, err)
	require.NoError(t, insp.Arm(true))
	_, err = insp.WaitForStop()
	require.NoError(t, err)
	require.NoError(t, insp.Resume())

	// No scripted stops left: the backend reports a lost connection.
	_, err = insp.WaitForStop()
	require.Error(t, err)
	assert.Equal(t, Detached, insp.Phase())

	f := insp.Forest()
	require.NotNil(t, f, "last forest is retained after detach")
	assert.True(t, f.Stale)
	assert.Equal(t, uint64(1), f.Seq)
}

func TestExitedTargetDetaches(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	be.Stops = []backend.StopReason{{Kind: backend.StopExited}}

	insp, err := New(testModel(t), be)
	require.NoError(t, err)
	require.NoError(t, insp.Arm(true))

	reason, err := insp.WaitForStop()
	require.NoError(t, err)
	assert.Equal(t, backend.StopExited, reason.Kind)
	assert.Equal(t, Detached, insp.Phase())
	assert.False(t, insp.IsPollStop(reason))
}

func TestNewRequiresPools(t *testing.T) {
	m, err := layout.NewModel(nil, nil, []uint64{pollReturn})
	require.NoError(t, err)
	_, err = New(m, backend.NewScripted())
	assert.Error(t, err)
}

func TestHistoryRecording(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	be.Stops = []backend.StopReason{{Kind: backend.StopBreakpoint, Addr: pollReturn}}

	rec := history.NewMemoryRecorder(8)
	insp, err := New(testModel(t), be, WithHistory(rec))
	require.NoError(t, err)
	require.NoError(t, insp.Arm(true))
	_, err = insp.WaitForStop()
	require.NoError(t, err)

	cycles := rec.Cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, uint64(1), cycles[0].Seq)
	assert.Equal(t, 1, cycles[0].Tasks)
	require.Len(t, cycles[0].Slots, 2)

	raw := cycles[0].Slots[0].Bytes()
	require.Len(t, raw, slotStride)
	assert.Equal(t, byte(1), raw[0])
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(raw[12:]))
}

func TestPresentAppliesInteractions(t *testing.T) {
	be := backend.NewScripted()
	poolMemory(be)
	insp, err := New(testModel(t), be)
	require.NoError(t, err)

	var applied []Event
	passes := 0
	insp.Present(func(f *Forest) DrawOutcome {
		passes++
		if passes == 1 {
			return InteractionDetected(Event{Kind: EventScroll, Delta: 3})
		}
		return Continue()
	}, func(ev Event) {
		applied = append(applied, ev)
	})

	assert.Equal(t, 2, passes)
	require.Len(t, applied, 1)
	assert.Equal(t, EventScroll, applied[0].Kind)
	assert.Equal(t, 3, applied[0].Delta)
}
