package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/osdbg/pkg/target"
)

func openMain(t *testing.T) *Backend {
	t.Helper()
	b, err := Open("testdata/main.yaml")
	require.NoError(t, err)
	return b
}

func resume(t *testing.T, b *Backend, tid uint64, kind target.StepKind) target.StopEvent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Resume(ctx, tid, kind))
	ev, err := b.Wait(ctx)
	require.NoError(t, err)
	return ev
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no threads", "pid: 1\n"},
		{"zero tid", "threads:\n  - {tid: 0, trace: [1]}\n"},
		{"duplicate tid", "threads:\n  - {tid: 1, trace: [1]}\n  - {tid: 1, trace: [1]}\n"},
		{"empty trace", "threads:\n  - {tid: 1}\n"},
		{"duplicate pc", "lines:\n  - {pc: 1, file: a.c, line: 1}\n  - {pc: 1, file: a.c, line: 2}\nthreads:\n  - {tid: 1, trace: [1]}\n"},
		{"bad yaml", "threads: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParse_TraceShorthand(t *testing.T) {
	fx, err := Parse([]byte("threads:\n  - tid: 5\n    trace:\n      - 0x10\n      - {pc: 0x20, depth: 2}\n"))
	require.NoError(t, err)
	require.Len(t, fx.Threads[0].Trace, 2)
	assert.Equal(t, TraceStep{PC: 0x10}, fx.Threads[0].Trace[0])
	assert.Equal(t, TraceStep{PC: 0x20, Depth: 2}, fx.Threads[0].Trace[1])
}

func TestBackend_Threads(t *testing.T) {
	b := openMain(t)
	states, err := b.Threads(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.EqualValues(t, 1001, states[0].ID)
	assert.Equal(t, "a.out", states[0].Name)
	assert.Equal(t, "main-queue", states[0].Queue)
	assert.Len(t, states[0].Regs, b.RegisterDefinition().ByteSize())
	assert.EqualValues(t, 1002, states[1].ID)
}

func TestBackend_Locate(t *testing.T) {
	b := openMain(t)

	loc, ok := b.Locate(0x401014)
	require.True(t, ok)
	assert.Equal(t, target.Location{File: "main.c", Line: 5, Func: "main"}, loc)

	_, ok = b.Locate(0x10)
	assert.False(t, ok)

	pc, err := b.ResolveLocation("main.c", 6)
	require.NoError(t, err)
	assert.EqualValues(t, 0x401020, pc)

	_, err = b.ResolveLocation("main.c", 99)
	assert.ErrorIs(t, err, ErrNoLine)
}

func TestBackend_ContinueToBreakpoint(t *testing.T) {
	b := openMain(t)
	require.NoError(t, b.SetBreakpoint(0x401010))

	ev := resume(t, b, 0, target.StepContinue)
	assert.Equal(t, target.StopBreakpoint, ev.Reason)
	assert.EqualValues(t, 1001, ev.ThreadID)
	assert.EqualValues(t, 0x401010, ev.PC)
}

func TestBackend_StepOverSkipsCall(t *testing.T) {
	b := openMain(t)
	require.NoError(t, b.SetBreakpoint(0x401010))
	resume(t, b, 0, target.StepContinue)

	ev := resume(t, b, 1001, target.StepOver)
	assert.Equal(t, target.StopStep, ev.Reason)
	assert.EqualValues(t, 0x401020, ev.PC)
}

func TestBackend_StepIntoAndOut(t *testing.T) {
	b := openMain(t)
	require.NoError(t, b.SetBreakpoint(0x401010))
	resume(t, b, 0, target.StepContinue)

	ev := resume(t, b, 1001, target.StepInto)
	assert.EqualValues(t, 0x402000, ev.PC)

	ev = resume(t, b, 1001, target.StepOut)
	assert.EqualValues(t, 0x401020, ev.PC)

	ev = resume(t, b, 1001, target.StepInstruction)
	assert.EqualValues(t, 0x401024, ev.PC)
}

func TestBackend_ContinueToExit(t *testing.T) {
	b := openMain(t)
	ev := resume(t, b, 0, target.StepContinue)
	assert.Equal(t, target.StopExited, ev.Reason)
	assert.Equal(t, 0, ev.ExitCode)

	states, err := b.Threads(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Error(t, b.Resume(context.Background(), 0, target.StepContinue))
}

func TestBackend_Signal(t *testing.T) {
	b, err := Open("testdata/signal.yaml")
	require.NoError(t, err)

	ev := resume(t, b, 0, target.StepContinue)
	assert.Equal(t, target.StopSignal, ev.Reason)
	assert.Equal(t, "SIGSEGV", ev.Signal)
	assert.EqualValues(t, 77, ev.ThreadID)
}

func TestBackend_WaitWithoutResume(t *testing.T) {
	b := openMain(t)
	_, err := b.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoPendingStop)
}

func TestBackend_WriteRegisters(t *testing.T) {
	b := openMain(t)
	states, err := b.Threads(context.Background())
	require.NoError(t, err)

	blob := append([]byte(nil), states[0].Regs...)
	blob[0], blob[1] = 0x20, 0x10 // pc = 0x401020
	require.NoError(t, b.WriteRegisters(1001, blob))

	states, err = b.Threads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, blob, states[0].Regs)

	blob[0] = 0xff
	assert.Error(t, b.WriteRegisters(1001, blob))
	assert.Error(t, b.WriteRegisters(1001, blob[:4]))
}
