package target

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

// StepKind 执行控制的类型
type StepKind int

const (
	StepInto StepKind = iota
	StepOver
	StepInstruction
	StepOut
	StepContinue
)

func (k StepKind) String() string {
	switch k {
	case StepInto:
		return "step-into"
	case StepOver:
		return "step-over"
	case StepInstruction:
		return "step-instruction"
	case StepOut:
		return "step-out"
	case StepContinue:
		return "continue"
	default:
		return fmt.Sprintf("step-kind(%d)", int(k))
	}
}

// StopReason 停止原因
type StopReason int

const (
	StopInitial StopReason = iota
	StopStep
	StopBreakpoint
	StopSignal
	StopExited
)

func (r StopReason) String() string {
	switch r {
	case StopInitial:
		return "initial"
	case StopStep:
		return "step"
	case StopBreakpoint:
		return "breakpoint"
	case StopSignal:
		return "signal"
	case StopExited:
		return "exited"
	default:
		return fmt.Sprintf("stop-reason(%d)", int(r))
	}
}

// StopEvent describes why the inferior stopped and which real thread
// reported it.
type StopEvent struct {
	Reason   StopReason
	ThreadID uint64 // real thread id
	PC       uint64
	Signal   string
	ExitCode int
}

func (e StopEvent) String() string {
	switch e.Reason {
	case StopExited:
		return fmt.Sprintf("exited with status %d", e.ExitCode)
	case StopSignal:
		return fmt.Sprintf("thread %d stopped by signal %s at %#x", e.ThreadID, e.Signal, e.PC)
	default:
		return fmt.Sprintf("thread %d stopped (%s) at %#x", e.ThreadID, e.Reason, e.PC)
	}
}

// RealThreadState is one OS thread as enumerated by the backend at a stop.
type RealThreadState struct {
	ID    uint64
	Name  string
	Queue string
	Regs  []byte // laid out per Backend.RegisterDefinition
}

// Location 源码位置
type Location struct {
	File string
	Line int
	Func string
}

// Valid reports whether the location resolved to a source line.
func (l Location) Valid() bool {
	return l.File != "" && l.Line > 0
}

func (l Location) String() string {
	if !l.Valid() {
		return "??:0"
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Backend is the process-control path: it enumerates real threads, moves
// them, and maps between addresses and source lines. Implementations do not
// know about virtual threads.
//
// Calls are made from one control path at a time; Resume and Wait are only
// called while no other Resume is outstanding.
type Backend interface {
	Pid() int

	// Threads enumerates real threads of the stopped inferior in a stable
	// order. The position in the slice is the thread's backing index.
	Threads(ctx context.Context) ([]RealThreadState, error)
	RegisterDefinition() *regctx.Definition
	ByteOrder() binary.ByteOrder
	WriteRegisters(tid uint64, blob []byte) error

	// Resume starts tid (or all threads for StepContinue) and returns
	// without waiting; Wait blocks until the next stop.
	Resume(ctx context.Context, tid uint64, kind StepKind) error
	Wait(ctx context.Context) (StopEvent, error)

	SetBreakpoint(addr uint64) error
	ClearBreakpoint(addr uint64) error

	ResolveLocation(file string, line int) (uint64, error)
	Locate(pc uint64) (Location, bool)

	// Close detaches from (or kills, when it was launched by us) the inferior.
	Close() error
}

// MemoryReader is implemented by backends that can read inferior memory.
// Breakpoint instructions are reported with the original bytes.
type MemoryReader interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
}
