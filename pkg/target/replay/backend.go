package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"github.com/hitzhangjie/osdbg/pkg/logger"
	"github.com/hitzhangjie/osdbg/pkg/regctx"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

var (
	ErrNoPendingStop = errors.New("replay: no pending stop")
	ErrThreadDone    = errors.New("replay: thread finished its trace")
	ErrNoLine        = errors.New("replay: no code for line")
)

const stackTop = 0x7ffe0000

var definition = &regctx.Definition{
	Registers: []regctx.RegisterInfo{
		{Name: "pc", AltName: "rip", BitSize: 64, Offset: 0, Set: "General Purpose Registers", Generic: regctx.GenericPC},
		{Name: "sp", AltName: "rsp", BitSize: 64, Offset: 8, Set: "General Purpose Registers", Generic: regctx.GenericSP},
	},
}

type thread struct {
	rec    ThreadRec
	cursor int
	done   bool
}

func (t *thread) step() TraceStep {
	return t.rec.Trace[t.cursor]
}

// advance moves one instruction forward, false once the trace is exhausted.
func (t *thread) advance() bool {
	if t.cursor+1 >= len(t.rec.Trace) {
		t.done = true
		return false
	}
	t.cursor++
	return true
}

// Backend replays a Fixture. It implements target.Backend.
type Backend struct {
	fx  *Fixture
	log *log.Logger

	mu          sync.Mutex
	threads     []*thread
	breakpoints map[uint64]bool
	pending     *target.StopEvent
	exited      bool
	closed      bool
}

var _ target.Backend = (*Backend)(nil)

// New creates a backend positioned at the start of every trace.
func New(fx *Fixture) *Backend {
	b := &Backend{
		fx:          fx,
		log:         logger.New("replay"),
		breakpoints: map[uint64]bool{},
	}
	for _, rec := range fx.Threads {
		b.threads = append(b.threads, &thread{rec: rec})
	}
	return b
}

// Open loads the fixture at path.
func Open(path string) (*Backend, error) {
	fx, err := Load(path)
	if err != nil {
		return nil, err
	}
	return New(fx), nil
}

func (b *Backend) Pid() int {
	return b.fx.Pid
}

func (b *Backend) RegisterDefinition() *regctx.Definition {
	return definition
}

func (b *Backend) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func (b *Backend) blob(t *thread) []byte {
	st := t.step()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], st.PC)
	binary.LittleEndian.PutUint64(buf[8:], uint64(stackTop-16*st.Depth))
	return buf
}

// Threads returns the threads that have not finished their trace.
func (b *Backend) Threads(ctx context.Context) ([]target.RealThreadState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exited {
		return nil, nil
	}
	var states []target.RealThreadState
	for _, t := range b.threads {
		if t.done {
			continue
		}
		states = append(states, target.RealThreadState{
			ID:    t.rec.Tid,
			Name:  t.rec.Name,
			Queue: t.rec.Queue,
			Regs:  b.blob(t),
		})
	}
	return states, nil
}

// WriteRegisters moves the thread to the first later trace entry at the
// written pc. The sp is derived from the trace and cannot be changed.
func (b *Backend) WriteRegisters(tid uint64, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.thread(tid)
	if err != nil {
		return err
	}
	if len(blob) != definition.ByteSize() {
		return fmt.Errorf("%w: %d bytes", regctx.ErrBlobSize, len(blob))
	}
	if sp := binary.LittleEndian.Uint64(blob[8:]); sp != uint64(stackTop-16*t.step().Depth) {
		return errors.New("replay: sp is read-only")
	}
	pc := binary.LittleEndian.Uint64(blob)
	for i := t.cursor; i < len(t.rec.Trace); i++ {
		if t.rec.Trace[i].PC == pc {
			t.cursor = i
			return nil
		}
	}
	return fmt.Errorf("replay: thread %d never reaches pc %#x", tid, pc)
}

func (b *Backend) thread(tid uint64) (*thread, error) {
	for _, t := range b.threads {
		if t.rec.Tid == tid {
			if t.done {
				return nil, fmt.Errorf("%w: %d", ErrThreadDone, tid)
			}
			return t, nil
		}
	}
	return nil, fmt.Errorf("replay: no thread %d", tid)
}

// Resume plays the trace forward and records the resulting stop for Wait.
func (b *Backend) Resume(ctx context.Context, tid uint64, kind target.StepKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("replay: backend closed")
	}
	if b.exited {
		return errors.New("replay: process exited")
	}
	if b.pending != nil {
		return errors.New("replay: already resumed")
	}

	var ev target.StopEvent
	if kind == target.StepContinue {
		ev = b.runUntilBreakpoint()
	} else {
		t, err := b.thread(tid)
		if err != nil {
			return err
		}
		ev = b.stepThread(t, kind)
	}
	if ev.Reason == target.StopExited {
		b.exited = true
	}
	b.log.Debug().Uint64("tid", tid).Str("kind", kind.String()).Str("stop", ev.String()).Msg("resume")
	b.pending = &ev
	return nil
}

func (b *Backend) stepThread(t *thread, kind target.StepKind) target.StopEvent {
	start := t.step()
	startLine := b.line(start.PC)

	for {
		if !t.advance() {
			return b.threadFinished()
		}
		cur := t.step()
		if cur.Signal != "" {
			return target.StopEvent{Reason: target.StopSignal, ThreadID: t.rec.Tid, PC: cur.PC, Signal: cur.Signal}
		}

		done := false
		switch kind {
		case target.StepInstruction:
			done = true
		case target.StepInto:
			done = b.line(cur.PC) != startLine
		case target.StepOver:
			done = cur.Depth <= start.Depth && b.line(cur.PC) != startLine
		case target.StepOut:
			done = cur.Depth < start.Depth
		}
		if done {
			return target.StopEvent{Reason: target.StopStep, ThreadID: t.rec.Tid, PC: cur.PC}
		}
	}
}

// threadFinished reports exit when the last thread ran off its trace,
// otherwise the step ends on the next live thread.
func (b *Backend) threadFinished() target.StopEvent {
	for _, o := range b.threads {
		if !o.done {
			return target.StopEvent{Reason: target.StopStep, ThreadID: o.rec.Tid, PC: o.step().PC}
		}
	}
	return target.StopEvent{Reason: target.StopExited, ExitCode: b.fx.ExitCode}
}

// runUntilBreakpoint advances live threads round robin, one instruction
// each, until one lands on a breakpoint or a signal, or all have finished.
func (b *Backend) runUntilBreakpoint() target.StopEvent {
	for {
		progressed := false
		for _, t := range b.threads {
			if t.done || !t.advance() {
				continue
			}
			progressed = true
			cur := t.step()
			if cur.Signal != "" {
				return target.StopEvent{Reason: target.StopSignal, ThreadID: t.rec.Tid, PC: cur.PC, Signal: cur.Signal}
			}
			if b.breakpoints[cur.PC] {
				return target.StopEvent{Reason: target.StopBreakpoint, ThreadID: t.rec.Tid, PC: cur.PC}
			}
		}
		if !progressed {
			return target.StopEvent{Reason: target.StopExited, ExitCode: b.fx.ExitCode}
		}
	}
}

// Wait returns the stop recorded by the last Resume.
func (b *Backend) Wait(ctx context.Context) (target.StopEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		return target.StopEvent{}, ErrNoPendingStop
	}
	ev := *b.pending
	b.pending = nil
	return ev, nil
}

func (b *Backend) SetBreakpoint(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakpoints[addr] = true
	return nil
}

func (b *Backend) ClearBreakpoint(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakpoints, addr)
	return nil
}

// ResolveLocation returns the lowest pc of file:line.
func (b *Backend) ResolveLocation(file string, line int) (uint64, error) {
	for _, l := range b.fx.Lines {
		if l.File == file && l.Line == line {
			return l.PC, nil
		}
	}
	return 0, fmt.Errorf("%w: %s:%d", ErrNoLine, file, line)
}

// Locate maps pc to the closest line entry at or below it.
func (b *Backend) Locate(pc uint64) (target.Location, bool) {
	var (
		best  LineEntry
		found bool
	)
	for _, l := range b.fx.Lines {
		if l.PC > pc {
			break
		}
		best, found = l, true
	}
	if !found {
		return target.Location{}, false
	}
	return target.Location{File: best.File, Line: best.Line, Func: best.Func}, true
}

func (b *Backend) line(pc uint64) target.Location {
	loc, _ := b.Locate(pc)
	return loc
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
