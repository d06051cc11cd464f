//go:build linux && amd64

package ptrace

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/phuslu/log"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/osdbg/pkg/logger"
	"github.com/hitzhangjie/osdbg/pkg/regctx"
	"github.com/hitzhangjie/osdbg/pkg/symbol"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

type request struct {
	tid  int
	kind target.StepKind
}

// Backend 被调试进程信息
type Backend struct {
	pid     int
	Command string   // 进程启动命令，方便重启调试
	Args    []string // 进程启动参数，方便重启调试
	Kind    Kind     // 发起调试的类型

	bi   *symbol.BinaryInfo // 符号层操作
	bias uint64
	def  *regctx.Definition
	log  *log.Logger

	once       sync.Once
	ptraceCh   chan func() // ptrace请求统一发送到这里，由专门协程处理
	ptraceDone chan int    // ptrace请求完成
	stopCh     chan int    // 通知需要停止调试
	stopOnce   sync.Once

	mu          sync.Mutex
	threads     map[int]bool    // traced tids
	breakpoints map[uint64]byte // addr -> original byte
	pendingSig  map[int]syscall.Signal
	pendingStop map[int]bool // SIGSTOP sent by us, not yet reported
	resume      *request
	exited      bool
}

var (
	_ target.Backend      = (*Backend)(nil)
	_ target.MemoryReader = (*Backend)(nil)
)

func newBackend(kind Kind) *Backend {
	return &Backend{
		Kind:        kind,
		def:         regctx.AMD64(),
		log:         logger.New("ptrace"),
		ptraceCh:    make(chan func()),
		ptraceDone:  make(chan int),
		stopCh:      make(chan int),
		threads:     map[int]bool{},
		breakpoints: map[uint64]byte{},
		pendingSig:  map[int]syscall.Signal{},
		pendingStop: map[int]bool{},
	}
}

// Launch starts cmd under ptrace, stopped before its first instruction.
func Launch(cmd string, args []string) (target.Backend, error) {
	b := newBackend(LAUNCH)
	b.Command, b.Args = cmd, args

	var err error
	b.ExecPtrace(func() {
		err = b.launchCommand(cmd, args...)
	})
	if err != nil {
		b.StopPtrace()
		return nil, err
	}
	b.loadSymbols(cmd)
	return b, nil
}

// Attach trace一个目标进程，包括它的所有线程
func Attach(pid int) (target.Backend, error) {
	if !checkPid(pid) {
		return nil, fmt.Errorf("process %d not existed", pid)
	}
	b := newBackend(ATTACH)
	b.pid = pid

	var err error
	b.ExecPtrace(func() {
		// attach to all threads, and prepare to trace newly created thread
		err = b.attach(pid)
	})
	if err != nil {
		b.StopPtrace()
		return nil, err
	}

	// initialize the command and arguments,
	// after then, we could support restart command.
	if b.Command, err = readProcComm(pid); err != nil {
		b.log.Warn().Err(err).Int("pid", pid).Msg("read comm")
	}
	if b.Args, err = readProcCommArgs(pid); err != nil {
		b.log.Warn().Err(err).Int("pid", pid).Msg("read cmdline")
	}
	b.loadSymbols(fmt.Sprintf("/proc/%d/exe", pid))
	return b, nil
}

// loadSymbols is best effort: without symbols there are no source locations.
func (b *Backend) loadSymbols(path string) {
	bi, err := symbol.Analyze(path)
	if err != nil {
		b.log.Warn().Err(err).Str("exec", path).Msg("no symbols, source locations disabled")
		return
	}
	b.bi = bi
	if bi.PIE {
		if b.bias, err = loadBias(b.pid); err != nil {
			b.log.Warn().Err(err).Int("pid", b.pid).Msg("load bias")
		}
	}
	b.log.Debug().Str("exec", path).Int("functions", len(bi.Functions)).Uint64("bias", b.bias).Msg("symbols loaded")
}

// launchCommand execute `execName` with `args`
//
// 为了方便调试，除了跟踪主线程，还需要考虑跟踪后续新创建的线程，设置PTRACE_O_TRACECLONE
// 后tracer会自动跟踪新创建线程，新线程以SIGSTOP开始。see more info by `man 2 ptrace`.
func (b *Backend) launchCommand(execName string, args ...string) error {
	progCmd := exec.Command(execName, args...)
	progCmd.Stdin = os.Stdin
	progCmd.Stdout = os.Stdout
	progCmd.Stderr = os.Stderr
	progCmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:     true, // implies PTRACE_TRACEME
		Setpgid:    true,
		Foreground: false,
	}
	progCmd.Env = append(os.Environ(), "GODEBUG=asyncpreemptoff=1")

	if err := progCmd.Start(); err != nil {
		return err
	}
	b.pid = progCmd.Process.Pid

	// wait target process stopped
	var ws unix.WaitStatus
	if _, err := unix.Wait4(b.pid, &ws, unix.WALL, nil); err != nil {
		return err
	}
	if !ws.Stopped() {
		return fmt.Errorf("process %d not stopped: %s", b.pid, desc(ws))
	}
	b.threads[b.pid] = true
	b.log.Info().Int("pid", b.pid).Str("exec", execName).Msg("process launched")

	return unix.PtraceSetOptions(b.pid, unix.PTRACE_O_TRACECLONE)
}

// attach attach to every thread of pid
func (b *Backend) attach(pid int) error {
	tids, err := loadThreadList(pid)
	if err != nil {
		return fmt.Errorf("load threads err: %v", err)
	}
	for _, tid := range tids {
		err = unix.PtraceAttach(tid)
		if err != nil && err != unix.EPERM {
			// Maybe we have traced tid via PTRACE_O_TRACECLONE.
			return fmt.Errorf("thread %d attach err: %v", tid, err)
		}

		var ws unix.WaitStatus
		if _, err = unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			return fmt.Errorf("thread %d wait err: %v", tid, err)
		}
		if ws.Exited() {
			b.log.Debug().Int("tid", tid).Msg("thread already exited")
			continue
		}
		if err = unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil {
			return fmt.Errorf("set PTRACE_O_TRACECLONE err: %v", err)
		}
		b.threads[tid] = true
	}
	b.log.Info().Int("pid", pid).Int("threads", len(b.threads)).Msg("process attached")
	return nil
}

// ExecPtrace runs fn on the tracer thread.
//
// ensure all ptrace requests goes via the same tracer (thread), see
// https://github.com/golang/go/issues/7699
func (b *Backend) ExecPtrace(fn func()) {
	b.once.Do(func() {
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-b.ptraceCh:
					reqFn()
					b.ptraceDone <- 1
				case <-b.stopCh:
					return
				}
			}
		}()
	})
	b.ptraceCh <- fn
	<-b.ptraceDone
}

// StopPtrace stops the tracer thread.
func (b *Backend) StopPtrace() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Backend) Pid() int {
	return b.pid
}

func (b *Backend) RegisterDefinition() *regctx.Definition {
	return b.def
}

func (b *Backend) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func (b *Backend) tids() []int {
	tids := make([]int, 0, len(b.threads))
	for tid := range b.threads {
		tids = append(tids, tid)
	}
	sortThreads(b.pid, tids)
	return tids
}

// Threads reads the registers of every traced thread.
func (b *Backend) Threads(ctx context.Context) ([]target.RealThreadState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return nil, target.ErrProcessExited
	}

	var (
		states []target.RealThreadState
		err    error
	)
	b.ExecPtrace(func() {
		for _, tid := range b.tids() {
			var regs unix.PtraceRegs
			if err = unix.PtraceGetRegs(tid, &regs); err != nil {
				err = fmt.Errorf("thread %d get regs error: %v", tid, err)
				return
			}
			var buf bytes.Buffer
			if err = binary.Write(&buf, binary.LittleEndian, &regs); err != nil {
				return
			}
			states = append(states, target.RealThreadState{
				ID:   uint64(tid),
				Name: threadName(b.pid, tid),
				Regs: buf.Bytes(),
			})
		}
	})
	return states, err
}

// WriteRegisters sets the registers of tid from a blob laid out per
// RegisterDefinition.
func (b *Backend) WriteRegisters(tid uint64, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.threads[int(tid)] {
		return fmt.Errorf("%w: %d", target.ErrThreadNotFound, tid)
	}

	var regs unix.PtraceRegs
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &regs); err != nil {
		return fmt.Errorf("decode registers: %w", err)
	}
	var err error
	b.ExecPtrace(func() {
		err = unix.PtraceSetRegs(int(tid), &regs)
	})
	return err
}

// Resume records the request; for continue every thread is restarted right
// away. Wait completes it.
func (b *Backend) Resume(ctx context.Context, tid uint64, kind target.StepKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exited {
		return target.ErrProcessExited
	}
	if b.resume != nil {
		return ErrResumeOutstanding
	}
	if kind != target.StepContinue && !b.threads[int(tid)] {
		return fmt.Errorf("%w: %d", target.ErrThreadNotFound, tid)
	}

	req := &request{tid: int(tid), kind: kind}
	if kind == target.StepContinue {
		var err error
		b.ExecPtrace(func() {
			err = b.continueAll()
		})
		if err != nil {
			return err
		}
	}
	b.resume = req
	return nil
}

// Wait blocks until the outstanding resume stops.
func (b *Backend) Wait(ctx context.Context) (target.StopEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req := b.resume
	if req == nil {
		return target.StopEvent{}, ErrNoPendingResume
	}
	b.resume = nil

	var (
		ev  target.StopEvent
		err error
	)
	b.ExecPtrace(func() {
		switch req.kind {
		case target.StepContinue:
			ev, err = b.waitStop(ctx)
		case target.StepInstruction:
			ev, err = b.stepInstruction(req.tid)
		case target.StepInto:
			ev, err = b.stepLine(req.tid, false)
		case target.StepOver:
			ev, err = b.stepLine(req.tid, true)
		case target.StepOut:
			ev, err = b.stepOut(req.tid)
		default:
			err = fmt.Errorf("%w: %s", target.ErrUnsupportedStep, req.kind)
		}
	})
	if err != nil {
		return ev, err
	}
	if ev.Reason == target.StopExited {
		b.exited = true
	}
	return ev, nil
}

// SetBreakpoint 在地址addr处写入0xCC
func (b *Backend) SetBreakpoint(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.breakpoints[addr]; ok {
		return target.ErrBreakpointExisted
	}
	var err error
	b.ExecPtrace(func() {
		var orig byte
		if orig, err = b.insertTrap(addr); err == nil {
			b.breakpoints[addr] = orig
		}
	})
	return err
}

// ClearBreakpoint 恢复addr处的原内存数据
func (b *Backend) ClearBreakpoint(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	orig, ok := b.breakpoints[addr]
	if !ok {
		return target.ErrBreakpointNotExisted
	}
	var err error
	b.ExecPtrace(func() {
		if err = b.restoreByte(addr, orig); err == nil {
			delete(b.breakpoints, addr)
		}
	})
	return err
}

func (b *Backend) ResolveLocation(file string, line int) (uint64, error) {
	if b.bi == nil {
		return 0, ErrNoSymbols
	}
	pc, err := b.bi.FileLineToPC(file, line)
	if err != nil {
		return 0, err
	}
	return pc + b.bias, nil
}

func (b *Backend) Locate(pc uint64) (target.Location, bool) {
	if b.bi == nil || pc < b.bias {
		return target.Location{}, false
	}
	file, line, err := b.bi.PCToFileLine(pc - b.bias)
	if err != nil {
		return target.Location{}, false
	}
	loc := target.Location{File: file, Line: line}
	if fn, err := b.bi.PCToFunction(pc - b.bias); err == nil {
		loc.Func = fn.Name()
	}
	return loc, true
}

// Close kills a launched inferior, or detaches from an attached one after
// removing the breakpoints.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.StopPtrace()

	if b.exited {
		return nil
	}
	b.exited = true

	var err error
	b.ExecPtrace(func() {
		if b.Kind == LAUNCH {
			err = b.kill()
			return
		}
		err = b.detach()
	})
	return err
}

func (b *Backend) kill() error {
	if err := unix.Kill(b.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	for tid := range b.threads {
		var ws unix.WaitStatus
		_, _ = unix.Wait4(tid, &ws, unix.WALL, nil)
	}
	b.log.Info().Int("pid", b.pid).Msg("process killed")
	return nil
}

func (b *Backend) detach() error {
	for addr, orig := range b.breakpoints {
		if err := b.restoreByte(addr, orig); err != nil {
			b.log.Warn().Err(err).Uint64("addr", addr).Msg("restore breakpoint")
		}
	}
	var errs []error
	for _, tid := range b.tids() {
		if err := unix.PtraceDetach(tid); err != nil {
			errs = append(errs, fmt.Errorf("thread %d detached error: %w", tid, err))
			continue
		}
		b.log.Debug().Int("tid", tid).Msg("thread detached")
	}
	return errors.Join(errs...)
}

// checkPid check whether pid is valid process's id
//
// On Unix systems, os.FindProcess always succeeds and returns a Process for
// the given pid, regardless of whether the process exists.
func checkPid(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func desc(status unix.WaitStatus) string {
	switch {
	case status.Exited():
		return fmt.Sprintf("exited: %d", status.ExitStatus())
	case status.Signaled():
		return "signaled: " + status.Signal().String()
	case status.Stopped():
		return "stopped: " + status.StopSignal().String()
	case status.Continued():
		return "continued"
	default:
		return fmt.Sprintf("%#x", uint32(status))
	}
}

// ReadMemory 读取内存地址addr处的数据，断点处返回原内存数据
func (b *Backend) ReadMemory(addr uint64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited {
		return 0, target.ErrProcessExited
	}

	var (
		n   int
		err error
	)
	b.ExecPtrace(func() {
		// PtracePeekText 与 PtracePeekData 效果相同
		n, err = unix.PtracePeekText(b.pid, uintptr(addr), buf)
	})
	for bp, orig := range b.breakpoints {
		if bp >= addr && bp < addr+uint64(n) {
			buf[bp-addr] = orig
		}
	}
	return n, err
}
