//go:build linux && amd64

package ptrace

import (
	"context"
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/osdbg/pkg/target"
)

// The functions below run on the tracer thread with b.mu held.

func (b *Backend) insertTrap(addr uint64) (byte, error) {
	orig := [1]byte{}
	n, err := unix.PtracePeekText(b.pid, uintptr(addr), orig[:])
	if err != nil || n != 1 {
		return 0, fmt.Errorf("peek text, %d bytes, error: %v", n, err)
	}
	n, err = unix.PtracePokeText(b.pid, uintptr(addr), []byte{0xCC})
	if err != nil || n != 1 {
		return 0, fmt.Errorf("poke text, %d bytes, error: %v", n, err)
	}
	return orig[0], nil
}

func (b *Backend) restoreByte(addr uint64, orig byte) error {
	n, err := unix.PtracePokeData(b.pid, uintptr(addr), []byte{orig})
	if err != nil || n != 1 {
		return fmt.Errorf("ptrace poke data err: %v", err)
	}
	return nil
}

func (b *Backend) regs(tid int) (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, fmt.Errorf("thread %d get regs error: %v", tid, err)
	}
	return &regs, nil
}

func (b *Backend) locate(pc uint64) target.Location {
	loc, _ := b.Locate(pc)
	return loc
}

// exitEvent handles a thread that exited or was killed. The event is only
// reported once the thread group leader is gone.
func (b *Backend) exitEvent(tid int, ws unix.WaitStatus) (target.StopEvent, bool) {
	delete(b.threads, tid)
	delete(b.pendingSig, tid)
	delete(b.pendingStop, tid)
	if tid != b.pid {
		b.log.Debug().Int("tid", tid).Msg("thread exited")
		return target.StopEvent{}, false
	}
	code := ws.ExitStatus()
	if ws.Signaled() {
		code = 128 + int(ws.Signal())
	}
	b.log.Info().Int("pid", b.pid).Int("code", code).Msg("process exited")
	return target.StopEvent{Reason: target.StopExited, ThreadID: uint64(tid), ExitCode: code}, true
}

// trackClone starts tracing the thread tid just cloned.
func (b *Backend) trackClone(tid int) error {
	cloned, err := unix.PtraceGetEventMsg(tid)
	if err != nil {
		if err == unix.ESRCH {
			// thread died while we were adding it
			return nil
		}
		return fmt.Errorf("could not get event message: %s", err)
	}
	ntid := int(cloned)

	// the new thread starts with SIGSTOP
	var ws unix.WaitStatus
	if _, err = unix.Wait4(ntid, &ws, unix.WALL, nil); err != nil {
		return fmt.Errorf("wait cloned thread %d: %v", ntid, err)
	}
	if err = unix.PtraceSetOptions(ntid, unix.PTRACE_O_TRACECLONE); err != nil {
		return err
	}
	b.threads[ntid] = true
	b.log.Debug().Int("tid", ntid).Int("parent", tid).Msg("thread created")
	return unix.PtraceCont(ntid, 0)
}

// singleStep executes one instruction of tid, stepping over the original
// instruction when tid sits on a breakpoint.
func (b *Backend) singleStep(tid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus

	regs, err := b.regs(tid)
	if err != nil {
		return ws, err
	}
	if orig, ok := b.breakpoints[regs.Rip]; ok {
		if err := b.restoreByte(regs.Rip, orig); err != nil {
			return ws, err
		}
		defer func() {
			if _, err := b.insertTrap(regs.Rip); err != nil {
				b.log.Warn().Err(err).Uint64("addr", regs.Rip).Msg("reinsert breakpoint")
			}
		}()
	}

	// a pending signal stays queued for the next continue
	if err = unix.PtraceSingleStep(tid); err != nil {
		return ws, err
	}

	for {
		if _, err = unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			return ws, fmt.Errorf("wait error: %v", err)
		}
		if ws.Stopped() && ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE {
			if err = b.trackClone(tid); err != nil {
				return ws, err
			}
			// the clone event interrupted the syscall, finish the step
			if err = unix.PtraceSingleStep(tid); err != nil {
				return ws, err
			}
			continue
		}
		return ws, nil
	}
}

// stepDone converts the status after a single step into a stop, the bool
// reports whether stepping has to end here.
func (b *Backend) stepDone(tid int, ws unix.WaitStatus) (target.StopEvent, bool, error) {
	switch {
	case ws.Exited() || ws.Signaled():
		ev, last := b.exitEvent(tid, ws)
		if !last {
			ev, err := b.threadGone(tid)
			return ev, true, err
		}
		return ev, true, nil
	case ws.Stopped() && ws.StopSignal() != unix.SIGTRAP:
		b.pendingSig[tid] = ws.StopSignal()
		regs, err := b.regs(tid)
		if err != nil {
			return target.StopEvent{}, true, err
		}
		return target.StopEvent{Reason: target.StopSignal, ThreadID: uint64(tid), PC: regs.Rip, Signal: signalName(ws.StopSignal())}, true, nil
	}
	return target.StopEvent{}, false, nil
}

// threadGone reports a step whose thread exited while others remain.
func (b *Backend) threadGone(tid int) (target.StopEvent, error) {
	tids := b.tids()
	if len(tids) == 0 {
		return target.StopEvent{Reason: target.StopExited, ThreadID: uint64(tid)}, nil
	}
	regs, err := b.regs(tids[0])
	if err != nil {
		return target.StopEvent{}, err
	}
	return target.StopEvent{Reason: target.StopStep, ThreadID: uint64(tids[0]), PC: regs.Rip}, nil
}

func (b *Backend) stepInstruction(tid int) (target.StopEvent, error) {
	ws, err := b.singleStep(tid)
	if err != nil {
		return target.StopEvent{}, err
	}
	if ev, done, err := b.stepDone(tid, ws); done || err != nil {
		return ev, err
	}
	regs, err := b.regs(tid)
	if err != nil {
		return target.StopEvent{}, err
	}
	return target.StopEvent{Reason: target.StopStep, ThreadID: uint64(tid), PC: regs.Rip}, nil
}

// stepLine steps tid until it reaches another source line. With over set,
// calls are run to their return address instead of being entered.
func (b *Backend) stepLine(tid int, over bool) (target.StopEvent, error) {
	regs, err := b.regs(tid)
	if err != nil {
		return target.StopEvent{}, err
	}
	start := b.locate(regs.Rip)
	frameSP := regs.Rsp

	for i := 0; i < maxSingleSteps; i++ {
		if over {
			inst, err := b.decode(regs.Rip)
			if err == nil && inst.Op == x86asm.CALL {
				ret := regs.Rip + uint64(inst.Len)
				ev, stopped, err := b.runTo(tid, ret, regs.Rsp)
				if stopped || err != nil {
					return ev, err
				}
				if regs, err = b.regs(tid); err != nil {
					return target.StopEvent{}, err
				}
				if b.newLine(start, regs, frameSP) {
					break
				}
				continue
			}
		}

		ws, err := b.singleStep(tid)
		if err != nil {
			return target.StopEvent{}, err
		}
		if ev, done, err := b.stepDone(tid, ws); done || err != nil {
			return ev, err
		}
		if regs, err = b.regs(tid); err != nil {
			return target.StopEvent{}, err
		}
		if !over && b.newLine(start, regs, 0) {
			break
		}
		if over && b.newLine(start, regs, frameSP) {
			break
		}
	}
	return target.StopEvent{Reason: target.StopStep, ThreadID: uint64(tid), PC: regs.Rip}, nil
}

// newLine reports whether regs stopped at the start of a line other than
// start, not deeper than frameSP when it is set.
func (b *Backend) newLine(start target.Location, regs *unix.PtraceRegs, frameSP uint64) bool {
	if frameSP != 0 && regs.Rsp < frameSP {
		return false
	}
	loc, ok := b.Locate(regs.Rip)
	if !ok || !loc.Valid() {
		return false
	}
	return loc.File != start.File || loc.Line != start.Line
}

// stepOut runs tid to the return address of the current frame, found via
// the frame pointer.
func (b *Backend) stepOut(tid int) (target.StopEvent, error) {
	regs, err := b.regs(tid)
	if err != nil {
		return target.StopEvent{}, err
	}
	buf := make([]byte, 8)
	if _, err = unix.PtracePeekData(tid, uintptr(regs.Rbp+8), buf); err != nil {
		return target.StopEvent{}, fmt.Errorf("read return address: %v", err)
	}
	ret := binary.LittleEndian.Uint64(buf)

	ev, stopped, err := b.runTo(tid, ret, regs.Rbp+8)
	if stopped || err != nil {
		return ev, err
	}
	if regs, err = b.regs(tid); err != nil {
		return target.StopEvent{}, err
	}
	return target.StopEvent{Reason: target.StopStep, ThreadID: uint64(tid), PC: regs.Rip}, nil
}

func (b *Backend) decode(pc uint64) (x86asm.Inst, error) {
	mem := make([]byte, 16)
	if _, err := unix.PtracePeekText(b.pid, uintptr(pc), mem); err != nil {
		return x86asm.Inst{}, err
	}
	if orig, ok := b.breakpoints[pc]; ok {
		mem[0] = orig
	}
	return x86asm.Decode(mem, 64)
}

// runTo continues tid alone until it reaches addr with a stack pointer not
// below minSP, skipping recursive hits. The bool reports a stop elsewhere: a
// user breakpoint, a signal, or the exit.
func (b *Backend) runTo(tid int, addr, minSP uint64) (target.StopEvent, bool, error) {
	if !b.isBreakpoint(addr) {
		orig, err := b.insertTrap(addr)
		if err != nil {
			return target.StopEvent{}, true, err
		}
		b.breakpoints[addr] = orig
		defer func() {
			delete(b.breakpoints, addr)
			if err := b.restoreByte(addr, orig); err != nil {
				b.log.Warn().Err(err).Uint64("addr", addr).Msg("remove temporary breakpoint")
			}
		}()
	}

	for {
		regs, err := b.regs(tid)
		if err != nil {
			return target.StopEvent{}, true, err
		}
		if b.isBreakpoint(regs.Rip) {
			ws, err := b.singleStep(tid)
			if err != nil {
				return target.StopEvent{}, true, err
			}
			if ev, done, err := b.stepDone(tid, ws); done || err != nil {
				return ev, true, err
			}
		}

		if err := unix.PtraceCont(tid, 0); err != nil {
			return target.StopEvent{}, true, err
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			return target.StopEvent{}, true, fmt.Errorf("wait error: %v", err)
		}
		if ws.Stopped() && ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE {
			if err := b.trackClone(tid); err != nil {
				return target.StopEvent{}, true, err
			}
			continue
		}
		if ev, done, err := b.stepDone(tid, ws); done || err != nil {
			return ev, true, err
		}

		// SIGTRAP on an int3
		if regs, err = b.regs(tid); err != nil {
			return target.StopEvent{}, true, err
		}
		pc := regs.Rip - 1
		if pc == addr || b.isBreakpoint(pc) {
			regs.Rip = pc
			if err := unix.PtraceSetRegs(tid, regs); err != nil {
				return target.StopEvent{}, true, err
			}
		}
		if pc == addr && regs.Rsp >= minSP {
			return target.StopEvent{}, false, nil
		}
		if pc != addr && b.isBreakpoint(pc) {
			return target.StopEvent{Reason: target.StopBreakpoint, ThreadID: uint64(tid), PC: pc}, true, nil
		}
	}
}

func (b *Backend) isBreakpoint(pc uint64) bool {
	_, ok := b.breakpoints[pc]
	return ok
}

// continueAll steps every thread off its breakpoint and restarts all of them.
func (b *Backend) continueAll() error {
	for _, tid := range b.tids() {
		regs, err := b.regs(tid)
		if err != nil {
			return err
		}
		if b.isBreakpoint(regs.Rip) {
			ws, err := b.singleStep(tid)
			if err != nil {
				return err
			}
			if ws.Exited() || ws.Signaled() {
				b.exitEvent(tid, ws)
				continue
			}
		}
	}
	for _, tid := range b.tids() {
		sig := b.pendingSig[tid]
		delete(b.pendingSig, tid)
		if err := unix.PtraceCont(tid, int(sig)); err != nil {
			return fmt.Errorf("thread: %d ptrace cont, err: %v", tid, err)
		}
	}
	return nil
}

// waitStop waits for the next stop of any thread, then stops all others.
func (b *Backend) waitStop(ctx context.Context) (target.StopEvent, error) {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WALL|unix.WNOHANG, nil)
		if err != nil {
			return target.StopEvent{}, fmt.Errorf("wait error: %v", err)
		}
		if wpid == 0 {
			select {
			case <-ctx.Done():
				return target.StopEvent{}, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		switch {
		case ws.Exited() || ws.Signaled():
			if ev, last := b.exitEvent(wpid, ws); last {
				return ev, nil
			}
			continue
		case !ws.Stopped():
			continue
		}

		sig := ws.StopSignal()
		switch {
		case sig == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE:
			if err := b.trackClone(wpid); err != nil {
				return target.StopEvent{}, err
			}
			if err := unix.PtraceCont(wpid, 0); err != nil {
				return target.StopEvent{}, err
			}
			continue
		case sig == unix.SIGSTOP && b.pendingStop[wpid]:
			delete(b.pendingStop, wpid)
			if err := unix.PtraceCont(wpid, 0); err != nil {
				return target.StopEvent{}, err
			}
			continue
		}

		regs, err := b.regs(wpid)
		if err != nil {
			return target.StopEvent{}, err
		}
		ev := target.StopEvent{ThreadID: uint64(wpid), PC: regs.Rip}
		if sig == unix.SIGTRAP && b.isBreakpoint(regs.Rip-1) {
			regs.Rip--
			if err := unix.PtraceSetRegs(wpid, regs); err != nil {
				return target.StopEvent{}, err
			}
			ev.Reason, ev.PC = target.StopBreakpoint, regs.Rip
		} else {
			if sig != unix.SIGTRAP {
				b.pendingSig[wpid] = sig
			}
			ev.Reason, ev.Signal = target.StopSignal, signalName(sig)
		}
		if err := b.stopOthers(wpid); err != nil {
			return target.StopEvent{}, err
		}
		return ev, nil
	}
}

// stopOthers brings every thread but except to a ptrace stop.
func (b *Backend) stopOthers(except int) error {
	for _, tid := range b.tids() {
		if tid == except {
			continue
		}
		if err := unix.Tgkill(b.pid, tid, unix.SIGSTOP); err != nil {
			if err == unix.ESRCH {
				continue
			}
			return fmt.Errorf("stop thread %d: %v", tid, err)
		}

		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			return fmt.Errorf("wait thread %d: %v", tid, err)
		}
		switch {
		case ws.Exited() || ws.Signaled():
			b.exitEvent(tid, ws)
		case ws.Stopped() && ws.StopSignal() == unix.SIGSTOP:
		case ws.Stopped():
			// stopped for another reason first, our SIGSTOP is still queued
			b.pendingStop[tid] = true
			sig := ws.StopSignal()
			if sig == unix.SIGTRAP {
				regs, err := b.regs(tid)
				if err != nil {
					return err
				}
				if b.isBreakpoint(regs.Rip - 1) {
					// re-executed and reported on the next continue
					regs.Rip--
					if err := unix.PtraceSetRegs(tid, regs); err != nil {
						return err
					}
				}
				continue
			}
			b.pendingSig[tid] = sig
		}
	}
	return nil
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
