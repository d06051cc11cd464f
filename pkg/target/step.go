package target

import (
	"context"
	"fmt"
	"time"
)

// Step runs one step of kind on thread id. A virtual thread is stepped by
// stepping the real thread backing it; after the stop the thread list is
// rebuilt and the post-step thread returned.
//
// In asynchronous mode Step returns (nil, nil) once the backing thread has
// been resumed, the stop is delivered on StopEvents.
func (p *Process) Step(ctx context.Context, id uint64, kind StepKind) (Thread, error) {
	p.ctlMu.Lock()
	locked := true
	defer func() {
		if locked {
			p.ctlMu.Unlock()
		}
	}()

	if err := p.checkRunnable(); err != nil {
		return nil, err
	}

	view := p.view.Load()
	th, ok := view.ByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: tid %#x", ErrThreadNotFound, id)
	}
	rt, err := p.backingOf(view, th)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	p.state.Store(int32(StateRunning))
	if err := p.backend.Resume(ctx, rt.id, kind); err != nil {
		p.state.Store(int32(StateStopped))
		return nil, fmt.Errorf("%s thread %#x: %w", kind, rt.id, err)
	}

	if p.async.Load() {
		locked = false
		go func() {
			defer p.ctlMu.Unlock()
			ev, next, err := p.finishStep(ctx, id, rt.id, kind, start)
			p.notify(Stop{Event: ev, Thread: next, Err: err})
		}()
		return nil, nil
	}

	_, next, err := p.finishStep(ctx, id, rt.id, kind, start)
	return next, err
}

func (p *Process) finishStep(ctx context.Context, id, realID uint64, kind StepKind, start time.Time) (StopEvent, Thread, error) {
	ev, err := p.backend.Wait(ctx)
	if err != nil {
		p.state.Store(int32(StateStopped))
		return ev, nil, fmt.Errorf("%s thread %#x: wait: %w", kind, realID, err)
	}
	if err := p.handleStop(ctx, ev); err != nil {
		return ev, nil, err
	}
	p.observeStep(kind, start)

	if ev.Reason == StopExited {
		return ev, nil, fmt.Errorf("%w: status %d", ErrProcessExited, ev.ExitCode)
	}
	return ev, p.postStepThread(id, realID), nil
}

// postStepThread picks what the caller observes after a step: the same id
// when the plugin still reports it, else a virtual thread on the same real
// thread, else the real thread itself.
func (p *Process) postStepThread(id, realID uint64) Thread {
	view := p.view.Load()
	if t, ok := view.ByID(id); ok {
		return t
	}
	if ths := view.onReal(realID); len(ths) > 0 {
		return ths[0]
	}
	return view.StopThread()
}

// backingOf resolves the real thread executing th. For a virtual thread the
// plugin is asked first, then the backing recorded at the last merge.
func (p *Process) backingOf(view *ThreadList, th Thread) (*RealThread, error) {
	vt, ok := th.(*VirtualThread)
	if !ok {
		rt, _ := th.Backing()
		return rt, nil
	}

	if b := p.binding.Load(); b != nil {
		idx, ok, err := b.Plugin.BackingThread(vt.id)
		if err != nil {
			p.log.Warn().Uint64("tid", vt.id).Err(err).Msg("os plugin backing thread")
		} else if ok {
			if rt, found := view.RealAt(idx); found {
				return rt, nil
			}
			p.log.Warn().Uint64("tid", vt.id).Int("index", idx).Msg("os plugin backing index out of range")
		}
	}
	if vt.backing != nil {
		return vt.backing, nil
	}
	return nil, fmt.Errorf("%w: tid %#x", ErrUnsupportedStep, vt.id)
}
