package target

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/atomic"
)

var (
	bpSeqNo = atomic.NewUint64(0)
)

// Breakpoint 断点信息
type Breakpoint struct {
	ID      uint64 // 断点编号
	Addr    uint64 // 断点地址
	Pos     string // 源文件位置
	Enabled bool   // 断点是否启用

	// ThreadID restricts the breakpoint to one real or virtual thread,
	// 0 means any thread.
	ThreadID uint64

	hits atomic.Uint64
}

// 在指令地址addr处创建一个断点，源码位置为location
func newBreakPoint(addr uint64, location string) *Breakpoint {
	return &Breakpoint{
		ID:      bpSeqNo.Add(1),
		Addr:    addr,
		Pos:     location,
		Enabled: true,
	}
}

// HitCount 断点命中次数
func (b *Breakpoint) HitCount() uint64 {
	return b.hits.Load()
}

// MatchesThread checks the thread filter against th's own id and, for a
// virtual thread, the id of the real thread backing it.
func (b *Breakpoint) MatchesThread(th Thread) bool {
	if b.ThreadID == 0 {
		return true
	}
	if th == nil {
		return false
	}
	if th.ID() == b.ThreadID {
		return true
	}
	if rt, ok := th.Backing(); ok && rt.ID() == b.ThreadID {
		return true
	}
	return false
}

func (b *Breakpoint) String() string {
	s := fmt.Sprintf("breakpoint[%d] addr:%#x, loc:%s", b.ID, b.Addr, b.Pos)
	if b.ThreadID != 0 {
		s += fmt.Sprintf(", thread:%#x", b.ThreadID)
	}
	if !b.Enabled {
		s += ", disabled"
	}
	return s + fmt.Sprintf(", hits:%d", b.HitCount())
}

// Breakpoints 所有的断点信息
type Breakpoints []*Breakpoint

// Len 返回长度
func (b Breakpoints) Len() int {
	return len(b)
}

// Less 检查b[i]是否小于b[j]
func (b Breakpoints) Less(i, j int) bool {
	return b[i].ID < b[j].ID
}

// Swap 交换b[i]和b[j]
func (b Breakpoints) Swap(i, j int) {
	b[i], b[j] = b[j], b[i]
}

// ParseLocation resolves "file:line", "line" (in the file of the stop
// location) or a hex address "0x..." to an address.
func (p *Process) ParseLocation(loc string) (uint64, string, error) {
	loc = strings.TrimSpace(loc)
	if strings.HasPrefix(loc, "0x") || strings.HasPrefix(loc, "0X") {
		addr, err := strconv.ParseUint(loc[2:], 16, 64)
		if err != nil {
			return 0, "", fmt.Errorf("invalid address %q: %w", loc, err)
		}
		l, _ := p.backend.Locate(addr)
		return addr, l.String(), nil
	}

	file, lineStr := "", loc
	if i := strings.LastIndex(loc, ":"); i >= 0 {
		file, lineStr = loc[:i], loc[i+1:]
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil || line <= 0 {
		return 0, "", fmt.Errorf("invalid location %q, want file:line", loc)
	}
	if file == "" {
		if st := p.view.Load().StopThread(); st != nil && st.Location().Valid() {
			file = st.Location().File
		} else {
			return 0, "", fmt.Errorf("invalid location %q: no current file", loc)
		}
	}
	addr, err := p.backend.ResolveLocation(file, line)
	if err != nil {
		return 0, "", fmt.Errorf("resolve %s:%d: %w", file, line, err)
	}
	return addr, fmt.Sprintf("%s:%d", file, line), nil
}

// AddBreakpoint 在位置loc处添加断点，threadID非0时只对该线程生效
func (p *Process) AddBreakpoint(loc string, threadID uint64) (*Breakpoint, error) {
	addr, pos, err := p.ParseLocation(loc)
	if err != nil {
		return nil, err
	}

	p.bpMu.Lock()
	defer p.bpMu.Unlock()

	if _, ok := p.breakpoints[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBreakpointExisted, pos)
	}
	if err := p.backend.SetBreakpoint(addr); err != nil {
		return nil, fmt.Errorf("set breakpoint at %#x: %w", addr, err)
	}

	bp := newBreakPoint(addr, pos)
	bp.ThreadID = threadID
	p.breakpoints[addr] = bp
	return bp, nil
}

// ListBreakpoints 列出所有断点，按编号排序
func (p *Process) ListBreakpoints() Breakpoints {
	p.bpMu.Lock()
	defer p.bpMu.Unlock()

	bs := make(Breakpoints, 0, len(p.breakpoints))
	for _, b := range p.breakpoints {
		bs = append(bs, b)
	}
	sort.Sort(bs)
	return bs
}

// Breakpoint returns breakpoint id.
func (p *Process) Breakpoint(id uint64) (*Breakpoint, error) {
	p.bpMu.Lock()
	defer p.bpMu.Unlock()

	for _, b := range p.breakpoints {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, ErrBreakpointNotExisted
}

// SetBreakpointThread changes the thread filter, 0 removes it.
func (p *Process) SetBreakpointThread(id, threadID uint64) error {
	b, err := p.Breakpoint(id)
	if err != nil {
		return err
	}
	p.bpMu.Lock()
	b.ThreadID = threadID
	p.bpMu.Unlock()
	return nil
}

// EnableBreakpoint enables or disables breakpoint id. A disabled
// breakpoint stays inserted and is continued over.
func (p *Process) EnableBreakpoint(id uint64, enabled bool) error {
	b, err := p.Breakpoint(id)
	if err != nil {
		return err
	}
	p.bpMu.Lock()
	b.Enabled = enabled
	p.bpMu.Unlock()
	return nil
}

// ClearBreakpoint 删除编号为id的断点
func (p *Process) ClearBreakpoint(id uint64) (*Breakpoint, error) {
	p.bpMu.Lock()
	defer p.bpMu.Unlock()

	for addr, b := range p.breakpoints {
		if b.ID != id {
			continue
		}
		if err := p.backend.ClearBreakpoint(addr); err != nil {
			return nil, fmt.Errorf("clear breakpoint at %#x: %w", addr, err)
		}
		delete(p.breakpoints, addr)
		return b, nil
	}
	return nil, ErrBreakpointNotExisted
}

// ClearAll 删除所有已添加的断点
func (p *Process) ClearAll() error {
	p.bpMu.Lock()
	defer p.bpMu.Unlock()

	for addr := range p.breakpoints {
		if err := p.backend.ClearBreakpoint(addr); err != nil {
			return fmt.Errorf("clear breakpoint at %#x: %w", addr, err)
		}
		delete(p.breakpoints, addr)
	}
	return nil
}

// breakpointHit decides whether a breakpoint stop at ev stops the user. It
// returns the breakpoint and the thread it is reported on, nil when the
// stop should be continued over.
func (p *Process) breakpointHit(view *ThreadList, ev StopEvent) (*Breakpoint, Thread) {
	p.bpMu.Lock()
	defer p.bpMu.Unlock()

	b, ok := p.breakpoints[ev.PC]
	if !ok || !b.Enabled {
		return nil, nil
	}
	for _, th := range view.onReal(ev.ThreadID) {
		if b.MatchesThread(th) {
			b.hits.Inc()
			return b, th
		}
	}
	return nil, nil
}

// ContinueResult is where Continue ended.
type ContinueResult struct {
	Event      StopEvent
	Thread     Thread
	Breakpoint *Breakpoint
	Skipped    int // breakpoint stops continued over
}

// Continue resumes all threads until a breakpoint whose filters match, any
// other stop, or exit. In asynchronous mode it returns after the first
// resume and the final stop is delivered on StopEvents.
func (p *Process) Continue(ctx context.Context) (*ContinueResult, error) {
	p.ctlMu.Lock()
	if err := p.checkRunnable(); err != nil {
		p.ctlMu.Unlock()
		return nil, err
	}

	if p.async.Load() {
		go func() {
			defer p.ctlMu.Unlock()
			res, err := p.continueLocked(ctx)
			s := Stop{Err: err}
			if res != nil {
				s.Event, s.Thread = res.Event, res.Thread
			}
			p.notify(s)
		}()
		return nil, nil
	}
	defer p.ctlMu.Unlock()
	return p.continueLocked(ctx)
}

func (p *Process) continueLocked(ctx context.Context) (*ContinueResult, error) {
	res := &ContinueResult{}
	for {
		start := time.Now()
		p.state.Store(int32(StateRunning))
		if err := p.backend.Resume(ctx, 0, StepContinue); err != nil {
			p.state.Store(int32(StateStopped))
			return nil, fmt.Errorf("continue: %w", err)
		}
		ev, err := p.backend.Wait(ctx)
		if err != nil {
			p.state.Store(int32(StateStopped))
			return nil, fmt.Errorf("continue: wait: %w", err)
		}
		if err := p.handleStop(ctx, ev); err != nil {
			return nil, err
		}
		p.observeStep(StepContinue, start)

		res.Event = ev
		view := p.view.Load()
		switch ev.Reason {
		case StopExited:
			res.Thread = nil
			return res, nil
		case StopBreakpoint:
			b, th := p.breakpointHit(view, ev)
			if b == nil {
				res.Skipped++
				p.log.Debug().Uint64("tid", ev.ThreadID).Uint64("pc", ev.PC).Msg("breakpoint filtered, continue")
				continue
			}
			res.Breakpoint, res.Thread = b, th
			return res, nil
		default:
			res.Thread = view.StopThread()
			return res, nil
		}
	}
}
