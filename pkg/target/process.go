// Package target models a debugged process whose thread list may be
// overlaid by an OS plugin.
//
// The process owns the real threads reported by a Backend and, while a
// plugin is bound, the virtual threads the plugin reports. Every stop
// publishes a fresh ThreadList; lookups always read the latest published
// list and never see a half built one.
package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/hitzhangjie/osdbg/pkg/logger"
	"github.com/hitzhangjie/osdbg/pkg/osplugin"
	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

// OverlayState is the state of the plugin binding.
type OverlayState int32

const (
	OverlayInactive OverlayState = iota
	OverlayActivating
	OverlayActive
	OverlayDeactivating
)

func (s OverlayState) String() string {
	switch s {
	case OverlayInactive:
		return "inactive"
	case OverlayActivating:
		return "activating"
	case OverlayActive:
		return "active"
	case OverlayDeactivating:
		return "deactivating"
	default:
		return fmt.Sprintf("overlay-state(%d)", int32(s))
	}
}

// State 被调试进程的状态
type State int32

const (
	StateLaunched State = iota
	StateStopped
	StateRunning
	StateExited
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateLaunched:
		return "launched"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Loader opens an OS plugin module by path.
type Loader func(path string) (osplugin.Contract, error)

// Option configures a Process.
type Option func(*Process)

// WithPluginLoader replaces osplugin.Open.
func WithPluginLoader(l Loader) Option {
	return func(p *Process) {
		p.loader = l
	}
}

// WithLogger sets the process logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Process) {
		p.log = l
	}
}

// WithRegisterer registers the overlay metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Process) {
		p.reg = reg
	}
}

// WithAsync starts the process in asynchronous stepping mode.
func WithAsync(async bool) Option {
	return func(p *Process) {
		p.async.Store(async)
	}
}

// Stop is delivered on StopEvents after an asynchronous step or continue
// has stopped and the thread list has been rebuilt.
type Stop struct {
	Event  StopEvent
	Thread Thread
	Err    error
}

// Process 被调试进程
type Process struct {
	backend Backend
	loader  Loader
	log     *log.Logger
	reg     prometheus.Registerer
	metrics *metrics

	// ctlMu serializes execution control (step, continue, detach).
	ctlMu sync.Mutex

	// stopMu serializes thread list rebuilds and plugin binding changes.
	stopMu      sync.Mutex
	indexIDs    map[uint64]int
	nextIndexID int
	lastStop    StopEvent

	binding    atomic.Pointer[PluginBinding]
	view       atomic.Pointer[ThreadList]
	violations atomic.Pointer[[]error]
	overlay    atomic.Int32
	state      atomic.Int32
	stopID     atomic.Uint64
	selected   atomic.Uint64
	async      atomic.Bool

	events chan Stop

	bpMu        sync.Mutex
	breakpoints map[uint64]*Breakpoint // k=addr
}

// NewProcess wraps a stopped inferior. The initial thread list is built
// before NewProcess returns.
func NewProcess(ctx context.Context, backend Backend, opts ...Option) (*Process, error) {
	p := &Process{
		backend:     backend,
		loader:      osplugin.Open,
		log:         logger.New("target"),
		indexIDs:    map[uint64]int{},
		events:      make(chan Stop, 16),
		breakpoints: map[uint64]*Breakpoint{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = newMetrics(p.reg)

	// no stop thread yet, the first real thread is reported
	if err := p.handleStop(ctx, StopEvent{Reason: StopInitial}); err != nil {
		return nil, err
	}
	p.state.Store(int32(StateLaunched))
	return p, nil
}

// Pid returns the inferior's process id.
func (p *Process) Pid() int {
	return p.backend.Pid()
}

// Backend returns the process-control backend.
func (p *Process) Backend() Backend {
	return p.backend
}

// State returns the execution state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// OverlayState returns the plugin binding state.
func (p *Process) OverlayState() OverlayState {
	return OverlayState(p.overlay.Load())
}

// Binding returns the current plugin binding, nil when inactive.
func (p *Process) Binding() *PluginBinding {
	return p.binding.Load()
}

// PluginPath returns the bound plugin's path, empty when inactive.
func (p *Process) PluginPath() string {
	if b := p.binding.Load(); b != nil {
		return b.Path
	}
	return ""
}

// SetPluginPath binds the plugin at path and rebuilds the thread list with
// its virtual threads. An empty path clears the binding.
//
// The new binding and the new view are published only after the plugin has
// loaded and the view is fully built; on failure the previous binding and
// view stay in place. While the process runs there is nothing to merge, the
// replaced plugin's virtual threads are removed and the next stop lists the
// new plugin's.
func (p *Process) SetPluginPath(ctx context.Context, path string) error {
	if path == "" {
		return p.ClearPluginPath()
	}

	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	prev := p.overlay.Load()
	p.overlay.Store(int32(OverlayActivating))

	nb, err := p.loadBinding(path)
	if err != nil {
		p.overlay.Store(prev)
		p.metrics.activations.WithLabelValues("failed").Inc()
		p.log.Error().Str("path", path).Err(err).Msg("activate os plugin")
		return err
	}

	var (
		view       *ThreadList
		violations []error
	)
	if p.stoppedLocked() {
		states, err := p.backend.Threads(ctx)
		if err != nil {
			_ = nb.Plugin.Close()
			p.overlay.Store(prev)
			p.metrics.activations.WithLabelValues("failed").Inc()
			return fmt.Errorf("enumerate threads: %w", err)
		}
		view, violations = p.merge(p.view.Load().StopID(), states, nb, p.lastStop.ThreadID)
	}

	old := p.binding.Swap(nb)
	if view != nil {
		p.publish(view, violations)
	} else if cur := p.view.Load(); cur != nil && len(cur.virtual) > 0 {
		// the old plugin's threads go with it, the next stop lists the new ones
		p.publish(cur.withoutVirtual(), nil)
	}
	p.overlay.Store(int32(OverlayActive))
	p.metrics.activations.WithLabelValues("ok").Inc()
	p.log.Info().Str("path", path).Int("virtual", len(p.view.Load().virtual)).Msg("os plugin active")

	if old != nil {
		if err := old.Plugin.Close(); err != nil {
			p.log.Warn().Str("path", old.Path).Err(err).Msg("close replaced os plugin")
		}
	}
	return nil
}

func (p *Process) loadBinding(path string) (*PluginBinding, error) {
	plugin, err := p.loader(path)
	if err != nil {
		return nil, err
	}
	def, err := plugin.RegisterSetDefinition()
	if err == nil {
		err = def.Validate()
	}
	if err != nil {
		_ = plugin.Close()
		return nil, fmt.Errorf("%w: %s: register definition: %w", osplugin.ErrPluginLoad, path, err)
	}
	return &PluginBinding{Path: path, Plugin: plugin, Def: def}, nil
}

// ClearPluginPath removes the binding; every virtual thread disappears from
// the view at once. Real threads are unaffected.
func (p *Process) ClearPluginPath() error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	old := p.binding.Load()
	if old == nil {
		return nil
	}
	p.overlay.Store(int32(OverlayDeactivating))

	p.binding.Store(nil)
	if cur := p.view.Load(); cur != nil {
		p.publish(cur.withoutVirtual(), nil)
	}
	p.overlay.Store(int32(OverlayInactive))
	p.log.Info().Str("path", old.Path).Msg("os plugin cleared")

	return old.Plugin.Close()
}

// handleStop rebuilds the thread list for stop ev. It reads the binding at
// merge time, so a plugin cleared while the process was running is not
// consulted.
func (p *Process) handleStop(ctx context.Context, ev StopEvent) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	p.lastStop = ev
	stopID := p.stopID.Inc()

	if ev.Reason == StopExited {
		p.state.Store(int32(StateExited))
		p.publish(newThreadList(stopID, nil, nil, 0), nil)
		return nil
	}

	states, err := p.backend.Threads(ctx)
	if err != nil {
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("enumerate threads: %w", err)
	}
	if ev.ThreadID == 0 && len(states) > 0 {
		ev.ThreadID = states[0].ID
		p.lastStop = ev
	}
	view, violations := p.merge(stopID, states, p.binding.Load(), ev.ThreadID)
	p.publish(view, violations)
	p.state.Store(int32(StateStopped))
	return nil
}

func (p *Process) publish(view *ThreadList, violations []error) {
	p.view.Store(view)
	p.violations.Store(&violations)
	p.metrics.rebuilds.Inc()
	p.metrics.virtual.Set(float64(len(view.virtual)))
}

func (p *Process) stoppedLocked() bool {
	s := p.State()
	return s == StateStopped || s == StateLaunched
}

// Threads returns the current thread list.
func (p *Process) Threads() *ThreadList {
	return p.view.Load()
}

// ThreadByID looks up a real or virtual thread in the current view.
func (p *Process) ThreadByID(id uint64) (Thread, error) {
	if t, ok := p.view.Load().ByID(id); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: tid %#x", ErrThreadNotFound, id)
}

// ThreadByIndexID looks up a thread by its index id.
func (p *Process) ThreadByIndexID(n int) (Thread, error) {
	if t, ok := p.view.Load().ByIndexID(n); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: index %d", ErrThreadNotFound, n)
}

// SelectedThread returns the thread commands act on by default: the last
// selected one while it exists, else the stop thread.
func (p *Process) SelectedThread() (Thread, error) {
	view := p.view.Load()
	if id := p.selected.Load(); id != 0 {
		if t, ok := view.ByID(id); ok {
			return t, nil
		}
	}
	if t := view.StopThread(); t != nil {
		return t, nil
	}
	return nil, ErrThreadNotFound
}

// SelectThread makes id the default thread of later commands.
func (p *Process) SelectThread(id uint64) (Thread, error) {
	t, err := p.ThreadByID(id)
	if err != nil {
		return nil, err
	}
	p.selected.Store(id)
	return t, nil
}

// Registers returns the register context of th.
func (p *Process) Registers(th Thread) (regctx.Registers, error) {
	if th == nil {
		return nil, ErrThreadNotFound
	}
	regs := th.Registers()
	if regs == nil {
		return nil, fmt.Errorf("%w: tid %#x", ErrNoRegisters, th.ID())
	}
	return regs, nil
}

// ThreadInfo reports th, or the real thread backing it when backing is set.
func (p *Process) ThreadInfo(th Thread, backing bool) (ThreadInfo, error) {
	if th == nil {
		return ThreadInfo{}, ErrThreadNotFound
	}
	if !backing {
		return infoOf(th), nil
	}
	rt, err := p.backingOf(p.view.Load(), th)
	if err != nil {
		return ThreadInfo{}, err
	}
	return infoOf(rt), nil
}

// LastStop returns the event of the latest stop.
func (p *Process) LastStop() StopEvent {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	return p.lastStop
}

// ReadMemory reads inferior memory at addr into buf.
func (p *Process) ReadMemory(addr uint64, buf []byte) (int, error) {
	mr, ok := p.backend.(MemoryReader)
	if !ok {
		return 0, ErrNoMemory
	}
	if s := p.State(); s == StateExited || s == StateDetached {
		return 0, ErrProcessExited
	}
	return mr.ReadMemory(addr, buf)
}

// LastMergeErrors returns the plugin contract violations of the latest
// rebuild.
func (p *Process) LastMergeErrors() []error {
	if v := p.violations.Load(); v != nil {
		return *v
	}
	return nil
}

// SetAsync switches between synchronous and asynchronous execution control.
func (p *Process) SetAsync(async bool) {
	p.async.Store(async)
}

// Async reports the execution control mode.
func (p *Process) Async() bool {
	return p.async.Load()
}

// StopEvents delivers stops of asynchronous steps and continues.
func (p *Process) StopEvents() <-chan Stop {
	return p.events
}

func (p *Process) notify(s Stop) {
	select {
	case p.events <- s:
	default:
		p.log.Warn().Str("stop", s.Event.String()).Msg("stop event dropped, nobody is reading")
	}
}

// Detach releases the inferior and the plugin.
func (p *Process) Detach() error {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()

	if err := p.ClearPluginPath(); err != nil {
		p.log.Warn().Err(err).Msg("close os plugin")
	}
	err := p.backend.Close()
	if p.State() != StateExited {
		p.state.Store(int32(StateDetached))
	}
	return err
}

func (p *Process) checkRunnable() error {
	switch p.State() {
	case StateExited:
		return ErrProcessExited
	case StateDetached:
		return ErrProcessDetached
	case StateRunning:
		return ErrProcessRunning
	}
	return nil
}

func (p *Process) observeStep(kind StepKind, start time.Time) {
	p.metrics.stepLatency.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
}
