package target

import (
	"errors"
	"fmt"

	"github.com/hitzhangjie/osdbg/pkg/osplugin"
	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

// PluginBinding is the loaded OS plugin of a process. It is replaced as a
// whole on activation and deactivation, never mutated.
type PluginBinding struct {
	Path   string
	Plugin osplugin.Contract
	Def    *regctx.Definition
}

// merge builds the view of one stop from the real threads the backend
// enumerated and, when b is set, the plugin's virtual threads.
//
// Every plugin answer is checked on its own; a bad entry is dropped and
// reported in the returned violations while the others are kept.
func (p *Process) merge(stopID uint64, states []RealThreadState, b *PluginBinding, stopTid uint64) (*ThreadList, []error) {
	reals := p.realThreads(states)
	if b == nil {
		return newThreadList(stopID, reals, nil, stopTid), nil
	}

	var violations []error
	drop := func(id uint64, reason DropReason, err error) {
		v := &ContractViolation{ThreadID: id, Reason: reason, Err: err}
		violations = append(violations, v)
		p.metrics.dropped.WithLabelValues(string(reason)).Inc()
		p.log.Warn().Str("plugin", b.Path).Uint64("tid", id).Str("reason", string(reason)).Err(err).Msg("drop virtual thread")
	}

	descs, err := b.Plugin.ListThreads()
	if err != nil {
		// zero virtual threads for this stop, the stop itself goes on
		drop(0, DropListThreads, err)
		return newThreadList(stopID, reals, nil, stopTid), violations
	}

	realIDs := make(map[uint64]bool, len(reals))
	for _, r := range reals {
		realIDs[r.id] = true
	}

	virtual := make([]*VirtualThread, 0, len(descs))
	seen := make(map[uint64]bool, len(descs))
	for _, d := range descs {
		// 0 is "no thread" for selection and breakpoint filters
		if d.ID == 0 {
			drop(0, DropMissingID, nil)
			continue
		}
		if seen[d.ID] {
			drop(d.ID, DropDuplicateID, nil)
			continue
		}
		seen[d.ID] = true

		if realIDs[d.ID] {
			drop(d.ID, DropRealIDClash, nil)
			continue
		}

		backing, err := resolveBacking(b, d, reals)
		if err != nil {
			drop(d.ID, DropDangling, err)
			continue
		}

		vt, reason, err := p.virtualThread(b, d, backing)
		if err != nil {
			drop(d.ID, reason, err)
			continue
		}
		virtual = append(virtual, vt)
	}
	return newThreadList(stopID, reals, virtual, stopTid), violations
}

func (p *Process) realThreads(states []RealThreadState) []*RealThread {
	def := p.backend.RegisterDefinition()
	order := p.backend.ByteOrder()

	reals := make([]*RealThread, 0, len(states))
	for i, st := range states {
		rt := &RealThread{
			id:      st.ID,
			index:   i,
			indexID: p.indexID(st.ID),
			name:    st.Name,
			queue:   st.Queue,
		}
		if def != nil && len(st.Regs) > 0 {
			tid := st.ID
			regs, err := regctx.New(def, st.Regs, order, regctx.WithSink(func(blob []byte) error {
				return p.backend.WriteRegisters(tid, blob)
			}))
			if err != nil {
				p.log.Error().Uint64("tid", st.ID).Err(err).Msg("real thread registers")
			} else {
				rt.regs = regs
				rt.pc, _ = regs.Generic(regctx.GenericPC)
			}
		}
		rt.loc, _ = p.backend.Locate(rt.pc)
		reals = append(reals, rt)
	}
	return reals
}

// resolveBacking finds the real thread executing d: the plugin's own answer
// first, then the descriptor's core. No backing at all is fine, a backing
// index outside this stop's threads is not.
func resolveBacking(b *PluginBinding, d osplugin.ThreadDescriptor, reals []*RealThread) (*RealThread, error) {
	idx, ok, err := b.Plugin.BackingThread(d.ID)
	if err != nil {
		return nil, fmt.Errorf("backing thread: %w", err)
	}
	if !ok {
		if d.Core == nil {
			return nil, nil
		}
		idx = *d.Core
	}
	if idx < 0 || idx >= len(reals) {
		return nil, fmt.Errorf("backing index %d, %d real threads", idx, len(reals))
	}
	return reals[idx], nil
}

func (p *Process) virtualThread(b *PluginBinding, d osplugin.ThreadDescriptor, backing *RealThread) (*VirtualThread, DropReason, error) {
	blob, err := b.Plugin.RegisterData(d.ID)
	if err != nil {
		return nil, DropRegisterData, err
	}

	vt := &VirtualThread{
		id:      d.ID,
		backing: backing,
		name:    d.Name,
		queue:   d.Queue,
	}

	switch {
	case len(blob) == 0 && backing != nil:
		vt.regs = backing.regs
		vt.inherited = true
	default:
		var opts []regctx.Option
		if w, ok := b.Plugin.(osplugin.RegisterWriter); ok {
			id := d.ID
			opts = append(opts, regctx.WithSink(func(blob []byte) error {
				return w.WriteRegisterData(id, blob)
			}))
		}
		regs, err := regctx.New(b.Def, blob, p.backend.ByteOrder(), opts...)
		if err != nil {
			if errors.Is(err, regctx.ErrBlobSize) {
				return nil, DropBlobSize, err
			}
			return nil, DropRegisterData, err
		}
		vt.regs = regs
	}

	if backing != nil {
		if vt.name == "" {
			vt.name = backing.name
		}
		if vt.queue == "" {
			vt.queue = backing.queue
		}
	}

	if vt.regs != nil {
		if pc, ok := vt.regs.Generic(regctx.GenericPC); ok {
			vt.loc, _ = p.backend.Locate(pc)
		}
	}
	if !vt.loc.Valid() && backing != nil {
		vt.loc = backing.loc
	}

	// allocated last so dropped threads do not consume index ids
	vt.indexID = p.indexID(d.ID)
	return vt, "", nil
}

// indexID returns the index id of thread id, allocating one the first time
// the id is seen. Called only with stopMu held.
func (p *Process) indexID(id uint64) int {
	if n, ok := p.indexIDs[id]; ok {
		return n
	}
	p.nextIndexID++
	p.indexIDs[id] = p.nextIndexID
	return p.nextIndexID
}
