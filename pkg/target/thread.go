package target

import (
	"fmt"

	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

// Thread is what thread lookups return: either a RealThread reported by the
// OS or a VirtualThread reported by the OS plugin.
type Thread interface {
	ID() uint64
	IndexID() int
	Name() string
	Queue() string
	Registers() regctx.Registers
	Location() Location
	Virtual() bool

	// Backing returns the real thread executing this thread, a real thread
	// is its own backing thread.
	Backing() (*RealThread, bool)
}

// RealThread 操作系统线程
type RealThread struct {
	id      uint64
	index   int // position in this stop's real thread list
	indexID int
	name    string
	queue   string
	regs    regctx.Registers
	pc      uint64
	loc     Location
}

func (t *RealThread) ID() uint64                  { return t.id }
func (t *RealThread) IndexID() int                { return t.indexID }
func (t *RealThread) Index() int                  { return t.index }
func (t *RealThread) Name() string                { return t.name }
func (t *RealThread) Queue() string               { return t.queue }
func (t *RealThread) Registers() regctx.Registers { return t.regs }
func (t *RealThread) PC() uint64                  { return t.pc }
func (t *RealThread) Location() Location          { return t.loc }
func (t *RealThread) Virtual() bool               { return false }

func (t *RealThread) Backing() (*RealThread, bool) { return t, true }

func (t *RealThread) String() string {
	return fmt.Sprintf("thread #%d (tid %d)", t.indexID, t.id)
}

// VirtualThread 插件报告的虚拟线程，记录的是本次停止时的快照
type VirtualThread struct {
	id      uint64
	indexID int
	backing *RealThread
	name    string
	queue   string
	regs    regctx.Registers
	loc     Location

	// inherited is set when the plugin gave no register data and the
	// backing thread's registers are shown instead.
	inherited bool
}

func (t *VirtualThread) ID() uint64                  { return t.id }
func (t *VirtualThread) IndexID() int                { return t.indexID }
func (t *VirtualThread) Name() string                { return t.name }
func (t *VirtualThread) Queue() string               { return t.queue }
func (t *VirtualThread) Registers() regctx.Registers { return t.regs }
func (t *VirtualThread) Location() Location          { return t.loc }
func (t *VirtualThread) Virtual() bool               { return true }

// InheritsRegisters reports whether the registers come from the backing thread.
func (t *VirtualThread) InheritsRegisters() bool { return t.inherited }

func (t *VirtualThread) Backing() (*RealThread, bool) {
	return t.backing, t.backing != nil
}

func (t *VirtualThread) String() string {
	return fmt.Sprintf("thread #%d (tid %#x)", t.indexID, t.id)
}

// ThreadInfo is the reportable summary of a thread.
type ThreadInfo struct {
	IndexID  int
	ID       uint64
	Name     string
	Queue    string
	Location Location
	Virtual  bool
}

func (i ThreadInfo) String() string {
	s := fmt.Sprintf("thread #%d: tid = %#x", i.IndexID, i.ID)
	if i.Name != "" {
		s += ", name = " + i.Name
	}
	if i.Queue != "" {
		s += ", queue = " + i.Queue
	}
	return s + ", " + i.Location.String()
}

func infoOf(th Thread) ThreadInfo {
	return ThreadInfo{
		IndexID:  th.IndexID(),
		ID:       th.ID(),
		Name:     th.Name(),
		Queue:    th.Queue(),
		Location: th.Location(),
		Virtual:  th.Virtual(),
	}
}
