package target_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/osdbg/pkg/logger"
	"github.com/hitzhangjie/osdbg/pkg/osplugin"
	"github.com/hitzhangjie/osdbg/pkg/regctx"
	"github.com/hitzhangjie/osdbg/pkg/target"
	"github.com/hitzhangjie/osdbg/pkg/target/replay"
)

const (
	vtid1 = 0x111111111
	vtid2 = 0x222222222
	vtid3 = 0x333333333

	mainTid   = 1001
	workerTid = 1002
)

func core(i int) *int { return &i }

// fakePlugin is an in-memory OS plugin.
type fakePlugin struct {
	mu       sync.Mutex
	def      *regctx.Definition
	defErr   error
	threads  []osplugin.ThreadDescriptor
	listErr  error
	blobs    map[uint64][]byte
	blobErr  map[uint64]error
	backing  map[uint64]int
	writes   map[uint64][]byte
	closed   bool
	listCall int
}

var _ osplugin.Contract = (*fakePlugin)(nil)

// newFakePlugin reports the three canonical threads with register values
// tid+1, tid+2, ... over a definition of n 64-bit registers.
func newFakePlugin(n int) *fakePlugin {
	def := &regctx.Definition{}
	for i := 0; i < n; i++ {
		def.Registers = append(def.Registers, regctx.RegisterInfo{
			Name:    "r" + string(rune('0'+i)),
			BitSize: 64,
			Offset:  i * 8,
			Set:     "General Purpose Registers",
		})
	}
	f := &fakePlugin{
		def:     def,
		blobs:   map[uint64][]byte{},
		blobErr: map[uint64]error{},
		backing: map[uint64]int{},
		writes:  map[uint64][]byte{},
	}
	for _, id := range []uint64{vtid1, vtid2, vtid3} {
		f.threads = append(f.threads, osplugin.ThreadDescriptor{ID: id, Name: "vthread", Queue: "vqueue"})
		vals := make([]uint64, n)
		for i := range vals {
			vals[i] = id + 1 + uint64(i)
		}
		blob, err := regctx.Encode(def, binary.LittleEndian, vals)
		if err != nil {
			panic(err)
		}
		f.blobs[id] = blob
	}
	return f
}

func (f *fakePlugin) RegisterSetDefinition() (*regctx.Definition, error) {
	return f.def, f.defErr
}

func (f *fakePlugin) ListThreads() ([]osplugin.ThreadDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCall++
	return append([]osplugin.ThreadDescriptor(nil), f.threads...), f.listErr
}

func (f *fakePlugin) RegisterData(id uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.blobErr[id]; err != nil {
		return nil, err
	}
	if w, ok := f.writes[id]; ok {
		return w, nil
	}
	return f.blobs[id], nil
}

func (f *fakePlugin) BackingThread(id uint64) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.backing[id]
	return idx, ok, nil
}

func (f *fakePlugin) WriteRegisterData(id uint64, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[id] = append([]byte(nil), blob...)
	return nil
}

func (f *fakePlugin) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePlugin) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// loaderFor serves plugins by path.
func loaderFor(plugins map[string]osplugin.Contract) target.Loader {
	return func(path string) (osplugin.Contract, error) {
		if p, ok := plugins[path]; ok {
			return p, nil
		}
		return nil, osplugin.ErrPluginLoad
	}
}

// failingBackend fails every Resume.
type failingBackend struct {
	*replay.Backend
	err error
}

func (b *failingBackend) Resume(ctx context.Context, tid uint64, kind target.StepKind) error {
	return b.err
}

var errBoom = errors.New("boom")

func newProcess(t *testing.T, backend target.Backend, opts ...target.Option) *target.Process {
	t.Helper()
	opts = append([]target.Option{target.WithLogger(logger.Discard())}, opts...)
	p, err := target.NewProcess(context.Background(), backend, opts...)
	require.NoError(t, err)
	return p
}

func openReplay(t *testing.T) *replay.Backend {
	t.Helper()
	b, err := replay.Open("replay/testdata/main.yaml")
	require.NoError(t, err)
	return b
}

// stopAtLine5 runs main to its first puts call.
func stopAtLine5(t *testing.T, p *target.Process) {
	t.Helper()
	bp, err := p.AddBreakpoint("main.c:5", 0)
	require.NoError(t, err)
	res, err := p.Continue(context.Background())
	require.NoError(t, err)
	require.Equal(t, target.StopBreakpoint, res.Event.Reason)
	_, err = p.ClearBreakpoint(bp.ID)
	require.NoError(t, err)
}

// gatedBackend holds Wait until release is closed, so a test can act while
// the process is running.
type gatedBackend struct {
	*replay.Backend
	waiting chan struct{}
	release chan struct{}
}

func newGatedBackend(t *testing.T) *gatedBackend {
	t.Helper()
	return &gatedBackend{
		Backend: openReplay(t),
		waiting: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *gatedBackend) Wait(ctx context.Context) (target.StopEvent, error) {
	select {
	case b.waiting <- struct{}{}:
	default:
	}
	<-b.release
	return b.Backend.Wait(ctx)
}
