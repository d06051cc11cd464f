package target_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/osdbg/pkg/osplugin"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

// backedPlugin reports one virtual thread running on real thread 0, with no
// register data of its own.
func backedPlugin() *fakePlugin {
	plugin := newFakePlugin(1)
	plugin.threads = []osplugin.ThreadDescriptor{{ID: vtid1, Core: core(0)}}
	plugin.blobs = map[uint64][]byte{}
	return plugin
}

func TestStep_VirtualThreadContinuity(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": backedPlugin()})))
	stopAtLine5(t, p)
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))

	th, err := p.ThreadByID(vtid1)
	require.NoError(t, err)
	assert.Equal(t, "main.c", th.Location().File)
	assert.Equal(t, 5, th.Location().Line)

	next, err := p.Step(ctx, vtid1, target.StepOver)
	require.NoError(t, err)
	assert.EqualValues(t, vtid1, next.ID())
	assert.Equal(t, "main.c", next.Location().File)
	assert.Equal(t, 6, next.Location().Line)

	osInfo, err := p.ThreadInfo(next, false)
	require.NoError(t, err)
	assert.EqualValues(t, vtid1, osInfo.ID)
	realInfo, err := p.ThreadInfo(next, true)
	require.NoError(t, err)
	assert.NotEqual(t, osInfo.ID, realInfo.ID)
	assert.EqualValues(t, mainTid, realInfo.ID)
	assert.Equal(t, target.StateStopped, p.State())
}

func TestStep_RealThread(t *testing.T) {
	p := newProcess(t, openReplay(t))

	next, err := p.Step(ctx, mainTid, target.StepInstruction)
	require.NoError(t, err)
	assert.EqualValues(t, mainTid, next.ID())
	assert.Equal(t, 5, next.Location().Line)
}

func TestStep_PluginBackingThreadWins(t *testing.T) {
	plugin := backedPlugin()
	plugin.backing[vtid1] = 1 // the plugin says it runs on the worker
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": plugin})))
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))

	next, err := p.Step(ctx, vtid1, target.StepInto)
	require.NoError(t, err)
	assert.EqualValues(t, vtid1, next.ID())

	worker, err := p.ThreadByID(workerTid)
	require.NoError(t, err)
	assert.Equal(t, "worker.c:4", worker.Location().String())
	mainTh, err := p.ThreadByID(mainTid)
	require.NoError(t, err)
	assert.Equal(t, "main.c:4", mainTh.Location().String())
}

func TestStep_UnbackedVirtualThreadIsUnsupported(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": newFakePlugin(1)})))
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))
	stopBefore := p.Threads().StopID()

	_, err := p.Step(ctx, vtid2, target.StepOver)
	assert.ErrorIs(t, err, target.ErrUnsupportedStep)
	assert.Equal(t, stopBefore, p.Threads().StopID())
	assert.Equal(t, target.StateLaunched, p.State())
}

func TestStep_UnknownThread(t *testing.T) {
	p := newProcess(t, openReplay(t))
	_, err := p.Step(ctx, vtid1, target.StepOver)
	assert.ErrorIs(t, err, target.ErrThreadNotFound)
}

func TestStep_BackendFailurePropagates(t *testing.T) {
	p := newProcess(t, &failingBackend{Backend: openReplay(t), err: errBoom})
	_, err := p.Step(ctx, mainTid, target.StepOver)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, target.StateStopped, p.State())

	_, err = p.Continue(ctx)
	assert.ErrorIs(t, err, errBoom)
}

func TestStep_Async(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": backedPlugin()})))
	stopAtLine5(t, p)
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))

	p.SetAsync(true)
	th, err := p.Step(ctx, vtid1, target.StepOver)
	require.NoError(t, err)
	assert.Nil(t, th)

	select {
	case s := <-p.StopEvents():
		require.NoError(t, s.Err)
		assert.Equal(t, target.StopStep, s.Event.Reason)
		require.NotNil(t, s.Thread)
		assert.EqualValues(t, vtid1, s.Thread.ID())
		assert.Equal(t, 6, s.Thread.Location().Line)
	case <-time.After(5 * time.Second):
		t.Fatal("no stop delivered")
	}
}

func TestStep_ClearPluginWhileStepping(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": backedPlugin()})))
	stopAtLine5(t, p)
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))

	p.SetAsync(true)
	_, err := p.Step(ctx, vtid1, target.StepOver)
	require.NoError(t, err)
	require.NoError(t, p.ClearPluginPath())

	select {
	case s := <-p.StopEvents():
		require.NoError(t, s.Err)
		// the step itself completes on the real thread whichever of the
		// stop and the clear is handled first
		require.NotNil(t, s.Thread)
		assert.Contains(t, []uint64{vtid1, mainTid}, s.Thread.ID())
		assert.Equal(t, 6, s.Thread.Location().Line)
	case <-time.After(5 * time.Second):
		t.Fatal("no stop delivered")
	}
	_, err = p.ThreadByID(vtid1)
	assert.ErrorIs(t, err, target.ErrThreadNotFound)
}

func TestStep_ToExit(t *testing.T) {
	p := newProcess(t, openReplay(t))
	for _, line := range []int{4, 5} {
		next, err := p.Step(ctx, workerTid, target.StepOver)
		require.NoError(t, err)
		assert.EqualValues(t, workerTid, next.ID())
		assert.Equal(t, line, next.Location().Line)
	}

	// the worker runs off its trace, main keeps the process alive
	next, err := p.Step(ctx, workerTid, target.StepOver)
	require.NoError(t, err)
	assert.EqualValues(t, mainTid, next.ID())
	_, err = p.ThreadByID(workerTid)
	assert.ErrorIs(t, err, target.ErrThreadNotFound)

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, target.StopExited, res.Event.Reason)
	assert.Nil(t, res.Thread)
	assert.Equal(t, target.StateExited, p.State())

	_, err = p.Step(ctx, mainTid, target.StepOver)
	assert.ErrorIs(t, err, target.ErrProcessExited)
	_, err = p.ThreadByID(mainTid)
	assert.ErrorIs(t, err, target.ErrThreadNotFound)
}
