package target_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/osdbg/pkg/osplugin"
	"github.com/hitzhangjie/osdbg/pkg/target"
	"github.com/hitzhangjie/osdbg/pkg/target/replay"
)

func TestBreakpoint_ThreadFilterNeverMatches(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": backedPlugin()})))
	stopAtLine5(t, p)
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))
	_, err := p.Step(ctx, vtid1, target.StepOver)
	require.NoError(t, err)

	bp, err := p.AddBreakpoint("main.c:7", 0)
	require.NoError(t, err)
	require.NoError(t, p.SetBreakpointThread(bp.ID, 123))

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, target.StopExited, res.Event.Reason)
	assert.Equal(t, 1, res.Skipped)
	assert.Nil(t, res.Breakpoint)
	assert.EqualValues(t, 0, bp.HitCount())
	assert.Equal(t, target.StateExited, p.State())
}

func TestBreakpoint_FilterMatchesVirtualID(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": backedPlugin()})))
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))

	bp, err := p.AddBreakpoint("main.c:5", vtid1)
	require.NoError(t, err)

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, target.StopBreakpoint, res.Event.Reason)
	assert.Same(t, bp, res.Breakpoint)
	require.NotNil(t, res.Thread)
	assert.EqualValues(t, vtid1, res.Thread.ID())
	assert.EqualValues(t, 1, bp.HitCount())
}

func TestBreakpoint_FilterMatchesBackingRealID(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": backedPlugin()})))
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))

	_, err := p.AddBreakpoint("main.c:5", mainTid)
	require.NoError(t, err)

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, target.StopBreakpoint, res.Event.Reason)
	// the virtual thread on the stopping real thread is reported
	assert.EqualValues(t, vtid1, res.Thread.ID())
}

func TestBreakpoint_FilterOnOtherThreadContinues(t *testing.T) {
	p := newProcess(t, openReplay(t))

	_, err := p.AddBreakpoint("main.c:5", workerTid)
	require.NoError(t, err)
	hit, err := p.AddBreakpoint("main.c:7", mainTid)
	require.NoError(t, err)

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, target.StopBreakpoint, res.Event.Reason)
	assert.Same(t, hit, res.Breakpoint)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "main.c:7", res.Thread.Location().String())
}

func TestBreakpoint_Disabled(t *testing.T) {
	p := newProcess(t, openReplay(t))

	bp, err := p.AddBreakpoint("main.c:5", 0)
	require.NoError(t, err)
	require.NoError(t, p.EnableBreakpoint(bp.ID, false))

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, target.StopExited, res.Event.Reason)
	assert.Equal(t, 1, res.Skipped)
}

func TestBreakpoint_FilterWithoutOverlay(t *testing.T) {
	p := newProcess(t, openReplay(t))
	_, err := p.AddBreakpoint("main.c:7", 123)
	require.NoError(t, err)

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, target.StopExited, res.Event.Reason)
	assert.Equal(t, 1, res.Skipped)
}

func TestBreakpoint_SignalStopsContinue(t *testing.T) {
	b, err := replay.Open("replay/testdata/signal.yaml")
	require.NoError(t, err)
	p := newProcess(t, b)

	res, err := p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, target.StopSignal, res.Event.Reason)
	require.NotNil(t, res.Thread)
	assert.EqualValues(t, 77, res.Thread.ID())
	assert.Equal(t, "crash.c:5", res.Thread.Location().String())
	assert.Equal(t, target.StateStopped, p.State())
}

func TestBreakpoint_Manage(t *testing.T) {
	p := newProcess(t, openReplay(t))

	b1, err := p.AddBreakpoint("main.c:6", 0)
	require.NoError(t, err)
	b2, err := p.AddBreakpoint("0x401030", 0)
	require.NoError(t, err)
	assert.Equal(t, "main.c:7", b2.Pos)
	b3, err := p.AddBreakpoint("8", 0) // file of the stop location
	require.NoError(t, err)
	assert.Equal(t, "main.c:8", b3.Pos)

	_, err = p.AddBreakpoint("main.c:6", 0)
	assert.ErrorIs(t, err, target.ErrBreakpointExisted)
	_, err = p.AddBreakpoint("main.c:99", 0)
	assert.Error(t, err)
	_, err = p.AddBreakpoint("main.c:x", 0)
	assert.Error(t, err)

	bs := p.ListBreakpoints()
	require.Len(t, bs, 3)
	assert.True(t, sort.IsSorted(bs))
	assert.Equal(t, b1.ID, bs[0].ID)

	removed, err := p.ClearBreakpoint(b1.ID)
	require.NoError(t, err)
	assert.Same(t, b1, removed)
	_, err = p.ClearBreakpoint(b1.ID)
	assert.ErrorIs(t, err, target.ErrBreakpointNotExisted)

	require.NoError(t, p.ClearAll())
	assert.Empty(t, p.ListBreakpoints())
	assert.ErrorIs(t, p.SetBreakpointThread(b2.ID, 1), target.ErrBreakpointNotExisted)
}

func TestBreakpoint_MatchesThread(t *testing.T) {
	p := newProcess(t, openReplay(t), target.WithPluginLoader(loaderFor(map[string]osplugin.Contract{"os.lua": backedPlugin()})))
	require.NoError(t, p.SetPluginPath(ctx, "os.lua"))
	vt, err := p.ThreadByID(vtid1)
	require.NoError(t, err)
	worker, err := p.ThreadByID(workerTid)
	require.NoError(t, err)

	tests := []struct {
		filter uint64
		th     target.Thread
		want   bool
	}{
		{0, vt, true},
		{0, nil, true},
		{vtid1, vt, true},
		{mainTid, vt, true},
		{workerTid, vt, false},
		{123, vt, false},
		{123, nil, false},
		{workerTid, worker, true},
		{mainTid, worker, false},
	}
	for _, tt := range tests {
		b := &target.Breakpoint{ThreadID: tt.filter}
		assert.Equal(t, tt.want, b.MatchesThread(tt.th), "filter %#x", tt.filter)
	}
}
