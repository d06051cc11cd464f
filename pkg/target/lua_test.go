package target_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/osdbg/pkg/osplugin"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

func TestLuaPlugin_Functionality(t *testing.T) {
	p := newProcess(t, openReplay(t))
	stopAtLine5(t, p)

	for _, id := range []uint64{vtid1, vtid2, vtid3} {
		_, err := p.ThreadByID(id)
		assert.ErrorIs(t, err, target.ErrThreadNotFound)
	}

	require.NoError(t, p.SetPluginPath(ctx, "../osplugin/testdata/operating_system.lua"))
	for _, id := range []uint64{vtid1, vtid2, vtid3} {
		th, err := p.ThreadByID(id)
		require.NoError(t, err)
		regs, err := p.Registers(th)
		require.NoError(t, err)
		want := id + 1
		for _, v := range regs.Values() {
			assert.Equal(t, want, v.Value)
			want++
		}
	}

	require.NoError(t, p.ClearPluginPath())
	for _, id := range []uint64{vtid1, vtid2, vtid3} {
		_, err := p.ThreadByID(id)
		assert.ErrorIs(t, err, target.ErrThreadNotFound)
	}
}

func TestLuaPlugin_Step(t *testing.T) {
	p := newProcess(t, openReplay(t))
	stopAtLine5(t, p)
	coreZero, ok := p.Threads().RealAt(0)
	require.True(t, ok)

	require.NoError(t, p.SetPluginPath(ctx, "../osplugin/testdata/operating_system2.lua"))
	th, err := p.ThreadByID(vtid1)
	require.NoError(t, err)
	assert.Equal(t, coreZero.Name(), th.Name())
	assert.Equal(t, coreZero.Queue(), th.Queue())
	assert.Equal(t, "main.c:5", th.Location().String())

	next, err := p.Step(ctx, vtid1, target.StepOver)
	require.NoError(t, err)

	osInfo, err := p.ThreadInfo(next, false)
	require.NoError(t, err)
	assert.EqualValues(t, vtid1, osInfo.ID)
	realInfo, err := p.ThreadInfo(next, true)
	require.NoError(t, err)
	assert.NotEqual(t, osInfo.ID, realInfo.ID)
	assert.Equal(t, "main.c:6", next.Location().String())

	bp, err := p.AddBreakpoint("main.c:7", 123)
	require.NoError(t, err)
	res, err := p.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, target.StopExited, res.Event.Reason)
	assert.EqualValues(t, 0, bp.HitCount())
}

func TestLuaPlugin_BadPath(t *testing.T) {
	p := newProcess(t, openReplay(t))

	err := p.SetPluginPath(ctx, "../osplugin/testdata/missing_function.lua")
	assert.ErrorIs(t, err, osplugin.ErrPluginLoad)
	err = p.SetPluginPath(ctx, "../osplugin/testdata/plugin.txt")
	assert.ErrorIs(t, err, osplugin.ErrUnsupportedPlugin)

	assert.Equal(t, target.OverlayInactive, p.OverlayState())
	assert.Empty(t, p.Threads().Virtual())
}
