package osplugin

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

func openLua(t *testing.T, name string, opts ...LuaOption) *LuaPlugin {
	t.Helper()
	p, err := OpenLua("testdata/"+name, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestLua_OperatingSystem(t *testing.T) {
	p := openLua(t, "operating_system.lua")

	def, err := p.RegisterSetDefinition()
	require.NoError(t, err)
	assert.Equal(t, 17, def.Len())
	assert.Equal(t, []string{"General Purpose Registers"}, def.Sets)
	i, ok := def.GenericIndex(regctx.GenericPC)
	require.True(t, ok)
	assert.Equal(t, "rip", def.Registers[i].Name)

	threads, err := p.ListThreads()
	require.NoError(t, err)
	require.Len(t, threads, 3)
	assert.EqualValues(t, 0x111111111, threads[0].ID)
	assert.Equal(t, "one", threads[0].Name)
	assert.Equal(t, "queue1", threads[0].Queue)
	assert.Nil(t, threads[0].Core)
	assert.EqualValues(t, 0x333333333, threads[2].ID)

	for _, th := range threads {
		blob, err := p.RegisterData(th.ID)
		require.NoError(t, err)
		regs, err := regctx.New(def, blob, binary.LittleEndian)
		require.NoError(t, err)

		want := th.ID + 1
		for _, v := range regs.Values() {
			assert.Equal(t, want, v.Value, "%s of %s", v.Info.Name, th)
			want++
		}
	}

	_, ok, err = p.BackingThread(0x111111111)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, p.WriteRegisterData(0x111111111, nil), regctx.ErrReadOnly)
}

func TestLua_BackedThreadWithoutData(t *testing.T) {
	p := openLua(t, "operating_system2.lua")

	def, err := p.RegisterSetDefinition()
	require.NoError(t, err)
	assert.Equal(t, 0, def.Registers[0].Offset)
	assert.Equal(t, 8, def.Registers[1].Offset)
	assert.Equal(t, 16, def.ByteSize())

	threads, err := p.ListThreads()
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.NotNil(t, threads[0].Core)
	assert.Equal(t, 0, *threads[0].Core)
	assert.Empty(t, threads[0].Name)

	blob, err := p.RegisterData(0x111111111)
	require.NoError(t, err)
	assert.Empty(t, blob)
}

func TestLua_RawBytesAndWrites(t *testing.T) {
	p := openLua(t, "raw_bytes.lua")

	threads, err := p.ListThreads()
	require.NoError(t, err)
	require.Len(t, threads, 2, "the malformed entry is skipped")
	assert.EqualValues(t, 1, threads[0].ID)
	assert.EqualValues(t, 2, threads[1].ID)

	blob, err := p.RegisterData(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0x03, 0, 0, 0}, blob)

	def, err := p.RegisterSetDefinition()
	require.NoError(t, err)
	regs, err := regctx.New(def, blob, binary.LittleEndian, regctx.WithSink(func(b []byte) error {
		return p.WriteRegisterData(1, b)
	}))
	require.NoError(t, err)
	require.NoError(t, regs.WriteName("r1", 9))

	blob, err = p.RegisterData(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0x09, 0, 0, 0}, blob)

	assert.Error(t, p.WriteRegisterData(2, blob), "the module refuses writes to tid 2")

	idx, ok, err := p.BackingThread(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	_, ok, err = p.BackingThread(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLua_LoadFailures(t *testing.T) {
	tests := []struct {
		file    string
		wantErr error
	}{
		{"missing_function.lua", ErrMissingFunction},
		{"syntax_error.lua", nil},
		{"sandbox.lua", nil},
		{"bad_definition.lua", nil},
		{"does_not_exist.lua", nil},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			p, err := OpenLua("testdata/" + tt.file)
			require.Error(t, err)
			assert.Nil(t, p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLua_CallTimeout(t *testing.T) {
	p := openLua(t, "busy.lua", WithCallTimeout(50*time.Millisecond))

	_, err := p.ListThreads()
	assert.Error(t, err)

	// the state stays usable after an aborted call
	_, err = p.RegisterData(1)
	assert.Error(t, err, "a number is not register data")
}

func TestLua_Closed(t *testing.T) {
	p, err := OpenLua("testdata/operating_system.lua")
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.ListThreads()
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = p.RegisterSetDefinition()
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, ok, err := p.BackingThread(1)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestLua_EntryWithoutTidIsSkipped(t *testing.T) {
	p := openLua(t, "missing_tid.lua")

	threads, err := p.ListThreads()
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.EqualValues(t, 0x111111111, threads[0].ID)
	assert.Equal(t, "one", threads[0].Name)
	assert.EqualValues(t, 0x333333333, threads[1].ID)
	assert.Equal(t, "three", threads[1].Name)
}

func TestLua_WideIDsAsStrings(t *testing.T) {
	p := openLua(t, "wide.lua")
	const wide = 0xfedcba9876543210

	threads, err := p.ListThreads()
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.EqualValues(t, uint64(wide), threads[0].ID)
	assert.EqualValues(t, 0x111111111, threads[1].ID)

	def, err := p.RegisterSetDefinition()
	require.NoError(t, err)
	blob, err := p.RegisterData(wide)
	require.NoError(t, err)
	regs, err := regctx.New(def, blob, binary.LittleEndian)
	require.NoError(t, err)
	pc, err := regs.ReadName("pc")
	require.NoError(t, err)
	assert.EqualValues(t, uint64(wide), pc)
	sp, err := regs.ReadName("sp")
	require.NoError(t, err)
	assert.EqualValues(t, uint64(0xffffffffffffffff), sp)

	// small ids still reach the module as numbers
	blob, err = p.RegisterData(0x111111111)
	require.NoError(t, err)
	regs, err = regctx.New(def, blob, binary.LittleEndian)
	require.NoError(t, err)
	pc, err = regs.ReadName("pc")
	require.NoError(t, err)
	assert.EqualValues(t, 0x111111111, pc)
}
