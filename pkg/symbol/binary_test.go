package symbol

import (
	"bytes"
	"os"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func locateMe() uintptr {
	return reflect.ValueOf(locateMe).Pointer()
}

// analyzeSelf analyzes the test binary, which the go tool builds with DWARF
// unless -ldflags=-w is given.
func analyzeSelf(t *testing.T) *BinaryInfo {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	bi, err := Analyze(exe)
	if err != nil {
		t.Skipf("test binary has no usable debug info: %v", err)
	}
	if bi.PIE {
		t.Skip("test binary is position independent")
	}
	return bi
}

func TestAnalyze_PCToFunction(t *testing.T) {
	bi := analyzeSelf(t)

	pc := uint64(locateMe())
	fn, err := bi.PCToFunction(pc)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(fn.Name(), "symbol.locateMe"), fn.Name())
	assert.Equal(t, pc, fn.Entry())

	file, line, err := bi.PCToFileLine(pc)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(file, "binary_test.go"), file)
	assert.Positive(t, line)
}

func TestAnalyze_FileLineToPC(t *testing.T) {
	bi := analyzeSelf(t)

	_, _, line, ok := runtime.Caller(0)
	require.True(t, ok)

	pc, err := bi.FileLineToPC("binary_test.go", line)
	require.NoError(t, err)

	fn, err := bi.PCToFunction(pc)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(fn.Name(), "TestAnalyze_FileLineToPC"), fn.Name())

	_, err = bi.LocToPC("no_such_file.go:1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = bi.LocToPC("binary_test.go")
	assert.Error(t, err)
}

func TestAnalyze_NotELF(t *testing.T) {
	_, err := Analyze("binary_test.go")
	assert.Error(t, err)
}

func TestParseLoc(t *testing.T) {
	file, line, err := parseLoc("/src/main.c:12")
	require.NoError(t, err)
	assert.Equal(t, "/src/main.c", file)
	assert.Equal(t, 12, line)

	_, _, err = parseLoc(":12")
	assert.Error(t, err)
	_, _, err = parseLoc("main.c:x")
	assert.Error(t, err)
}

func TestBinaryInfo_RowsLookup(t *testing.T) {
	bi := &BinaryInfo{
		rows: []row{
			{addr: 0x1000, file: "a.c", line: 1},
			{addr: 0x1010, file: "a.c", line: 2},
			{addr: 0x1020, end: true},
		},
	}
	_, _, err := bi.PCToFileLine(0xfff)
	assert.ErrorIs(t, err, ErrNotFound)

	file, line, err := bi.PCToFileLine(0x1014)
	require.NoError(t, err)
	assert.Equal(t, "a.c", file)
	assert.Equal(t, 2, line)

	_, _, err = bi.PCToFileLine(0x1020)
	assert.ErrorIs(t, err, ErrNotFound)

	var buf bytes.Buffer
	bi.Dump(&buf)
	assert.Equal(t, "0x1000 a.c:1\n0x1010 a.c:2\n", buf.String())
}
