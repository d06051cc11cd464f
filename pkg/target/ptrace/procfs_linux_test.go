//go:build linux

package ptrace

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadProcComm(t *testing.T) {
	comm, err := readProcComm(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, comm)

	args, err := readProcCommArgs(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Args[1:], args)
}

func TestLoadThreadList(t *testing.T) {
	pid := os.Getpid()
	tids, err := loadThreadList(pid)
	require.NoError(t, err)
	require.NotEmpty(t, tids)
	assert.Equal(t, pid, tids[0])
	assert.NotEmpty(t, threadName(pid, pid))
}

func TestSortThreads(t *testing.T) {
	tids := []int{12, 7, 10, 9}
	sortThreads(10, tids)
	assert.Equal(t, []int{10, 7, 9, 12}, tids)
}

func TestProcStatus(t *testing.T) {
	st := procStatus(os.Getpid())
	assert.Contains(t, []rune{statusRunning, statusSleeping}, st)
	assert.Equal(t, rune(0), procStatus(-1))
}

func TestLoadBias(t *testing.T) {
	bias, err := loadBias(os.Getpid())
	require.NoError(t, err)
	assert.NotZero(t, bias)
}
