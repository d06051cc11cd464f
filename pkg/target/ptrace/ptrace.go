// Package ptrace drives a live linux/amd64 inferior with ptrace(2). It
// implements target.Backend on real OS threads only; the virtual thread
// overlay lives above it in package target.
//
// All ptrace requests go through one locked OS thread, see ExecPtrace.
// While one thread is stepped the others stay stopped.
package ptrace

import "errors"

// Kind 发起调试的类型
type Kind int

const (
	LAUNCH Kind = iota
	ATTACH
)

func (k Kind) String() string {
	if k == ATTACH {
		return "attach"
	}
	return "launch"
}

var (
	ErrUnsupportedPlatform = errors.New("ptrace: only linux/amd64 is supported")
	ErrNoSymbols           = errors.New("ptrace: no debug symbols loaded")
	ErrNoPendingResume     = errors.New("ptrace: wait without resume")
	ErrResumeOutstanding   = errors.New("ptrace: resume already outstanding")
)

// maxSingleSteps bounds line stepping through code without line info.
const maxSingleSteps = 1 << 20
