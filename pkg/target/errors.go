package target

import (
	"errors"
	"fmt"
)

var (
	ErrThreadNotFound       = errors.New("thread not found")
	ErrUnsupportedStep      = errors.New("step not supported: no backing thread")
	ErrProcessExited        = errors.New("process exited")
	ErrProcessRunning       = errors.New("process is running")
	ErrProcessDetached      = errors.New("process detached")
	ErrBreakpointNotExisted = errors.New("breakpoint not existed")
	ErrBreakpointExisted    = errors.New("breakpoint already existed")
	ErrNoRegisters          = errors.New("thread has no register context")
	ErrNoMemory             = errors.New("backend cannot read memory")
)

// DropReason says why a virtual thread was left out of a stop's view.
type DropReason string

const (
	DropMissingID    DropReason = "missing-id"
	DropDuplicateID  DropReason = "duplicate-id"
	DropRealIDClash  DropReason = "real-id-collision"
	DropDangling     DropReason = "dangling-backing"
	DropBlobSize     DropReason = "blob-size"
	DropRegisterData DropReason = "register-data"
	DropListThreads  DropReason = "list-threads"
)

// ContractViolation is a plugin answer the merger refused. It is reported,
// never returned from process control.
type ContractViolation struct {
	ThreadID uint64
	Reason   DropReason
	Err      error
}

func (e *ContractViolation) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("os plugin: thread %#x dropped: %s", e.ThreadID, e.Reason)
	}
	return fmt.Sprintf("os plugin: thread %#x dropped: %s: %v", e.ThreadID, e.Reason, e.Err)
}

func (e *ContractViolation) Unwrap() error {
	return e.Err
}
