//go:build !(linux && amd64)

package ptrace

import (
	"fmt"
	"runtime"

	"github.com/hitzhangjie/osdbg/pkg/target"
)

// Launch is only available on linux/amd64.
func Launch(cmd string, args []string) (target.Backend, error) {
	return nil, fmt.Errorf("%w: running on %s/%s", ErrUnsupportedPlatform, runtime.GOOS, runtime.GOARCH)
}

// Attach is only available on linux/amd64.
func Attach(pid int) (target.Backend, error) {
	return nil, fmt.Errorf("%w: running on %s/%s", ErrUnsupportedPlatform, runtime.GOOS, runtime.GOARCH)
}
