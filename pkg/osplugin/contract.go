// Package osplugin defines what an operating system plugin must provide to
// overlay virtual threads on top of the real threads of a stopped process,
// and loads plugin modules by path.
package osplugin

import (
	"errors"
	"fmt"

	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

var (
	ErrUnsupportedPlugin = errors.New("unsupported os plugin")
	ErrPluginLoad        = errors.New("load os plugin")
	ErrNotLoaded         = errors.New("os plugin not loaded")
	ErrMissingFunction   = errors.New("os plugin function missing")
)

// ThreadDescriptor 插件报告的一个虚拟线程
type ThreadDescriptor struct {
	ID    uint64 `mapstructure:"tid"`
	Core  *int   `mapstructure:"core"` // index of the backing real thread
	Name  string `mapstructure:"name"`
	Queue string `mapstructure:"queue"`
}

func (d ThreadDescriptor) String() string {
	if d.Core == nil {
		return fmt.Sprintf("tid=%#x", d.ID)
	}
	return fmt.Sprintf("tid=%#x core=%d", d.ID, *d.Core)
}

// Contract is the fixed interface a plugin module satisfies.
//
// All methods are called from the single stop-handling path, while the
// inferior is stopped.
type Contract interface {
	// RegisterSetDefinition is static for one load.
	RegisterSetDefinition() (*regctx.Definition, error)

	// ListThreads is called once per stop. An empty result means zero
	// virtual threads for this stop, not an absent plugin.
	ListThreads() ([]ThreadDescriptor, error)

	// RegisterData returns the raw register storage of thread id. An empty
	// blob for a backed thread means "use the backing thread's registers".
	RegisterData(id uint64) ([]byte, error)

	// BackingThread maps a virtual thread to the index of the real thread
	// executing it.
	BackingThread(id uint64) (index int, ok bool, err error)

	Close() error
}

// RegisterWriter is implemented by plugins that accept register writes.
type RegisterWriter interface {
	WriteRegisterData(id uint64, blob []byte) error
}
