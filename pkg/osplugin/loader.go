package osplugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	homedir "github.com/mitchellh/go-homedir"
)

// Factory loads a plugin module from an absolute path.
type Factory func(path string) (Contract, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		".lua": func(path string) (Contract, error) { return OpenLua(path) },
	}
)

// Register makes a plugin runtime available for files with extension ext.
func Register(ext string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(ext)] = f
}

// Extensions lists the registered module extensions.
func Extensions() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	exts := make([]string, 0, len(factories))
	for ext := range factories {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Open loads the plugin module at path, picking the runtime by extension.
func Open(path string) (Contract, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("%w: expand %s: %v", ErrPluginLoad, path, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrPluginLoad, abs)
	}

	ext := strings.ToLower(filepath.Ext(abs))
	factoriesMu.RLock()
	f, ok := factories[ext]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedPlugin, ext, strings.Join(Extensions(), ", "))
	}

	plugin, err := f(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPluginLoad, abs, err)
	}
	return plugin, nil
}
