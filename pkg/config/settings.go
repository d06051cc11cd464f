// Package config holds the debugger's user settings.
//
// Settings live in a viper instance so they can come from the config file
// ($HOME/.godbg.yaml), GODBG_* environment variables, or the interactive
// `settings` command. Components subscribe to changes with OnChange.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Known setting keys.
const (
	PluginPathKey = "target.process.os-plugin-path"
	AsyncKey      = "target.async"
	LogLevelKey   = "log.level"
	LogFormatKey  = "log.format"
	AsmSyntaxKey  = "disassembly.syntax"
)

var ErrUnknownSetting = errors.New("unknown setting")

// Hook is called after key changed to value. A failing hook rolls the
// change back.
type Hook func(key, value string) error

// Setting is one defined key.
type Setting struct {
	Key     string
	Value   string
	Default string
	Help    string
}

func (s Setting) String() string {
	return fmt.Sprintf("%s (string) = %q", s.Key, s.Value)
}

// Settings 调试器配置项
type Settings struct {
	mu    sync.Mutex
	v     *viper.Viper
	defs  map[string]Setting
	hooks map[string][]Hook
}

// New wraps v and defines the built-in keys. A nil v gets a fresh instance.
func New(v *viper.Viper) *Settings {
	if v == nil {
		v = viper.New()
	}
	s := &Settings{
		v:     v,
		defs:  map[string]Setting{},
		hooks: map[string][]Hook{},
	}
	s.Define(PluginPathKey, "", "path of the OS plugin module overlaying virtual threads")
	s.Define(AsyncKey, "false", "return from step/continue before the process stops")
	s.Define(LogLevelKey, "warn", "diagnostic log level: trace, debug, info, warn, error")
	s.Define(LogFormatKey, "console", "diagnostic log format: console, json")
	s.Define(AsmSyntaxKey, "gnu", "disassembly syntax: gnu, intel, go")
	return s
}

// Define registers key with its default value.
func (s *Settings) Define(key, def, help string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	s.defs[key] = Setting{Key: key, Default: def, Help: help}
	s.v.SetDefault(key, def)
}

// OnChange subscribes h to changes of key.
func (s *Settings) OnChange(key string, h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	s.hooks[key] = append(s.hooks[key], h)
}

// Get returns the value of key.
func (s *Settings) Get(key string) string {
	return s.v.GetString(strings.ToLower(key))
}

// Bool returns the value of key as a bool.
func (s *Settings) Bool(key string) bool {
	return s.v.GetBool(strings.ToLower(key))
}

// Set changes key to value and runs its hooks synchronously. When a hook
// fails the previous value is restored and the hook's error returned.
func (s *Settings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	if _, ok := s.defs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	old := s.v.GetString(key)
	s.v.Set(key, value)
	for _, h := range s.hooks[key] {
		if err := h(key, value); err != nil {
			s.v.Set(key, old)
			return fmt.Errorf("settings set %s: %w", key, err)
		}
	}
	return nil
}

// Clear resets key to its default value.
func (s *Settings) Clear(key string) error {
	s.mu.Lock()
	def, ok := s.defs[strings.ToLower(key)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	return s.Set(key, def.Default)
}

// Show returns key with its current value.
func (s *Settings) Show(key string) (Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	def, ok := s.defs[key]
	if !ok {
		return Setting{}, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	def.Value = s.v.GetString(key)
	return def, nil
}

// All returns every defined setting sorted by key.
func (s *Settings) All() []Setting {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Setting, 0, len(s.defs))
	for key, def := range s.defs {
		def.Value = s.v.GetString(key)
		all = append(all, def)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return all
}

// Keys returns the defined keys, for completion.
func (s *Settings) Keys() []string {
	all := s.All()
	keys := make([]string, 0, len(all))
	for _, st := range all {
		keys = append(keys, st.Key)
	}
	return keys
}

// Apply runs the hooks of every key whose value differs from its default,
// used once after the config file and environment have been read.
func (s *Settings) Apply() error {
	for _, st := range s.All() {
		if st.Value == st.Default {
			continue
		}
		if err := s.Set(st.Key, st.Value); err != nil {
			return err
		}
	}
	return nil
}
