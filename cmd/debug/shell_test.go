package debug

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/osdbg/pkg/config"
	"github.com/hitzhangjie/osdbg/pkg/logger"
	"github.com/hitzhangjie/osdbg/pkg/target"
	"github.com/hitzhangjie/osdbg/pkg/target/replay"
)

const (
	fixture  = "../../pkg/target/replay/testdata/main.yaml"
	osPlugin = "../../pkg/osplugin/testdata/operating_system2.lua"
)

// newSession starts a shell over a replayed process, output goes to the
// returned buffer.
func newSession(t *testing.T) (*DebugSession, *bytes.Buffer) {
	t.Helper()
	b, err := replay.Open(fixture)
	require.NoError(t, err)
	p, err := target.NewProcess(context.Background(), b,
		target.WithLogger(logger.Discard()),
		target.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	settings := config.New(nil)
	BindSettings(context.Background(), p, settings)

	var buf bytes.Buffer
	CurrentSession = NewDebugSession(p, settings).SetOutput(&buf)
	t.Cleanup(func() {
		_ = p.Detach()
		CurrentSession = nil
	})
	return CurrentSession, &buf
}

func run(t *testing.T, s *DebugSession, buf *bytes.Buffer, line string) string {
	t.Helper()
	buf.Reset()
	require.NoError(t, s.Exec(line), line)
	return buf.String()
}

func TestShell_PluginSettingTogglesVirtualThreads(t *testing.T) {
	s, buf := newSession(t)

	out := run(t, s, buf, "thread list")
	assert.Contains(t, out, "os plugin: inactive")
	assert.NotContains(t, out, "tid = 0x111111111")

	run(t, s, buf, "settings set target.process.os-plugin-path "+osPlugin)
	out = run(t, s, buf, "thread list")
	assert.Contains(t, out, "os plugin: active")
	assert.Contains(t, out, "tid = 0x111111111")

	out = run(t, s, buf, "settings show target.process.os-plugin-path")
	assert.Contains(t, out, osPlugin)

	run(t, s, buf, "settings clear target.process.os-plugin-path")
	out = run(t, s, buf, "thread list")
	assert.NotContains(t, out, "tid = 0x111111111")
}

func TestShell_FailingPluginKeepsSetting(t *testing.T) {
	s, buf := newSession(t)
	run(t, s, buf, "settings set target.process.os-plugin-path "+osPlugin)

	assert.Error(t, s.Exec("settings set target.process.os-plugin-path ./no/such/os.lua"))
	out := run(t, s, buf, "settings show target.process.os-plugin-path")
	assert.Contains(t, out, osPlugin)
	out = run(t, s, buf, "thread list")
	assert.Contains(t, out, "tid = 0x111111111")
}

func TestShell_StepVirtualThread(t *testing.T) {
	s, buf := newSession(t)

	run(t, s, buf, "break main.c:5")
	out := run(t, s, buf, "continue")
	assert.Contains(t, out, "main.c:5, stop reason = breakpoint")

	out = run(t, s, buf, "regs")
	assert.Contains(t, out, "pc = 0x0000000000401010")

	run(t, s, buf, "settings set target.process.os-plugin-path "+osPlugin)
	out = run(t, s, buf, "thread select 0x111111111")
	assert.Contains(t, out, "tid = 0x111111111")

	out = run(t, s, buf, "next")
	assert.Contains(t, out, "tid = 0x111111111")
	assert.Contains(t, out, "main.c:6, stop reason = step")

	out = run(t, s, buf, "thread info")
	assert.Contains(t, out, "tid = 0x111111111")
	out = run(t, s, buf, "thread info --backing-thread")
	assert.Contains(t, out, "tid = 0x3e9")

	// flags do not stick between lines
	out = run(t, s, buf, "thread info")
	assert.Contains(t, out, "tid = 0x111111111")
}

func TestShell_ThreadScopedBreakpoint(t *testing.T) {
	s, buf := newSession(t)

	out := run(t, s, buf, "break main.c:7 --thread 123")
	assert.Contains(t, out, "thread:0x7b")

	out = run(t, s, buf, "breaks")
	assert.Contains(t, out, "loc:main.c:7")

	out = run(t, s, buf, "continue")
	assert.Contains(t, out, "1 breakpoint stop(s) on other threads skipped")
	assert.Contains(t, out, "process 4242 exited with status 0")

	assert.Error(t, s.Exec("next"))
}

func TestShell_ClearBreakpoints(t *testing.T) {
	s, buf := newSession(t)

	run(t, s, buf, "break main.c:6")
	run(t, s, buf, "break main.c:7")
	run(t, s, buf, "clearall")
	out := run(t, s, buf, "breaks")
	assert.Contains(t, out, "no breakpoints")
	assert.Error(t, s.Exec("clear 99999"))
}

func TestShell_DisassNeedsMemory(t *testing.T) {
	s, _ := newSession(t)
	err := s.Exec("disass")
	assert.ErrorIs(t, err, target.ErrNoMemory)
}

func TestShell_Errors(t *testing.T) {
	s, _ := newSession(t)
	assert.Error(t, s.Exec("thread select 42"))
	assert.Error(t, s.Exec("settings set no.such.key 1"))
	assert.Error(t, s.Exec("nosuchcommand"))
	assert.NoError(t, s.Exec("   "))
}

func TestHelpMessageByGroups(t *testing.T) {
	usage := helpMessageByGroups(debugRootCmd)
	assert.Contains(t, usage, "- [breaks]")
	assert.Contains(t, usage, "- [execute]")
	assert.Contains(t, usage, "continue")
}

func TestCompleter(t *testing.T) {
	newSession(t)
	assert.Contains(t, completer("cont"), "continue")
	assert.Contains(t, completer("settings set target.pro"), "settings set "+config.PluginPathKey)
}

func TestShell_QuotedPluginPath(t *testing.T) {
	s, buf := newSession(t)

	src, err := os.ReadFile(osPlugin)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "my os plugin.lua")
	require.NoError(t, os.WriteFile(path, src, 0o644))

	for _, line := range []string{
		fmt.Sprintf("settings set target.process.os-plugin-path '%s'", osPlugin),
		fmt.Sprintf(`settings set target.process.os-plugin-path "%s"`, path),
	} {
		run(t, s, buf, line)
		out := run(t, s, buf, "thread list")
		assert.Contains(t, out, "tid = 0x111111111", line)
	}
	out := run(t, s, buf, "settings show target.process.os-plugin-path")
	assert.Contains(t, out, "my os plugin.lua")

	assert.Error(t, s.Exec("settings set target.process.os-plugin-path 'unterminated"))
}
