package osplugin

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/phuslu/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/hitzhangjie/osdbg/pkg/logger"
	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

// Lua module entry points.
const (
	luaRegisterInfo    = "get_register_info"
	luaThreadInfo      = "get_thread_info"
	luaRegisterData    = "get_register_data"
	luaBackingThread   = "get_backing_thread"
	luaSetRegisterData = "set_register_data"
)

// DefaultCallTimeout bounds every call into the plugin module.
const DefaultCallTimeout = 5 * time.Second

// LuaOption configures a LuaPlugin.
type LuaOption func(*LuaPlugin)

// WithCallTimeout sets the per call timeout.
func WithCallTimeout(d time.Duration) LuaOption {
	return func(p *LuaPlugin) {
		p.timeout = d
	}
}

// WithByteOrder sets the target byte order used when a module returns
// register values instead of raw bytes.
func WithByteOrder(order binary.ByteOrder) LuaOption {
	return func(p *LuaPlugin) {
		p.order = order
	}
}

// LuaPlugin is an OS plugin written in Lua.
//
// Lua numbers are float64 and hold integers exactly only up to 2^53. Ids
// above that are passed to the module as "0x..." strings, and the module
// may report tids and register values as such strings too.
//
// gopher-lua's LState is not goroutine-safe, every call goes through mu.
type LuaPlugin struct {
	path    string
	timeout time.Duration
	order   binary.ByteOrder
	log     *log.Logger

	mu     sync.Mutex
	L      *lua.LState
	def    *regctx.Definition
	closed bool
}

var (
	_ Contract       = (*LuaPlugin)(nil)
	_ RegisterWriter = (*LuaPlugin)(nil)
)

// OpenLua executes the module at path and loads its register definition.
func OpenLua(path string, opts ...LuaOption) (*LuaPlugin, error) {
	p := &LuaPlugin{
		path:    path,
		timeout: DefaultCallTimeout,
		order:   binary.LittleEndian,
		log:     logger.New("osplugin"),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.L = newSandbox(path, p.log)
	if err := p.protect(func() error { return p.L.DoFile(path) }); err != nil {
		p.L.Close()
		return nil, err
	}

	for _, fn := range []string{luaRegisterInfo, luaThreadInfo, luaRegisterData} {
		if p.L.GetGlobal(fn).Type() != lua.LTFunction {
			p.L.Close()
			return nil, fmt.Errorf("%w: %s", ErrMissingFunction, fn)
		}
	}

	def, err := p.loadDefinition()
	if err != nil {
		p.L.Close()
		return nil, err
	}
	p.def = def
	return p, nil
}

// newSandbox opens only the safe standard libraries plus a small host module.
func newSandbox(path string, lg *log.Logger) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("godbg", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			lg.Info().Str("plugin", path).Msg(L.CheckString(1))
			return 0
		},
	}))
	return L
}

func (p *LuaPlugin) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// call invokes a global function and returns exactly one value.
func (p *LuaPlugin) call(name string, args ...lua.LValue) (lua.LValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return lua.LNil, ErrNotLoaded
	}

	fn := p.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, fmt.Errorf("%w: %s", ErrMissingFunction, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	err := p.protect(func() error {
		return p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		return lua.LNil, fmt.Errorf("lua %s: %w", name, err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	return ret, nil
}

func (p *LuaPlugin) hasFunction(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.L.GetGlobal(name).Type() == lua.LTFunction
}

func (p *LuaPlugin) loadDefinition() (*regctx.Definition, error) {
	ret, err := p.call(luaRegisterInfo)
	if err != nil {
		return nil, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s returned %s, want table", luaRegisterInfo, ret.Type())
	}

	def := &regctx.Definition{}
	if err := decode(toGoValue(tbl), def); err != nil {
		return nil, fmt.Errorf("decode register info: %w", err)
	}
	packOffsets(def)
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("register info: %w", err)
	}
	return def, nil
}

// packOffsets lays registers out back to back when the module gave no offsets.
func packOffsets(def *regctx.Definition) {
	if len(def.Registers) < 2 {
		return
	}
	for _, r := range def.Registers {
		if r.Offset != 0 {
			return
		}
	}
	off := 0
	for i := range def.Registers {
		def.Registers[i].Offset = off
		off += def.Registers[i].ByteSize()
	}
}

// RegisterSetDefinition returns the definition loaded with the module.
func (p *LuaPlugin) RegisterSetDefinition() (*regctx.Definition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.def == nil {
		return nil, ErrNotLoaded
	}
	return p.def, nil
}

// ListThreads calls get_thread_info.
func (p *LuaPlugin) ListThreads() ([]ThreadDescriptor, error) {
	ret, err := p.call(luaThreadInfo)
	if err != nil {
		return nil, err
	}
	if ret == lua.LNil {
		return nil, nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s returned %s, want table", luaThreadInfo, ret.Type())
	}

	threads := make([]ThreadDescriptor, 0, tbl.MaxN())
	for i := 1; i <= tbl.MaxN(); i++ {
		entry := tbl.RawGetInt(i)
		if et, ok := entry.(*lua.LTable); !ok || et.RawGetString("tid") == lua.LNil {
			p.log.Warn().Str("plugin", p.path).Int("entry", i).Msg("skip thread entry without tid")
			continue
		}
		var d ThreadDescriptor
		if err := decode(toGoValue(entry), &d); err != nil {
			// one malformed entry must not hide the others
			p.log.Warn().Str("plugin", p.path).Int("entry", i).Err(err).Msg("skip malformed thread entry")
			continue
		}
		threads = append(threads, d)
	}
	return threads, nil
}

// RegisterData calls get_register_data(tid). The module may return a raw
// byte string, an array of register values, or nil.
func (p *LuaPlugin) RegisterData(id uint64) ([]byte, error) {
	ret, err := p.call(luaRegisterData, luaID(id))
	if err != nil {
		return nil, err
	}

	switch v := ret.(type) {
	case lua.LString:
		return []byte(string(v)), nil
	case *lua.LTable:
		vals := make([]uint64, 0, v.MaxN())
		for i := 1; i <= v.MaxN(); i++ {
			n, err := luaUint(v.RawGetInt(i))
			if err != nil {
				return nil, fmt.Errorf("register value #%d: %w", i, err)
			}
			vals = append(vals, n)
		}
		return regctx.Encode(p.def, p.order, vals)
	case *lua.LNilType:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s returned %s", luaRegisterData, ret.Type())
	}
}

// BackingThread calls get_backing_thread(tid) if the module defines it.
func (p *LuaPlugin) BackingThread(id uint64) (int, bool, error) {
	if !p.hasFunction(luaBackingThread) {
		return 0, false, nil
	}
	ret, err := p.call(luaBackingThread, luaID(id))
	if err != nil {
		return 0, false, err
	}
	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, false, nil
	}
	return int(n), true, nil
}

// WriteRegisterData calls set_register_data(tid, bytes).
func (p *LuaPlugin) WriteRegisterData(id uint64, blob []byte) error {
	if !p.hasFunction(luaSetRegisterData) {
		return regctx.ErrReadOnly
	}
	ret, err := p.call(luaSetRegisterData, luaID(id), lua.LString(string(blob)))
	if err != nil {
		return err
	}
	if ret == lua.LFalse {
		return fmt.Errorf("%s rejected write for %#x", luaSetRegisterData, id)
	}
	return nil
}

// Path returns the module path.
func (p *LuaPlugin) Path() string {
	return p.path
}

// Close releases the Lua state.
func (p *LuaPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.L.Close()
	p.closed = true
	return nil
}

// maxExactID is the largest integer a Lua number holds exactly.
const maxExactID = 1 << 53

func luaID(id uint64) lua.LValue {
	if id <= maxExactID {
		return lua.LNumber(id)
	}
	return lua.LString(fmt.Sprintf("%#x", id))
}

func luaUint(v lua.LValue) (uint64, error) {
	switch n := v.(type) {
	case lua.LNumber:
		return uint64(n), nil
	case lua.LString:
		return strconv.ParseUint(string(n), 0, 64)
	default:
		return 0, fmt.Errorf("%s, want number or string", v.Type())
	}
}

func decode(input interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// toGoValue converts a Lua value, tables become []interface{} when they are
// sequences and map[string]interface{} otherwise.
func toGoValue(lv lua.LValue) interface{} {
	return toGoValueVisited(lv, map[*lua.LTable]bool{})
}

func toGoValueVisited(lv lua.LValue, visited map[*lua.LTable]bool) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		if n := v.MaxN(); n > 0 {
			arr := make([]interface{}, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = toGoValueVisited(v.RawGetInt(i), visited)
			}
			return arr
		}
		m := make(map[string]interface{})
		v.ForEach(func(k, val lua.LValue) {
			m[k.String()] = toGoValueVisited(val, visited)
		})
		return m
	default:
		return nil
	}
}
