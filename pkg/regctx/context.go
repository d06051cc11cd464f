package regctx

import (
	"encoding/binary"
	"fmt"
)

// Value is one decoded register.
type Value struct {
	Info  RegisterInfo
	Index int
	Value uint64
}

func (v Value) String() string {
	return fmt.Sprintf("%s = %#0*x", v.Info.Name, v.Info.ByteSize()*2+2, v.Value)
}

// Registers is a readable (and possibly writable) register collection.
type Registers interface {
	Len() int
	Info(i int) (RegisterInfo, error)
	ReadIndex(i int) (uint64, error)
	ReadName(name string) (uint64, error)
	WriteIndex(i int, v uint64) error
	WriteName(name string, v uint64) error
	Values() []Value
	Generic(kind string) (uint64, bool)
	Bytes() []byte
	Definition() *Definition
}

// Sink receives the full blob after every successful write.
type Sink func(blob []byte) error

// Option configures a Context.
type Option func(*Context)

// WithSink makes the context writable, every write is pushed through fn.
func WithSink(fn Sink) Option {
	return func(c *Context) {
		c.sink = fn
	}
}

// Context 寄存器上下文，数据来自插件或者ptrace
type Context struct {
	def   *Definition
	order binary.ByteOrder
	blob  []byte
	sink  Sink
}

var _ Registers = (*Context)(nil)

// New creates a register context over blob. The blob is copied.
func New(def *Definition, blob []byte, order binary.ByteOrder, opts ...Option) (*Context, error) {
	if err := def.ensure(); err != nil {
		return nil, err
	}
	if len(blob) != def.ByteSize() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBlobSize, len(blob), def.ByteSize())
	}
	if order == nil {
		order = binary.LittleEndian
	}

	c := &Context{
		def:   def,
		order: order,
		blob:  append([]byte(nil), blob...),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Len returns the register count.
func (c *Context) Len() int {
	return c.def.Len()
}

// Definition returns the layout this context decodes with.
func (c *Context) Definition() *Definition {
	return c.def
}

// Info returns the descriptor of register i.
func (c *Context) Info(i int) (RegisterInfo, error) {
	if i < 0 || i >= c.def.Len() {
		return RegisterInfo{}, fmt.Errorf("%w: index %d", ErrNoSuchRegister, i)
	}
	return c.def.Registers[i], nil
}

// ReadIndex decodes register i.
func (c *Context) ReadIndex(i int) (uint64, error) {
	info, err := c.Info(i)
	if err != nil {
		return 0, err
	}
	return c.decode(info), nil
}

// ReadName decodes the register called name.
func (c *Context) ReadName(name string) (uint64, error) {
	i, ok := c.def.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchRegister, name)
	}
	return c.ReadIndex(i)
}

// WriteIndex stores v into register i and writes the blob through.
func (c *Context) WriteIndex(i int, v uint64) error {
	if c.sink == nil {
		return ErrReadOnly
	}
	info, err := c.Info(i)
	if err != nil {
		return err
	}
	if info.BitSize < 64 && v>>uint(info.BitSize) != 0 {
		return fmt.Errorf("%w: %s is %d bits, value %#x", ErrValueOverflow, info.Name, info.BitSize, v)
	}

	next := append([]byte(nil), c.blob...)
	encode(next[info.Offset:info.Offset+info.ByteSize()], c.order, v)
	if err := c.sink(next); err != nil {
		return fmt.Errorf("write register %s: %w", info.Name, err)
	}
	c.blob = next
	return nil
}

// WriteName stores v into the register called name.
func (c *Context) WriteName(name string, v uint64) error {
	i, ok := c.def.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchRegister, name)
	}
	return c.WriteIndex(i, v)
}

// Values decodes every register in definition order.
func (c *Context) Values() []Value {
	vals := make([]Value, 0, c.def.Len())
	for i, info := range c.def.Registers {
		vals = append(vals, Value{Info: info, Index: i, Value: c.decode(info)})
	}
	return vals
}

// Generic reads the register tagged with kind, e.g. GenericPC.
func (c *Context) Generic(kind string) (uint64, bool) {
	i, ok := c.def.GenericIndex(kind)
	if !ok {
		return 0, false
	}
	return c.decode(c.def.Registers[i]), true
}

// Bytes returns a copy of the current blob.
func (c *Context) Bytes() []byte {
	return append([]byte(nil), c.blob...)
}

func (c *Context) decode(info RegisterInfo) uint64 {
	b := c.blob[info.Offset : info.Offset+info.ByteSize()]
	switch info.BitSize {
	case 8:
		return uint64(b[0])
	case 16:
		return uint64(c.order.Uint16(b))
	case 32:
		return uint64(c.order.Uint32(b))
	default:
		return c.order.Uint64(b)
	}
}

func encode(b []byte, order binary.ByteOrder, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, v)
	}
}

// Encode builds a blob from one value per register, in definition order.
func Encode(def *Definition, order binary.ByteOrder, values []uint64) ([]byte, error) {
	if err := def.ensure(); err != nil {
		return nil, err
	}
	if len(values) != def.Len() {
		return nil, fmt.Errorf("%w: got %d values for %d registers", ErrBlobSize, len(values), def.Len())
	}
	if order == nil {
		order = binary.LittleEndian
	}

	blob := make([]byte, def.ByteSize())
	for i, info := range def.Registers {
		v := values[i]
		if info.BitSize < 64 && v>>uint(info.BitSize) != 0 {
			return nil, fmt.Errorf("%w: %s is %d bits, value %#x", ErrValueOverflow, info.Name, info.BitSize, v)
		}
		encode(blob[info.Offset:info.Offset+info.ByteSize()], order, v)
	}
	return blob, nil
}
