// Package regctx turns raw register storage plus a register-set definition
// into a named, ordered register collection.
//
// A definition describes where each register lives inside a byte blob, the
// blob is owned by whoever supplied it (an OS plugin, or the ptrace backend
// for real threads). Reads decode straight from the blob, writes patch the
// blob and hand it back to the supplier through a Sink.
package regctx

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyDefinition = errors.New("register set definition is empty")
	ErrBlobSize        = errors.New("register data size mismatch")
	ErrNoSuchRegister  = errors.New("no such register")
	ErrReadOnly        = errors.New("register context is read-only")
	ErrValueOverflow   = errors.New("value does not fit register")
)

// Generic register kinds, used to find pc/sp/fp without knowing the arch.
const (
	GenericPC    = "pc"
	GenericSP    = "sp"
	GenericFP    = "fp"
	GenericRA    = "ra"
	GenericFlags = "flags"
)

// RegisterInfo 描述一个寄存器在数据块中的位置
type RegisterInfo struct {
	Name     string `mapstructure:"name" yaml:"name"`
	AltName  string `mapstructure:"alt_name" yaml:"alt_name,omitempty"`
	BitSize  int    `mapstructure:"bitsize" yaml:"bitsize"`
	Offset   int    `mapstructure:"offset" yaml:"offset"`
	Set      string `mapstructure:"set" yaml:"set,omitempty"`
	Generic  string `mapstructure:"generic" yaml:"generic,omitempty"`
	Encoding string `mapstructure:"encoding" yaml:"encoding,omitempty"`
}

// ByteSize returns the register width in bytes.
func (r RegisterInfo) ByteSize() int {
	return r.BitSize / 8
}

// Definition is the ordered register layout of one register context.
type Definition struct {
	Sets      []string       `mapstructure:"sets" yaml:"sets"`
	Registers []RegisterInfo `mapstructure:"registers" yaml:"registers"`

	byName map[string]int
	size   int
}

// Validate checks the layout and builds the name index. A validated
// definition must not be modified afterwards.
func (d *Definition) Validate() error {
	if d == nil || len(d.Registers) == 0 {
		return ErrEmptyDefinition
	}

	byName := make(map[string]int, len(d.Registers)*2)
	size := 0
	for i, r := range d.Registers {
		if r.Name == "" {
			return fmt.Errorf("register #%d has no name", i)
		}
		switch r.BitSize {
		case 8, 16, 32, 64:
		default:
			return fmt.Errorf("register %s: unsupported bit size %d", r.Name, r.BitSize)
		}
		if r.Offset < 0 {
			return fmt.Errorf("register %s: negative offset %d", r.Name, r.Offset)
		}
		for _, n := range []string{r.Name, r.AltName} {
			if n == "" {
				continue
			}
			key := strings.ToLower(n)
			if _, dup := byName[key]; dup {
				return fmt.Errorf("register %s: duplicate name %q", r.Name, n)
			}
			byName[key] = i
		}
		if end := r.Offset + r.ByteSize(); end > size {
			size = end
		}
	}

	// overlapping ranges would make writes clobber each other
	idx := make([]int, len(d.Registers))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return d.Registers[idx[a]].Offset < d.Registers[idx[b]].Offset
	})
	for k := 1; k < len(idx); k++ {
		prev, cur := d.Registers[idx[k-1]], d.Registers[idx[k]]
		if prev.Offset+prev.ByteSize() > cur.Offset {
			return fmt.Errorf("register %s overlaps %s", cur.Name, prev.Name)
		}
	}

	if len(d.Sets) == 0 {
		seen := map[string]bool{}
		for _, r := range d.Registers {
			if r.Set != "" && !seen[r.Set] {
				seen[r.Set] = true
				d.Sets = append(d.Sets, r.Set)
			}
		}
	}

	d.byName = byName
	d.size = size
	return nil
}

// ensure validates d once.
func (d *Definition) ensure() error {
	if d == nil {
		return ErrEmptyDefinition
	}
	if d.byName != nil {
		return nil
	}
	return d.Validate()
}

// ByteSize is the total span of the register blob.
func (d *Definition) ByteSize() int {
	if err := d.ensure(); err != nil {
		return 0
	}
	return d.size
}

// Lookup returns the index of the register named name (or its alt name).
func (d *Definition) Lookup(name string) (int, bool) {
	if err := d.ensure(); err != nil {
		return 0, false
	}
	i, ok := d.byName[strings.ToLower(name)]
	return i, ok
}

// GenericIndex returns the index of the register tagged with kind.
func (d *Definition) GenericIndex(kind string) (int, bool) {
	for i, r := range d.Registers {
		if r.Generic == kind {
			return i, true
		}
	}
	return 0, false
}

// Len returns the register count.
func (d *Definition) Len() int {
	return len(d.Registers)
}
