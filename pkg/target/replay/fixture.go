// Package replay is a process-control backend that plays back recorded
// thread traces from a YAML fixture instead of driving a live inferior.
//
// A fixture lists the line table of the recorded program and, per thread,
// the sequence of pcs it executed. Stepping and continuing move each
// thread's cursor along its trace; breakpoints stop a continue when a
// thread reaches their address.
package replay

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Fixture is the decoded YAML file.
type Fixture struct {
	Pid      int         `yaml:"pid"`
	ExitCode int         `yaml:"exit_code"`
	Lines    []LineEntry `yaml:"lines"`
	Threads  []ThreadRec `yaml:"threads"`
}

// LineEntry maps one pc to its source line.
type LineEntry struct {
	PC   uint64 `yaml:"pc"`
	File string `yaml:"file"`
	Line int    `yaml:"line"`
	Func string `yaml:"func"`
}

// ThreadRec is one recorded thread.
type ThreadRec struct {
	Tid   uint64      `yaml:"tid"`
	Name  string      `yaml:"name"`
	Queue string      `yaml:"queue"`
	Trace []TraceStep `yaml:"trace"`
}

// TraceStep is one executed instruction. Depth is the call depth relative
// to the thread's entry, used by step-over and step-out.
type TraceStep struct {
	PC     uint64 `yaml:"pc"`
	Depth  int    `yaml:"depth"`
	Signal string `yaml:"signal"`
}

// UnmarshalYAML accepts a bare pc as shorthand for {pc: ...}.
func (s *TraceStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&s.PC)
	}
	type plain TraceStep
	return node.Decode((*plain)(s))
}

// Load reads and validates a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates fixture data.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	sort.Slice(f.Lines, func(i, j int) bool { return f.Lines[i].PC < f.Lines[j].PC })
	return &f, nil
}

func (f *Fixture) validate() error {
	if len(f.Threads) == 0 {
		return errors.New("fixture has no threads")
	}
	seen := map[uint64]bool{}
	for i, t := range f.Threads {
		if t.Tid == 0 {
			return fmt.Errorf("thread #%d: tid must not be 0", i)
		}
		if seen[t.Tid] {
			return fmt.Errorf("thread #%d: duplicate tid %d", i, t.Tid)
		}
		seen[t.Tid] = true
		if len(t.Trace) == 0 {
			return fmt.Errorf("thread %d: empty trace", t.Tid)
		}
	}
	pcs := map[uint64]bool{}
	for _, l := range f.Lines {
		if pcs[l.PC] {
			return fmt.Errorf("line table: duplicate pc %#x", l.PC)
		}
		pcs[l.PC] = true
	}
	return nil
}
