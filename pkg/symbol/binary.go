package symbol

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNoDebugInfo = errors.New("no debug info")
	ErrNotFound    = errors.New("not found")
)

// row is one address of the line table, sorted by addr.
type row struct {
	addr uint64
	file string
	line int
	end  bool // end of sequence, no code past addr
}

// BinaryInfo binary info
type BinaryInfo struct {
	Path         string
	PIE          bool
	Sources      map[string]map[int][]*dwarf.LineEntry // key=filename, val=map[lineno]lineEntries
	Functions    []*Function
	CompileUnits []*CompileUnit

	rows []row
}

// Analyze Analyze executable `execFile` and return the binary info
func Analyze(execFile string) (*BinaryInfo, error) {
	file, err := elf.Open(execFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if file.Section(".debug_info") == nil && file.Section(".zdebug_info") == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDebugInfo, execFile)
	}

	dwarfData, err := file.DWARF()
	if err != nil {
		return nil, err
	}

	bi := &BinaryInfo{
		Path:    execFile,
		PIE:     file.Type == elf.ET_DYN,
		Sources: make(map[string]map[int][]*dwarf.LineEntry),
	}
	if err = bi.ParseLineAndInfo(dwarfData); err != nil {
		return nil, err
	}
	sort.SliceStable(bi.rows, func(i, j int) bool { return bi.rows[i].addr < bi.rows[j].addr })
	sort.Slice(bi.Functions, func(i, j int) bool { return bi.Functions[i].lowpc < bi.Functions[j].lowpc })
	return bi, nil
}

// ParseLineAndInfo parseFrom .(z)debug_line and .(z)debug_info sections
//
// unit entries: see DWARF v4 chapter 3.3.1 normal and partial compilation unit entries
func (bi *BinaryInfo) ParseLineAndInfo(dwarfData *dwarf.Data) error {
	var cu *CompileUnit

	rd := dwarfData.Reader()
	for {
		entry, err := rd.Next()
		if err != nil {
			return err
		}
		if entry == nil { // reaches the end
			break
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			cu = &CompileUnit{entry: entry, bi: bi}
			bi.CompileUnits = append(bi.CompileUnits, cu)

			lr, err := dwarfData.LineReader(entry)
			if err != nil {
				return err
			}
			if lr == nil {
				continue
			}
			if err = cu.parseLineSection(lr); err != nil {
				return err
			}
		case dwarf.TagSubprogram:
			fn := &Function{cu: cu}
			if err = fn.parseFrom(entry); err != nil {
				return err
			}
			if fn.name == "" || fn.lowpc == 0 {
				continue
			}
			bi.Functions = append(bi.Functions, fn)
			if cu != nil {
				cu.functions = append(cu.functions, fn)
			}
		}
	}
	return nil
}

// parseLoc parse location `loc` to file:lineno
func parseLoc(loc string) (string, int, error) {
	idx := strings.LastIndex(loc, ":")
	if idx <= 0 {
		return "", 0, errors.New("wrong loc should be like filename:lineno")
	}
	lineno, err := strconv.Atoi(loc[idx+1:])
	if err != nil {
		return "", 0, errors.New("wrong loc should be like filename:lineno")
	}
	return loc[:idx], lineno, nil
}

// LocToPC convert location `loc` to PC
func (bi *BinaryInfo) LocToPC(loc string) (uint64, error) {
	filename, lineno, err := parseLoc(loc)
	if err != nil {
		return 0, err
	}
	return bi.FileLineToPC(filename, lineno)
}

// lookupFile finds the source file named filename. A bare or relative name
// matches the one source path ending with it.
func (bi *BinaryInfo) lookupFile(filename string) (map[int][]*dwarf.LineEntry, error) {
	if lines, ok := bi.Sources[filename]; ok {
		return lines, nil
	}
	var (
		found string
		lines map[int][]*dwarf.LineEntry
	)
	suffix := "/" + strings.TrimPrefix(filepath.ToSlash(filename), "./")
	for name, mp := range bi.Sources {
		if !strings.HasSuffix(filepath.ToSlash(name), suffix) {
			continue
		}
		if found != "" {
			return nil, fmt.Errorf("ambiguous file %s: %s, %s", filename, found, name)
		}
		found, lines = name, mp
	}
	if found == "" {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, filename)
	}
	return lines, nil
}

// FileLineToPC convert location `filename:lineno` to PC. The address after
// the function prologue is preferred, so it can be used for breakpoints.
func (bi *BinaryInfo) FileLineToPC(filename string, lineno int) (uint64, error) {
	lines, err := bi.lookupFile(filename)
	if err != nil {
		return 0, err
	}
	entries := lines[lineno]
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: %s:%d", ErrNotFound, filename, lineno)
	}

	// skip prologue
	for _, v := range entries {
		if v.PrologueEnd {
			return v.Address, nil
		}
	}
	addr := uint64(0)
	for _, v := range entries {
		if !v.IsStmt {
			continue
		}
		if addr == 0 || v.Address < addr {
			addr = v.Address
		}
	}
	if addr == 0 {
		addr = entries[0].Address
	}
	return addr, nil
}

// PCToFileLine returns the source line whose code covers pc.
func (bi *BinaryInfo) PCToFileLine(pc uint64) (string, int, error) {
	i := sort.Search(len(bi.rows), func(i int) bool { return bi.rows[i].addr > pc })
	if i == 0 {
		return "", 0, fmt.Errorf("%w: pc %#x", ErrNotFound, pc)
	}
	r := bi.rows[i-1]
	if r.end {
		return "", 0, fmt.Errorf("%w: pc %#x", ErrNotFound, pc)
	}
	return r.file, r.line, nil
}

// PCToFunction returns the function whose range covers PC
//
// note: not considered inline function
func (bi *BinaryInfo) PCToFunction(pc uint64) (*Function, error) {
	i := sort.Search(len(bi.Functions), func(i int) bool { return bi.Functions[i].lowpc > pc })
	for j := i - 1; j >= 0; j-- {
		f := bi.Functions[j]
		if f.lowpc <= pc && pc < f.highpc {
			return f, nil
		}
		if pc-f.lowpc > 1<<24 {
			break
		}
	}
	return nil, fmt.Errorf("%w: function at %#x", ErrNotFound, pc)
}

// Dump writes the line table, compile units and functions to w.
func (bi *BinaryInfo) Dump(w io.Writer) {
	for _, cu := range bi.CompileUnits {
		fmt.Fprintf(w, "compile unit: %s, functions: %d\n", cu.name(), len(cu.functions))
	}
	for _, fn := range bi.Functions {
		fmt.Fprintf(w, "function: %s [%#x, %#x)\n", fn.name, fn.lowpc, fn.highpc)
	}
	for _, r := range bi.rows {
		if r.end {
			continue
		}
		fmt.Fprintf(w, "%#x %s:%d\n", r.addr, r.file, r.line)
	}
}
