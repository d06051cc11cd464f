package symbol

import (
	"debug/dwarf"
)

// Function function
//
// see DWARFv4 3.3 subroutine and entry point entries
type Function struct {
	name     string
	lowpc    uint64
	highpc   uint64
	declFile int64
	external bool

	entry *dwarf.Entry
	cu    *CompileUnit
}

func (f *Function) Name() string {
	return f.name
}

// Entry returns the lowest address of the function.
func (f *Function) Entry() uint64 {
	return f.lowpc
}

// End returns the first address past the function.
func (f *Function) End() uint64 {
	return f.highpc
}

func (f *Function) parseFrom(curEntry *dwarf.Entry) error {
	var (
		highpc    uint64
		highpcOff bool
	)
	for _, field := range curEntry.Field {
		switch field.Attr {
		case dwarf.AttrName:
			if val, ok := field.Val.(string); ok {
				f.name = val
			}
		case dwarf.AttrLowpc:
			if val, ok := field.Val.(uint64); ok {
				f.lowpc = val
			}
		case dwarf.AttrHighpc:
			// DWARF 4 allows high_pc as an offset from low_pc
			switch val := field.Val.(type) {
			case uint64:
				highpc = val
			case int64:
				highpc, highpcOff = uint64(val), true
			}
		case dwarf.AttrDeclFile:
			if val, ok := field.Val.(int64); ok {
				f.declFile = val
			}
		case dwarf.AttrExternal:
			if val, ok := field.Val.(bool); ok {
				f.external = val
			}
		}
	}
	f.highpc = highpc
	if highpcOff {
		f.highpc = f.lowpc + highpc
	}

	f.entry = curEntry
	return nil
}
