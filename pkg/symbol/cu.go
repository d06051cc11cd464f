package symbol

import (
	"debug/dwarf"
	"io"
)

// CompileUnit compilation unit
//
// see DWARFv4 3.1.1 normal and partial compilation unit entries
type CompileUnit struct {
	functions []*Function
	entry     *dwarf.Entry
	bi        *BinaryInfo
}

// parseLineSection parse .(z)debug_line into the binary's sources and
// address table.
//
// note: one compile unit may contains more than one source files.
func (c *CompileUnit) parseLineSection(lineReader *dwarf.LineReader) error {
	entry := dwarf.LineEntry{}

	for {
		// scan next entry
		err := lineReader.Next(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if entry.File == nil {
			continue
		}

		file := entry.File.Name
		c.bi.rows = append(c.bi.rows, row{
			addr: entry.Address,
			file: file,
			line: entry.Line,
			end:  entry.EndSequence,
		})
		if entry.EndSequence {
			continue
		}

		// append line entries
		entries, ok := c.bi.Sources[file]
		if !ok {
			entries = make(map[int][]*dwarf.LineEntry)
			c.bi.Sources[file] = entries
		}
		dup := entry
		entries[entry.Line] = append(entries[entry.Line], &dup)
	}

	return nil
}

// Functions returns the functions defined in the unit.
func (c *CompileUnit) Functions() []*Function {
	return c.functions
}

func (c *CompileUnit) name() string {
	name, _ := c.entry.Val(dwarf.AttrName).(string)
	return name
}
