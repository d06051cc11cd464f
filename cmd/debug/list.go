package debug

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list [linespec]",
	Short:   "查看源码信息",
	Aliases: []string{"l"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupSource,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			file   string
			lineno int
			err    error
		)

		// parse location
		if len(args) != 0 {
			file, lineno, err = parseFileLineno(args[0])
			if err != nil {
				return err
			}
		} else {
			p, err := process()
			if err != nil {
				return err
			}
			th, err := p.SelectedThread()
			if err != nil {
				return err
			}
			loc := th.Location()
			if !loc.Valid() {
				return fmt.Errorf("thread %#x has no source location", th.ID())
			}
			file, lineno = loc.File, loc.Line
		}

		// print lines
		return listFileLines(cmd.OutOrStdout(), file, lineno, 5)
	},
}

// list file lines, lineno is one-based
func listFileLines(w io.Writer, file string, lineno, rng int) error {
	lines, offset, err := listFile(file, lineno, rng)
	if err != nil {
		return fmt.Errorf("list file err: %v", err)
	}

	// use 1-based counter
	idx := offset + 1
	for _, ln := range lines {
		if idx != lineno {
			fmt.Fprintf(w, "%-4s\t%d\t%s\n", "", idx, ln)
		} else {
			fmt.Fprintf(w, "%-4s\t%d\t%s\n", "=>", idx, ln)
		}
		idx++
	}
	return nil
}

func init() {
	debugRootCmd.AddCommand(listCmd)
}

// must be form file:lineno, like main.go:100
func parseFileLineno(s string) (file string, lineno int, err error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 {
		err = fmt.Errorf("invalid location: %s, must be file:lineno", s)
		return
	}

	file = s[:idx]
	v, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		err = fmt.Errorf("invalid location: %s, must be file:lineno", s)
		return
	}
	lineno = int(v)
	return
}

// return value `offset` is zero-based counter
func listFile(file string, lineno, rng int) (lines []string, offset int, err error) {
	dat, err := os.ReadFile(file)
	if err != nil {
		err = fmt.Errorf("read file err: %v", err)
		return
	}

	raw := strings.Split(strings.TrimSuffix(string(dat), "\n"), "\n")
	count := len(raw)

	begin := lineno - 1 - rng
	if begin < 0 {
		begin = 0
	}
	if begin > count {
		return
	}

	end := lineno + rng
	if end > count {
		end = count
	}

	return raw[begin:end], begin, nil
}
