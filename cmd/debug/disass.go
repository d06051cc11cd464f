package debug

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/hitzhangjie/osdbg/pkg/config"
	"github.com/hitzhangjie/osdbg/pkg/regctx"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

var disassCmd = &cobra.Command{
	Use:   "disass [address]",
	Short: "反汇编机器指令",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupSource,
	},
	Aliases: []string{"dis", "disassemble"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			max, _    = cmd.Flags().GetUint64("max")
			syntax, _ = cmd.Flags().GetString("syntax")
		)
		p, err := process()
		if err != nil {
			return err
		}
		if syntax == "" && CurrentSession.settings != nil {
			syntax = CurrentSession.settings.Get(config.AsmSyntaxKey)
		}

		var addr uint64
		if len(args) == 1 {
			if addr, err = strconv.ParseUint(args[0], 0, 64); err != nil {
				return fmt.Errorf("invalid address: %s", args[0])
			}
		} else {
			// 当前线程的PC值，虚拟线程使用插件提供的寄存器
			if addr, err = threadPC(p); err != nil {
				return err
			}
		}
		return disassemble(cmd.OutOrStdout(), p, addr, max, syntax)
	},
}

func init() {
	debugRootCmd.AddCommand(disassCmd)

	disassCmd.Flags().Uint64P("max", "n", 10, "反汇编指令数量")
	disassCmd.Flags().StringP("syntax", "s", "", "反汇编指令语法，支持：go, gnu, intel")
}

func threadPC(p *target.Process) (uint64, error) {
	th, err := p.SelectedThread()
	if err != nil {
		return 0, err
	}
	regs, err := p.Registers(th)
	if err != nil {
		return 0, err
	}
	pc, ok := regs.Generic(regctx.GenericPC)
	if !ok {
		return 0, fmt.Errorf("thread %#x has no pc register", th.ID())
	}
	return pc, nil
}

// disassemble 反汇编地址addr处的指令
func disassemble(w io.Writer, p *target.Process, addr, max uint64, syntax string) error {
	// 指令数据
	dat := make([]byte, 1024)
	n, err := p.ReadMemory(addr, dat)
	if err != nil || n == 0 {
		return fmt.Errorf("peek text error: %v, bytes: %d", err, n)
	}
	dat = dat[:n]

	tw := tabwriter.NewWriter(w, 0, 4, 8, ' ', 0)

	offset := uint64(0)
	count := uint64(0)
	for count < max && offset < uint64(len(dat)) {
		inst, err := x86asm.Decode(dat[offset:], 64)
		if err != nil {
			return fmt.Errorf("x86asm decode error: %v", err)
		}

		asm, err := instSyntax(inst, addr+offset, syntax)
		if err != nil {
			return fmt.Errorf("x86asm syntax error: %v", err)
		}

		end := offset + uint64(inst.Len)
		fmt.Fprintf(tw, "%#x:\t% x\t%s\n", addr+offset, dat[offset:end], asm)
		offset = end
		count++
	}
	return tw.Flush()
}

func instSyntax(inst x86asm.Inst, pc uint64, syntax string) (string, error) {
	asm := ""
	switch syntax {
	case "go":
		asm = x86asm.GoSyntax(inst, pc, nil)
	case "gnu", "":
		asm = x86asm.GNUSyntax(inst, pc, nil)
	case "intel":
		asm = x86asm.IntelSyntax(inst, pc, nil)
	default:
		return "", fmt.Errorf("invalid asm syntax %q", syntax)
	}
	return asm, nil
}
