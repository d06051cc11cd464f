package debug

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/osdbg/pkg/regctx"
)

// maxFrames bounds the frame pointer walk over a corrupt stack.
const maxFrames = 256

var backtraceCmd = &cobra.Command{
	Use:     "bt [thread]",
	Short:   "打印调用栈信息",
	Aliases: []string{"backtrace"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := process()
		if err != nil {
			return err
		}
		th, err := threadArg(p, args)
		if err != nil {
			return err
		}

		// 获取当前寄存器状态，虚拟线程使用插件提供的寄存器
		regs, err := p.Registers(th)
		if err != nil {
			return err
		}
		pc, ok := regs.Generic(regctx.GenericPC)
		if !ok {
			return fmt.Errorf("thread %#x has no pc register", th.ID())
		}
		bp, ok := regs.Generic(regctx.GenericFP)
		if !ok {
			return fmt.Errorf("thread %#x has no frame pointer register", th.ID())
		}

		w := cmd.OutOrStdout()
		locate := p.Backend().Locate

		loc, _ := locate(pc)
		fmt.Fprintf(w, "#%d %#x call:%s pos:%s\n", 0, pc, loc.Func, loc)

		buf := make([]byte, 16)
		for idx := 1; bp != 0 && idx < maxFrames; idx++ {
			n, err := p.ReadMemory(bp, buf)
			if err != nil || n != 16 {
				return fmt.Errorf("read mermory err: %v, bytes: %d", err, n)
			}

			// bp of previous caller stackframe, then the return address
			next := binary.LittleEndian.Uint64(buf[:8])
			ret := binary.LittleEndian.Uint64(buf[8:])
			if ret == 0 {
				break
			}

			// ret对应调用方的下一条指令，减1使源码位置落在call指令上
			loc, _ := locate(ret - 1)
			fmt.Fprintf(w, "#%d %#x call:%s pos:%s\n", idx, ret, loc.Func, loc)

			if next <= bp {
				break
			}
			bp = next
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(backtraceCmd)
}
