package debug

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var breakCmd = &cobra.Command{
	Use:   "break <locspec>",
	Short: "在源码中添加断点",
	Long: `在源码中添加断点，源码位置可以通过locspec格式指定。

当前支持的locspec格式，包括:
- 指令地址，如0x401000
- [文件名:]行号，省略文件名时使用当前停止位置所在文件

--thread 限定断点只对某个线程生效，可以是虚拟线程，也可以是真实线程，
其他线程命中该断点时自动继续执行。`,
	Aliases: []string{"b", "breakpoint"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("usage: break <locspec> [--thread <thread>]")
		}
		p, err := process()
		if err != nil {
			return err
		}
		tid, err := threadFlag(cmd, p)
		if err != nil {
			return err
		}

		bp, err := p.AddBreakpoint(args[0], tid)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "add %s\n", bp)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(breakCmd)

	breakCmd.Flags().StringP("thread", "t", "", "只对该线程生效(索引号或tid)")
}
