package debug

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var setRegCmd = &cobra.Command{
	Use:   "setreg <reg> <value>",
	Short: "设置寄存器值",
	Long: `设置当前线程(或--thread指定线程)的寄存器值。

虚拟线程的寄存器写回OS插件，真实线程的寄存器写回被调试进程。`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 检查参数数量
		if len(args) != 2 {
			return errors.New("usage: setreg <reg> <value>")
		}
		p, err := process()
		if err != nil {
			return err
		}

		// 解析值参数
		value, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid value format: %s", args[1])
		}

		var threadArgs []string
		if s, _ := cmd.Flags().GetString("thread"); s != "" {
			threadArgs = []string{s}
		}
		th, err := threadArg(p, threadArgs)
		if err != nil {
			return err
		}
		regs, err := p.Registers(th)
		if err != nil {
			return err
		}
		if err = regs.WriteName(args[0], value); err != nil {
			return fmt.Errorf("failed to write register %s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(setRegCmd)

	setRegCmd.Flags().StringP("thread", "t", "", "要修改的线程，缺省为当前线程")
}
