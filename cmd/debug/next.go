package debug

import (
	"github.com/spf13/cobra"

	"github.com/hitzhangjie/osdbg/pkg/target"
)

var nextCmd = &cobra.Command{
	Use:     "next",
	Short:   "执行一条语句，不进入函数调用",
	Aliases: []string{"n"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepThread(cmd, target.StepOver)
	},
}

var finishCmd = &cobra.Command{
	Use:     "finish",
	Short:   "执行到当前函数返回",
	Aliases: []string{"fin"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepThread(cmd, target.StepOut)
	},
}

func init() {
	debugRootCmd.AddCommand(nextCmd, finishCmd)

	nextCmd.Flags().StringP("thread", "t", "", "要执行的线程，缺省为当前线程")
	finishCmd.Flags().StringP("thread", "t", "", "要执行的线程，缺省为当前线程")
}
