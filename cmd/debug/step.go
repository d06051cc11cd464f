package debug

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/osdbg/pkg/target"
)

var stepCmd = &cobra.Command{
	Use:     "step",
	Short:   "执行一条语句，遇到函数调用时进入",
	Aliases: []string{"s"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepThread(cmd, target.StepInto)
	},
}

var stepiCmd = &cobra.Command{
	Use:     "stepi",
	Short:   "执行一条指令",
	Aliases: []string{"si"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepThread(cmd, target.StepInstruction)
	},
}

func init() {
	debugRootCmd.AddCommand(stepCmd, stepiCmd)

	for _, c := range []*cobra.Command{stepCmd, stepiCmd} {
		c.Flags().StringP("thread", "t", "", "要执行的线程，缺省为当前线程")
	}
}

// stepThread steps the --thread thread, or the selected one. The post-step
// thread becomes the selected thread.
func stepThread(cmd *cobra.Command, kind target.StepKind) error {
	p, err := process()
	if err != nil {
		return err
	}

	var th target.Thread
	if s, _ := cmd.Flags().GetString("thread"); s != "" {
		th, err = parseThread(p, s)
	} else {
		th, err = p.SelectedThread()
	}
	if err != nil {
		return err
	}

	next, err := p.Step(cmd.Context(), th.ID(), kind)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	if p.Async() {
		fmt.Fprintf(cmd.OutOrStdout(), "thread %#x resumed (%s)\n", th.ID(), kind)
		return nil
	}

	if next != nil {
		_, _ = p.SelectThread(next.ID())
	}
	printStop(cmd.OutOrStdout(), p, p.LastStop(), next)
	return nil
}
