package debug

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/osdbg/pkg/target"
)

var continueCmd = &cobra.Command{
	Use:   "continue",
	Short: "运行到下个断点",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	Aliases: []string{"c"},
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := process()
		if err != nil {
			return err
		}

		res, err := p.Continue(cmd.Context())
		if err != nil {
			return fmt.Errorf("continue error: %w", err)
		}
		if res == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "process resumed")
			return nil
		}

		w := cmd.OutOrStdout()
		if res.Skipped > 0 {
			fmt.Fprintf(w, "%d breakpoint stop(s) on other threads skipped\n", res.Skipped)
		}
		if res.Breakpoint != nil {
			fmt.Fprintf(w, "hit %s\n", res.Breakpoint)
		}
		if res.Thread != nil {
			_, _ = p.SelectThread(res.Thread.ID())
		}
		printStop(w, p, res.Event, res.Thread)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(continueCmd)
}

// printStop reports where the process stopped.
func printStop(w io.Writer, p *target.Process, ev target.StopEvent, th target.Thread) {
	if ev.Reason == target.StopExited {
		fmt.Fprintf(w, "process %d exited with status %d\n", p.Pid(), ev.ExitCode)
		return
	}
	if th == nil {
		fmt.Fprintln(w, ev)
		return
	}
	info, err := p.ThreadInfo(th, false)
	if err != nil {
		fmt.Fprintln(w, ev)
		return
	}
	reason := ev.Reason.String()
	if ev.Reason == target.StopSignal {
		reason += " " + ev.Signal
	}
	fmt.Fprintf(w, "* %s, stop reason = %s\n", info, reason)
}
