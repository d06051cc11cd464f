package debug

import (
	"fmt"

	"github.com/spf13/cobra"
)

var regsCmd = &cobra.Command{
	Use:     "regs [thread]",
	Short:   "打印线程的寄存器",
	Aliases: []string{"registers"},
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
		regs, err := p.Registers(th)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		info, _ := p.ThreadInfo(th, false)
		fmt.Fprintln(w, info)
		set := ""
		for _, v := range regs.Values() {
			if v.Info.Set != set {
				set = v.Info.Set
				fmt.Fprintf(w, "%s:\n", set)
			}
			fmt.Fprintf(w, "  %s\n", v)
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(regsCmd)
}
