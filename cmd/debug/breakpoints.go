package debug

import (
	"fmt"

	"github.com/spf13/cobra"
)

var breaksCmd = &cobra.Command{
	Use:     "breaks",
	Short:   "列出所有断点",
	Long:    "列出所有断点",
	Aliases: []string{"bs", "breakpoints"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := process()
		if err != nil {
			return err
		}
		bs := p.ListBreakpoints()
		if len(bs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no breakpoints")
			return nil
		}
		for _, b := range bs {
			fmt.Fprintln(cmd.OutOrStdout(), b)
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(breaksCmd)
}
