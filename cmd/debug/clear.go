package debug

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear <breakpoint no.>",
	Short: "清除指定编号的断点",
	Long:  `清除指定编号的断点`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := process()
		if err != nil {
			return err
		}

		id, err := cmd.Flags().GetUint64("n")
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if id, err = strconv.ParseUint(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid breakpoint no.: %s", args[0])
			}
		}

		brk, err := p.ClearBreakpoint(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "移除断点成功: %s\n", brk.Pos)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(clearCmd)

	clearCmd.Flags().Uint64P("n", "n", 1, "断点编号")
}
