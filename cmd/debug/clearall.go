package debug

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearallCmd = &cobra.Command{
	Use:   "clearall",
	Short: "清除所有的断点",
	Long:  `清除所有的断点`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := process()
		if err != nil {
			return err
		}
		if err := p.ClearAll(); err != nil {
			return fmt.Errorf("清除断点失败: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "清空断点成功")
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(clearallCmd)
}
