package debug

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exitCmd = &cobra.Command{
	Use:     "exit",
	Short:   "结束调试会话",
	Aliases: []string{"quit", "q"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupOthers,
	},
	Run: func(cmd *cobra.Command, args []string) {
		CurrentSession.Stop()
	},
}

func init() {
	debugRootCmd.AddCommand(exitCmd)
}

// Cleanup 清理调试会话
//
// 根据被调试进程创建的方式来决定如何做善后处理，由backend完成:
// - exec: kill traced process
// - attach: detach traced process, leave it running
// - replay: nothing
func Cleanup() {
	p, err := process()
	if err != nil {
		return
	}
	if err = p.Detach(); err != nil {
		fmt.Fprintf(os.Stderr, "detach tracee: %d, err: %v\n", p.Pid(), err)
	}
}
