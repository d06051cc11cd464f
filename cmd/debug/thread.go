package debug

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/osdbg/pkg/target"
)

var threadCmd = &cobra.Command{
	Use:   "thread <list|info|select>",
	Short: "查看或切换线程",
	Long: `查看或切换线程，OS插件生效时包括插件报告的虚拟线程。

线程可以通过索引号(thread #N)或者0x开头的tid指定。`,
	Aliases: []string{"t"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
}

var threadListCmd = &cobra.Command{
	Use:     "list",
	Short:   "列出所有线程",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := process()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()

		overlay := p.OverlayState().String()
		if path := p.PluginPath(); path != "" {
			overlay += " (" + path + ")"
		}
		fmt.Fprintf(w, "process %d %s, os plugin: %s\n", p.Pid(), p.State(), overlay)

		selected, _ := p.SelectedThread()
		for _, th := range p.Threads().All() {
			info, err := p.ThreadInfo(th, false)
			if err != nil {
				return err
			}
			mark := " "
			if selected != nil && selected.ID() == th.ID() {
				mark = "*"
			}
			fmt.Fprintf(w, "%s %s\n", mark, info)
		}
		return nil
	},
}

var threadInfoCmd = &cobra.Command{
	Use:   "info [thread]",
	Short: "查看线程信息",
	Long: `查看线程信息，缺省为当前线程。

--backing-thread 显示承载该虚拟线程的真实线程。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := process()
		if err != nil {
			return err
		}
		th, err := threadArg(p, args)
		if err != nil {
			return err
		}
		backing, _ := cmd.Flags().GetBool("backing-thread")
		info, err := p.ThreadInfo(th, backing)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info)
		return nil
	},
}

var threadSelectCmd = &cobra.Command{
	Use:   "select <thread>",
	Short: "切换当前线程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("usage: thread select <thread>")
		}
		p, err := process()
		if err != nil {
			return err
		}
		th, err := threadArg(p, args)
		if err != nil {
			return err
		}
		if _, err = p.SelectThread(th.ID()); err != nil {
			return err
		}
		info, _ := p.ThreadInfo(th, false)
		fmt.Fprintf(cmd.OutOrStdout(), "* %s\n", info)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadListCmd, threadInfoCmd, threadSelectCmd)

	threadInfoCmd.Flags().BoolP("backing-thread", "b", false, "显示承载虚拟线程的真实线程")
}

// threadArg resolves args[0] as an index id or a 0x tid, the selected thread
// when args is empty.
func threadArg(p *target.Process, args []string) (target.Thread, error) {
	if len(args) == 0 {
		return p.SelectedThread()
	}
	return parseThread(p, args[0])
}

func parseThread(p *target.Process, s string) (target.Thread, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		tid, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tid: %s", s)
		}
		return p.ThreadByID(tid)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil {
		return nil, fmt.Errorf("invalid thread: %s, want index or 0x tid", s)
	}
	return p.ThreadByIndexID(n)
}

// threadFlag resolves the --thread flag of cmd, 0 when not given.
func threadFlag(cmd *cobra.Command, p *target.Process) (uint64, error) {
	s, _ := cmd.Flags().GetString("thread")
	if s == "" {
		return 0, nil
	}
	th, err := parseThread(p, s)
	if err == nil {
		return th.ID(), nil
	}
	// a filter may name a thread that does not exist yet
	tid, perr := strconv.ParseUint(s, 0, 64)
	if perr != nil {
		return 0, err
	}
	return tid, nil
}
