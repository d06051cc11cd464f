package debug

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hitzhangjie/osdbg/pkg/config"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

const (
	cmdGroupAnnotation = "cmd_group_annotation"

	cmdGroupBreakpoints = "1-breaks"
	cmdGroupSource      = "2-source"
	cmdGroupCtrlFlow    = "3-execute"
	cmdGroupInfo        = "4-info"
	cmdGroupOthers      = "5-other"
	cmdGroupCobra       = "other"

	cmdGroupDelimiter = "-"

	prefix    = "godbg> "
	descShort = "godbg interactive debugging commands"
)

var debugRootCmd = &cobra.Command{
	Use:           "help [command]",
	Short:         descShort,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	CurrentSession *DebugSession
)

// DebugSession 调试会话
type DebugSession struct {
	done   chan bool
	prefix string
	root   *cobra.Command
	liner  *liner.State
	last   string

	proc     *target.Process
	settings *config.Settings

	defers []func()
}

// NewDebugSession 创建一个debug专用的交互管理器
func NewDebugSession(p *target.Process, settings *config.Settings) *DebugSession {
	fn := func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		// 描述信息
		fmt.Fprintln(w, cmd.Short)
		fmt.Fprintln(w)

		// 使用信息
		fmt.Fprintln(w, cmd.Use)
		fmt.Fprintln(w, cmd.Flags().FlagUsages())

		// 命令分组
		usage := helpMessageByGroups(cmd)
		fmt.Fprintln(w, usage)
	}
	debugRootCmd.SetHelpFunc(fn)
	debugRootCmd.SetOut(os.Stdout)
	debugRootCmd.SetErr(os.Stderr)

	return &DebugSession{
		done:     make(chan bool),
		prefix:   prefix,
		root:     debugRootCmd,
		last:     "",
		proc:     p,
		settings: settings,
	}
}

// SetOutput redirects command output, stdout by default.
func (s *DebugSession) SetOutput(w io.Writer) *DebugSession {
	s.root.SetOut(w)
	s.root.SetErr(w)
	return s
}

func (s *DebugSession) Start() {
	s.liner = liner.NewLiner()
	s.liner.SetCompleter(completer)
	s.liner.SetTabCompletionStyle(liner.TabPrints)
	s.liner.SetCtrlCAborts(true)

	defer func() {
		s.liner.Close()
		for idx := len(s.defers) - 1; idx >= 0; idx-- {
			s.defers[idx]()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}
		s.drainStops()

		txt, err := s.liner.Prompt(s.prefix)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return
			}
			fmt.Fprintf(os.Stderr, "read command: %v\n", err)
			return
		}

		txt = strings.TrimSpace(txt)
		if len(txt) != 0 {
			s.last = txt
			s.liner.AppendHistory(txt)
		} else {
			txt = s.last
		}

		if err := s.Exec(txt); err != nil {
			fmt.Fprintf(s.root.ErrOrStderr(), "error: %v\n", err)
		}
	}
}

// Exec runs one command line. Arguments are split the way a shell does, so
// a quoted value may hold spaces.
func (s *DebugSession) Exec(line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	s.root.SetArgs(args)
	cmd, err := s.root.ExecuteC()
	if cmd != nil {
		resetFlags(cmd)
	}
	return err
}

// resetFlags restores flag defaults, the commands are reused between lines.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
}

// drainStops reports stops of asynchronous steps and continues.
func (s *DebugSession) drainStops() {
	if s.proc == nil {
		return
	}
	for {
		select {
		case st := <-s.proc.StopEvents():
			if st.Err != nil {
				fmt.Fprintf(s.root.ErrOrStderr(), "error: %v\n", st.Err)
				continue
			}
			printStop(s.root.OutOrStdout(), s.proc, st.Event, st.Thread)
		default:
			return
		}
	}
}

func (s *DebugSession) AtExit(fn func()) *DebugSession {
	s.defers = append(s.defers, fn)
	return s
}

func (s *DebugSession) Stop() {
	close(s.done)
}

// process returns the debugged process of the current session.
func process() (*target.Process, error) {
	if CurrentSession == nil || CurrentSession.proc == nil {
		return nil, errors.New("please attach to a process first")
	}
	return CurrentSession.proc, nil
}

func completer(line string) []string {
	cmds := []string{}
	for _, c := range debugRootCmd.Commands() {
		// complete cmd
		if strings.HasPrefix(c.Use, line) {
			cmds = append(cmds, strings.Split(c.Use, " ")[0])
		}
		// complete cmd's aliases
		for _, alias := range c.Aliases {
			if strings.HasPrefix(alias, line) {
				cmds = append(cmds, alias)
			}
		}
	}
	// complete setting keys
	if CurrentSession != nil && CurrentSession.settings != nil {
		for _, verb := range []string{"settings set ", "settings clear ", "settings show "} {
			if !strings.HasPrefix(line, verb) {
				continue
			}
			for _, key := range CurrentSession.settings.Keys() {
				if strings.HasPrefix(verb+key, line) {
					cmds = append(cmds, verb+key)
				}
			}
		}
	}
	return cmds
}

// helpMessageByGroups 将各个命令按照分组归类，再展示帮助信息
func helpMessageByGroups(cmd *cobra.Command) string {

	// key:group, val:sorted commands in same group
	groups := map[string][]string{}
	for _, c := range cmd.Commands() {
		// 如果没有指定命令分组，放入other组
		var groupName string
		v, ok := c.Annotations[cmdGroupAnnotation]
		if !ok {
			groupName = cmdGroupCobra
		} else {
			groupName = v
		}

		groupCmds := groups[groupName]
		groupCmds = append(groupCmds, fmt.Sprintf("  %-16s:%s", c.Name(), c.Short))
		sort.Strings(groupCmds)

		groups[groupName] = groupCmds
	}

	if len(groups[cmdGroupCobra]) != 0 {
		groups[cmdGroupOthers] = append(groups[cmdGroupOthers], groups[cmdGroupCobra]...)
	}
	delete(groups, cmdGroupCobra)

	// 按照分组名进行排序
	groupNames := []string{}
	for k := range groups {
		groupNames = append(groupNames, k)
	}
	sort.Strings(groupNames)

	// 按照group分组，并对组内命令进行排序
	buf := bytes.Buffer{}
	for _, groupName := range groupNames {
		commands := groups[groupName]

		group := strings.Split(groupName, cmdGroupDelimiter)[1]
		buf.WriteString(fmt.Sprintf("- [%s]\n", group))

		for _, cmd := range commands {
			buf.WriteString(fmt.Sprintf("%s\n", cmd))
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
