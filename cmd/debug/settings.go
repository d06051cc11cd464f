package debug

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/osdbg/pkg/config"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

var settingsCmd = &cobra.Command{
	Use:   "settings <set|clear|show>",
	Short: "查看或修改调试器配置",
	Long: `查看或修改调试器配置，例如:

  settings set target.process.os-plugin-path ~/os.lua
  settings clear target.process.os-plugin-path
  settings show`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupOthers,
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "修改配置项",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return errors.New("usage: settings set <key> <value>")
		}
		if CurrentSession == nil || CurrentSession.settings == nil {
			return errors.New("no settings")
		}
		return CurrentSession.settings.Set(args[0], strings.Join(args[1:], " "))
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear <key>",
	Short: "恢复配置项的缺省值",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("usage: settings clear <key>")
		}
		if CurrentSession == nil || CurrentSession.settings == nil {
			return errors.New("no settings")
		}
		return CurrentSession.settings.Clear(args[0])
	},
}

var settingsShowCmd = &cobra.Command{
	Use:   "show [key]",
	Short: "查看配置项",
	RunE: func(cmd *cobra.Command, args []string) error {
		if CurrentSession == nil || CurrentSession.settings == nil {
			return errors.New("no settings")
		}
		s := CurrentSession.settings
		w := cmd.OutOrStdout()
		if len(args) == 1 {
			st, err := s.Show(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, st)
			return nil
		}
		for _, st := range s.All() {
			fmt.Fprintln(w, st)
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsSetCmd, settingsClearCmd, settingsShowCmd)
}

// BindSettings makes the process follow the settings: the plugin path
// (re)binds the OS plugin, target.async switches execution control.
func BindSettings(ctx context.Context, p *target.Process, s *config.Settings) {
	s.OnChange(config.PluginPathKey, func(key, value string) error {
		return p.SetPluginPath(ctx, value)
	})
	s.OnChange(config.AsyncKey, func(key, value string) error {
		async, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s wants a bool: %w", key, err)
		}
		p.SetAsync(async)
		return nil
	})
}
