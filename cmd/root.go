/*
Copyright © 2020 hit.zhangjie@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/osdbg/cmd/debug"
	"github.com/hitzhangjie/osdbg/pkg/config"
	"github.com/hitzhangjie/osdbg/pkg/logger"
	"github.com/hitzhangjie/osdbg/pkg/target"
)

var (
	cfgFile string

	// GODBG_TARGET_PROCESS_OS_PLUGIN_PATH sets target.process.os-plugin-path
	envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "godbg",
	Short: "godbg是一个面向go语言的符号级调试器",
	Long: `godbg是一个面向go语言的符号级调试器，支持通过OS插件(lua)
将线程视图扩展为插件报告的虚拟线程(如协程、内核任务)。

配置文件缺省为 $HOME/.godbg.yaml，环境变量前缀为 GODBG_，例如:

  target.process.os-plugin-path: ~/os.lua
  log.level: info`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.godbg.yaml)")
	rootCmd.PersistentFlags().String("os-plugin", "", "OS plugin module, same as target.process.os-plugin-path")
	rootCmd.PersistentFlags().Bool("async", false, "return from step/continue before the process stops")
	rootCmd.PersistentFlags().String("log-level", "warn", "diagnostic log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "console", "diagnostic log format: console, json")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")

	_ = viper.BindPFlag(config.PluginPathKey, rootCmd.PersistentFlags().Lookup("os-plugin"))
	_ = viper.BindPFlag(config.AsyncKey, rootCmd.PersistentFlags().Lookup("async"))
	_ = viper.BindPFlag(config.LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag(config.LogFormatKey, rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search config in home directory with name ".godbg" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".godbg")
	}

	viper.SetEnvPrefix("GODBG")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	logger.Configure(logger.Config{
		Level:  viper.GetString(config.LogLevelKey),
		Format: viper.GetString(config.LogFormatKey),
		Color:  true,
	})
}

// startSession wraps backend into a process, binds the settings to it and
// runs the interactive shell until the user quits.
func startSession(cmd *cobra.Command, backend target.Backend) error {
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go serveMetrics(addr, prometheus.DefaultGatherer)
	}

	settings := config.New(viper.GetViper())
	p, err := openProcess(context.Background(), backend, settings, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	debug.CurrentSession = debug.NewDebugSession(p, settings).AtExit(debug.Cleanup)
	debug.CurrentSession.Start()
	return nil
}

// openProcess creates the process with its metrics registered in reg, then
// makes the plugin, async mode and logging follow settings.
func openProcess(ctx context.Context, backend target.Backend, settings *config.Settings, reg prometheus.Registerer) (*target.Process, error) {
	p, err := target.NewProcess(ctx, backend,
		target.WithAsync(settings.Bool(config.AsyncKey)),
		target.WithRegisterer(reg))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	debug.BindSettings(ctx, p, settings)
	configureLog := func(key, value string) error {
		logger.Configure(logger.Config{
			Level:  settings.Get(config.LogLevelKey),
			Format: settings.Get(config.LogFormatKey),
			Color:  true,
		})
		return nil
	}
	settings.OnChange(config.LogLevelKey, configureLog)
	settings.OnChange(config.LogFormatKey, configureLog)

	// the plugin path may come from the config file or environment
	if err := settings.Apply(); err != nil {
		fmt.Fprintf(os.Stderr, "apply settings: %v\n", err)
	}
	return p, nil
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func serveMetrics(addr string, g prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(g))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Str("addr", addr).Err(err).Msg("serve metrics")
	}
}
