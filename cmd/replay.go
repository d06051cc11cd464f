/*
Copyright © 2021 NAME HERE <EMAIL ADDRESS>

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
	"errors"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/osdbg/pkg/target/replay"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay <fixture.yaml>",
	Short: "调试录制的执行轨迹",
	Long: `调试录制的执行轨迹(yaml)，不需要ptrace权限，
常用于验证OS插件:

  godbg replay trace.yaml --os-plugin ~/os.lua`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("参数错误")
		}
		backend, err := replay.Open(args[0])
		if err != nil {
			return err
		}
		return startSession(cmd, backend)
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
