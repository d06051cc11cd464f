/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

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

	"github.com/hitzhangjie/osdbg/pkg/target/ptrace"
)

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec <prog> [args...]",
	Short: "调试可执行程序",
	Long:  `调试可执行程序，进程启动后停在第一条指令处，调试会话结束时kill掉该进程`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return errors.New("参数错误")
		}

		// start tracee and wait tracee stopped
		backend, err := ptrace.Launch(args[0], args[1:])
		if err != nil {
			return err
		}
		return startSession(cmd, backend)
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}
