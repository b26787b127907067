// Copyright 2025 Neondb, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neondb/neontest/go/harness"
	"github.com/neondb/neontest/go/harness/config"
)

func downCommand(nc *NeontestCommand) *cobra.Command {
	var destroy bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the local cluster",
		Long: `Stop every service of the playground cluster recorded in the state file.
With --destroy the cluster repository is deleted as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := loadState(nc.stateFile)
			if err != nil {
				return err
			}

			settings, err := config.Load()
			if err != nil {
				return err
			}

			fmt.Printf("Stopping cluster in %s...\n", state.RepoDir)
			cli := harness.NewCLI(nc.logger, settings.NeonBin, state.RepoDir,
				settings.PostgresDistribDir, settings.RustLog, settings.LLVMProfileFile)
			if err := cli.StopAll(cmd.Context()); err != nil {
				return fmt.Errorf("stop services: %w", err)
			}

			if destroy {
				fmt.Printf("Removing %s\n", state.RepoDir)
				if err := os.RemoveAll(state.RepoDir); err != nil {
					return fmt.Errorf("remove repo dir: %w", err)
				}
			}

			if err := removeState(nc.stateFile); err != nil {
				return err
			}
			fmt.Println("Cluster stopped.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&destroy, "destroy", false, "also delete the cluster repository")
	return cmd
}
