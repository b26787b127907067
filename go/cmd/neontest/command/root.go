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

// Package command implements the neontest CLI: a small lifecycle tool that
// provisions a local playground cluster with the harness and keeps its
// coordinates in a state file between invocations.
package command

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NeontestCommand carries the settings shared by all subcommands.
type NeontestCommand struct {
	logger *slog.Logger

	repoDir   string
	stateFile string
	logLevel  string
}

// GetRootCommand creates the root command for neontest with all
// subcommands attached.
func GetRootCommand() *cobra.Command {
	nc := &NeontestCommand{}

	root := &cobra.Command{
		Use:   "neontest",
		Short: "Run a local storage cluster playground",
		Long: `neontest manages a disposable local cluster: a storage broker, a
pageserver, and a set of safekeepers, started through the neon_local
control plane.

Get started with:
  neontest up       # initialize and start a cluster
  neontest status   # see what is running
  neontest down     # stop it again

The binaries are located through the same environment variables the test
suites use: NEON_BIN (or BUILD_TYPE against ./target) and
POSTGRES_DISTRIB_DIR.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			var level slog.Level
			if err := level.UnmarshalText([]byte(nc.logLevel)); err != nil {
				return fmt.Errorf("bad log level %q: %w", nc.logLevel, err)
			}
			nc.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&nc.repoDir, "repo-dir", ".neon",
		"directory holding the cluster's data and configuration")
	root.PersistentFlags().StringVar(&nc.stateFile, "state-file", "neontest.yaml",
		"file the playground's coordinates are kept in")
	root.PersistentFlags().StringVar(&nc.logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")

	root.AddCommand(upCommand(nc))
	root.AddCommand(downCommand(nc))
	root.AddCommand(statusCommand(nc))

	return root
}
