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
	"time"

	"github.com/spf13/cobra"

	"github.com/neondb/neontest/go/harness"
	"github.com/neondb/neontest/go/harness/config"
	"github.com/neondb/neontest/go/harness/ports"
	"github.com/neondb/neontest/go/harness/remotestorage"
)

func upCommand(nc *NeontestCommand) *cobra.Command {
	var (
		numSafekeepers int
		fsync          bool
		authEnabled    bool
		localFsStorage bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Initialize and start a local cluster",
		Long: `Initialize a cluster repository under --repo-dir, start the broker, the
pageserver, and the safekeepers, and provision an initial tenant. The
cluster's coordinates go into the state file for 'status' and 'down'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if _, err := os.Stat(nc.stateFile); err == nil {
				return fmt.Errorf("state file %s already exists, is a playground already up?", nc.stateFile)
			}

			settings, err := config.Load()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(nc.repoDir, 0o755); err != nil {
				return fmt.Errorf("create repo dir: %w", err)
			}

			runID := fmt.Sprintf("playground-%d", time.Now().Unix())
			builder := harness.NewEnvBuilder(nc.logger, settings,
				ports.NewDistributor(ports.WorkerBasePort(0), ports.WorkerPortNum),
				nil, nc.repoDir, runID, "playground")
			builder.NumSafekeepers = numSafekeepers
			builder.SafekeeperFsync = fsync
			builder.AuthEnabled = authEnabled
			// The playground outlives the process, so its data always stays.
			builder.PreserveDatabaseFiles = true

			if localFsStorage {
				if err := builder.EnableRemoteStorage(remotestorage.KindLocalFs, false); err != nil {
					return err
				}
			}

			fmt.Println("Starting local cluster...")
			env, err := builder.InitStart(ctx)
			if err != nil {
				return err
			}

			state := &State{
				RepoDir:            env.RepoDir,
				PgVersion:          env.PgVersion,
				DefaultTenant:      env.InitialTenant.String(),
				InitialTimeline:    env.InitialTimeline.String(),
				BrokerAddr:         env.Broker.ListenAddr(),
				PageserverPgPort:   env.Pageserver.PgPort(),
				PageserverHTTPPort: env.Pageserver.HTTPPort(),
				StartedAt:          time.Now().UTC(),
			}
			for _, sk := range env.Safekeepers {
				state.Safekeepers = append(state.Safekeepers, SafekeeperState{
					ID:       sk.ID(),
					PgPort:   sk.PgPort(),
					HTTPPort: sk.HTTPPort(),
				})
			}
			if err := saveState(nc.stateFile, state); err != nil {
				return err
			}

			fmt.Printf("Cluster is up. Tenant %s, timeline %s.\n",
				state.DefaultTenant, state.InitialTimeline)
			fmt.Printf("Pageserver: libpq port %d, http port %d\n",
				state.PageserverPgPort, state.PageserverHTTPPort)
			fmt.Printf("State written to %s\n", nc.stateFile)
			return nil
		},
	}

	cmd.Flags().IntVar(&numSafekeepers, "safekeepers", 1, "number of safekeepers to run")
	cmd.Flags().BoolVar(&fsync, "fsync", false, "run safekeepers with fsync enabled")
	cmd.Flags().BoolVar(&authEnabled, "auth", false, "enable token auth on the pageserver and safekeepers")
	cmd.Flags().BoolVar(&localFsStorage, "local-fs-storage", false,
		"give the pageserver local-filesystem remote storage")

	return cmd
}
