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
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// repoConfig mirrors the cluster config the control plane keeps in the repo
// directory.
type repoConfig struct {
	DefaultTenantID string `toml:"default_tenant_id"`

	Broker struct {
		ListenAddr string `toml:"listen_addr"`
	} `toml:"broker"`

	Pageserver struct {
		ID             int    `toml:"id"`
		ListenPgAddr   string `toml:"listen_pg_addr"`
		ListenHTTPAddr string `toml:"listen_http_addr"`
		PgAuthType     string `toml:"pg_auth_type"`
		HTTPAuthType   string `toml:"http_auth_type"`
	} `toml:"pageserver"`

	Safekeepers []struct {
		ID       int  `toml:"id"`
		PgPort   int  `toml:"pg_port"`
		HTTPPort int  `toml:"http_port"`
		Sync     bool `toml:"sync"`
	} `toml:"safekeepers"`
}

func loadRepoConfig(repoDir string) (*repoConfig, error) {
	path := filepath.Join(repoDir, "config")
	var cfg repoConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse cluster config %s: %w", path, err)
	}
	return &cfg, nil
}

func portState(port int) string {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return "down"
	}
	conn.Close()
	return "up"
}

func addrState(addr string) string {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return "down"
	}
	conn.Close()
	return "up"
}

func statusCommand(nc *NeontestCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the local cluster is doing",
		Long: `Read the playground state file and the cluster configuration in the repo
directory and report, per service, whether its port answers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := loadState(nc.stateFile)
			if err != nil {
				return err
			}

			fmt.Printf("Cluster repo:   %s\n", state.RepoDir)
			fmt.Printf("Default tenant: %s\n", state.DefaultTenant)
			fmt.Printf("Started:        %s\n", state.StartedAt.Format(time.RFC3339))
			fmt.Println()

			fmt.Printf("broker       %s  %s\n", state.BrokerAddr, addrState(state.BrokerAddr))
			fmt.Printf("pageserver   pg=%d (%s)  http=%d (%s)\n",
				state.PageserverPgPort, portState(state.PageserverPgPort),
				state.PageserverHTTPPort, portState(state.PageserverHTTPPort))
			for _, sk := range state.Safekeepers {
				fmt.Printf("safekeeper %d pg=%d (%s)  http=%d (%s)\n",
					sk.ID, sk.PgPort, portState(sk.PgPort), sk.HTTPPort, portState(sk.HTTPPort))
			}

			cfg, err := loadRepoConfig(state.RepoDir)
			if err != nil {
				// The repo may be gone while the state file lingers; still
				// useful to show what the state file knows.
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				return nil
			}
			fmt.Println()
			fmt.Printf("pageserver auth: pg=%s http=%s\n",
				cfg.Pageserver.PgAuthType, cfg.Pageserver.HTTPAuthType)
			if cfg.DefaultTenantID != state.DefaultTenant {
				fmt.Fprintf(os.Stderr,
					"warning: repo default tenant %s disagrees with state file %s\n",
					cfg.DefaultTenantID, state.DefaultTenant)
			}
			return nil
		},
	}
}
