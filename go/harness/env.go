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

package harness

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/neondb/neontest/go/harness/ident"
	"github.com/neondb/neontest/go/harness/ports"
	"github.com/neondb/neontest/go/harness/remotestorage"
)

// Env is a fully configured test environment: one broker, one pageserver,
// an ordered set of safekeepers, and a factory for compute endpoints. It is
// built by EnvBuilder, never directly.
type Env struct {
	logger *slog.Logger

	RepoDir   string
	PgVersion string

	Broker      *Broker
	Pageserver  *Pageserver
	Safekeepers []*Safekeeper
	Endpoints   *EndpointFactory
	CLI         *CLI

	PortDistributor *ports.Distributor

	// InitialTenant and InitialTimeline are provisioned by InitStart.
	InitialTenant   ident.TenantID
	InitialTimeline ident.TimelineID

	pageserverRemoteStorage remotestorage.Storage
	pageserverOverrides     []string
	authEnabled             bool

	endpointCounter atomic.Int64
}

// Start brings up the broker, then the pageserver, then each safekeeper in
// order.
func (e *Env) Start(ctx context.Context) error {
	if err := e.Broker.TryStart(ctx); err != nil {
		return err
	}
	if err := e.Pageserver.Start(ctx, e.pageserverOverrides); err != nil {
		return err
	}
	for _, sk := range e.Safekeepers {
		if err := sk.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SafekeeperConnstrs returns the WAL service addresses of all safekeepers,
// in id order.
func (e *Env) SafekeeperConnstrs() []string {
	addrs := make([]string, 0, len(e.Safekeepers))
	for _, sk := range e.Safekeepers {
		addrs = append(addrs, sk.ConnStr())
	}
	return addrs
}

// SafekeeperFor returns the safekeeper with the given id.
func (e *Env) SafekeeperFor(id int) (*Safekeeper, error) {
	for _, sk := range e.Safekeepers {
		if sk.ID() == id {
			return sk, nil
		}
	}
	return nil, fmt.Errorf("no safekeeper with id %d", id)
}

// TimelineDir returns the pageserver's on-disk directory for a timeline.
func (e *Env) TimelineDir(tenant ident.TenantID, timeline ident.TimelineID) string {
	return filepath.Join(e.RepoDir, "tenants", tenant.String(), "timelines", timeline.String())
}

// GenerateEndpointID returns a fresh endpoint name, unique within the
// environment.
func (e *Env) GenerateEndpointID() string {
	return fmt.Sprintf("ep-%d", e.endpointCounter.Add(1))
}

// PageserverRemoteStorage returns the remote storage the pageserver was
// configured with, or nil.
func (e *Env) PageserverRemoteStorage() remotestorage.Storage {
	return e.pageserverRemoteStorage
}

// AuthEnabled reports whether the environment was built with token auth.
func (e *Env) AuthEnabled() bool { return e.authEnabled }

// AuthKeys returns the signing key pair the control plane generated at
// init, for minting management API tokens.
func (e *Env) AuthKeys() AuthKeys {
	return AuthKeys{
		PrivateKeyPath: filepath.Join(e.RepoDir, "auth_private_key.pem"),
		PublicKeyPath:  filepath.Join(e.RepoDir, "auth_public_key.pem"),
	}
}

// clusterConfig describes what goes into the generated TOML cluster config.
type clusterConfig struct {
	DefaultTenant    ident.TenantID
	BrokerListenAddr string
	PageserverID     int
	PageserverPgPort int
	PageserverHTTP   int
	AuthEnabled      bool
	Safekeepers      []safekeeperConfig
}

type safekeeperConfig struct {
	ID            int
	PgPort        int
	HTTPPort      int
	Sync          bool
	AuthEnabled   bool
	RemoteStorage remotestorage.Storage // optional
}

// renderConfig produces the TOML cluster config `neon_local init` consumes.
func renderConfig(cfg clusterConfig) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "default_tenant_id = '%s'\n", cfg.DefaultTenant)
	b.WriteString("\n[broker]\n")
	fmt.Fprintf(&b, "listen_addr = '%s'\n", cfg.BrokerListenAddr)

	authType := "Trust"
	if cfg.AuthEnabled {
		authType = "NeonJWT"
	}
	b.WriteString("\n[pageserver]\n")
	fmt.Fprintf(&b, "id = %d\n", cfg.PageserverID)
	fmt.Fprintf(&b, "listen_pg_addr = '127.0.0.1:%d'\n", cfg.PageserverPgPort)
	fmt.Fprintf(&b, "listen_http_addr = '127.0.0.1:%d'\n", cfg.PageserverHTTP)
	fmt.Fprintf(&b, "pg_auth_type = '%s'\n", authType)
	fmt.Fprintf(&b, "http_auth_type = '%s'\n", authType)

	for _, sk := range cfg.Safekeepers {
		b.WriteString("\n[[safekeepers]]\n")
		fmt.Fprintf(&b, "id = %d\n", sk.ID)
		fmt.Fprintf(&b, "pg_port = %d\n", sk.PgPort)
		fmt.Fprintf(&b, "http_port = %d\n", sk.HTTPPort)
		fmt.Fprintf(&b, "sync = %t\n", sk.Sync)
		if sk.AuthEnabled {
			b.WriteString("auth_enabled = true\n")
		}
		if sk.RemoteStorage != nil {
			inline, err := remotestorage.InlineTable(sk.RemoteStorage)
			if err != nil {
				return "", fmt.Errorf("safekeeper %d remote storage: %w", sk.ID, err)
			}
			fmt.Fprintf(&b, "remote_storage = \"%s\"\n", inline)
		}
	}

	return b.String(), nil
}
