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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/neondb/neontest/go/harness/ident"
)

// writeLagLimit caps how far a replica may fall behind before backpressure
// kicks in. Prepending it keeps tests from wedging on runaway write
// workloads; a test's own config lines can still override it.
const writeLagLimit = "max_replication_write_lag=15MB"

// Endpoint is a compute node serving one branch of one tenant.
type Endpoint struct {
	logger     *slog.Logger
	cli        *CLI
	repoDir    string
	name       string
	tenant     ident.TenantID
	branchName string
	pgPort     int
	httpPort   int
	pgVersion  string

	created bool
	running bool
}

// Name returns the endpoint's name.
func (ep *Endpoint) Name() string { return ep.name }

// PgPort returns the endpoint's Postgres port.
func (ep *Endpoint) PgPort() int { return ep.pgPort }

// HTTPPort returns the compute control API port.
func (ep *Endpoint) HTTPPort() int { return ep.httpPort }

// BranchName returns the branch this endpoint serves.
func (ep *Endpoint) BranchName() string { return ep.branchName }

// TenantID returns the endpoint's tenant.
func (ep *Endpoint) TenantID() ident.TenantID { return ep.tenant }

// Dir returns the endpoint's on-disk directory.
func (ep *Endpoint) Dir() string {
	return filepath.Join(ep.repoDir, "endpoints", ep.name)
}

// Create registers the endpoint with the control plane and applies the
// given Postgres config lines. A zero lsn means "at the branch head";
// hotStandby makes the endpoint a read replica.
func (ep *Endpoint) Create(ctx context.Context, lsn ident.Lsn, hotStandby bool, configLines []string) error {
	if ep.created {
		return fmt.Errorf("endpoint %s is already created", ep.name)
	}
	err := ep.cli.EndpointCreate(ctx, ep.name, ep.tenant, ep.branchName, ep.pgPort, ep.httpPort, lsn, ep.pgVersion, hotStandby)
	if err != nil {
		return err
	}
	ep.created = true
	return ep.Config(append([]string{writeLagLimit}, configLines...))
}

// Config appends lines to the endpoint's postgresql.conf.
func (ep *Endpoint) Config(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	path := filepath.Join(ep.Dir(), "postgresql.conf")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open endpoint config: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		return fmt.Errorf("append endpoint config: %w", err)
	}
	return nil
}

// Start boots the endpoint. Create must have succeeded first.
func (ep *Endpoint) Start(ctx context.Context, safekeepers []int) error {
	if !ep.created {
		return fmt.Errorf("endpoint %s must be created before start", ep.name)
	}
	if ep.running {
		return fmt.Errorf("endpoint %s is already running", ep.name)
	}
	ep.logger.Info("starting endpoint", "name", ep.name, "branch", ep.branchName, "pg_port", ep.pgPort)
	if err := ep.cli.EndpointStart(ctx, ep.name, safekeepers); err != nil {
		return err
	}
	ep.running = true
	return nil
}

// Stop shuts the endpoint down. Stopping a stopped endpoint is a no-op.
func (ep *Endpoint) Stop(ctx context.Context) error {
	if !ep.running {
		return nil
	}
	ep.logger.Info("stopping endpoint", "name", ep.name)
	if err := ep.cli.EndpointStop(ctx, ep.name, false); err != nil {
		return err
	}
	ep.running = false
	return nil
}

// StopAndDestroy stops the endpoint and removes its data directory.
func (ep *Endpoint) StopAndDestroy(ctx context.Context) error {
	if !ep.created {
		return nil
	}
	ep.logger.Info("destroying endpoint", "name", ep.name)
	if err := ep.cli.EndpointStop(ctx, ep.name, true); err != nil {
		return err
	}
	ep.running = false
	ep.created = false
	return nil
}

// IsRunning reports whether the endpoint is started.
func (ep *Endpoint) IsRunning() bool { return ep.running }

// endpointSpec is the subset of endpoint.json the harness understands.
// Unknown fields are preserved through Respec untouched.
type endpointSpec struct {
	FormatVersion  float64 `mapstructure:"format_version"`
	Timestamp      string  `mapstructure:"timestamp"`
	ClusterID      string  `mapstructure:"cluster_id,omitempty"`
	OperationUUID  string  `mapstructure:"operation_uuid,omitempty"`
	SkipPgCatalog  bool    `mapstructure:"skip_pg_catalog_updates,omitempty"`
	DeltaOperation []any   `mapstructure:"delta_operations,omitempty"`
}

// Respec merges changes into the endpoint's endpoint.json. The file is
// decoded, validated against the known shape, merged, and rewritten.
func (ep *Endpoint) Respec(changes map[string]any) error {
	path := filepath.Join(ep.Dir(), "endpoint.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read endpoint spec: %w", err)
	}

	var spec map[string]any
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parse endpoint spec: %w", err)
	}

	// Shape check: the known fields must decode cleanly.
	var typed endpointSpec
	if err := mapstructure.Decode(spec, &typed); err != nil {
		return fmt.Errorf("endpoint spec has unexpected shape: %w", err)
	}

	for k, v := range changes {
		spec[k] = v
	}

	merged, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	ep.logger.Debug("rewriting endpoint spec", "name", ep.name, "changes", len(changes))
	if err := os.WriteFile(path, merged, 0o644); err != nil {
		return fmt.Errorf("write endpoint spec: %w", err)
	}
	return nil
}

// EndpointFactory creates and tracks an environment's compute endpoints.
type EndpointFactory struct {
	logger    *slog.Logger
	env       *Env
	endpoints []*Endpoint
}

// NewEndpointFactory builds the factory for an environment.
func NewEndpointFactory(logger *slog.Logger, env *Env) *EndpointFactory {
	return &EndpointFactory{logger: logger, env: env}
}

// List returns the endpoints created so far.
func (f *EndpointFactory) List() []*Endpoint {
	return append([]*Endpoint(nil), f.endpoints...)
}

// Create allocates ports for a new endpoint on the given branch and
// registers it. Empty name draws a generated one; zero tenant uses the
// environment's initial tenant.
func (f *EndpointFactory) Create(ctx context.Context, name string, tenant ident.TenantID, branchName string, lsn ident.Lsn, hotStandby bool, configLines []string) (*Endpoint, error) {
	ep, err := f.newEndpoint(name, tenant, branchName)
	if err != nil {
		return nil, err
	}
	if err := ep.Create(ctx, lsn, hotStandby, configLines); err != nil {
		return nil, err
	}
	return ep, nil
}

// CreateStart creates and immediately starts an endpoint.
func (f *EndpointFactory) CreateStart(ctx context.Context, name string, tenant ident.TenantID, branchName string, lsn ident.Lsn, hotStandby bool, configLines []string) (*Endpoint, error) {
	ep, err := f.Create(ctx, name, tenant, branchName, lsn, hotStandby, configLines)
	if err != nil {
		return nil, err
	}
	if err := ep.Start(ctx, nil); err != nil {
		return nil, err
	}
	return ep, nil
}

// NewReplica creates a hot-standby endpoint on the origin's branch and
// tenant. The origin must be one of this factory's endpoints, and replicas
// cannot pin an LSN.
func (f *EndpointFactory) NewReplica(ctx context.Context, origin *Endpoint, name string, configLines []string) (*Endpoint, error) {
	if !f.tracks(origin) {
		return nil, fmt.Errorf("origin endpoint %s does not belong to this environment", origin.Name())
	}
	return f.Create(ctx, name, origin.TenantID(), origin.BranchName(), 0, true, configLines)
}

// NewReplicaStart creates and starts a replica of origin.
func (f *EndpointFactory) NewReplicaStart(ctx context.Context, origin *Endpoint, name string, configLines []string) (*Endpoint, error) {
	ep, err := f.NewReplica(ctx, origin, name, configLines)
	if err != nil {
		return nil, err
	}
	if err := ep.Start(ctx, nil); err != nil {
		return nil, err
	}
	return ep, nil
}

// StopAll stops every tracked endpoint, carrying on past failures and
// returning the first error.
func (f *EndpointFactory) StopAll(ctx context.Context) error {
	var firstErr error
	for _, ep := range f.endpoints {
		if err := ep.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *EndpointFactory) newEndpoint(name string, tenant ident.TenantID, branchName string) (*Endpoint, error) {
	if name == "" {
		name = f.env.GenerateEndpointID()
	}
	if tenant.IsZero() {
		tenant = f.env.InitialTenant
	}

	pgPort, err := f.env.PortDistributor.Get()
	if err != nil {
		return nil, fmt.Errorf("allocate endpoint pg port: %w", err)
	}
	httpPort, err := f.env.PortDistributor.Get()
	if err != nil {
		return nil, fmt.Errorf("allocate endpoint http port: %w", err)
	}

	ep := &Endpoint{
		logger:     f.logger,
		cli:        f.env.CLI,
		repoDir:    f.env.RepoDir,
		name:       name,
		tenant:     tenant,
		branchName: branchName,
		pgPort:     pgPort,
		httpPort:   httpPort,
		pgVersion:  f.env.PgVersion,
	}
	f.endpoints = append(f.endpoints, ep)
	return ep, nil
}

func (f *EndpointFactory) tracks(ep *Endpoint) bool {
	for _, e := range f.endpoints {
		if e == ep {
			return true
		}
	}
	return false
}
