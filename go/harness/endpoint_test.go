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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondb/neontest/go/harness/ident"
	"github.com/neondb/neontest/go/harness/ports"
)

func newTestEndpoint(t *testing.T, cli *CLI) *Endpoint {
	t.Helper()
	ep := &Endpoint{
		logger:     testLogger(),
		cli:        cli,
		repoDir:    cli.repoDir,
		name:       "ep-test",
		tenant:     ident.GenerateTenantID(),
		branchName: "main",
		pgPort:     55432,
		httpPort:   55433,
		pgVersion:  "16",
	}
	require.NoError(t, os.MkdirAll(ep.Dir(), 0o755))
	return ep
}

func TestEndpointCreatePrependsWriteLagLimit(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ep := newTestEndpoint(t, cli)

	err := ep.Create(context.Background(), 0, false, []string{"shared_buffers=1MB"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ep.Dir(), "postgresql.conf"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "max_replication_write_lag=15MB", lines[0])
	assert.Equal(t, "shared_buffers=1MB", lines[1])
}

func TestEndpointCreateTwiceFails(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ep := newTestEndpoint(t, cli)

	require.NoError(t, ep.Create(context.Background(), 0, false, nil))
	assert.Error(t, ep.Create(context.Background(), 0, false, nil))
}

func TestEndpointLifecycleGuards(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ep := newTestEndpoint(t, cli)
	ctx := context.Background()

	// Start before create is rejected; stop before start is a no-op.
	assert.Error(t, ep.Start(ctx, nil))
	assert.NoError(t, ep.Stop(ctx))

	require.NoError(t, ep.Create(ctx, 0, false, nil))
	require.NoError(t, ep.Start(ctx, nil))
	assert.True(t, ep.IsRunning())
	assert.Error(t, ep.Start(ctx, nil))

	require.NoError(t, ep.Stop(ctx))
	assert.False(t, ep.IsRunning())
}

func TestEndpointConfigAppends(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ep := newTestEndpoint(t, cli)

	require.NoError(t, ep.Config([]string{"a=1"}))
	require.NoError(t, ep.Config([]string{"b=2", "c=3"}))
	require.NoError(t, ep.Config(nil))

	data, err := os.ReadFile(filepath.Join(ep.Dir(), "postgresql.conf"))
	require.NoError(t, err)
	assert.Equal(t, "a=1\nb=2\nc=3\n", string(data))
}

func TestEndpointRespecMergesAndPreserves(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ep := newTestEndpoint(t, cli)

	spec := map[string]any{
		"format_version": 1.0,
		"timestamp":      "2024-01-01T00:00:00Z",
		"cluster":        map[string]any{"settings": []any{}},
	}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	specPath := filepath.Join(ep.Dir(), "endpoint.json")
	require.NoError(t, os.WriteFile(specPath, data, 0o644))

	err = ep.Respec(map[string]any{
		"skip_pg_catalog_updates": true,
		"timestamp":               "2024-06-01T00:00:00Z",
	})
	require.NoError(t, err)

	merged, err := os.ReadFile(specPath)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	assert.Equal(t, true, got["skip_pg_catalog_updates"])
	assert.Equal(t, "2024-06-01T00:00:00Z", got["timestamp"])
	assert.Equal(t, 1.0, got["format_version"])
	// Fields the harness does not model survive the rewrite.
	assert.Contains(t, got, "cluster")
}

func TestEndpointRespecMissingFile(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ep := newTestEndpoint(t, cli)

	assert.Error(t, ep.Respec(map[string]any{"timestamp": "x"}))
}

func newTestFactory(t *testing.T, cli *CLI) *EndpointFactory {
	t.Helper()
	env := &Env{
		logger:          testLogger(),
		RepoDir:         cli.repoDir,
		PgVersion:       "16",
		CLI:             cli,
		PortDistributor: ports.NewDistributor(27100, 20),
		InitialTenant:   ident.GenerateTenantID(),
	}
	env.Endpoints = NewEndpointFactory(testLogger(), env)
	return env.Endpoints
}

func TestFactoryCreateDefaults(t *testing.T) {
	cli, argsLog := newStubCLI(t, "")
	f := newTestFactory(t, cli)

	require.NoError(t, os.MkdirAll(filepath.Join(cli.repoDir, "endpoints", "ep-1"), 0o755))
	ep, err := f.Create(context.Background(), "", ident.TenantID{}, "main", 0, false, nil)
	require.NoError(t, err)

	assert.Equal(t, "ep-1", ep.Name())
	assert.Equal(t, f.env.InitialTenant, ep.TenantID())
	assert.NotEqual(t, ep.PgPort(), ep.HTTPPort())

	args := loggedArgs(t, argsLog)
	assert.Contains(t, args[0], "endpoint create ep-1")
	assert.Contains(t, args[0], "--tenant-id "+f.env.InitialTenant.String())
}

func TestFactoryNewReplicaRequiresTrackedOrigin(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	f := newTestFactory(t, cli)

	stranger := &Endpoint{name: "outsider"}
	_, err := f.NewReplica(context.Background(), stranger, "replica", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")
}

func TestFactoryStopAllReturnsFirstError(t *testing.T) {
	cli, _ := newStubCLI(t, `
case "$*" in
  *"endpoint stop ep-bad"*) exit 1 ;;
esac`)
	f := newTestFactory(t, cli)
	ctx := context.Background()

	for _, name := range []string{"ep-good", "ep-bad", "ep-also-good"} {
		require.NoError(t, os.MkdirAll(filepath.Join(cli.repoDir, "endpoints", name), 0o755))
		ep, err := f.Create(ctx, name, ident.TenantID{}, "main", 0, false, nil)
		require.NoError(t, err)
		require.NoError(t, ep.Start(ctx, nil))
	}

	err := f.StopAll(ctx)
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Args, "ep-bad")

	// The failure did not keep the others from stopping.
	for _, ep := range f.List() {
		if ep.Name() != "ep-bad" {
			assert.False(t, ep.IsRunning())
		}
	}
}
