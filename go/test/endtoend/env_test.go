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

package endtoend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondb/neontest/go/harness"
	"github.com/neondb/neontest/go/harness/ident"
)

// TestClusterSmoke brings up a three-safekeeper cluster, writes through a
// compute endpoint, and verifies the pageserver ingested the WAL.
func TestClusterSmoke(t *testing.T) {
	skipWithoutBinaries(t)

	env := startCluster(t, func(b *harness.EnvBuilder) {
		b.NumSafekeepers = 3
	})
	ctx := context.Background()

	require.Len(t, env.Safekeepers, 3)
	for _, sk := range env.Safekeepers {
		assert.True(t, sk.IsRunning(), "safekeeper %d", sk.ID())
	}

	ep, err := env.Endpoints.CreateStart(ctx, "", ident.TenantID{}, "main", 0, false, nil)
	require.NoError(t, err)

	mustExec(t, env, ep, "CREATE TABLE smoke (id int)")
	mustExec(t, env, ep, "INSERT INTO smoke SELECT generate_series(1, 1000)")
	assert.Equal(t, 1000, rowCount(t, ep, "smoke"))

	// The pageserver must catch up to everything the endpoint flushed.
	lsn, err := harness.WaitForLastFlushLsn(ctx, env, ep, env.InitialTenant, env.InitialTimeline)
	require.NoError(t, err)
	assert.True(t, lsn.IsValid())

	// The management API agrees about the timeline.
	detail, err := env.Pageserver.HTTPClient().TimelineDetail(ctx, env.InitialTenant, env.InitialTimeline)
	require.NoError(t, err)
	assert.Equal(t, env.InitialTimeline.String(), detail.TimelineID)
}

// TestEndpointRestart checks that an endpoint's data survives a stop and
// start cycle.
func TestEndpointRestart(t *testing.T) {
	skipWithoutBinaries(t)

	env := startCluster(t, nil)
	ctx := context.Background()

	ep, err := env.Endpoints.CreateStart(ctx, "", ident.TenantID{}, "main", 0, false, nil)
	require.NoError(t, err)

	mustExec(t, env, ep, "CREATE TABLE persisted (v text)")
	mustExec(t, env, ep, "INSERT INTO persisted VALUES ('survives')")

	require.NoError(t, ep.Stop(ctx))
	require.NoError(t, ep.Start(ctx, nil))

	rows, err := ep.SafePsql(ctx, "SELECT v FROM persisted")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "survives", rows[0][0])
}
