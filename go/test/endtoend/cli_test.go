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
)

// TestTimelineListingsAgree creates branches through the control plane and
// checks the CLI listing and the management API report the same timelines.
func TestTimelineListingsAgree(t *testing.T) {
	skipWithoutBinaries(t)

	env := startCluster(t, nil)
	ctx := context.Background()

	branch1, err := env.CLI.CreateBranch(ctx, "branch1", "main", env.InitialTenant, 0)
	require.NoError(t, err)
	branch2, err := env.CLI.CreateBranch(ctx, "branch2", "branch1", env.InitialTenant, 0)
	require.NoError(t, err)

	listed, err := env.CLI.ListTimelines(ctx, env.InitialTenant)
	require.NoError(t, err)

	byName := map[string]string{}
	for _, tl := range listed {
		byName[tl.BranchName] = tl.TimelineID.String()
	}
	assert.Equal(t, env.InitialTimeline.String(), byName["main"])
	assert.Equal(t, branch1.String(), byName["branch1"])
	assert.Equal(t, branch2.String(), byName["branch2"])

	apiListed, err := env.Pageserver.HTTPClient().TimelineList(ctx, env.InitialTenant)
	require.NoError(t, err)

	apiIDs := map[string]bool{}
	for _, tl := range apiListed {
		apiIDs[tl.TimelineID] = true
	}
	for name, id := range byName {
		assert.True(t, apiIDs[id], "timeline %s (%s) missing from management API listing", name, id)
	}
}

// TestTenantLifecycle creates a second tenant and verifies both listings
// know it.
func TestTenantLifecycle(t *testing.T) {
	skipWithoutBinaries(t)

	env := startCluster(t, nil)
	ctx := context.Background()

	_, err := env.Pageserver.HTTPClient().TenantCreate(ctx, env.InitialTenant, nil)
	require.Error(t, err, "recreating the initial tenant must fail")

	tenants, err := env.Pageserver.HTTPClient().TenantList(ctx)
	require.NoError(t, err)

	found := false
	for _, info := range tenants {
		if info.ID == env.InitialTenant.String() {
			found = true
		}
	}
	assert.True(t, found, "initial tenant missing from listing")

	out, err := env.CLI.ListTenants(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, env.InitialTenant.String())
}
