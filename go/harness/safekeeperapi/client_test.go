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

package safekeeperapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondb/neontest/go/harness/ident"
)

func TestTimelineStatus(t *testing.T) {
	tenant := ident.GenerateTenantID()
	timeline := ident.GenerateTimelineID()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("/v1/tenant/%s/timeline/%s", tenant, timeline), r.URL.Path)
		_ = json.NewEncoder(w).Encode(TimelineStatus{
			AcceptorEpoch: 3,
			FlushLsn:      "0/3000000",
			CommitLsn:     "0/2000000",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	status, err := c.TimelineStatus(context.Background(), tenant, timeline)
	require.NoError(t, err)
	assert.EqualValues(t, 3, status.AcceptorEpoch)

	flush, err := status.FlushLsnParsed()
	require.NoError(t, err)
	commit, err := status.CommitLsnParsed()
	require.NoError(t, err)
	assert.True(t, commit < flush)
}

func TestAPIErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "timeline is deleted", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.CheckStatus(context.Background())
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "timeline is deleted")
}

func TestScrapeMetrics(t *testing.T) {
	tenant := ident.GenerateTenantID()
	timeline := ident.GenerateTimelineID()

	payload := fmt.Sprintf(`# HELP safekeeper_flush_lsn Current flush_lsn
# TYPE safekeeper_flush_lsn gauge
safekeeper_flush_lsn{tenant_id="%s",timeline_id="%s"} 25427968
safekeeper_commit_lsn{tenant_id="%s",timeline_id="%s"} 25427960
unrelated_metric{foo="bar"} 1
`, tenant, timeline, tenant, timeline)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metrics", r.URL.Path)
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	metrics, err := c.ScrapeMetrics(context.Background())
	require.NoError(t, err)

	key := TimelineKey{TenantID: tenant.String(), TimelineID: timeline.String()}
	assert.EqualValues(t, 25427968, metrics.FlushLsn[key])
	assert.EqualValues(t, 25427960, metrics.CommitLsn[key])
	assert.Len(t, metrics.FlushLsn, 1)
}

func TestTimelineCreateBody(t *testing.T) {
	tenant := ident.GenerateTenantID()
	timeline := ident.GenerateTimelineID()
	commit, err := ident.ParseLsn("0/16B5A50")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, timeline.String(), body["timeline_id"])
		assert.EqualValues(t, 16, body["pg_version"])
		assert.Equal(t, "0/16B5A50", body["commit_lsn"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	require.NoError(t, c.TimelineCreate(context.Background(), tenant, timeline, 16, commit))
}
