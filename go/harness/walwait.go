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
	"time"

	"github.com/neondb/neontest/go/harness/ident"
	"github.com/neondb/neontest/go/tools/poll"
)

const (
	walCatchupInterval = 500 * time.Millisecond
	walCatchupTimeout  = 30 * time.Second
)

// CurrentFlushLsn asks the endpoint how far its WAL has been flushed.
func CurrentFlushLsn(ctx context.Context, ep *Endpoint) (ident.Lsn, error) {
	rows, err := ep.SafePsql(ctx, "SELECT pg_current_wal_flush_lsn()")
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return 0, fmt.Errorf("unexpected pg_current_wal_flush_lsn result shape: %v", rows)
	}
	return ident.ParseLsn(rows[0][0])
}

// WaitForLastRecordLsn blocks until the pageserver has ingested WAL up to
// lsn on the given timeline.
func WaitForLastRecordLsn(ctx context.Context, ps *Pageserver, tenant ident.TenantID, timeline ident.TimelineID, lsn ident.Lsn) (ident.Lsn, error) {
	client := ps.HTTPClient()
	var current ident.Lsn
	err := poll.Until(ctx, walCatchupInterval, walCatchupTimeout, func() error {
		detail, err := client.TimelineDetail(ctx, tenant, timeline)
		if err != nil {
			return err
		}
		current, err = ident.ParseLsn(detail.LastRecordLsn)
		if err != nil {
			return fmt.Errorf("bad last_record_lsn %q: %w", detail.LastRecordLsn, err)
		}
		if current < lsn {
			return fmt.Errorf("pageserver at %s, waiting for %s", current, lsn)
		}
		return nil
	})
	if err != nil {
		return current, fmt.Errorf("timeline %s did not catch up to %s: %w", timeline, lsn, err)
	}
	return current, nil
}

// WaitForLastFlushLsn waits until the pageserver has caught up with
// everything the endpoint has flushed, and returns that LSN. Call it before
// branching or inspecting pageserver state that must include recent writes.
func WaitForLastFlushLsn(ctx context.Context, env *Env, ep *Endpoint, tenant ident.TenantID, timeline ident.TimelineID) (ident.Lsn, error) {
	lsn, err := CurrentFlushLsn(ctx, ep)
	if err != nil {
		return 0, err
	}
	return WaitForLastRecordLsn(ctx, env.Pageserver, tenant, timeline, lsn)
}

// ForkAtCurrentLsn branches off the endpoint's branch at exactly the
// endpoint's current flush LSN, after making sure the pageserver has it.
func ForkAtCurrentLsn(ctx context.Context, env *Env, ep *Endpoint, newBranchName string, tenant ident.TenantID, timeline ident.TimelineID) (ident.TimelineID, error) {
	lsn, err := WaitForLastFlushLsn(ctx, env, ep, tenant, timeline)
	if err != nil {
		return ident.TimelineID{}, err
	}
	return env.CLI.CreateBranch(ctx, newBranchName, ep.BranchName(), tenant, lsn)
}
