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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPageserver(t *testing.T, cli *CLI) *Pageserver {
	t.Helper()
	return NewPageserver(testLogger(), cli, cli.repoDir, 15002, 15003, false, "")
}

func writePageserverLog(t *testing.T, ps *Pageserver, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(ps.LogPath(), []byte(content), 0o644))
}

func TestAssertNoErrorsCleanLog(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ps := newTestPageserver(t, cli)
	writePageserverLog(t, ps, `2024-01-01T00:00:00Z INFO starting pageserver
2024-01-01T00:00:01Z INFO tenant attached
`)

	assert.NoError(t, ps.AssertNoErrors())
}

func TestAssertNoErrorsMissingLog(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ps := newTestPageserver(t, cli)

	// The pageserver may never have started; nothing to scrape is fine.
	assert.NoError(t, ps.AssertNoErrors())
}

func TestAssertNoErrorsFlagsUnexpectedLines(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ps := newTestPageserver(t, cli)
	writePageserverLog(t, ps, `2024-01-01T00:00:00Z INFO starting
2024-01-01T00:00:01Z ERROR checkpoint failed: disk full
2024-01-01T00:00:02Z WARN slow layer download
`)

	err := ps.AssertNoErrors()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 unexpected error lines")
	assert.Contains(t, err.Error(), "checkpoint failed: disk full")
}

func TestAssertNoErrorsHonorsAllowList(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ps := newTestPageserver(t, cli)
	writePageserverLog(t, ps,
		`2024-01-01T00:00:00Z ERROR wal receiver task finished with an error: walreceiver connection handling failure
2024-01-01T00:00:01Z WARN slow layer download
`)

	err := ps.AssertNoErrors()
	require.Error(t, err, "only the walreceiver churn is on the default allow list")
	assert.Contains(t, err.Error(), "1 unexpected error lines")

	ps.AllowedErrors = append(ps.AllowedErrors, `.*slow layer download.*`)
	assert.NoError(t, ps.AssertNoErrors())
}

func TestLogContains(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ps := newTestPageserver(t, cli)
	writePageserverLog(t, ps, "INFO attach complete for tenant abc\n")

	line, found, err := ps.LogContains(`attach complete for tenant (\w+)`)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, line, "tenant abc")

	_, found, err = ps.LogContains("never logged")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPageserverStartStopGuards(t *testing.T) {
	cli, argsLog := newStubCLI(t, "")
	ps := newTestPageserver(t, cli)
	ctx := context.Background()

	assert.NoError(t, ps.Stop(ctx, true), "stopping a stopped pageserver is a no-op")

	require.NoError(t, ps.Start(ctx, []string{"gc_period='10s'"}))
	assert.True(t, ps.IsRunning())
	assert.Error(t, ps.Start(ctx, nil))

	require.NoError(t, ps.Restart(ctx, true, nil))
	require.NoError(t, ps.Stop(ctx, false))
	assert.False(t, ps.IsRunning())

	args := loggedArgs(t, argsLog)
	assert.Equal(t, "pageserver start --pageserver-config-override=gc_period='10s'", args[0])
	assert.Equal(t, "pageserver stop -m immediate", args[1])
	assert.Equal(t, "pageserver start", args[2])
	assert.Equal(t, "pageserver stop", args[3])
}

func TestPageserverPaths(t *testing.T) {
	cli, _ := newStubCLI(t, "")
	ps := newTestPageserver(t, cli)

	assert.Equal(t, filepath.Join(cli.repoDir, "pageserver.log"), ps.LogPath())
	assert.Equal(t, "postgresql://no_user@localhost:15002", ps.ConnStr())
}
