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

// Package endtoend runs whole-cluster tests against real service binaries:
// broker, pageserver, safekeepers, and compute endpoints, spawned through
// the control plane. Every test skips when the binaries are not installed
// or -short is set.
package endtoend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neondb/neontest/go/harness"
	"github.com/neondb/neontest/go/harness/config"
	"github.com/neondb/neontest/go/harness/ports"
)

var (
	testSettings *config.Settings
	testPorts    *ports.Distributor
	testRunID    string
)

func TestMain(m *testing.M) {
	var err error
	testSettings, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		os.Exit(1)
	}
	testPorts = ports.NewDistributor(ports.WorkerBasePort(0), ports.WorkerPortNum)
	testRunID = fmt.Sprintf("e2e-%d", time.Now().Unix())
	os.Exit(m.Run())
}

// skipWithoutBinaries skips the test unless the control plane and the
// Postgres distribution are installed where the settings point.
func skipWithoutBinaries(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}
	if _, err := os.Stat(filepath.Join(testSettings.NeonBin, "neon_local")); err != nil {
		t.Skipf("neon_local not found in %s, set NEON_BIN to run end-to-end tests", testSettings.NeonBin)
	}
	if _, err := os.Stat(testSettings.PgBinDir()); err != nil {
		t.Skipf("no Postgres distribution at %s, set POSTGRES_DISTRIB_DIR", testSettings.PostgresDistribDir)
	}
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// startCluster builds and starts an environment for one test and registers
// its teardown. configure may adjust the builder before anything runs.
func startCluster(t *testing.T, configure func(*harness.EnvBuilder)) *harness.Env {
	t.Helper()

	repoDir := filepath.Join(testSettings.TestOutput, testRunID, t.Name(), "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatalf("create repo dir: %v", err)
	}

	builder := harness.NewEnvBuilder(testLogger(t), testSettings, testPorts, nil,
		repoDir, testRunID, t.Name())
	if configure != nil {
		configure(builder)
	}

	env, err := builder.InitStart(context.Background())
	if err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := builder.Close(ctx); err != nil {
			t.Errorf("teardown: %v", err)
		}
	})
	return env
}

// mustExec runs one statement on the endpoint and fails the test on error.
func mustExec(t *testing.T, env *harness.Env, ep *harness.Endpoint, query string) {
	t.Helper()
	if _, err := ep.SafePsql(context.Background(), query); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
}

// rowCount returns SELECT count(*) from the given table.
func rowCount(t *testing.T, ep *harness.Endpoint, table string) int {
	t.Helper()
	rows, err := ep.SafePsql(context.Background(), "SELECT count(*) FROM "+table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		t.Fatalf("unexpected count result: %v", rows)
	}
	var n int
	if _, err := fmt.Sscanf(rows[0][0], "%d", &n); err != nil {
		t.Fatalf("bad count %q: %v", rows[0][0], err)
	}
	return n
}
