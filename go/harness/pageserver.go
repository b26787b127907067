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
	"time"

	"github.com/neondb/neontest/go/harness/logscan"
	"github.com/neondb/neontest/go/harness/pageserverapi"
)

// defaultAllowedErrors are the ERROR/WARN lines a healthy pageserver is
// known to emit, mostly connection churn during startup and shutdown.
// AssertNoErrors treats them as noise.
var defaultAllowedErrors = []string{
	`.*wal receiver task finished with an error: walreceiver connection handling failure.*`,
	`.*Shutdown task error: walreceiver connection handling failure.*`,
	`.*wal_connection_manager.*tcp connect error: Connection refused.*`,
	`.*query handler for .* failed: Socket IO error: Connection reset by peer.*`,
	`.*serving compute connection task.*exited with error: Postgres connection error.*`,
	`.*serving compute connection task.*exited with error: Connection reset by peer.*`,
	`.*serving compute connection task.*exited with error: Postgres query error.*`,
	`.*Connection aborted: error communicating with the server.*`,
	`.*Connection aborted: Postgres query error.*`,
	`.*Postgres query error: Connection reset by peer.*`,
	`.*serving compute connection task.*exited with error: Socket IO error: Connection reset by peer.*`,
	`.*walreceiver connection handling ended with an error: Broker subscription failed.*`,
	`.*Timeline got dropped without initializing, cleaning its files.*`,
	`.*Task 'initial size calculation' .* panicked.*`,
	`.*initial size calculation failed.*`,
	`.*failed to load metadata.*`,
	`.*could not find data for key.*`,
	`.*gc_loop.*Gc failed, retrying in.*timeline is Stopping`,
	`.*compaction_loop.*Compaction failed.*timeline is Stopping`,
	`.*Error processing HTTP request: NotFound: Timeline .* was not found`,
	`.*task iteration took longer than the configured period.*`,
	`.*Flushed oversized open layer with size.*`,
	`.*ignoring top-level config override.*unknown field.*`,
	`.*removing local file .* because it has unexpected length.*`,
	`.*end streaming to Some.*`,
}

// Pageserver is the storage service that materializes pages from WAL. The
// harness starts and stops it through the control plane and scrapes its log
// on teardown.
type Pageserver struct {
	logger      *slog.Logger
	cli         *CLI
	repoDir     string
	pgPort      int
	httpPort    int
	authEnabled bool
	authToken   string

	running bool

	// AllowedErrors is consulted by AssertNoErrors. Tests that provoke a
	// failure on purpose append the expected lines here.
	AllowedErrors []string
}

// NewPageserver builds an unstarted pageserver wrapper. authToken is the
// bearer token for the management API, empty when auth is off.
func NewPageserver(logger *slog.Logger, cli *CLI, repoDir string, pgPort, httpPort int, authEnabled bool, authToken string) *Pageserver {
	return &Pageserver{
		logger:        logger,
		cli:           cli,
		repoDir:       repoDir,
		pgPort:        pgPort,
		httpPort:      httpPort,
		authEnabled:   authEnabled,
		authToken:     authToken,
		AllowedErrors: append([]string(nil), defaultAllowedErrors...),
	}
}

// PgPort returns the page-service (libpq) port.
func (p *Pageserver) PgPort() int { return p.pgPort }

// HTTPPort returns the management API port.
func (p *Pageserver) HTTPPort() int { return p.httpPort }

// ConnStr returns the page-service connection string.
func (p *Pageserver) ConnStr() string {
	return fmt.Sprintf("postgresql://no_user@localhost:%d", p.pgPort)
}

// HTTPClient returns a management API client.
func (p *Pageserver) HTTPClient() *pageserverapi.Client {
	return pageserverapi.NewClient(fmt.Sprintf("http://localhost:%d", p.httpPort), p.authToken)
}

// Start launches the pageserver with the given config overrides. Starting a
// pageserver that is already running is an error.
func (p *Pageserver) Start(ctx context.Context, overrides []string) error {
	if p.running {
		return fmt.Errorf("pageserver is already running")
	}
	p.logger.Info("starting pageserver", "pg_port", p.pgPort, "http_port", p.httpPort, "overrides", len(overrides))
	if err := p.cli.PageserverStart(ctx, overrides); err != nil {
		return err
	}
	p.running = true
	return nil
}

// Stop stops the pageserver. Stopping one that is not running is a no-op.
func (p *Pageserver) Stop(ctx context.Context, immediate bool) error {
	if !p.running {
		return nil
	}
	p.logger.Info("stopping pageserver", "immediate", immediate)
	if err := p.cli.PageserverStop(ctx, immediate); err != nil {
		return err
	}
	p.running = false
	return nil
}

// Restart stops and starts the pageserver.
func (p *Pageserver) Restart(ctx context.Context, immediate bool, overrides []string) error {
	if err := p.Stop(ctx, immediate); err != nil {
		return err
	}
	return p.Start(ctx, overrides)
}

// IsRunning reports whether Start has succeeded without a matching Stop.
func (p *Pageserver) IsRunning() bool { return p.running }

// LogPath returns the pageserver's log file.
func (p *Pageserver) LogPath() string {
	return filepath.Join(p.repoDir, "pageserver.log")
}

// AssertNoErrors fails when the log holds an ERROR or WARN line matching
// none of AllowedErrors.
func (p *Pageserver) AssertNoErrors() error {
	offending, err := logscan.ScanErrors(p.LogPath(), logscan.MustCompile(p.AllowedErrors))
	if err != nil {
		return err
	}
	if len(offending) > 0 {
		return fmt.Errorf("pageserver log contains %d unexpected error lines, first: %s",
			len(offending), strings.TrimSpace(offending[0]))
	}
	return nil
}

// LogContains reports the first log line matching pattern. The scan sees
// only what the pageserver has flushed; use WaitForLog when the line may
// still be in flight.
func (p *Pageserver) LogContains(pattern string) (string, bool, error) {
	return logscan.Contains(p.LogPath(), pattern)
}

// WaitForLog blocks until a line matching pattern is flushed to the log or
// the timeout elapses.
func (p *Pageserver) WaitForLog(ctx context.Context, pattern string, timeout time.Duration) (string, error) {
	return logscan.WaitForLine(ctx, p.LogPath(), pattern, timeout)
}
