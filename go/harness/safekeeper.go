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
	"time"

	"github.com/neondb/neontest/go/harness/safekeeperapi"
	"github.com/neondb/neontest/go/tools/poll"
)

const (
	safekeeperReadyInterval = 500 * time.Millisecond
	safekeeperReadyTimeout  = 3 * time.Second
)

// Safekeeper is one member of the WAL durability quorum. The harness starts
// and stops it through the control plane and then waits on its HTTP status
// endpoint.
type Safekeeper struct {
	logger    *slog.Logger
	cli       *CLI
	repoDir   string
	id        int
	pgPort    int
	httpPort  int
	authToken string

	running bool
}

// NewSafekeeper builds an unstarted safekeeper wrapper. Ids are stable for
// the life of the environment but need not start at 1.
func NewSafekeeper(logger *slog.Logger, cli *CLI, repoDir string, id, pgPort, httpPort int, authToken string) *Safekeeper {
	return &Safekeeper{
		logger:    logger,
		cli:       cli,
		repoDir:   repoDir,
		id:        id,
		pgPort:    pgPort,
		httpPort:  httpPort,
		authToken: authToken,
	}
}

// ID returns the safekeeper's stable id.
func (s *Safekeeper) ID() int { return s.id }

// PgPort returns the WAL service port.
func (s *Safekeeper) PgPort() int { return s.pgPort }

// HTTPPort returns the management API port.
func (s *Safekeeper) HTTPPort() int { return s.httpPort }

// ConnStr returns the WAL service address compute nodes stream to.
func (s *Safekeeper) ConnStr() string {
	return fmt.Sprintf("localhost:%d", s.pgPort)
}

// DataDir returns the safekeeper's on-disk directory.
func (s *Safekeeper) DataDir() string {
	return filepath.Join(s.repoDir, "safekeepers", fmt.Sprintf("sk%d", s.id))
}

// HTTPClient returns a management API client.
func (s *Safekeeper) HTTPClient() *safekeeperapi.Client {
	return safekeeperapi.NewClient(fmt.Sprintf("http://localhost:%d", s.httpPort), s.authToken)
}

// Start launches the safekeeper and waits for its status endpoint to come
// up. Starting a running safekeeper is an error.
func (s *Safekeeper) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("safekeeper %d is already running", s.id)
	}
	s.logger.Info("starting safekeeper", "id", s.id, "pg_port", s.pgPort, "http_port", s.httpPort)
	if err := s.cli.SafekeeperStart(ctx, s.id); err != nil {
		return err
	}

	started := time.Now()
	client := s.HTTPClient()
	err := poll.Until(ctx, safekeeperReadyInterval, safekeeperReadyTimeout, func() error {
		return client.CheckStatus(ctx)
	})
	if err != nil {
		return fmt.Errorf("safekeeper %d did not respond on port %d within %v: %w",
			s.id, s.httpPort, time.Since(started).Round(time.Millisecond), err)
	}

	s.running = true
	s.logger.Info("safekeeper ready", "id", s.id, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

// Stop stops the safekeeper. Stopping one that is not running is a no-op.
func (s *Safekeeper) Stop(ctx context.Context, immediate bool) error {
	if !s.running {
		return nil
	}
	s.logger.Info("stopping safekeeper", "id", s.id, "immediate", immediate)
	if err := s.cli.SafekeeperStop(ctx, s.id, immediate); err != nil {
		return err
	}
	s.running = false
	return nil
}

// IsRunning reports whether Start has succeeded without a matching Stop.
func (s *Safekeeper) IsRunning() bool { return s.running }
