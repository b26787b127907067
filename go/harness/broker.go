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
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/neondb/neontest/go/tools/poll"
)

const (
	brokerReadyInterval = 500 * time.Millisecond
	brokerReadyTimeout  = 5 * time.Second
)

// Broker runs the storage broker, the pub/sub hub safekeepers and
// pageserver use to learn about each other's WAL positions. It is the one
// service the harness spawns directly rather than through the control
// plane.
type Broker struct {
	logger     *slog.Logger
	binDir     string
	listenAddr string
	logFile    string

	mu   sync.Mutex
	proc *process
}

// NewBroker builds an unstarted broker on the given listen address.
func NewBroker(logger *slog.Logger, binDir, listenAddr, logFile string) *Broker {
	return &Broker{
		logger:     logger,
		binDir:     binDir,
		listenAddr: listenAddr,
		logFile:    logFile,
	}
}

// ListenAddr returns the broker's host:port.
func (b *Broker) ListenAddr() string { return b.listenAddr }

// ClientURL returns the URL services use to reach the broker.
func (b *Broker) ClientURL() string { return "http://" + b.listenAddr }

// TryStart starts the broker if it is not already running. Calling it on a
// running broker is a no-op, so every component that needs the broker can
// call it without coordination.
func (b *Broker) TryStart(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc != nil && b.proc.isRunning() {
		return nil
	}

	b.logger.Info("starting storage broker", "addr", b.listenAddr, "log", b.logFile)
	cmd := exec.Command(filepath.Join(b.binDir, "storage_broker"), "--listen-addr="+b.listenAddr)
	proc, err := startProcess("storage_broker", b.logFile, cmd)
	if err != nil {
		return err
	}
	b.proc = proc

	err = poll.Until(ctx, brokerReadyInterval, brokerReadyTimeout, func() error {
		if proc.exited() {
			return fmt.Errorf("broker exited: %v\n%s", proc.waitErr, proc.recentOutput(4096))
		}
		conn, err := net.DialTimeout("tcp", b.listenAddr, 100*time.Millisecond)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		proc.kill()
		b.proc = nil
		return fmt.Errorf("broker failed to become ready on %s: %w", b.listenAddr, err)
	}

	b.logger.Info("storage broker ready", "addr", b.listenAddr)
	return nil
}

// Stop terminates the broker. Stopping a broker that is not running is a
// no-op.
func (b *Broker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc == nil {
		return nil
	}
	b.logger.Info("stopping storage broker", "addr", b.listenAddr)
	b.proc.terminateGracefully(5 * time.Second)
	b.proc = nil
	return nil
}

// IsRunning reports whether the broker process is alive.
func (b *Broker) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc.isRunning()
}

// LogPath returns the broker's log file path.
func (b *Broker) LogPath() string { return b.logFile }
