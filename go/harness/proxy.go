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
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/neondb/neontest/go/tools/poll"
)

// ProxyAuthBackend selects how the proxy authenticates clients.
type ProxyAuthBackend interface {
	args() []string
}

// LinkAuth sends clients through the link flow at the given URI.
type LinkAuth struct {
	URI string
}

func (a LinkAuth) args() []string {
	return []string{"--auth-backend", "link", "--uri", a.URI}
}

// PostgresAuth validates credentials against a Postgres endpoint.
type PostgresAuth struct {
	AuthEndpoint string // postgres:// connection string
}

func (a PostgresAuth) args() []string {
	return []string{"--auth-backend", "postgres", "--auth-endpoint", a.AuthEndpoint}
}

// Proxy fronts compute endpoints with TLS termination and authentication.
// It is spawned directly with a self-signed certificate generated per
// environment.
type Proxy struct {
	logger    *slog.Logger
	binDir    string
	dataDir   string
	proxyPort int
	httpPort  int
	mgmtPort  int
	auth      ProxyAuthBackend

	proc *process
}

// NewProxy builds an unstarted proxy. dataDir receives the TLS material and
// the log file.
func NewProxy(logger *slog.Logger, binDir, dataDir string, proxyPort, httpPort, mgmtPort int, auth ProxyAuthBackend) *Proxy {
	return &Proxy{
		logger:    logger,
		binDir:    binDir,
		dataDir:   dataDir,
		proxyPort: proxyPort,
		httpPort:  httpPort,
		mgmtPort:  mgmtPort,
		auth:      auth,
	}
}

// ProxyPort returns the client-facing pg protocol port.
func (p *Proxy) ProxyPort() int { return p.proxyPort }

// HTTPPort returns the management/metrics port.
func (p *Proxy) HTTPPort() int { return p.httpPort }

// LogPath returns the proxy's log file.
func (p *Proxy) LogPath() string { return filepath.Join(p.dataDir, "proxy.log") }

// Start generates TLS material, spawns the proxy binary, and waits for its
// status endpoint. Starting a running proxy is an error.
func (p *Proxy) Start(ctx context.Context) error {
	if p.proc.isRunning() {
		return fmt.Errorf("proxy is already running")
	}

	certPath, keyPath, err := generateSelfSignedCert(p.dataDir, "localhost")
	if err != nil {
		return fmt.Errorf("generate proxy TLS material: %w", err)
	}

	host := "127.0.0.1"
	args := []string{
		"--http", host + ":" + strconv.Itoa(p.httpPort),
		"--proxy", host + ":" + strconv.Itoa(p.proxyPort),
		"--mgmt", host + ":" + strconv.Itoa(p.mgmtPort),
		"-c", certPath,
		"-k", keyPath,
	}
	args = append(args, p.auth.args()...)

	p.logger.Info("starting proxy", "proxy_port", p.proxyPort, "http_port", p.httpPort)
	cmd := exec.Command(filepath.Join(p.binDir, "proxy"), args...)
	proc, err := startProcess("proxy", p.LogPath(), cmd)
	if err != nil {
		return err
	}
	p.proc = proc

	statusURL := fmt.Sprintf("http://%s:%d/v1/status", host, p.httpPort)
	err = poll.Until(ctx, 500*time.Millisecond, 10*time.Second, func() error {
		if proc.exited() {
			return fmt.Errorf("proxy exited: %v\n%s", proc.waitErr, proc.recentOutput(4096))
		}
		return checkHTTPOK(ctx, statusURL)
	})
	if err != nil {
		proc.kill()
		p.proc = nil
		return fmt.Errorf("proxy failed to become ready: %w", err)
	}
	return nil
}

// Close terminates the proxy, giving it a moment to shut down cleanly.
func (p *Proxy) Close() error {
	if p.proc == nil {
		return nil
	}
	p.logger.Info("stopping proxy")
	p.proc.terminateGracefully(5 * time.Second)
	p.proc = nil
	return nil
}

// Metrics fetches the proxy's raw metrics text.
func (p *Proxy) Metrics(ctx context.Context) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", p.httpPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metrics returned %d", resp.StatusCode)
	}
	return string(body), nil
}

func checkHTTPOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return nil
}
