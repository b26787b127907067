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
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// gitVersionRe extracts the commit hash from a service binary's --version
// output, e.g. "git:1bc5d0e6... build tag" or "git-env:abcdef12".
var gitVersionRe = regexp.MustCompile(`git(-env)?:([0-9a-f]{8,40})(-\S+)?`)

// ParseProjectGitVersion pulls the commit hash out of --version output.
func ParseProjectGitVersion(output string) (string, error) {
	m := gitVersionRe.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("no git version in %q", strings.TrimSpace(output))
	}
	return m[2], nil
}

// PgBin runs binaries from the Postgres distribution (psql, pgbench,
// pg_dump) with the library path pointed at the matching libs.
type PgBin struct {
	logger *slog.Logger
	binDir string
	libDir string
}

// NewPgBin builds a runner for the distribution at binDir/libDir.
func NewPgBin(logger *slog.Logger, binDir, libDir string) *PgBin {
	return &PgBin{logger: logger, binDir: binDir, libDir: libDir}
}

// Path returns the full path of a distribution binary.
func (p *PgBin) Path(name string) string {
	return filepath.Join(p.binDir, name)
}

// Run executes a distribution binary, appending combined output to
// outputFile when non-empty.
func (p *PgBin) Run(ctx context.Context, args []string, extraEnv []string, outputFile string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given")
	}

	cmd := exec.CommandContext(ctx, p.Path(args[0]), args[1:]...)
	cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+p.libDir)
	cmd.Env = append(cmd.Env, extraEnv...)

	if outputFile != "" {
		f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	p.logger.Debug("running pg binary", "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %v: %w", args, err)
	}
	return nil
}

// RunCapture executes a distribution binary and returns its combined
// output.
func (p *PgBin) RunCapture(ctx context.Context, args []string, extraEnv []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("no command given")
	}

	cmd := exec.CommandContext(ctx, p.Path(args[0]), args[1:]...)
	cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+p.libDir)
	cmd.Env = append(cmd.Env, extraEnv...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("run %v: %w\n%s", args, err, out)
	}
	return string(out), nil
}
