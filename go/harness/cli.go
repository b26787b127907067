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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/neondb/neontest/go/harness/ident"
)

// createdTimelineRe extracts the timeline id from branch/create output.
var createdTimelineRe = regexp.MustCompile(`Created timeline '([^']+)'`)

// timelineListRe matches one line of `timeline list` output: an optional
// tree-drawing prefix, the branch name, then the id in brackets.
var timelineListRe = regexp.MustCompile(`\s?([^\s]+)\s\[([^\]]+)\]`)

// CommandError is returned when the control-plane binary exits non-zero.
// Both output streams ride along so test failures show what the binary had
// to say without anyone re-running it.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %v failed (exit %d):\nstdout: %s\nstderr: %s",
		e.Args, e.ExitCode, strings.TrimSpace(e.Stdout), strings.TrimSpace(e.Stderr))
}

// RunResult holds the captured output of a CLI invocation.
type RunResult struct {
	Stdout string
	Stderr string
}

// RunOptions tweaks a single CLI invocation.
type RunOptions struct {
	// Timeout kills the command after the given duration. Zero means no
	// timeout.
	Timeout time.Duration

	// ExtraEnv is appended after the standard variables, so it wins.
	ExtraEnv []string

	// SkipExitCodeCheck suppresses turning a non-zero exit into an error.
	// The caller inspects the result itself.
	SkipExitCodeCheck bool
}

// CLI wraps the `neon_local` control-plane binary. Every invocation runs
// with NEON_REPO_DIR and POSTGRES_DISTRIB_DIR pointing at this
// environment's directories.
type CLI struct {
	logger          *slog.Logger
	binDir          string
	repoDir         string
	pgDistribDir    string
	rustLog         string // empty means inherit
	llvmProfileFile string
}

// NewCLI builds a CLI wrapper. rustLog and llvmProfileFile may be empty.
func NewCLI(logger *slog.Logger, binDir, repoDir, pgDistribDir, rustLog, llvmProfileFile string) *CLI {
	return &CLI{
		logger:          logger,
		binDir:          binDir,
		repoDir:         repoDir,
		pgDistribDir:    pgDistribDir,
		rustLog:         rustLog,
		llvmProfileFile: llvmProfileFile,
	}
}

// BinPath returns the path of the control-plane binary.
func (c *CLI) BinPath() string {
	return filepath.Join(c.binDir, "neon_local")
}

// Raw runs the binary with the given arguments and returns its captured
// output. opts may be nil.
func (c *CLI) Raw(ctx context.Context, args []string, opts *RunOptions) (*RunResult, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.BinPath(), args...)
	cmd.Env = append(os.Environ(),
		"NEON_REPO_DIR="+c.repoDir,
		"POSTGRES_DISTRIB_DIR="+c.pgDistribDir,
	)
	if c.rustLog != "" {
		cmd.Env = append(cmd.Env, "RUST_LOG="+c.rustLog)
	}
	if c.llvmProfileFile != "" {
		cmd.Env = append(cmd.Env, "LLVM_PROFILE_FILE="+c.llvmProfileFile)
	}
	cmd.Env = append(cmd.Env, opts.ExtraEnv...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running control-plane command", "args", args)
	err := cmd.Run()
	result := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// The binary never ran (missing, not executable, ctx cancelled).
			return result, fmt.Errorf("run %s %v: %w", c.BinPath(), args, err)
		}
		if !opts.SkipExitCodeCheck {
			return result, &CommandError{
				Args:     append([]string{"neon_local"}, args...),
				ExitCode: exitErr.ExitCode(),
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
			}
		}
	}
	return result, nil
}

// Init initializes the repo directory from the given TOML cluster config.
// The config is handed over through a temp file, which is removed after.
func (c *CLI) Init(ctx context.Context, configTOML, pgVersion string) error {
	tmp, err := os.CreateTemp("", "neontest-config-*.toml")
	if err != nil {
		return fmt.Errorf("write init config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(configTOML); err != nil {
		tmp.Close()
		return fmt.Errorf("write init config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	_, err = c.Raw(ctx, []string{"init", "--config=" + tmp.Name(), "--pg-version", pgVersion}, nil)
	return err
}

// CreateTenant creates a tenant with an initial timeline. conf entries are
// passed through as tenant config overrides.
func (c *CLI) CreateTenant(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID, pgVersion string, setDefault bool, conf map[string]string) error {
	args := []string{
		"tenant", "create",
		"--tenant-id", tenant.String(),
		"--timeline-id", timeline.String(),
		"--pg-version", pgVersion,
	}
	if setDefault {
		args = append(args, "--set-default")
	}
	for _, kv := range sortedKV(conf) {
		args = append(args, "-c", kv)
	}
	_, err := c.Raw(ctx, args, nil)
	return err
}

// SetDefaultTenant makes the tenant the repo default.
func (c *CLI) SetDefaultTenant(ctx context.Context, tenant ident.TenantID) error {
	_, err := c.Raw(ctx, []string{"tenant", "set-default", "--tenant-id", tenant.String()}, nil)
	return err
}

// ConfigTenant updates tenant config overrides.
func (c *CLI) ConfigTenant(ctx context.Context, tenant ident.TenantID, conf map[string]string) error {
	args := []string{"tenant", "config", "--tenant-id", tenant.String()}
	for _, kv := range sortedKV(conf) {
		args = append(args, "-c", kv)
	}
	_, err := c.Raw(ctx, args, nil)
	return err
}

// ListTenants returns the raw `tenant list` output.
func (c *CLI) ListTenants(ctx context.Context) (string, error) {
	res, err := c.Raw(ctx, []string{"tenant", "list"}, nil)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// CreateTimeline creates a new root timeline with the given branch name.
func (c *CLI) CreateTimeline(ctx context.Context, branchName string, tenant ident.TenantID, pgVersion string) (ident.TimelineID, error) {
	res, err := c.Raw(ctx, []string{
		"timeline", "create",
		"--branch-name", branchName,
		"--tenant-id", tenant.String(),
		"--pg-version", pgVersion,
	}, nil)
	if err != nil {
		return ident.TimelineID{}, err
	}
	return extractCreatedTimeline(res.Stdout)
}

// CreateBranch branches off an ancestor branch, optionally at a fixed LSN,
// and returns the new timeline's id.
func (c *CLI) CreateBranch(ctx context.Context, branchName, ancestorName string, tenant ident.TenantID, ancestorStartLsn ident.Lsn) (ident.TimelineID, error) {
	args := []string{
		"timeline", "branch",
		"--branch-name", branchName,
		"--tenant-id", tenant.String(),
	}
	if ancestorName != "" {
		args = append(args, "--ancestor-branch-name", ancestorName)
	}
	if ancestorStartLsn.IsValid() {
		args = append(args, "--ancestor-start-lsn", ancestorStartLsn.String())
	}
	res, err := c.Raw(ctx, args, nil)
	if err != nil {
		return ident.TimelineID{}, err
	}
	return extractCreatedTimeline(res.Stdout)
}

// TimelineInfo is one row of `timeline list` output.
type TimelineInfo struct {
	BranchName string
	TimelineID ident.TimelineID
}

// ListTimelines lists the tenant's timelines as (branch name, id) pairs.
func (c *CLI) ListTimelines(ctx context.Context, tenant ident.TenantID) ([]TimelineInfo, error) {
	res, err := c.Raw(ctx, []string{"timeline", "list", "--tenant-id", tenant.String()}, nil)
	if err != nil {
		return nil, err
	}

	var timelines []TimelineInfo
	for _, line := range strings.Split(res.Stdout, "\n") {
		m := timelineListRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := ident.ParseTimelineID(m[2])
		if err != nil {
			return nil, fmt.Errorf("bad timeline id in listing line %q: %w", line, err)
		}
		// Strip the tree-drawing characters the listing decorates branch
		// names with.
		name := strings.TrimLeft(m[1], "@├─└│ ")
		timelines = append(timelines, TimelineInfo{BranchName: name, TimelineID: id})
	}
	return timelines, nil
}

// PageserverStart starts the pageserver, passing each override as a
// repeated --pageserver-config-override argument.
func (c *CLI) PageserverStart(ctx context.Context, overrides []string) error {
	args := []string{"pageserver", "start"}
	for _, o := range overrides {
		args = append(args, "--pageserver-config-override="+o)
	}
	_, err := c.Raw(ctx, args, nil)
	return err
}

// PageserverStop stops the pageserver.
func (c *CLI) PageserverStop(ctx context.Context, immediate bool) error {
	args := []string{"pageserver", "stop"}
	if immediate {
		args = append(args, "-m", "immediate")
	}
	_, err := c.Raw(ctx, args, nil)
	return err
}

// SafekeeperStart starts the safekeeper with the given id.
func (c *CLI) SafekeeperStart(ctx context.Context, id int) error {
	_, err := c.Raw(ctx, []string{"safekeeper", "start", strconv.Itoa(id)}, nil)
	return err
}

// SafekeeperStop stops the safekeeper with the given id.
func (c *CLI) SafekeeperStop(ctx context.Context, id int, immediate bool) error {
	args := []string{"safekeeper", "stop"}
	if immediate {
		args = append(args, "-m", "immediate")
	}
	args = append(args, strconv.Itoa(id))
	_, err := c.Raw(ctx, args, nil)
	return err
}

// EndpointCreate registers a compute endpoint on a branch.
func (c *CLI) EndpointCreate(ctx context.Context, name string, tenant ident.TenantID, branchName string, pgPort, httpPort int, lsn ident.Lsn, pgVersion string, hotStandby bool) error {
	args := []string{
		"endpoint", "create", name,
		"--tenant-id", tenant.String(),
		"--branch-name", branchName,
		"--pg-port", strconv.Itoa(pgPort),
		"--http-port", strconv.Itoa(httpPort),
	}
	if lsn.IsValid() {
		args = append(args, "--lsn", lsn.String())
	}
	if pgVersion != "" {
		args = append(args, "--pg-version", pgVersion)
	}
	if hotStandby {
		args = append(args, "--hot-standby")
	}
	_, err := c.Raw(ctx, args, nil)
	return err
}

// EndpointStart starts a previously created endpoint. safekeepers, when
// non-empty, pins the endpoint to a subset of safekeeper ids.
func (c *CLI) EndpointStart(ctx context.Context, name string, safekeepers []int) error {
	args := []string{"endpoint", "start", name}
	if len(safekeepers) > 0 {
		ids := make([]string, len(safekeepers))
		for i, id := range safekeepers {
			ids[i] = strconv.Itoa(id)
		}
		args = append(args, "--safekeepers", strings.Join(ids, ","))
	}
	_, err := c.Raw(ctx, args, nil)
	return err
}

// EndpointStop stops an endpoint, optionally destroying its data dir.
func (c *CLI) EndpointStop(ctx context.Context, name string, destroy bool) error {
	args := []string{"endpoint", "stop", name}
	if destroy {
		args = append(args, "--destroy")
	}
	_, err := c.Raw(ctx, args, nil)
	return err
}

// StartAll starts every service the repo config names.
func (c *CLI) StartAll(ctx context.Context) error {
	_, err := c.Raw(ctx, []string{"start"}, nil)
	return err
}

// StopAll stops every running service.
func (c *CLI) StopAll(ctx context.Context) error {
	_, err := c.Raw(ctx, []string{"stop"}, nil)
	return err
}

func extractCreatedTimeline(stdout string) (ident.TimelineID, error) {
	m := createdTimelineRe.FindStringSubmatch(stdout)
	if m == nil {
		return ident.TimelineID{}, fmt.Errorf("no timeline id in output: %q", strings.TrimSpace(stdout))
	}
	return ident.ParseTimelineID(m[1])
}

func sortedKV(conf map[string]string) []string {
	if len(conf) == 0 {
		return nil
	}
	keys := make([]string, 0, len(conf))
	for k := range conf {
		keys = append(keys, k)
	}
	// Deterministic argument order keeps command logs diffable.
	sort.Strings(keys)
	kvs := make([]string, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, k+":"+conf[k])
	}
	return kvs
}
