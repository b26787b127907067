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

// Package harness builds and tears down test environments for a Neon-style
// storage cluster: a storage broker, a pageserver, a quorum of safekeepers,
// and compute endpoints, all spawned as real processes and wired together
// through generated configuration.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/neondb/neontest/go/harness/config"
	"github.com/neondb/neontest/go/harness/ident"
	"github.com/neondb/neontest/go/harness/ports"
	"github.com/neondb/neontest/go/harness/remotestorage"
	"github.com/neondb/neontest/go/harness/s3mock"
)

// remoteCleaner is what Close uses to empty the remote bucket. Tests
// substitute a stub to exercise teardown failure paths.
type remoteCleaner interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

var bucketNameSanitizeRe = regexp.MustCompile(`[^a-z0-9-]`)

// EnvBuilder accumulates the desired shape of a test environment and then
// materializes it. The zero-ish builder from NewEnvBuilder produces one
// pageserver, one safekeeper with fsync off, no auth, and no remote
// storage.
type EnvBuilder struct {
	logger   *slog.Logger
	settings *config.Settings
	ports    *ports.Distributor
	mockS3   *s3mock.Server
	repoDir  string
	runID    string
	testName string

	// Knobs tests set before InitConfigs.
	NumSafekeepers           int
	SafekeeperFsync          bool
	SafekeeperIDStart        int
	AuthEnabled              bool
	PageserverConfigOverride string
	RustLogOverride          string
	PreserveDatabaseFiles    bool
	InitialTenant            ident.TenantID

	// KeepRemoteStorageContents leaves the bucket contents in place on
	// teardown. Defaults to true; enabling real S3 flips it to false since
	// real buckets are shared and quota'd while the mock dies with the
	// test.
	KeepRemoteStorageContents bool

	remoteStorage remotestorage.Storage
	remoteKind    remotestorage.Kind

	env       *Env
	initDone  bool
	cleaner   remoteCleaner
	cleanupFs afero.Fs
}

// NewEnvBuilder creates a builder for a test environment rooted at repoDir.
// mockS3 may be nil when no test in the run uses mock S3.
func NewEnvBuilder(logger *slog.Logger, settings *config.Settings, portDist *ports.Distributor, mockS3 *s3mock.Server, repoDir, runID, testName string) *EnvBuilder {
	return &EnvBuilder{
		logger:   logger,
		settings: settings,
		ports:    portDist,
		mockS3:   mockS3,
		repoDir:  mustAbs(repoDir),
		runID:    runID,
		testName: testName,

		NumSafekeepers:            1,
		SafekeeperIDStart:         1,
		KeepRemoteStorageContents: true,

		cleanupFs: afero.NewOsFs(),
	}
}

// RemoteStorage returns what EnableRemoteStorage provisioned, or nil.
func (b *EnvBuilder) RemoteStorage() remotestorage.Storage { return b.remoteStorage }

// EnableRemoteStorage provisions remote storage of the given kind for the
// environment. Kinds are mutually exclusive: enabling a second time fails
// unless force is set, which discards the earlier provisioning.
func (b *EnvBuilder) EnableRemoteStorage(kind remotestorage.Kind, force bool) error {
	if b.remoteStorage != nil && !force {
		return fmt.Errorf("remote storage already enabled as %s, cannot enable %s without force", b.remoteKind, kind)
	}

	switch kind {
	case remotestorage.KindNoop:
		b.remoteStorage = nil
	case remotestorage.KindLocalFs:
		b.remoteStorage = remotestorage.LocalFsStorage{
			Root: filepath.Join(b.repoDir, "local_fs_remote_storage"),
		}
	case remotestorage.KindMockS3:
		if b.mockS3 == nil {
			return fmt.Errorf("no mock S3 server available")
		}
		bucket := sanitizeBucketName(b.testName)
		if err := b.mockS3.CreateBucket(bucket); err != nil {
			return fmt.Errorf("create mock bucket %s: %w", bucket, err)
		}
		b.remoteStorage = remotestorage.S3Storage{
			Bucket:    bucket,
			Region:    "us-east-1",
			AccessKey: "test",
			SecretKey: "test",
			Endpoint:  b.mockS3.Endpoint(),
		}
	case remotestorage.KindRealS3:
		bucket, region, err := b.settings.RealS3Storage()
		if err != nil {
			return err
		}
		creds, err := remotestorage.ReadCredentialsFromEnv()
		if err != nil {
			return err
		}
		b.remoteStorage = remotestorage.S3Storage{
			Bucket:       bucket,
			Region:       region,
			AccessKey:    creds.AccessKey,
			SecretKey:    creds.SecretKey,
			SessionToken: creds.SessionToken,
			Prefix:       b.runID + "/" + b.testName,
			Real:         true,
		}
		// Real buckets are shared; always clean our prefix up.
		b.KeepRemoteStorageContents = false
	default:
		return fmt.Errorf("unknown remote storage kind %s", kind)
	}

	b.remoteKind = kind
	return nil
}

// InitConfigs allocates ports, renders the cluster config, and initializes
// the repo through the control plane. It may be called at most once per
// builder and starts no processes.
func (b *EnvBuilder) InitConfigs(ctx context.Context) (*Env, error) {
	if b.initDone {
		return nil, fmt.Errorf("environment configs already initialized")
	}
	b.initDone = true

	if b.NumSafekeepers < 1 {
		return nil, fmt.Errorf("need at least one safekeeper, got %d", b.NumSafekeepers)
	}

	initialTenant := b.InitialTenant
	if initialTenant.IsZero() {
		initialTenant = ident.GenerateTenantID()
	}

	brokerPort, err := b.ports.Get()
	if err != nil {
		return nil, err
	}
	psPgPort, err := b.ports.Get()
	if err != nil {
		return nil, err
	}
	psHTTPPort, err := b.ports.Get()
	if err != nil {
		return nil, err
	}

	cli := NewCLI(b.logger, b.settings.NeonBin, b.repoDir, b.settings.PostgresDistribDir,
		b.rustLog(), b.settings.LLVMProfileFile)

	env := &Env{
		logger:                  b.logger,
		RepoDir:                 b.repoDir,
		PgVersion:               b.settings.PgVersion,
		CLI:                     cli,
		PortDistributor:         b.ports,
		InitialTenant:           initialTenant,
		authEnabled:             b.AuthEnabled,
		pageserverRemoteStorage: b.remoteStorage,
	}

	brokerAddr := fmt.Sprintf("127.0.0.1:%d", brokerPort)
	env.Broker = NewBroker(b.logger, b.settings.NeonBin, brokerAddr,
		filepath.Join(b.repoDir, "storage_broker.log"))

	cfg := clusterConfig{
		DefaultTenant:    initialTenant,
		BrokerListenAddr: brokerAddr,
		PageserverID:     1,
		PageserverPgPort: psPgPort,
		PageserverHTTP:   psHTTPPort,
		AuthEnabled:      b.AuthEnabled,
	}

	for i := 0; i < b.NumSafekeepers; i++ {
		skPgPort, err := b.ports.Get()
		if err != nil {
			return nil, err
		}
		skHTTPPort, err := b.ports.Get()
		if err != nil {
			return nil, err
		}
		cfg.Safekeepers = append(cfg.Safekeepers, safekeeperConfig{
			ID:            b.SafekeeperIDStart + i,
			PgPort:        skPgPort,
			HTTPPort:      skHTTPPort,
			Sync:          b.SafekeeperFsync,
			AuthEnabled:   b.AuthEnabled,
			RemoteStorage: b.safekeeperRemoteStorage(),
		})
	}

	configTOML, err := renderConfig(cfg)
	if err != nil {
		return nil, err
	}
	b.logger.Info("initializing environment", "repo", b.repoDir,
		"safekeepers", b.NumSafekeepers, "auth", b.AuthEnabled, "remote_storage", b.remoteKind.String())
	if err := cli.Init(ctx, configTOML, b.settings.PgVersion); err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}

	// The key pair exists only after init, so tokens are minted here and the
	// process wrappers constructed with them.
	authToken := ""
	skToken := ""
	if b.AuthEnabled {
		keys := env.AuthKeys()
		authToken, err = keys.GenerateManagementToken()
		if err != nil {
			return nil, err
		}
		skToken, err = keys.GenerateSafekeeperToken(initialTenant)
		if err != nil {
			return nil, err
		}
	}
	for _, sk := range cfg.Safekeepers {
		env.Safekeepers = append(env.Safekeepers,
			NewSafekeeper(b.logger, cli, b.repoDir, sk.ID, sk.PgPort, sk.HTTPPort, skToken))
	}
	env.Pageserver = NewPageserver(b.logger, cli, b.repoDir, psPgPort, psHTTPPort, b.AuthEnabled, authToken)
	env.Endpoints = NewEndpointFactory(b.logger, env)
	env.pageserverOverrides = b.pageserverOverrides()

	b.env = env
	return env, nil
}

// Start launches the environment's processes. InitConfigs must have run.
func (b *EnvBuilder) Start(ctx context.Context) error {
	if b.env == nil {
		return fmt.Errorf("environment is not initialized, call InitConfigs first")
	}
	return b.env.Start(ctx)
}

// InitStart initializes, starts, and provisions the initial tenant with
// one timeline.
func (b *EnvBuilder) InitStart(ctx context.Context) (*Env, error) {
	env, err := b.InitConfigs(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}

	timeline := ident.GenerateTimelineID()
	if err := env.CLI.CreateTenant(ctx, env.InitialTenant, timeline, env.PgVersion, true, nil); err != nil {
		return nil, fmt.Errorf("provision initial tenant: %w", err)
	}
	env.InitialTimeline = timeline
	b.logger.Info("environment ready", "tenant", env.InitialTenant, "timeline", timeline)
	return env, nil
}

// Close tears the environment down: endpoints, then safekeepers, then the
// pageserver, then broker; then remote and local storage cleanup, both
// always attempted with a local failure taking precedence; and finally the
// pageserver log gate.
func (b *EnvBuilder) Close(ctx context.Context) error {
	if b.env == nil {
		return nil
	}
	env := b.env

	var stopErr error
	record := func(err error) {
		if err != nil {
			b.logger.Error("teardown step failed", "error", err)
			if stopErr == nil {
				stopErr = err
			}
		}
	}

	if env.Endpoints != nil {
		record(env.Endpoints.StopAll(ctx))
	}
	for _, sk := range env.Safekeepers {
		record(sk.Stop(ctx, true))
	}
	if env.Pageserver != nil {
		record(env.Pageserver.Stop(ctx, true))
	}
	record(env.Broker.Stop())

	remoteErr := b.cleanupRemoteStorage(ctx)
	var localErr error
	if !b.PreserveDatabaseFiles {
		localErr = cleanupLocalStorage(b.cleanupFs, b.logger, b.repoDir)
	}

	var assertErr error
	if env.Pageserver != nil {
		assertErr = env.Pageserver.AssertNoErrors()
	}

	// Local cleanup failures outrank remote ones: a dirty local disk
	// poisons later tests on this worker, a dirty bucket only wastes
	// space.
	for _, err := range []error{localErr, remoteErr, stopErr, assertErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *EnvBuilder) cleanupRemoteStorage(ctx context.Context) error {
	s3, ok := b.remoteStorage.(remotestorage.S3Storage)
	if !ok || b.KeepRemoteStorageContents {
		return nil
	}

	cleaner := b.cleaner
	if cleaner == nil {
		cleaner = remotestorage.NewCleaner(s3)
	}
	deleted, err := cleaner.DeletePrefix(ctx, s3.Prefix)
	if err != nil {
		return fmt.Errorf("clean remote storage prefix %q: %w", s3.Prefix, err)
	}
	b.logger.Info("remote storage cleaned", "bucket", s3.Bucket, "prefix", s3.Prefix, "objects", deleted)
	return nil
}

// pageserverOverrides assembles the pageserver config override arguments:
// remote storage first, then environment-supplied overrides, then the
// test's own override, so later entries win.
func (b *EnvBuilder) pageserverOverrides() []string {
	var overrides []string
	if b.remoteStorage != nil {
		inline, err := remotestorage.InlineTable(b.remoteStorage)
		if err == nil {
			overrides = append(overrides, "remote_storage="+inline)
		}
	}
	overrides = append(overrides, b.settings.PageserverOverrides...)
	if b.PageserverConfigOverride != "" {
		overrides = append(overrides, b.PageserverConfigOverride)
	}
	return overrides
}

// safekeeperRemoteStorage returns the remote storage safekeepers offload
// WAL to. Only real or mock S3 applies; local_fs is pageserver-only.
func (b *EnvBuilder) safekeeperRemoteStorage() remotestorage.Storage {
	if s3, ok := b.remoteStorage.(remotestorage.S3Storage); ok {
		return s3
	}
	return nil
}

func (b *EnvBuilder) rustLog() string {
	if b.RustLogOverride != "" {
		return b.RustLogOverride
	}
	return b.settings.RustLog
}

func sanitizeBucketName(name string) string {
	name = strings.ToLower(name)
	name = bucketNameSanitizeRe.ReplaceAllString(name, "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}
