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

// Package config reads the environment variables that steer the harness:
// where the service binaries and the Postgres distribution live, where test
// output goes, and whether real S3 is in play.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the harness configuration resolved from the environment.
type Settings struct {
	// NeonBin is the directory holding the service binaries (NEON_BIN).
	NeonBin string

	// PostgresDistribDir is the root of the Postgres distribution
	// (POSTGRES_DISTRIB_DIR). Versioned installs live in v<N> beneath it.
	PostgresDistribDir string

	// PgVersion is the default Postgres major version (DEFAULT_PG_VERSION).
	PgVersion string

	// BuildType of the service binaries, debug or release (BUILD_TYPE).
	BuildType string

	// TestOutput is the directory test repos are created in (TEST_OUTPUT).
	TestOutput string

	// SharedFixturesDir, when set (TEST_SHARED_FIXTURES), points tests that
	// can share one environment at a common repo dir.
	SharedFixturesDir string

	// EnableRealS3 turns the remote-storage kind "real S3" on
	// (ENABLE_REAL_S3_REMOTE_STORAGE).
	EnableRealS3 bool

	// RealS3Bucket and RealS3Region locate the shared test bucket
	// (REMOTE_STORAGE_S3_BUCKET, REMOTE_STORAGE_S3_REGION).
	RealS3Bucket string
	RealS3Region string

	// PageserverOverrides holds extra pageserver config overrides,
	// semicolon-separated in NEON_PAGESERVER_OVERRIDES.
	PageserverOverrides []string

	// RustLog overrides the services' log filter (RUST_LOG).
	RustLog string

	// LLVMProfileFile propagates coverage profiling into spawned binaries
	// (LLVM_PROFILE_FILE).
	LLVMProfileFile string
}

// Load resolves settings from the environment.
func Load() (*Settings, error) {
	v := viper.New()
	for _, name := range []string{
		"NEON_BIN", "POSTGRES_DISTRIB_DIR", "DEFAULT_PG_VERSION", "BUILD_TYPE",
		"TEST_OUTPUT", "TEST_SHARED_FIXTURES", "ENABLE_REAL_S3_REMOTE_STORAGE",
		"REMOTE_STORAGE_S3_BUCKET", "REMOTE_STORAGE_S3_REGION",
		"NEON_PAGESERVER_OVERRIDES", "RUST_LOG", "LLVM_PROFILE_FILE",
	} {
		if err := v.BindEnv(name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	v.SetDefault("BUILD_TYPE", "debug")
	v.SetDefault("DEFAULT_PG_VERSION", "16")
	v.SetDefault("TEST_OUTPUT", "test_output")

	s := &Settings{
		NeonBin:            v.GetString("NEON_BIN"),
		PostgresDistribDir: v.GetString("POSTGRES_DISTRIB_DIR"),
		PgVersion:          v.GetString("DEFAULT_PG_VERSION"),
		BuildType:          v.GetString("BUILD_TYPE"),
		TestOutput:         v.GetString("TEST_OUTPUT"),
		SharedFixturesDir:  v.GetString("TEST_SHARED_FIXTURES"),
		EnableRealS3:       v.GetBool("ENABLE_REAL_S3_REMOTE_STORAGE"),
		RealS3Bucket:       v.GetString("REMOTE_STORAGE_S3_BUCKET"),
		RealS3Region:       v.GetString("REMOTE_STORAGE_S3_REGION"),
		RustLog:            v.GetString("RUST_LOG"),
		LLVMProfileFile:    v.GetString("LLVM_PROFILE_FILE"),
	}

	if raw := v.GetString("NEON_PAGESERVER_OVERRIDES"); raw != "" {
		for _, part := range strings.Split(raw, ";") {
			if part = strings.TrimSpace(part); part != "" {
				s.PageserverOverrides = append(s.PageserverOverrides, part)
			}
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if s.NeonBin == "" {
		s.NeonBin = filepath.Join(cwd, "target", s.BuildType)
	}
	if s.PostgresDistribDir == "" {
		s.PostgresDistribDir = filepath.Join(cwd, "pg_install")
	}
	if !filepath.IsAbs(s.TestOutput) {
		s.TestOutput = filepath.Join(cwd, s.TestOutput)
	}

	return s, nil
}

// PgBinDir returns the bin directory of the configured Postgres version.
func (s *Settings) PgBinDir() string {
	return filepath.Join(s.PostgresDistribDir, "v"+s.PgVersion, "bin")
}

// PgLibDir returns the lib directory of the configured Postgres version.
func (s *Settings) PgLibDir() string {
	return filepath.Join(s.PostgresDistribDir, "v"+s.PgVersion, "lib")
}

// RealS3Storage validates the real-S3 settings and builds the storage
// description, reading credentials from the environment.
func (s *Settings) RealS3Storage() (bucket, region string, err error) {
	if !s.EnableRealS3 {
		return "", "", fmt.Errorf("ENABLE_REAL_S3_REMOTE_STORAGE is not set")
	}
	if s.RealS3Bucket == "" || s.RealS3Region == "" {
		return "", "", fmt.Errorf("REMOTE_STORAGE_S3_BUCKET and REMOTE_STORAGE_S3_REGION must be set for real S3")
	}
	return s.RealS3Bucket, s.RealS3Region, nil
}
