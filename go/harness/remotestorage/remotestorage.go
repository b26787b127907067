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

// Package remotestorage describes where a test environment parks layer
// files and WAL outside local disk: a directory on the local filesystem, a
// mock S3 server running inside the test process, or a real S3 bucket.
package remotestorage

import (
	"fmt"
	"strings"
)

// Kind names the remote storage flavor a builder was asked to provision.
type Kind int

const (
	KindNoop Kind = iota
	KindLocalFs
	KindMockS3
	KindRealS3
)

func (k Kind) String() string {
	switch k {
	case KindNoop:
		return "noop"
	case KindLocalFs:
		return "local_fs"
	case KindMockS3:
		return "mock_s3"
	case KindRealS3:
		return "real_s3"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Storage is the provisioned remote storage configuration. Exactly two
// concrete variants exist, LocalFsStorage and S3Storage; consumers switch
// exhaustively on the concrete type. Values are immutable once built.
type Storage interface {
	isStorage()
	Kind() Kind
}

// LocalFsStorage stores data under a directory on the local filesystem.
type LocalFsStorage struct {
	Root string
}

func (LocalFsStorage) isStorage() {}

func (LocalFsStorage) Kind() Kind { return KindLocalFs }

// S3Storage stores data in an S3 bucket, real or mock. Real is true when
// the bucket lives in actual AWS rather than the in-process mock server.
type S3Storage struct {
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Endpoint     string // empty for real AWS
	Prefix       string // empty means bucket root
	Real         bool
}

func (S3Storage) isStorage() {}

func (s S3Storage) Kind() Kind {
	if s.Real {
		return KindRealS3
	}
	return KindMockS3
}

// AccessEnv returns the AWS credential variables to inject into spawned
// service processes so they can reach the bucket.
func (s S3Storage) AccessEnv() []string {
	env := []string{
		"AWS_ACCESS_KEY_ID=" + s.AccessKey,
		"AWS_SECRET_ACCESS_KEY=" + s.SecretKey,
	}
	if s.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+s.SessionToken)
	}
	return env
}

// InlineTable renders the storage as the TOML inline table the services'
// config files expect.
func InlineTable(s Storage) (string, error) {
	switch v := s.(type) {
	case LocalFsStorage:
		return fmt.Sprintf("{local_path='%s'}", v.Root), nil
	case S3Storage:
		var b strings.Builder
		fmt.Fprintf(&b, "{bucket_name='%s',bucket_region='%s'", v.Bucket, v.Region)
		if v.Prefix != "" {
			fmt.Fprintf(&b, ",prefix_in_bucket='%s'", v.Prefix)
		}
		if v.Endpoint != "" {
			fmt.Fprintf(&b, ",endpoint='%s'", v.Endpoint)
		}
		b.WriteString("}")
		return b.String(), nil
	default:
		return "", fmt.Errorf("unknown storage variant %T", s)
	}
}
