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

package remotestorage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondb/neontest/go/harness/s3mock"
)

func TestInlineTableLocalFs(t *testing.T) {
	got, err := InlineTable(LocalFsStorage{Root: "/tmp/repo/local_fs_remote_storage"})
	require.NoError(t, err)
	assert.Equal(t, "{local_path='/tmp/repo/local_fs_remote_storage'}", got)
}

func TestInlineTableS3(t *testing.T) {
	tests := []struct {
		name    string
		storage S3Storage
		want    string
	}{
		{
			name:    "minimal",
			storage: S3Storage{Bucket: "bkt", Region: "us-east-1"},
			want:    "{bucket_name='bkt',bucket_region='us-east-1'}",
		},
		{
			name:    "with prefix",
			storage: S3Storage{Bucket: "bkt", Region: "us-east-1", Prefix: "run/test_a"},
			want:    "{bucket_name='bkt',bucket_region='us-east-1',prefix_in_bucket='run/test_a'}",
		},
		{
			name: "with endpoint",
			storage: S3Storage{
				Bucket: "bkt", Region: "us-east-1",
				Prefix: "p", Endpoint: "http://127.0.0.1:9000",
			},
			want: "{bucket_name='bkt',bucket_region='us-east-1',prefix_in_bucket='p',endpoint='http://127.0.0.1:9000'}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InlineTable(tt.storage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKinds(t *testing.T) {
	assert.Equal(t, KindLocalFs, LocalFsStorage{}.Kind())
	assert.Equal(t, KindMockS3, S3Storage{}.Kind())
	assert.Equal(t, KindRealS3, S3Storage{Real: true}.Kind())
}

func TestAccessEnv(t *testing.T) {
	s := S3Storage{AccessKey: "AKIA", SecretKey: "secret"}
	assert.Equal(t, []string{
		"AWS_ACCESS_KEY_ID=AKIA",
		"AWS_SECRET_ACCESS_KEY=secret",
	}, s.AccessEnv())

	s.SessionToken = "tok"
	assert.Contains(t, s.AccessEnv(), "AWS_SESSION_TOKEN=tok")
}

func TestCleanerDeletePrefix(t *testing.T) {
	server, err := s3mock.NewServer(0, nil)
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.CreateBucket("cleanup"))

	for i := 0; i < 25; i++ {
		require.NoError(t, server.Storage().PutObject("cleanup", fmt.Sprintf("run/test/obj-%02d", i), []byte("x")))
	}
	require.NoError(t, server.Storage().PutObject("cleanup", "other/keep-me", []byte("x")))

	cleaner := NewCleaner(S3Storage{
		Bucket:   "cleanup",
		Region:   "us-east-1",
		Endpoint: server.Endpoint(),
	})

	deleted, err := cleaner.DeletePrefix(context.Background(), "run/test/")
	require.NoError(t, err)
	assert.Equal(t, 25, deleted)

	keys, _, err := server.Storage().ListObjects("cleanup", "", "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"other/keep-me"}, keys)
}

func TestCleanerEmptyPrefix(t *testing.T) {
	server, err := s3mock.NewServer(0, nil)
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.CreateBucket("empty"))

	cleaner := NewCleaner(S3Storage{Bucket: "empty", Endpoint: server.Endpoint()})
	deleted, err := cleaner.DeletePrefix(context.Background(), "nothing/")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
