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
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerTryStartIdempotent(t *testing.T) {
	// The stub just stays alive; the test itself serves the listen address
	// so the readiness dial succeeds.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "storage_broker", "exec sleep 30")
	b := NewBroker(testLogger(), binDir, listener.Addr().String(),
		filepath.Join(t.TempDir(), "broker.log"))

	require.NoError(t, b.TryStart(context.Background()))
	require.True(t, b.IsRunning())
	proc := b.proc

	require.NoError(t, b.TryStart(context.Background()))
	assert.Same(t, proc, b.proc, "second TryStart must not respawn")

	require.NoError(t, b.Stop())
	assert.NoError(t, b.Stop(), "stopping a stopped broker is a no-op")
}

func TestBrokerStartFailure(t *testing.T) {
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "storage_broker", `echo "bad flag" >&2; exit 1`)
	b := NewBroker(testLogger(), binDir, "127.0.0.1:1",
		filepath.Join(t.TempDir(), "broker.log"))

	err := b.TryStart(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
	assert.False(t, b.IsRunning())
}

func TestBrokerURLs(t *testing.T) {
	b := NewBroker(testLogger(), "/bin", "127.0.0.1:15001", "/tmp/broker.log")
	assert.Equal(t, "127.0.0.1:15001", b.ListenAddr())
	assert.Equal(t, "http://127.0.0.1:15001", b.ClientURL())
	assert.Equal(t, "/tmp/broker.log", b.LogPath())
}
