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

package ports

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBase is far from the default range so tests don't collide with real
// environments running on the same machine.
const testBase = 26500

func TestGetReturnsDistinctBindablePorts(t *testing.T) {
	d := NewDistributor(testBase, 50)

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		p, err := d.Get()
		require.NoError(t, err)
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true

		// Must be bindable at allocation time.
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		require.NoError(t, err)
		require.NoError(t, l.Close())
	}
}

func TestGetSkipsBusyPorts(t *testing.T) {
	d := NewDistributor(testBase+100, 50)

	// Occupy the first port of the range.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", testBase+100))
	require.NoError(t, err)
	defer l.Close()

	p, err := d.Get()
	require.NoError(t, err)
	assert.NotEqual(t, testBase+100, p)
}

func TestGetExhaustion(t *testing.T) {
	d := NewDistributor(testBase+200, 2)

	_, err := d.Get()
	require.NoError(t, err)
	_, err = d.Get()
	require.NoError(t, err)

	_, err = d.Get()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReplacePortMemoized(t *testing.T) {
	d := NewDistributor(testBase+300, 50)

	p1, err := d.ReplacePort(5432)
	require.NoError(t, err)
	p2, err := d.ReplacePort(5432)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	p3, err := d.ReplacePort(5433)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
}

func TestReplaceAddr(t *testing.T) {
	d := NewDistributor(testBase+400, 50)

	out, err := d.ReplaceAddr("localhost:5432")
	require.NoError(t, err)

	// Same original port through either call form yields the same port.
	p, err := d.ReplacePort(5432)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("localhost:%d", p), out)

	// URL form with trailing path.
	out, err = d.ReplaceAddr("http://127.0.0.1:9898/v1/status")
	require.NoError(t, err)
	p2, err := d.ReplacePort(9898)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/v1/status", p2), out)
}

func TestReplaceAddrRejectsAmbiguous(t *testing.T) {
	d := NewDistributor(testBase+500, 50)

	tests := []struct {
		name string
		addr string
	}{
		{"no port", "localhost"},
		{"two ports", "host1:5432/host2:5433"},
		{"port not at boundary", "host:5432x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.ReplaceAddr(tt.addr)
			assert.Error(t, err)
		})
	}
}

func TestWorkerSlices(t *testing.T) {
	assert.Equal(t, 15000, WorkerBasePort(0))
	assert.Equal(t, 16000, WorkerBasePort(1))

	require.NoError(t, CheckWorkerCount(17))
	require.Error(t, CheckWorkerCount(18))
}
