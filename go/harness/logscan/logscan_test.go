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

package logscan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.log")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestScanErrorsFindsOffendingLines(t *testing.T) {
	path := writeLog(t, `2025-08-27T10:00:00Z INFO starting up
2025-08-27T10:00:01Z ERROR could not open layer file
2025-08-27T10:00:02Z WARN ingest lagging behind
2025-08-27T10:00:03Z INFO ERRORLESS operation continues
`)

	offending, err := ScanErrors(path, nil)
	require.NoError(t, err)
	require.Len(t, offending, 2)
	assert.Contains(t, offending[0], "could not open layer file")
	assert.Contains(t, offending[1], "ingest lagging")
}

func TestScanErrorsHonorsAllowList(t *testing.T) {
	path := writeLog(t, `2025-08-27T10:00:01Z ERROR could not open layer file
2025-08-27T10:00:02Z WARN ingest lagging behind
`)

	allowed := MustCompile([]string{`ingest lagging`})
	offending, err := ScanErrors(path, allowed)
	require.NoError(t, err)
	require.Len(t, offending, 1)
	assert.Contains(t, offending[0], "layer file")

	allowed = MustCompile([]string{`ingest lagging`, `could not open`})
	offending, err = ScanErrors(path, allowed)
	require.NoError(t, err)
	assert.Empty(t, offending)
}

func TestScanErrorsMissingFile(t *testing.T) {
	offending, err := ScanErrors(filepath.Join(t.TempDir(), "absent.log"), nil)
	require.NoError(t, err)
	assert.Empty(t, offending)
}

func TestContains(t *testing.T) {
	path := writeLog(t, "line one\ncheckpoint complete at 0/16B5A50\nline three\n")

	line, ok, err := Contains(path, `checkpoint complete`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, line, "0/16B5A50")

	_, ok, err = Contains(path, `no such thing`)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitForLineSeesLaterWrite(t *testing.T) {
	path := writeLog(t, "startup\n")

	go func() {
		time.Sleep(100 * time.Millisecond)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString("tenant attached\n")
	}()

	line, err := WaitForLine(context.Background(), path, `tenant attached`, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tenant attached", line)
}

func TestWaitForLineTimesOut(t *testing.T) {
	path := writeLog(t, "startup\n")

	_, err := WaitForLine(context.Background(), path, `never appears`, 300*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
