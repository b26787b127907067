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

// Package logscan scrapes service log files. Tests use it two ways: as a
// teardown gate that fails when a log holds ERROR or WARN lines outside an
// allow-list, and as a probe for a specific line to appear.
package logscan

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
)

// errorRe matches the severity token of an offending log line. The leading
// whitespace keeps substrings of ordinary words from matching.
var errorRe = regexp.MustCompile(`\s(ERROR|WARN)`)

// ScanErrors reads the log file at path and returns every ERROR/WARN line
// that matches none of the allowed patterns. A missing file is not an
// error: a service that never started has nothing to report.
func ScanErrors(path string, allowed []*regexp.Regexp) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	var offending []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !errorRe.MatchString(line) {
			continue
		}
		if matchesAny(line, allowed) {
			continue
		}
		offending = append(offending, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log %s: %w", path, err)
	}
	return offending, nil
}

// Contains reports the first line of the log file matching pattern. The
// result reflects what has been flushed to disk at call time; a line the
// service has produced but not yet flushed is not seen.
func Contains(path, pattern string) (string, bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", false, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}

	return containsRe(path, re)
}

func containsRe(path string, re *regexp.Regexp) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); re.MatchString(line) {
			return line, true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("scan log %s: %w", path, err)
	}
	return "", false, nil
}

// WaitForLine blocks until a line matching pattern appears in the log file
// or the timeout elapses. File writes are observed through fsnotify, with a
// periodic rescan as a fallback for filesystems that drop events.
func WaitForLine(ctx context.Context, path, pattern string, timeout time.Duration) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", pattern, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the file itself when it exists, otherwise its directory so we
	// notice creation.
	if err := watcher.Add(path); err != nil {
		if err := watcher.Add(dirOf(path)); err != nil {
			return "", fmt.Errorf("watch %s: %w", path, err)
		}
	}

	fallback := time.NewTicker(500 * time.Millisecond)
	defer fallback.Stop()

	for {
		if line, ok, err := containsRe(path, re); err != nil {
			return "", err
		} else if ok {
			return line, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out after %v waiting for %q in %s", timeout, pattern, path)
		case <-watcher.Events:
		case err := <-watcher.Errors:
			if err != nil {
				return "", fmt.Errorf("watch %s: %w", path, err)
			}
		case <-fallback.C:
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func matchesAny(line string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// MustCompile compiles each pattern, panicking on the first invalid one.
// Allow-lists are literals in test code, so a bad pattern is a coding error.
func MustCompile(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(p))
	}
	return res
}
