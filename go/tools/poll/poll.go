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

// Package poll implements fixed-interval condition polling against a
// wall-clock deadline. Readiness checks on freshly spawned processes all
// funnel through here so that timeout errors carry the same shape: elapsed
// time, attempt count, and the last observed error.
//
// Example usage:
//
//	err := poll.Until(ctx, 500*time.Millisecond, 3*time.Second, func() error {
//	    return client.CheckStatus(ctx)
//	})
package poll

import (
	"context"
	"fmt"
	"time"
)

// Until calls fn every interval until it returns nil, the timeout elapses,
// or ctx is done. The first call happens immediately. On timeout the
// returned error wraps the last error from fn and reports elapsed time and
// the number of attempts made.
func Until(ctx context.Context, interval, timeout time.Duration, fn func() error) error {
	started := time.Now()
	deadline := started.Add(timeout)

	attempts := 0
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempts++
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !time.Now().Add(interval).Before(deadline) {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("condition not met after %v (%d attempts): %w",
		time.Since(started).Round(time.Millisecond), attempts, lastErr)
}
