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

// Package safekeeperapi is an HTTP client for the safekeeper management
// API.
package safekeeperapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/neondb/neontest/go/harness/ident"
)

// APIError is a non-2xx response from the management API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("safekeeper API returned %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to one safekeeper's management API.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient builds a client for the API at baseURL. authToken may be empty.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 60 * time.Second},
	}
}

// CheckStatus verifies the API is up.
func (c *Client) CheckStatus(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/v1/status", nil, nil)
}

// TimelineStatus is the safekeeper's view of one timeline's WAL positions.
type TimelineStatus struct {
	AcceptorEpoch       uint64 `json:"acceptor_epoch"`
	PgVersion           int    `json:"pg_version"`
	FlushLsn            string `json:"flush_lsn"`
	CommitLsn           string `json:"commit_lsn"`
	TimelineStartLsn    string `json:"timeline_start_lsn"`
	BackupLsn           string `json:"backup_lsn"`
	PeerHorizonLsn      string `json:"peer_horizon_lsn"`
	RemoteConsistentLsn string `json:"remote_consistent_lsn"`
}

// FlushLsnParsed returns the flush LSN as a comparable value.
func (s *TimelineStatus) FlushLsnParsed() (ident.Lsn, error) {
	return ident.ParseLsn(s.FlushLsn)
}

// CommitLsnParsed returns the commit LSN as a comparable value.
func (s *TimelineStatus) CommitLsnParsed() (ident.Lsn, error) {
	return ident.ParseLsn(s.CommitLsn)
}

// TimelineCreate registers a timeline on the safekeeper.
func (c *Client) TimelineCreate(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID, pgVersion int, commitLsn ident.Lsn) error {
	body := map[string]any{
		"timeline_id": timeline.String(),
		"pg_version":  pgVersion,
	}
	if commitLsn.IsValid() {
		body["commit_lsn"] = commitLsn.String()
	}
	path := fmt.Sprintf("/v1/tenant/%s/timeline", tenant)
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// TimelineStatus fetches the safekeeper's state for a timeline.
func (c *Client) TimelineStatus(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID) (*TimelineStatus, error) {
	var status TimelineStatus
	path := fmt.Sprintf("/v1/tenant/%s/timeline/%s", tenant, timeline)
	if err := c.call(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RecordSafekeeperInfo injects peer state for a timeline, used by tests to
// simulate broker traffic.
func (c *Client) RecordSafekeeperInfo(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID, info map[string]any) error {
	path := fmt.Sprintf("/v1/record_safekeeper_info/%s/%s", tenant, timeline)
	return c.call(ctx, http.MethodPost, path, info, nil)
}

// PullTimeline copies a timeline from other safekeepers onto this one.
func (c *Client) PullTimeline(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID, httpHosts []string) (map[string]any, error) {
	body := map[string]any{
		"tenant_id":   tenant.String(),
		"timeline_id": timeline.String(),
		"http_hosts":  httpHosts,
	}
	var result map[string]any
	if err := c.call(ctx, http.MethodPost, "/v1/pull_timeline", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// TimelineDeleteForce removes a timeline even if it is active.
func (c *Client) TimelineDeleteForce(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID) (map[string]any, error) {
	var result map[string]any
	path := fmt.Sprintf("/v1/tenant/%s/timeline/%s", tenant, timeline)
	if err := c.call(ctx, http.MethodDelete, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// TenantDeleteForce removes all of a tenant's timelines.
func (c *Client) TenantDeleteForce(ctx context.Context, tenant ident.TenantID) (map[string]any, error) {
	var result map[string]any
	path := fmt.Sprintf("/v1/tenant/%s", tenant)
	if err := c.call(ctx, http.MethodDelete, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DebugDump returns the safekeeper's full debug state.
func (c *Client) DebugDump(ctx context.Context) (map[string]any, error) {
	var dump map[string]any
	if err := c.call(ctx, http.MethodGet, "/v1/debug_dump", nil, &dump); err != nil {
		return nil, err
	}
	return dump, nil
}

// Metrics holds the per-timeline LSN gauges scraped from /metrics.
type Metrics struct {
	FlushLsn  map[TimelineKey]uint64
	CommitLsn map[TimelineKey]uint64
}

// TimelineKey identifies a timeline in metrics labels.
type TimelineKey struct {
	TenantID   string
	TimelineID string
}

var (
	flushLsnRe  = regexp.MustCompile(`^safekeeper_flush_lsn\{tenant_id="([0-9a-f]+)",timeline_id="([0-9a-f]+)"\}\s+(\S+)`)
	commitLsnRe = regexp.MustCompile(`^safekeeper_commit_lsn\{tenant_id="([0-9a-f]+)",timeline_id="([0-9a-f]+)"\}\s+(\S+)`)
)

// ScrapeMetrics fetches /metrics and parses the flush and commit LSN
// gauges.
func (c *Client) ScrapeMetrics(ctx context.Context) (*Metrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	metrics := &Metrics{
		FlushLsn:  make(map[TimelineKey]uint64),
		CommitLsn: make(map[TimelineKey]uint64),
	}
	for _, line := range strings.Split(string(data), "\n") {
		for re, dest := range map[*regexp.Regexp]map[TimelineKey]uint64{
			flushLsnRe:  metrics.FlushLsn,
			commitLsnRe: metrics.CommitLsn,
		} {
			if m := re.FindStringSubmatch(line); m != nil {
				// Prometheus renders integers as floats.
				v, err := strconv.ParseFloat(m[3], 64)
				if err != nil {
					return nil, fmt.Errorf("bad gauge value in %q: %w", line, err)
				}
				dest[TimelineKey{TenantID: m[1], TimelineID: m[2]}] = uint64(v)
			}
		}
	}
	return metrics, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
