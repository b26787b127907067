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

// Package pageserverapi is an HTTP client for the pageserver management
// API. Tests use it to create and inspect tenants and timelines and to
// trigger maintenance operations the CLI has no verb for.
package pageserverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
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
	return fmt.Sprintf("pageserver API returned %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// IsNotAcceptable reports whether err is an APIError with status 406, the
// code the pageserver uses for semantically invalid requests such as
// branching at an LSN that predates the ancestor's start.
func IsNotAcceptable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotAcceptable
}

// Client talks to one pageserver's management API.
type Client struct {
	baseURL   string
	authToken string // empty when auth is off
	http      *http.Client
}

// NewClient builds a client for the API at baseURL (no trailing slash).
// authToken may be empty.
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

// TenantInfo is one entry of the tenant listing.
type TenantInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// TenantList lists the tenants the pageserver knows.
func (c *Client) TenantList(ctx context.Context) ([]TenantInfo, error) {
	var tenants []TenantInfo
	if err := c.call(ctx, http.MethodGet, "/v1/tenant", nil, &tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

// TenantCreate creates a tenant. A zero id lets the pageserver pick one;
// the effective id is returned either way.
func (c *Client) TenantCreate(ctx context.Context, tenant ident.TenantID, conf map[string]any) (ident.TenantID, error) {
	body := map[string]any{}
	for k, v := range conf {
		body[k] = v
	}
	if !tenant.IsZero() {
		body["new_tenant_id"] = tenant.String()
	}

	var created string
	if err := c.call(ctx, http.MethodPost, "/v1/tenant", body, &created); err != nil {
		return ident.TenantID{}, err
	}
	return ident.ParseTenantID(created)
}

// TenantConfig updates a tenant's config overrides.
func (c *Client) TenantConfig(ctx context.Context, tenant ident.TenantID, conf map[string]any) error {
	body := map[string]any{"tenant_id": tenant.String()}
	for k, v := range conf {
		body[k] = v
	}
	return c.call(ctx, http.MethodPut, "/v1/tenant/config", body, nil)
}

// TimelineInfo describes one timeline as the management API reports it.
type TimelineInfo struct {
	TimelineID         string `json:"timeline_id"`
	TenantID           string `json:"tenant_id"`
	AncestorTimelineID string `json:"ancestor_timeline_id"`
	AncestorLsn        string `json:"ancestor_lsn"`
	LastRecordLsn      string `json:"last_record_lsn"`
	DiskConsistentLsn  string `json:"disk_consistent_lsn"`
	State              string `json:"state"`
}

// TimelineList lists a tenant's timelines.
func (c *Client) TimelineList(ctx context.Context, tenant ident.TenantID) ([]TimelineInfo, error) {
	var timelines []TimelineInfo
	path := fmt.Sprintf("/v1/tenant/%s/timeline", tenant)
	if err := c.call(ctx, http.MethodGet, path, nil, &timelines); err != nil {
		return nil, err
	}
	return timelines, nil
}

// TimelineDetail fetches one timeline.
func (c *Client) TimelineDetail(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID) (*TimelineInfo, error) {
	var info TimelineInfo
	path := fmt.Sprintf("/v1/tenant/%s/timeline/%s", tenant, timeline)
	if err := c.call(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// TimelineCreate creates a timeline, optionally branching off an ancestor
// at a fixed LSN. Branch points that precede the ancestor's start come back
// as 406, detectable with IsNotAcceptable.
func (c *Client) TimelineCreate(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID, ancestor ident.TimelineID, ancestorStartLsn ident.Lsn, pgVersion string) (*TimelineInfo, error) {
	body := map[string]any{
		"new_timeline_id": timeline.String(),
	}
	if !ancestor.IsZero() {
		body["ancestor_timeline_id"] = ancestor.String()
	}
	if ancestorStartLsn.IsValid() {
		body["ancestor_start_lsn"] = ancestorStartLsn.String()
	}
	if pgVersion != "" {
		body["pg_version"] = pgVersion
	}

	var info TimelineInfo
	path := fmt.Sprintf("/v1/tenant/%s/timeline", tenant)
	if err := c.call(ctx, http.MethodPost, path, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// TimelineDelete removes a timeline.
func (c *Client) TimelineDelete(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID) error {
	path := fmt.Sprintf("/v1/tenant/%s/timeline/%s", tenant, timeline)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// TimelineCheckpoint forces a checkpoint of the timeline.
func (c *Client) TimelineCheckpoint(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID) error {
	path := fmt.Sprintf("/v1/tenant/%s/timeline/%s/checkpoint", tenant, timeline)
	return c.call(ctx, http.MethodPut, path, nil, nil)
}

// GCResult reports what a garbage-collection pass removed.
type GCResult map[string]any

// TimelineGC runs garbage collection on the timeline. gcHorizon overrides
// the configured horizon when non-nil.
func (c *Client) TimelineGC(ctx context.Context, tenant ident.TenantID, timeline ident.TimelineID, gcHorizon *uint64) (GCResult, error) {
	var body map[string]any
	if gcHorizon != nil {
		body = map[string]any{"gc_horizon": *gcHorizon}
	}

	var result GCResult
	path := fmt.Sprintf("/v1/tenant/%s/timeline/%s/do_gc", tenant, timeline)
	if err := c.call(ctx, http.MethodPut, path, body, &result); err != nil {
		return nil, err
	}
	return result, nil
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
