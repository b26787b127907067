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
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// deleteBatchSize is the S3 DeleteObjects limit per request.
const deleteBatchSize = 1000

// Cleaner deletes everything under a bucket prefix through the S3 REST API.
// It speaks path-style addressing so the same code works against the
// in-process mock server and a real bucket.
type Cleaner struct {
	storage S3Storage
	client  *http.Client
}

// NewCleaner builds a cleaner for the given S3 storage.
func NewCleaner(s S3Storage) *Cleaner {
	return &Cleaner{
		storage: s,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// DeletePrefix lists and deletes all objects under prefix, paginating the
// listing and batching deletes at the API limit. Returns the number of
// objects deleted.
func (c *Cleaner) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	token := ""
	for {
		page, err := c.listPage(ctx, prefix, token)
		if err != nil {
			return deleted, err
		}

		for start := 0; start < len(page.Contents); start += deleteBatchSize {
			end := min(start+deleteBatchSize, len(page.Contents))
			keys := make([]string, 0, end-start)
			for _, obj := range page.Contents[start:end] {
				keys = append(keys, obj.Key)
			}
			if err := c.deleteBatch(ctx, keys); err != nil {
				return deleted, err
			}
			deleted += len(keys)
		}

		if !page.IsTruncated {
			return deleted, nil
		}
		token = page.NextContinuationToken
	}
}

type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

func (c *Cleaner) listPage(ctx context.Context, prefix, token string) (*listBucketResult, error) {
	q := url.Values{}
	q.Set("list-type", "2")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if token != "" {
		q.Set("continuation-token", token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.bucketURL()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req, nil)
	if err != nil {
		return nil, fmt.Errorf("list bucket %s: %w", c.storage.Bucket, err)
	}

	var result listBucketResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse list response: %w", err)
	}
	return &result, nil
}

type deleteRequest struct {
	XMLName xml.Name `xml:"Delete"`
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
}

func (c *Cleaner) deleteBatch(ctx context.Context, keys []string) error {
	var del deleteRequest
	for _, k := range keys {
		del.Objects = append(del.Objects, struct {
			Key string `xml:"Key"`
		}{Key: k})
	}
	payload, err := xml.Marshal(del)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.bucketURL()+"?delete", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")

	if _, err := c.do(req, payload); err != nil {
		return fmt.Errorf("batch delete %d objects: %w", len(keys), err)
	}
	return nil
}

func (c *Cleaner) bucketURL() string {
	endpoint := c.storage.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", c.storage.Region)
	}
	return endpoint + "/" + c.storage.Bucket
}

// do signs (when credentials are present), sends, and reads the response,
// turning non-2xx statuses into errors carrying the response body.
func (c *Cleaner) do(req *http.Request, payload []byte) ([]byte, error) {
	if c.storage.AccessKey != "" {
		signV4(req, payload, c.storage, time.Now().UTC())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
