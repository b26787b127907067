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

// Package s3mock runs an S3-compatible HTTP server inside the test process.
// Test environments point their services at it instead of real AWS: objects
// live in memory and die with the test, no credentials needed.
package s3mock

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Server is an S3-compatible mock server listening on localhost.
type Server struct {
	storage  *Storage
	server   *http.Server
	listener net.Listener
	endpoint string
	logger   *slog.Logger
}

// NewServer creates and starts a mock server on the given port. Port 0
// picks a free port; the chosen endpoint is available via Endpoint().
func NewServer(port int, logger *slog.Logger) (*Server, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	s := &Server{
		storage:  NewStorage(),
		listener: listener,
		endpoint: fmt.Sprintf("http://127.0.0.1:%d", actualPort),
		logger:   logger,
	}
	s.server = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() { _ = s.server.Serve(listener) }()

	return s, nil
}

// Endpoint returns the server's base URL.
func (s *Server) Endpoint() string { return s.endpoint }

// Storage exposes the backing storage for direct inspection in tests.
func (s *Server) Storage() *Storage { return s.storage }

// CreateBucket creates a bucket. Buckets are created through this method,
// not over HTTP, so a misconfigured service cannot conjure one up.
func (s *Server) CreateBucket(name string) error {
	return s.storage.CreateBucket(name)
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.server.Close()
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if s.logger != nil {
			s.logger.Debug("s3mock request", "method", r.Method, "path", r.URL.Path, "query", r.URL.RawQuery)
		}

		bucket, key := parseBucketAndKey(r.URL.Path)
		if bucket == "" {
			writeS3Error(w, "InvalidRequest", "missing bucket", http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodHead:
			if key == "" {
				s.handleHeadBucket(w, bucket)
			} else {
				s.handleHeadObject(w, bucket, key)
			}
		case http.MethodGet:
			if key == "" && r.URL.Query().Get("list-type") == "2" {
				s.handleListObjectsV2(w, r, bucket)
			} else if key != "" {
				s.handleGetObject(w, bucket, key)
			} else {
				writeS3Error(w, "MethodNotAllowed", "operation not implemented", http.StatusMethodNotAllowed)
			}
		case http.MethodPut:
			if key == "" {
				writeS3Error(w, "MethodNotAllowed", "bucket creation not supported over HTTP", http.StatusMethodNotAllowed)
			} else {
				s.handlePutObject(w, r, bucket, key)
			}
		case http.MethodPost:
			if r.URL.Query().Has("delete") {
				s.handleDeleteObjects(w, r, bucket)
			} else {
				writeS3Error(w, "MethodNotAllowed", "operation not implemented", http.StatusMethodNotAllowed)
			}
		case http.MethodDelete:
			s.handleDeleteObject(w, bucket, key)
		default:
			writeS3Error(w, "MethodNotAllowed", "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, bucket string) {
	if !s.storage.BucketExists(bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeadObject(w http.ResponseWriter, bucket, key string) {
	obj, err := s.storage.GetObject(bucket, key)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(w http.ResponseWriter, bucket, key string) {
	obj, err := s.storage.GetObject(bucket, key)
	if err != nil {
		code, status := s3ErrorFor(err)
		writeS3Error(w, code, err.Error(), status)
		return
	}
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeS3Error(w, "InvalidRequest", "failed to read body", http.StatusBadRequest)
		return
	}
	if err := s.storage.PutObject(bucket, key, data); err != nil {
		code, status := s3ErrorFor(err)
		writeS3Error(w, code, err.Error(), status)
		return
	}
	obj, _ := s.storage.GetObject(bucket, key)
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, bucket, key string) {
	if err := s.storage.DeleteObject(bucket, key); err != nil {
		code, status := s3ErrorFor(err)
		writeS3Error(w, code, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listPageSize matches the real S3 ListObjectsV2 page limit.
const listPageSize = 1000

type listBucketResult struct {
	XMLName               xml.Name      `xml:"ListBucketResult"`
	Name                  string        `xml:"Name"`
	Prefix                string        `xml:"Prefix"`
	KeyCount              int           `xml:"KeyCount"`
	IsTruncated           bool          `xml:"IsTruncated"`
	NextContinuationToken string        `xml:"NextContinuationToken,omitempty"`
	Contents              []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int    `xml:"Size"`
}

func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	// The continuation token is simply the last key of the previous page.
	startAfter := q.Get("continuation-token")
	if startAfter == "" {
		startAfter = q.Get("start-after")
	}

	keys, more, err := s.storage.ListObjects(bucket, prefix, startAfter, listPageSize)
	if err != nil {
		code, status := s3ErrorFor(err)
		writeS3Error(w, code, err.Error(), status)
		return
	}

	result := listBucketResult{
		Name:        bucket,
		Prefix:      prefix,
		KeyCount:    len(keys),
		IsTruncated: more,
	}
	if more && len(keys) > 0 {
		result.NextContinuationToken = keys[len(keys)-1]
	}
	for _, key := range keys {
		obj, err := s.storage.GetObject(bucket, key)
		if err != nil {
			continue // deleted concurrently
		}
		result.Contents = append(result.Contents, listContent{
			Key:          key,
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
			ETag:         `"` + obj.ETag + `"`,
			Size:         len(obj.Data),
		})
	}
	writeXML(w, http.StatusOK, result)
}

type deleteRequest struct {
	XMLName xml.Name `xml:"Delete"`
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
}

type deleteResult struct {
	XMLName xml.Name `xml:"DeleteResult"`
	Deleted []struct {
		Key string `xml:"Key"`
	} `xml:"Deleted"`
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeS3Error(w, "InvalidRequest", "failed to read body", http.StatusBadRequest)
		return
	}
	var req deleteRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		writeS3Error(w, "MalformedXML", "bad delete request", http.StatusBadRequest)
		return
	}

	var result deleteResult
	for _, obj := range req.Objects {
		if err := s.storage.DeleteObject(bucket, obj.Key); err != nil {
			code, status := s3ErrorFor(err)
			writeS3Error(w, code, err.Error(), status)
			return
		}
		result.Deleted = append(result.Deleted, struct {
			Key string `xml:"Key"`
		}{Key: obj.Key})
	}
	writeXML(w, http.StatusOK, result)
}

// parseBucketAndKey splits a path-style request path into bucket and key.
func parseBucketAndKey(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

type s3Error struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func s3ErrorFor(err error) (code string, status int) {
	switch {
	case err == ErrBucketNotFound:
		return "NoSuchBucket", http.StatusNotFound
	case err == ErrObjectNotFound:
		return "NoSuchKey", http.StatusNotFound
	default:
		return "InternalError", http.StatusInternalServerError
	}
}

func writeS3Error(w http.ResponseWriter, code, message string, status int) {
	writeXML(w, status, s3Error{Code: code, Message: message})
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}
