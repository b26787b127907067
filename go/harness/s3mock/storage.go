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

package s3mock

import (
	"crypto/md5" // #nosec G501 - MD5 used for S3 ETag calculation (non-cryptographic use)
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrBucketAlreadyExists = errors.New("bucket already exists")
	ErrObjectNotFound      = errors.New("object not found")
)

// Object is an S3 object held in memory.
type Object struct {
	Key          string
	Data         []byte
	ETag         string
	LastModified time.Time
}

type bucket struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

// Storage is the in-memory storage backend behind the mock server. Objects
// live for the duration of the test process.
type Storage struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewStorage creates an empty storage backend.
func NewStorage() *Storage {
	return &Storage{buckets: make(map[string]*bucket)}
}

// CreateBucket creates a new bucket.
func (s *Storage) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buckets[name]; exists {
		return ErrBucketAlreadyExists
	}
	s.buckets[name] = &bucket{objects: make(map[string]*Object)}
	return nil
}

// BucketExists checks if a bucket exists.
func (s *Storage) BucketExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.buckets[name]
	return exists
}

// PutObject stores an object, replacing any previous version.
func (s *Storage) PutObject(bucketName, key string, data []byte) error {
	b, err := s.bucket(bucketName)
	if err != nil {
		return err
	}

	hash := md5.Sum(data) // #nosec G401 - ETag calculation, non-cryptographic
	obj := &Object{
		Key:          key,
		Data:         append([]byte(nil), data...),
		ETag:         hex.EncodeToString(hash[:]),
		LastModified: time.Now(),
	}

	b.mu.Lock()
	b.objects[key] = obj
	b.mu.Unlock()
	return nil
}

// GetObject retrieves an object.
func (s *Storage) GetObject(bucketName, key string) (*Object, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	obj, exists := b.objects[key]
	b.mu.RUnlock()
	if !exists {
		return nil, ErrObjectNotFound
	}
	return obj, nil
}

// DeleteObject removes an object. Deleting a missing key succeeds, matching
// S3 semantics.
func (s *Storage) DeleteObject(bucketName, key string) error {
	b, err := s.bucket(bucketName)
	if err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

// ListObjects returns the keys under prefix in lexical order, starting
// after startAfter, up to limit entries. more is true when entries remain.
func (s *Storage) ListObjects(bucketName, prefix, startAfter string, limit int) (keys []string, more bool, err error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, false, err
	}

	b.mu.RLock()
	all := make([]string, 0, len(b.objects))
	for key := range b.objects {
		if prefix == "" || hasPrefix(key, prefix) {
			all = append(all, key)
		}
	}
	b.mu.RUnlock()

	sort.Strings(all)
	for _, key := range all {
		if startAfter != "" && key <= startAfter {
			continue
		}
		if len(keys) == limit {
			return keys, true, nil
		}
		keys = append(keys, key)
	}
	return keys, false, nil
}

func (s *Storage) bucket(name string) (*bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, exists := s.buckets[name]
	if !exists {
		return nil, ErrBucketNotFound
	}
	return b, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
