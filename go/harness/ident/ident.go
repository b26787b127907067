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

// Package ident holds the identifier types the storage cluster speaks:
// tenant and timeline ids (128-bit, rendered as 32 lowercase hex chars) and
// WAL positions (Lsn).
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// id is a 128-bit identifier. TenantID and TimelineID are distinct types on
// top of it so the compiler rejects passing one where the other is meant.
type id [16]byte

func (i id) String() string { return hex.EncodeToString(i[:]) }
func (i id) IsZero() bool   { return i == id{} }

func generateID() id {
	var i id
	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(i[:])
	return i
}

func parseID(s string) (id, error) {
	var i id
	if len(s) != 32 {
		return i, fmt.Errorf("id must be 32 hex chars, got %d in %q", len(s), s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return i, fmt.Errorf("bad id %q: %w", s, err)
	}
	copy(i[:], b)
	return i, nil
}

// TenantID identifies a tenant.
type TenantID struct{ id }

// TimelineID identifies a timeline (a branch of a tenant's history).
type TimelineID struct{ id }

// GenerateTenantID returns a fresh random tenant id.
func GenerateTenantID() TenantID { return TenantID{generateID()} }

// GenerateTimelineID returns a fresh random timeline id.
func GenerateTimelineID() TimelineID { return TimelineID{generateID()} }

// ParseTenantID parses a 32-char hex tenant id.
func ParseTenantID(s string) (TenantID, error) {
	i, err := parseID(s)
	return TenantID{i}, err
}

// ParseTimelineID parses a 32-char hex timeline id.
func ParseTimelineID(s string) (TimelineID, error) {
	i, err := parseID(s)
	return TimelineID{i}, err
}
