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

package ident

import (
	"fmt"
	"strconv"
	"strings"
)

// Lsn is a WAL position. The textual form is "X/Y" where X is the high and
// Y the low 32 bits, both hex. The zero value means "unset".
type Lsn uint64

// ParseLsn parses the "X/Y" textual form.
func ParseLsn(s string) (Lsn, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("lsn %q is not in X/Y form", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad lsn %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad lsn %q: %w", s, err)
	}
	return Lsn(h<<32 | l), nil
}

func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// IsValid reports whether the Lsn is set.
func (l Lsn) IsValid() bool { return l != 0 }
