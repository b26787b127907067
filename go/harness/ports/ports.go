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

// Package ports hands out listen ports to the services a test environment
// spawns. Each test worker owns a disjoint slice of the port space so that
// parallel workers never fight over a port, and every port is verified
// bindable before it is handed out.
package ports

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
)

const (
	// BasePort is where the first worker's port slice begins.
	BasePort = 15000

	// WorkerPortNum is the number of ports reserved per test worker.
	WorkerPortNum = 1000

	// ephemeralLow is the bottom of the kernel's default ephemeral range.
	// Worker slices must stay below it.
	ephemeralLow = 32768
)

// ErrExhausted is returned by Get when no free port remains in the
// distributor's range.
var ErrExhausted = errors.New("port range exhausted")

// portRe matches a single ":port" occurrence in an address-like string,
// either at the end or followed by a path separator.
var portRe = regexp.MustCompile(`:(\d+)(?:/|$)`)

// WorkerBasePort returns the base port for the worker with the given
// zero-based sequence number.
func WorkerBasePort(seq int) int {
	return BasePort + seq*WorkerPortNum
}

// CheckWorkerCount verifies that n parallel workers fit below the ephemeral
// port range.
func CheckWorkerCount(n int) error {
	if top := WorkerBasePort(n); top > ephemeralLow {
		return fmt.Errorf("%d workers would reach port %d, beyond the ephemeral boundary %d", n, top, ephemeralLow)
	}
	return nil
}

// Distributor allocates distinct, currently bindable ports from a bounded
// range and memoizes port replacements so that repeated remappings of the
// same original port agree.
type Distributor struct {
	mu       sync.Mutex
	base     int
	next     int
	end      int
	assigned map[int]int // original port -> replacement
}

// NewDistributor creates a distributor over [basePort, basePort+count).
func NewDistributor(basePort, count int) *Distributor {
	return &Distributor{
		base:     basePort,
		next:     basePort,
		end:      basePort + count,
		assigned: make(map[int]int),
	}
}

// Get returns the next free port in the range. A port is considered free
// when a listener can be bound to it on 127.0.0.1 right now. Ports already
// handed out are never returned again, even after their user exits.
func (d *Distributor) Get() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked()
}

func (d *Distributor) getLocked() (int, error) {
	for d.next < d.end {
		port := d.next
		d.next++
		if canBind("127.0.0.1", port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range [%d, %d): %w", d.base, d.end, ErrExhausted)
}

// ReplacePort returns the replacement port for the given original port,
// allocating one on first sight and returning the same replacement on every
// subsequent call.
func (d *Distributor) ReplacePort(original int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replaceLocked(original)
}

func (d *Distributor) replaceLocked(original int) (int, error) {
	if p, ok := d.assigned[original]; ok {
		return p, nil
	}
	p, err := d.getLocked()
	if err != nil {
		return 0, err
	}
	d.assigned[original] = p
	return p, nil
}

// ReplaceAddr rewrites the single ":port" occurrence in an address-like
// string (host:port, or a URL whose port is followed by a path) with that
// port's memoized replacement. A string with zero or multiple port tokens
// is an error: partially rewritten connection strings must never escape.
func (d *Distributor) ReplaceAddr(addr string) (string, error) {
	matches := portRe.FindAllStringSubmatchIndex(addr, -1)
	if len(matches) != 1 {
		return "", fmt.Errorf("expected exactly one port in %q, found %d", addr, len(matches))
	}

	lo, hi := matches[0][2], matches[0][3]
	original, err := strconv.Atoi(addr[lo:hi])
	if err != nil {
		return "", fmt.Errorf("bad port in %q: %w", addr, err)
	}

	d.mu.Lock()
	replacement, err := d.replaceLocked(original)
	d.mu.Unlock()
	if err != nil {
		return "", err
	}

	return addr[:lo] + strconv.Itoa(replacement) + addr[hi:], nil
}

// canBind probes a port by binding a listener to it. No SO_REUSEADDR: a
// port in TIME_WAIT is treated as taken, same as one with a live listener.
func canBind(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
