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

package command

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SafekeeperState records one safekeeper's ports.
type SafekeeperState struct {
	ID       int `yaml:"id"`
	PgPort   int `yaml:"pg_port"`
	HTTPPort int `yaml:"http_port"`
}

// State is what `neontest up` leaves behind for `status` and `down`.
type State struct {
	RepoDir            string            `yaml:"repo_dir"`
	PgVersion          string            `yaml:"pg_version"`
	DefaultTenant      string            `yaml:"default_tenant"`
	InitialTimeline    string            `yaml:"initial_timeline,omitempty"`
	BrokerAddr         string            `yaml:"broker_addr"`
	PageserverPgPort   int               `yaml:"pageserver_pg_port"`
	PageserverHTTPPort int               `yaml:"pageserver_http_port"`
	Safekeepers        []SafekeeperState `yaml:"safekeepers"`
	StartedAt          time.Time         `yaml:"started_at"`
}

func saveState(path string, s *State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write state file %s: %w", path, err)
	}
	return nil
}

func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no playground state at %s, run 'neontest up' first", path)
		}
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return &s, nil
}

func removeState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file %s: %w", path, err)
	}
	return nil
}
