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

package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnStrDefaults(t *testing.T) {
	got := ConnOptions{Port: 55432}.ConnStr()
	assert.Equal(t,
		"host=localhost port=55432 dbname=postgres user=cloud_admin sslmode=disable "+
			"options='-cstatement_timeout=120s'", got)
}

func TestConnStrOverrides(t *testing.T) {
	got := ConnOptions{
		Host:     "10.0.0.5",
		Port:     5432,
		DBName:   "regression",
		User:     "tester",
		Password: "hunter2",
		Options:  map[string]string{"search_path": "public"},
	}.ConnStr()

	assert.Contains(t, got, "host=10.0.0.5")
	assert.Contains(t, got, "dbname=regression")
	assert.Contains(t, got, "user=tester")
	assert.Contains(t, got, "password=hunter2")
	assert.Contains(t, got, "-cstatement_timeout=120s")
	assert.Contains(t, got, "-csearch_path=public")
}

func TestEndpointConnUsesEndpointPort(t *testing.T) {
	ep := &Endpoint{pgPort: 55499}

	opts := ep.Conn(nil)
	assert.Equal(t, 55499, opts.Port)
	assert.Equal(t, "cloud_admin", opts.User)

	opts = ep.Conn(func(o *ConnOptions) { o.DBName = "neondb" })
	assert.Equal(t, "neondb", opts.DBName)
	assert.Equal(t, 55499, opts.Port)
}
