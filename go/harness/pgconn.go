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
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// defaultStatementTimeout keeps a hung query from stalling a whole test
// run.
const defaultStatementTimeout = "120s"

// ConnOptions selects what to connect to. Zero values fall back to the
// harness defaults (postgres database, cloud_admin user, localhost).
type ConnOptions struct {
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
	Options  map[string]string // extra libpq parameters
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.DBName == "" {
		o.DBName = "postgres"
	}
	if o.User == "" {
		o.User = "cloud_admin"
	}
	return o
}

// ConnStr renders the options as a libpq keyword/value connection string.
func (o ConnOptions) ConnStr() string {
	o = o.withDefaults()
	parts := []string{
		fmt.Sprintf("host=%s", o.Host),
		fmt.Sprintf("port=%d", o.Port),
		fmt.Sprintf("dbname=%s", o.DBName),
		fmt.Sprintf("user=%s", o.User),
		"sslmode=disable",
	}
	if o.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", o.Password))
	}
	options := []string{"-cstatement_timeout=" + defaultStatementTimeout}
	for k, v := range o.Options {
		options = append(options, fmt.Sprintf("-c%s=%s", k, v))
	}
	parts = append(parts, fmt.Sprintf("options='%s'", strings.Join(options, " ")))
	return strings.Join(parts, " ")
}

// Conn returns the endpoint's connection options with overrides applied.
func (ep *Endpoint) Conn(override func(*ConnOptions)) ConnOptions {
	opts := ConnOptions{Port: ep.pgPort}
	if override != nil {
		override(&opts)
	}
	return opts.withDefaults()
}

// Connect opens a database handle to the endpoint and verifies it with a
// ping.
func (ep *Endpoint) Connect(ctx context.Context) (*sql.DB, error) {
	return connect(ctx, ep.Conn(nil).ConnStr())
}

// SafePsql runs one query and returns all rows as strings. It mirrors
// running a quick psql command: fine for assertions, not for bulk data.
func (ep *Endpoint) SafePsql(ctx context.Context, query string, args ...any) ([][]string, error) {
	db, err := ep.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return queryStrings(ctx, db, query, args...)
}

func connect(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([][]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result [][]string
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		scan := make([]any, len(cols))
		for i := range raw {
			scan[i] = &raw[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
