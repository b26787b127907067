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

// neontest spins up and tears down a local storage cluster playground: the
// same broker, pageserver, and safekeepers the test harness manages, but
// long-lived and driven from the command line.
package main

import (
	"log/slog"
	"os"

	"github.com/neondb/neontest/go/cmd/neontest/command"
)

func main() {
	if err := command.GetRootCommand().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
