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
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"

	"github.com/spf13/afero"
)

// keepFileRe matches file names preserved by local cleanup: configuration,
// metadata, and captured output. Logs must survive cleanup because the
// teardown log gate reads them afterwards.
var keepFileRe = regexp.MustCompile(`^(?:config|metadata|.+\.(?:toml|pid|json|sql|log|stderr|stdout))$`)

// cleanupLocalStorage deletes the bulky data files under root, keeping
// configs and metadata, then prunes directories left empty. Operating
// through afero lets tests inject a filesystem that fails.
func cleanupLocalStorage(fs afero.Fs, logger *slog.Logger, root string) error {
	var dirs []string
	removed := 0

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if keepFileRe.MatchString(info.Name()) {
			return nil
		}
		if err := fs.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return err
	}

	// Children sort after parents, so reverse order empties leaves first.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		entries, err := afero.ReadDir(fs, dir)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", dir, err)
		}
		if len(entries) == 0 {
			if err := fs.Remove(dir); err != nil {
				return fmt.Errorf("remove dir %s: %w", dir, err)
			}
		}
	}

	logger.Debug("local storage cleaned", "root", root, "files_removed", removed)
	return nil
}
