// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package atomicfile replaces files so that readers never observe partial content.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteFile atomically replaces path with data.
//
// The parent directory is flushed after the rename, so the new content survives a power loss.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}

	return SyncDir(filepath.Dir(path))
}

// SyncDir flushes directory entries of dir to disk.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	if err = f.Sync(); err != nil {
		return fmt.Errorf("error syncing directory %s: %w", dir, err)
	}

	return nil
}
