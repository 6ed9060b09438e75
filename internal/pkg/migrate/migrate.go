// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package migrate moves the content of a directory into the storage pool.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
)

// StagingPath returns the in-flight copy location for the final destination.
func StagingPath(destination string) string {
	return filepath.Join(filepath.Dir(destination), "."+filepath.Base(destination)+constants.StagingSuffix)
}

// Directory copies the content of source into destination.
//
// The copy goes to a staging directory next to destination, which is renamed to destination
// once the copy is complete and flushed. An existing destination means an earlier run already
// committed the copy, and nothing is done. A missing source is created empty first.
// On failure the staging directory is removed and source is left untouched.
func Directory(ctx context.Context, logger *zap.Logger, source, destination string) (*Stats, error) {
	logger = logger.With(zap.String("target", source), zap.String("subdir", destination))

	if _, err := os.Lstat(destination); err == nil {
		logger.Info("directory already migrated")

		return &Stats{}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.NewTaggedf[fault.MigrationFailed]("error checking %s: %w", destination, err)
	}

	staging := StagingPath(destination)

	if err := os.RemoveAll(staging); err != nil {
		return nil, xerrors.NewTaggedf[fault.MigrationFailed]("error removing stale staging directory %s: %w", staging, err)
	}

	if _, err := os.Lstat(source); errors.Is(err, os.ErrNotExist) {
		logger.Info("target directory doesn't exist, creating it empty")

		if err = os.MkdirAll(source, 0o755); err != nil {
			return nil, xerrors.NewTaggedf[fault.MigrationFailed]("error creating %s: %w", source, err)
		}
	}

	stats, err := copyTree(ctx, source, staging)
	if err == nil {
		err = commit(staging, destination)
	}

	if err != nil {
		if cleanupErr := os.RemoveAll(staging); cleanupErr != nil {
			logger.Warn("failed to remove staging directory", zap.String("staging", staging), zap.Error(cleanupErr))
		}

		return nil, xerrors.NewTaggedf[fault.MigrationFailed]("error migrating %s: %w", source, err)
	}

	logger.Info("migrated directory",
		zap.Int("files", stats.Files),
		zap.Int("dirs", stats.Dirs),
		zap.Int("symlinks", stats.Symlinks),
		zap.Int("hardlinks", stats.Links),
		zap.Int("special", stats.Special),
		zap.String("size", humanize.IBytes(uint64(stats.Bytes))),
	)

	return stats, nil
}

// commit flushes the staging copy and renames it to its final name.
func commit(staging, destination string) error {
	if err := syncFS(staging); err != nil {
		return err
	}

	if err := os.Rename(staging, destination); err != nil {
		return fmt.Errorf("error renaming %s to %s: %w", staging, destination, err)
	}

	return syncDir(filepath.Dir(destination))
}

func syncFS(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	if err = unix.Syncfs(int(f.Fd())); err != nil {
		return fmt.Errorf("error syncing filesystem of %s: %w", path, err)
	}

	return nil
}

func syncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	return f.Sync()
}
