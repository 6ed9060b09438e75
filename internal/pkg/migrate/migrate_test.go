// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package migrate_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/xattr"
	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/migrate"
)

func populate(t *testing.T, root string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "overlay", "l"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "storage.conf"), []byte("[storage]\ndriver = \"overlay\"\n"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "overlay", "layer"), []byte("layer data"), 0o600))
	require.NoError(t, os.Link(filepath.Join(root, "overlay", "layer"), filepath.Join(root, "overlay", "layer.link")))
	require.NoError(t, os.Symlink("../layer", filepath.Join(root, "overlay", "l", "ABCDEF")))
	require.NoError(t, unix.Mkfifo(filepath.Join(root, "fifo"), 0o600))
	require.NoError(t, os.Chmod(filepath.Join(root, "overlay"), 0o711))

	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, os.Chtimes(filepath.Join(root, "storage.conf"), mtime, mtime))
	require.NoError(t, os.Chtimes(filepath.Join(root, "overlay"), mtime, mtime))
}

type entry struct {
	mode    fs.FileMode
	content string
	link    string
	mtime   time.Time
}

func snapshot(t *testing.T, root string) map[string]entry {
	t.Helper()

	result := map[string]entry{}

	require.NoError(t, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)

		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)

		info, err := os.Lstat(path)
		require.NoError(t, err)

		e := entry{mode: info.Mode()}

		switch {
		case info.Mode().IsRegular():
			b, err := os.ReadFile(path)
			require.NoError(t, err)

			e.content = string(b)
			e.mtime = info.ModTime()
		case info.Mode()&fs.ModeSymlink != 0:
			e.link, err = os.Readlink(path)
			require.NoError(t, err)
		case info.IsDir() && rel != ".":
			e.mtime = info.ModTime()
		}

		result[rel] = e

		return nil
	}))

	return result
}

func TestDirectory(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "containers")
	require.NoError(t, os.Mkdir(source, 0o700))

	populate(t, source)

	xattrSupported := xattr.LSet(filepath.Join(source, "storage.conf"), "user.test", []byte("value")) == nil

	pool := t.TempDir()
	destination := filepath.Join(pool, "var-lib-containers")

	stats, err := migrate.Directory(t.Context(), zaptest.NewLogger(t), source, destination)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Links)
	assert.Equal(t, 1, stats.Symlinks)
	assert.Equal(t, 1, stats.Special)
	assert.Equal(t, 3, stats.Dirs)

	assert.Equal(t, snapshot(t, source), snapshot(t, destination))

	rootInfo, err := os.Stat(destination)
	require.NoError(t, err)
	assert.Equal(t, fs.ModeDir|0o700, rootInfo.Mode())

	layer, err := os.Stat(filepath.Join(destination, "overlay", "layer"))
	require.NoError(t, err)

	link, err := os.Stat(filepath.Join(destination, "overlay", "layer.link"))
	require.NoError(t, err)

	assert.True(t, os.SameFile(layer, link))

	if xattrSupported {
		value, err := xattr.LGet(filepath.Join(destination, "storage.conf"), "user.test")
		require.NoError(t, err)
		assert.Equal(t, "value", string(value))
	}

	_, err = os.Stat(migrate.StagingPath(destination))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// the source is left in place
	assert.FileExists(t, filepath.Join(source, "storage.conf"))
}

func TestDirectoryCommitted(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "etcd")
	require.NoError(t, os.Mkdir(source, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(source, "member"), []byte("new"), 0o600))

	destination := filepath.Join(t.TempDir(), "var-lib-etcd")
	require.NoError(t, os.Mkdir(destination, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(destination, "member"), []byte("old"), 0o600))

	_, err := migrate.Directory(t.Context(), zaptest.NewLogger(t), source, destination)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(destination, "member"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
}

func TestDirectoryStaleStaging(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "etcd")
	require.NoError(t, os.Mkdir(source, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(source, "member"), []byte("data"), 0o600))

	destination := filepath.Join(t.TempDir(), "var-lib-etcd")
	staging := migrate.StagingPath(destination)

	require.NoError(t, os.Mkdir(staging, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "partial"), []byte("half"), 0o600))

	_, err := migrate.Directory(t.Context(), zaptest.NewLogger(t), source, destination)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(destination, "partial"))
	assert.FileExists(t, filepath.Join(destination, "member"))
	assert.NoDirExists(t, staging)
}

func TestDirectoryMissingSource(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "var", "lib", "containers")
	destination := filepath.Join(t.TempDir(), "var-lib-containers")

	stats, err := migrate.Directory(t.Context(), zaptest.NewLogger(t), source, destination)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Files)
	assert.DirExists(t, source)
	assert.DirExists(t, destination)
}

func TestDirectoryFailure(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(source, []byte("not a directory"), 0o600))

	destination := filepath.Join(t.TempDir(), "file")

	_, err := migrate.Directory(t.Context(), zaptest.NewLogger(t), source, destination)
	require.Error(t, err)

	assert.True(t, xerrors.TagIs[fault.MigrationFailed](err))
	assert.NoDirExists(t, destination)
	assert.NoDirExists(t, migrate.StagingPath(destination))
}

func TestDirectoryCanceled(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "containers")
	require.NoError(t, os.Mkdir(source, 0o700))

	populate(t, source)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	destination := filepath.Join(t.TempDir(), "var-lib-containers")

	_, err := migrate.Directory(ctx, zaptest.NewLogger(t), source, destination)
	require.Error(t, err)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, destination)
	assert.NoDirExists(t, migrate.StagingPath(destination))
}
