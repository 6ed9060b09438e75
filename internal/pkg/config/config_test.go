// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/config"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`directories:
  - /var/lib/containers
  - /var/lib/etcd/
filesystem: ext4
persistence: fstab
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/var/lib/containers", "/var/lib/etcd"}, cfg.Directories)
	assert.Equal(t, config.FilesystemExt4, cfg.Filesystem)
	assert.Equal(t, config.AggregationStriped, cfg.Aggregation)
	assert.Equal(t, config.SelectionAll, cfg.Selection)
	assert.Equal(t, config.PersistenceFstab, cfg.Persistence)
	assert.Empty(t, cfg.Platform)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	assert.True(t, xerrors.TagIs[fault.ConfigUnreadable](err))
}

func TestParseEmptyList(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte("directories: []\n"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Directories)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		source string
	}{
		{
			name:   "empty document",
			source: "",
		},
		{
			name:   "malformed",
			source: "directories: [",
		},
		{
			name:   "missing directories",
			source: "filesystem: xfs\n",
		},
		{
			name:   "unknown key",
			source: "directories: []\nmountpoint: /mnt\n",
		},
		{
			name:   "relative path",
			source: "directories: [var/lib/containers]\n",
		},
		{
			name:   "duplicate",
			source: "directories: [/var/lib/containers, /var/lib/containers/]\n",
		},
		{
			name:   "nested",
			source: "directories: [/var/lib, /var/lib/containers]\n",
		},
		{
			name:   "root",
			source: "directories: [/]\n",
		},
		{
			name:   "reserved mountpoint",
			source: "directories: [/var/mnt]\n",
		},
		{
			name:   "reserved state directory",
			source: "directories: [/var/lib/instance-store-provisioner/data]\n",
		},
		{
			name:   "unsupported filesystem",
			source: "directories: []\nfilesystem: btrfs\n",
		},
		{
			name:   "unsupported selection",
			source: "directories: []\nselection: smallest\n",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Parse([]byte(test.source))
			require.Error(t, err)

			assert.True(t, xerrors.TagIs[fault.ConfigInvalid](err), "unexpected error: %v", err)
		})
	}
}

func TestParseReserved(t *testing.T) {
	t.Parallel()

	reserved := []string{"/srv/instance-storage", "/srv/state/"}

	// the default reserved paths are not checked once others are given
	cfg, err := config.Parse([]byte("directories: [/var/mnt/data]\n"), reserved...)
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/mnt/data"}, cfg.Directories)

	for _, dir := range []string{"/srv", "/srv/instance-storage", "/srv/instance-storage/data", "/srv/state"} {
		_, err = config.Parse([]byte("directories: ["+dir+"]\n"), reserved...)
		require.Error(t, err, dir)
		assert.True(t, xerrors.TagIs[fault.ConfigInvalid](err))
	}

	_, err = config.Parse([]byte("directories: [/srv/statement]\n"), reserved...)
	require.NoError(t, err)
}
