// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDisks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	devices := filepath.Join(root, "devices")
	block := filepath.Join(root, "block")

	write := func(path, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	link := func(dir string) {
		require.NoError(t, os.MkdirAll(block, 0o755))
		require.NoError(t, os.Symlink(dir, filepath.Join(block, filepath.Base(dir))))
	}

	disk := filepath.Join(devices, "pci0000:00", "nvme", "nvme1n1")
	write(filepath.Join(disk, "uevent"), "MAJOR=259\nMINOR=0\nDEVNAME=nvme1n1\nDEVTYPE=disk\n")
	link(disk)

	for _, part := range []string{"nvme1n1p2", "nvme1n1p1"} {
		write(filepath.Join(disk, part, "uevent"), "DEVNAME="+part+"\nDEVTYPE=partition\n")
		write(filepath.Join(disk, part, "partition"), "1")
	}

	// directories without a partition attribute are not partitions
	write(filepath.Join(disk, "queue", "uevent"), "DEVTYPE=partition\n")

	// an entry without uevent is skipped
	require.NoError(t, os.MkdirAll(filepath.Join(devices, "virtual", "stale"), 0o755))
	link(filepath.Join(devices, "virtual", "stale"))

	// a dangling link is skipped
	require.NoError(t, os.Symlink(filepath.Join(devices, "gone"), filepath.Join(block, "gone")))

	disks, err := scanDisks(block)
	require.NoError(t, err)
	require.Len(t, disks, 1)

	assert.Equal(t, disk, disks[0].event.DevicePath)
	assert.Equal(t, "nvme1n1", disks[0].event.Values["DEVNAME"])
	assert.Equal(t, "259", disks[0].event.Values["MAJOR"])

	require.Len(t, disks[0].partitions, 2)
	assert.Equal(t, "nvme1n1p1", disks[0].partitions[0].Values["DEVNAME"])
	assert.Equal(t, "nvme1n1p2", disks[0].partitions[1].Values["DEVNAME"])

	_, err = scanDisks(filepath.Join(root, "missing"))
	require.Error(t, err)
}
