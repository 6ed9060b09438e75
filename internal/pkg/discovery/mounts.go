// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Mount is an entry of the mount table.
type Mount struct {
	// MajorMinor is the st_dev of the mounted filesystem, as "major:minor".
	MajorMinor string
	MountPoint string
	Source     string
	FSType     string
}

// MountTable provides the mounted filesystems and active swap areas.
type MountTable interface {
	Mounts() ([]Mount, error)
	// Swaps returns the paths of the active swap devices and files.
	Swaps() ([]string, error)
}

// ProcMountTable reads the mount table and swaps from procfs.
type ProcMountTable struct {
	// ProcRoot defaults to /proc.
	ProcRoot string
}

// Mounts implements MountTable.
func (table ProcMountTable) Mounts() ([]Mount, error) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		return nil, fmt.Errorf("error reading mount table: %w", err)
	}

	result := make([]Mount, 0, len(mounts))

	for _, m := range mounts {
		result = append(result, Mount{
			MajorMinor: m.MajorMinorVer,
			MountPoint: m.MountPoint,
			Source:     m.Source,
			FSType:     m.FSType,
		})
	}

	return result, nil
}

// Swaps implements MountTable.
func (table ProcMountTable) Swaps() ([]string, error) {
	root := table.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("error opening procfs: %w", err)
	}

	swaps, err := fs.Swaps()
	if err != nil {
		return nil, fmt.Errorf("error reading swaps: %w", err)
	}

	result := make([]string, 0, len(swaps))

	for _, swap := range swaps {
		result = append(result, swap.Filename)
	}

	return result, nil
}

// devNumber is a block device number.
type devNumber struct {
	major, minor int
}

func (n devNumber) String() string {
	return fmt.Sprintf("%d:%d", n.major, n.minor)
}

func parseDevNumber(s string) (devNumber, error) {
	majorS, minorS, ok := strings.Cut(s, ":")
	if !ok {
		return devNumber{}, fmt.Errorf("invalid device number %q", s)
	}

	major, err := strconv.Atoi(majorS)
	if err != nil {
		return devNumber{}, fmt.Errorf("invalid device number %q: %w", s, err)
	}

	minor, err := strconv.Atoi(minorS)
	if err != nil {
		return devNumber{}, fmt.Errorf("invalid device number %q: %w", s, err)
	}

	return devNumber{major: major, minor: minor}, nil
}

// sourceDevNumber returns the device number of a block device node used as a mount source.
func sourceDevNumber(source string) (devNumber, bool) {
	if !strings.HasPrefix(source, "/dev/") {
		return devNumber{}, false
	}

	path, err := filepath.EvalSymlinks(source)
	if err != nil {
		return devNumber{}, false
	}

	var st unix.Stat_t

	if err = unix.Stat(path, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return devNumber{}, false
	}

	return devNumber{major: int(unix.Major(st.Rdev)), minor: int(unix.Minor(st.Rdev))}, true
}

// mountedDevNumbers returns the device numbers of every mounted block device.
//
// Filesystems reporting an anonymous device (major 0), like btrfs, are resolved through the mount source.
func mountedDevNumbers(mounts []Mount) map[devNumber]struct{} {
	result := map[devNumber]struct{}{}

	for _, m := range mounts {
		n, err := parseDevNumber(m.MajorMinor)
		if err == nil && n.major != 0 {
			result[n] = struct{}{}

			continue
		}

		if n, ok := sourceDevNumber(m.Source); ok {
			result[n] = struct{}{}
		}
	}

	return result
}

// rootDevNumbers returns the device numbers backing the given mount points.
func rootDevNumbers(mounts []Mount, mountPoints []string) []devNumber {
	var result []devNumber

	for _, m := range mounts {
		if !slices.Contains(mountPoints, m.MountPoint) {
			continue
		}

		n, err := parseDevNumber(m.MajorMinor)
		if err == nil && n.major != 0 {
			result = append(result, n)

			continue
		}

		if n, ok := sourceDevNumber(m.Source); ok {
			result = append(result, n)
		}
	}

	return result
}

// swapDeviceNames returns the kernel names of block devices used as swap.
func swapDeviceNames(swaps []string) map[string]struct{} {
	result := map[string]struct{}{}

	for _, swap := range swaps {
		if !strings.HasPrefix(swap, "/dev/") {
			continue
		}

		path, err := filepath.EvalSymlinks(swap)
		if err != nil {
			path = swap
		}

		result[filepath.Base(path)] = struct{}{}
	}

	return result
}
