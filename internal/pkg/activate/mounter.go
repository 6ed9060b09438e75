// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package activate

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/mount"
)

// Mounter establishes mounts and inspects the mount table.
type Mounter interface {
	// MountPool mounts the pool filesystem on target without propagation to other namespaces.
	MountPool(ctx context.Context, device, target, fsType string) error
	// Bind bind mounts source over target.
	Bind(ctx context.Context, source, target string) error
	// Unmount unmounts the topmost mount on target.
	Unmount(ctx context.Context, target string) error
	// Lookup returns the topmost mount on target, nil if target is not a mount point.
	Lookup(target string) (*mount.Info, error)
}

// SystemMounter mounts with the mount(2) syscall.
type SystemMounter struct {
	Logger *zap.Logger
}

// MountPool implements Mounter.
func (m SystemMounter) MountPool(ctx context.Context, device, target, fsType string) error {
	return mount.NewMountPoint(device, target, fsType, unix.MS_NOATIME, "").Mount(ctx,
		mount.WithFlags(mount.Private),
		mount.WithPrintf(m.printf()),
	)
}

// Bind implements Mounter.
func (m SystemMounter) Bind(ctx context.Context, source, target string) error {
	return mount.NewBindPoint(source, target).Mount(ctx, mount.WithPrintf(m.printf()))
}

// Unmount implements Mounter.
func (m SystemMounter) Unmount(ctx context.Context, target string) error {
	return mount.NewUnmountPoint(target).Unmount(ctx, mount.WithPrintf(m.printf()))
}

// Lookup implements Mounter.
func (SystemMounter) Lookup(target string) (*mount.Info, error) {
	return mount.Lookup(target)
}

func (m SystemMounter) printf() func(string, ...any) {
	if m.Logger == nil {
		return func(string, ...any) {}
	}

	return m.Logger.Sugar().Debugf
}

// mountedFrom reports whether info describes a mount of device.
func mountedFrom(info *mount.Info, device string) bool {
	if info == nil {
		return false
	}

	if info.Source == device {
		return true
	}

	if resolved, err := filepath.EvalSymlinks(device); err == nil && resolved == info.Source {
		return true
	}

	var st unix.Stat_t

	if err := unix.Stat(device, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return false
	}

	rdev := uint64(st.Rdev)

	return info.MajorMinor == fmt.Sprintf("%d:%d", unix.Major(rdev), unix.Minor(rdev))
}
