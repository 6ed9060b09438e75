// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package constants defines well-known paths and names shared by the provisioner.
package constants

const (
	// ConfigPath is the default location of the provisioner configuration.
	ConfigPath = "/etc/instance-store-provisioner.yaml"

	// StateDirectory holds provisioner state on the root filesystem.
	StateDirectory = "/var/lib/instance-store-provisioner"

	// RecordPath is the default location of the provisioning record.
	RecordPath = StateDirectory + "/record.yaml"

	// LockPath is the lock file which guards against concurrent invocations.
	LockPath = "/run/instance-store-provisioner.lock"

	// PoolMountPoint is the private mountpoint of the assembled pool.
	PoolMountPoint = "/var/mnt/instance-storage"

	// PoolLabel is the filesystem label of the assembled pool.
	//
	// XFS limits labels to 12 characters.
	PoolLabel = "inst-store"

	// VolumeGroupName is the LVM volume group created over multiple devices.
	VolumeGroupName = "instance-store-vg"

	// LogicalVolumeName is the LVM logical volume spanning the volume group.
	LogicalVolumeName = "pool"

	// SystemdUnitDirectory is where mount units are written.
	SystemdUnitDirectory = "/etc/systemd/system"

	// FstabPath is the system mount table.
	FstabPath = "/etc/fstab"

	// KernelParamPlatform is the kernel parameter which carries the cloud platform.
	KernelParamPlatform = "ignition.platform.id"

	// SysfsRoot is the sysfs mountpoint.
	SysfsRoot = "/sys"

	// DevRoot is the devtmpfs mountpoint.
	DevRoot = "/dev"

	// UdevDataRoot is the udev database directory.
	UdevDataRoot = "/run/udev/data"

	// LVMBinary is the LVM command line tool.
	LVMBinary = "/sbin/lvm"

	// SELinuxReferencePath is the directory whose SELinux label is copied onto the pool mountpoint.
	SELinuxReferencePath = "/var"

	// StagingSuffix marks an in-flight migration copy inside the pool.
	StagingSuffix = ".partial"
)
