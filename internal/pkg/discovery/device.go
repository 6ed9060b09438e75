// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Device is a whole block device found on the host.
type Device struct {
	// Name is the kernel name, e.g. nvme1n1.
	Name string
	// Path is the device node, e.g. /dev/nvme1n1.
	Path string
	// SysfsPath is the resolved device directory in sysfs.
	SysfsPath string

	Model  string
	Serial string

	// Signature is the probed filesystem or partition table type, empty if none.
	Signature string
	Label     string

	// Links are the /dev/disk/by-id links pointing to the device.
	Links []string

	Partitions []Partition

	Classification Classification

	Size  uint64
	Major int
	Minor int

	ReadOnly  bool
	Removable bool
	Virtual   bool

	// Root is set if the device backs the root filesystem.
	Root bool
	// Mounted is set if the device or one of its partitions is mounted.
	Mounted bool
	// InUse is set if the device or one of its partitions is held by another device or used as swap.
	InUse bool
}

// Partition is a partition of a Device.
type Partition struct {
	Name      string
	Signature string
	Label     string
	Major     int
	Minor     int
}

// HasSignature reports whether the device carries any data structure.
func (dev *Device) HasSignature() bool {
	return dev.Signature != "" || len(dev.Partitions) > 0
}

func (dev *Device) describeSignature() string {
	switch {
	case dev.Signature != "" && dev.Label != "":
		return fmt.Sprintf("%s signature labelled %q", dev.Signature, dev.Label)
	case dev.Signature != "":
		return dev.Signature + " signature"
	default:
		return fmt.Sprintf("%d partitions", len(dev.Partitions))
	}
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (dev Device) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("path", dev.Path)
	enc.AddString("size", humanize.IBytes(dev.Size))

	if dev.Model != "" {
		enc.AddString("model", dev.Model)
	}

	enc.AddString("classification", dev.Classification.Outcome.String())

	if dev.Classification.Reason != "" {
		enc.AddString("reason", dev.Classification.Reason)
	}

	return nil
}

// Devices is a list of devices which can be logged.
type Devices []Device

// MarshalLogArray implements zapcore.ArrayMarshaler.
func (devices Devices) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, dev := range devices {
		if err := enc.AppendObject(dev); err != nil {
			return err
		}
	}

	return nil
}

// Paths returns the device paths.
func (devices Devices) Paths() []string {
	paths := make([]string, 0, len(devices))

	for _, dev := range devices {
		paths = append(paths, dev.Path)
	}

	return paths
}

// TotalSize returns the sum of the device sizes.
func (devices Devices) TotalSize() uint64 {
	var total uint64

	for _, dev := range devices {
		total += dev.Size
	}

	return total
}

// Field returns a zap field describing the devices.
func (devices Devices) Field() zap.Field {
	return zap.Array("devices", devices)
}

// SortByPath sorts devices by device path.
func SortByPath(devices []Device) {
	slices.SortFunc(devices, func(a, b Device) int {
		return strings.Compare(a.Path, b.Path)
	})
}

// SelectLargest returns the single largest device, ties broken by device path.
func SelectLargest(devices []Device) []Device {
	if len(devices) == 0 {
		return nil
	}

	largest := slices.MaxFunc(devices, func(a, b Device) int {
		if c := cmp.Compare(a.Size, b.Size); c != 0 {
			return c
		}

		// lower paths win ties
		return strings.Compare(b.Path, a.Path)
	})

	return []Device{largest}
}
