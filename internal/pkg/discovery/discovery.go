// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package discovery enumerates and classifies the block devices of the host.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdlayher/kobject"
	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
)

// Options configures the Discoverer.
type Options struct {
	Prober     Prober
	MountTable MountTable

	SysfsRoot    string
	DevRoot      string
	UdevDataRoot string

	// RootMountPoints are the mount points whose backing devices are never pooled.
	RootMountPoints []string
}

// Option is a functional option.
type Option func(*Options)

// WithSysfsRoot sets the sysfs mount point.
func WithSysfsRoot(root string) Option {
	return func(o *Options) {
		o.SysfsRoot = root
	}
}

// WithDevRoot sets the directory holding device nodes.
func WithDevRoot(root string) Option {
	return func(o *Options) {
		o.DevRoot = root
	}
}

// WithUdevDataRoot sets the udev database directory.
func WithUdevDataRoot(root string) Option {
	return func(o *Options) {
		o.UdevDataRoot = root
	}
}

// WithProber sets the signature prober.
func WithProber(prober Prober) Option {
	return func(o *Options) {
		o.Prober = prober
	}
}

// WithMountTable sets the source of mounts and swaps.
func WithMountTable(table MountTable) Option {
	return func(o *Options) {
		o.MountTable = table
	}
}

// WithRootMountPoints overrides the mount points identifying the root devices.
func WithRootMountPoints(mountPoints ...string) Option {
	return func(o *Options) {
		o.RootMountPoints = mountPoints
	}
}

// NewDefaultOptions builds options with defaults.
func NewDefaultOptions(setters ...Option) *Options {
	opts := &Options{
		Prober:          BlkidProber{},
		MountTable:      ProcMountTable{},
		SysfsRoot:       constants.SysfsRoot,
		DevRoot:         constants.DevRoot,
		UdevDataRoot:    constants.UdevDataRoot,
		RootMountPoints: []string{"/", "/sysroot", "/boot", "/boot/efi", "/usr"},
	}

	for _, setter := range setters {
		setter(opts)
	}

	return opts
}

// Result is the outcome of a discovery run.
type Result struct {
	// Devices are all whole block devices, sorted by path.
	Devices Devices
	// Eligible are the devices which can back the pool, sorted by path.
	Eligible Devices
}

// Discoverer enumerates block devices.
type Discoverer struct {
	matcher Matcher
	options *Options
}

// New creates a new Discoverer; a nil matcher accepts any device.
func New(matcher Matcher, setters ...Option) *Discoverer {
	return &Discoverer{
		matcher: matcher,
		options: NewDefaultOptions(setters...),
	}
}

// Discover enumerates and classifies whole block devices.
//
// Discover has no side effects. Zero eligible devices is not an error.
func (d *Discoverer) Discover(ctx context.Context, logger *zap.Logger) (*Result, error) {
	disks, err := scanDisks(filepath.Join(d.options.SysfsRoot, "block"))
	if err != nil {
		return nil, xerrors.NewTaggedf[fault.DiscoveryFailed]("error enumerating block devices: %w", err)
	}

	mounts, err := d.options.MountTable.Mounts()
	if err != nil {
		return nil, xerrors.NewTagged[fault.DiscoveryFailed](err)
	}

	swaps, err := d.options.MountTable.Swaps()
	if err != nil {
		return nil, xerrors.NewTagged[fault.DiscoveryFailed](err)
	}

	rootDisks, err := d.rootDisks(rootDevNumbers(mounts, d.options.RootMountPoints))
	if err != nil {
		return nil, xerrors.NewTaggedf[fault.DiscoveryFailed]("error resolving root devices: %w", err)
	}

	if len(rootDisks) == 0 {
		logger.Warn("no root device found")
	}

	links, err := readLinks(filepath.Join(d.options.DevRoot, "disk", "by-id"))
	if err != nil {
		return nil, xerrors.NewTaggedf[fault.DiscoveryFailed]("error reading device links: %w", err)
	}

	state := &hostState{
		mounted:   mountedDevNumbers(mounts),
		swaps:     swapDeviceNames(swaps),
		rootDisks: rootDisks,
		links:     links,
	}

	result := &Result{}

	for _, disk := range disks {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		dev, err := d.buildDevice(logger, disk.event, disk.partitions, state)
		if err != nil {
			return nil, xerrors.NewTaggedf[fault.DiscoveryFailed]("error inspecting %s: %w", disk.event.DevicePath, err)
		}

		dev.Classification = Classify(*dev, d.matcher)

		logger.Debug("classified device", zap.Object("device", dev))

		result.Devices = append(result.Devices, *dev)

		if dev.Classification.Outcome == Eligible {
			result.Eligible = append(result.Eligible, *dev)
		}
	}

	SortByPath(result.Devices)
	SortByPath(result.Eligible)

	return result, nil
}

type hostState struct {
	mounted   map[devNumber]struct{}
	swaps     map[string]struct{}
	rootDisks map[string]struct{}
	links     map[string][]string
}

//nolint:gocyclo,cyclop
func (d *Discoverer) buildDevice(logger *zap.Logger, event *kobject.Event, partitions []*kobject.Event, state *hostState) (*Device, error) {
	name := event.Values["DEVNAME"]
	if name == "" {
		name = filepath.Base(event.DevicePath)
	}

	major, minor, err := majorMinor(event.Values)
	if err != nil {
		return nil, err
	}

	dev := &Device{
		Name:      name,
		Path:      filepath.Join(d.options.DevRoot, name),
		SysfsPath: event.DevicePath,
		Major:     major,
		Minor:     minor,
		Virtual:   strings.Contains(event.DevicePath, "/devices/virtual/"),
		Links:     state.links[name],
	}

	if dev.Size, err = readSize(event.DevicePath); err != nil {
		return nil, err
	}

	if dev.ReadOnly, err = readFlag(event.DevicePath, "ro"); err != nil {
		return nil, err
	}

	if dev.Removable, err = readFlag(event.DevicePath, "removable"); err != nil {
		return nil, err
	}

	if dev.Model, err = readDeviceAttr(event.DevicePath, "model"); err != nil {
		return nil, err
	}

	if dev.Serial, err = readDeviceAttr(event.DevicePath, "serial"); err != nil {
		return nil, err
	}

	_, dev.Root = state.rootDisks[name]

	if _, ok := state.mounted[devNumber{major, minor}]; ok {
		dev.Mounted = true
	}

	if _, ok := state.swaps[name]; ok {
		dev.InUse = true
	}

	holders, err := listDir(filepath.Join(event.DevicePath, "holders"))
	if err != nil {
		return nil, err
	}

	if len(holders) > 0 {
		dev.InUse = true
	}

	udev, err := readUdevRecord(d.options.UdevDataRoot, major, minor)
	if err != nil {
		return nil, err
	}

	if dev.Model == "" {
		dev.Model = udev.Properties["ID_MODEL"]
	}

	if dev.Serial == "" {
		dev.Serial = udev.Properties["ID_SERIAL_SHORT"]
	}

	for _, partEvent := range partitions {
		part, err := d.buildPartition(partEvent, state, dev)
		if err != nil {
			return nil, err
		}

		dev.Partitions = append(dev.Partitions, part)
	}

	dev.Signature = udev.Signature()
	dev.Label = udev.Label()

	if unsupportedReason(*dev) != "" || dev.Root {
		return dev, nil
	}

	probed, err := d.options.Prober.Probe(logger, dev.Path)

	switch {
	case errors.Is(err, ErrBusy):
		logger.Debug("device is locked", zap.String("device", dev.Path))

		dev.InUse = true
	case err != nil:
		return nil, fmt.Errorf("error probing %s: %w", dev.Path, err)
	default:
		if probed.Name != "" {
			dev.Signature = probed.Name
			dev.Label = probed.Label
		}

		for i, part := range probed.Partitions {
			if i >= len(dev.Partitions) || part.Name == "" {
				continue
			}

			dev.Partitions[i].Signature = part.Name
			dev.Partitions[i].Label = part.Label
		}
	}

	return dev, nil
}

func (d *Discoverer) buildPartition(event *kobject.Event, state *hostState, dev *Device) (Partition, error) {
	major, minor, err := majorMinor(event.Values)
	if err != nil {
		return Partition{}, err
	}

	part := Partition{
		Name:  event.Values["DEVNAME"],
		Major: major,
		Minor: minor,
	}

	if part.Name == "" {
		part.Name = filepath.Base(event.DevicePath)
	}

	if _, ok := state.mounted[devNumber{major, minor}]; ok {
		dev.Mounted = true
	}

	if _, ok := state.swaps[part.Name]; ok {
		dev.InUse = true
	}

	holders, err := listDir(filepath.Join(event.DevicePath, "holders"))
	if err != nil {
		return Partition{}, err
	}

	if len(holders) > 0 {
		dev.InUse = true
	}

	udev, err := readUdevRecord(d.options.UdevDataRoot, major, minor)
	if err != nil {
		return Partition{}, err
	}

	part.Signature = udev.Properties["ID_FS_TYPE"]
	part.Label = udev.Label()

	return part, nil
}

// rootDisks maps device numbers to the names of the whole disks backing them.
//
// Partitions map to their parent disk, and stacked devices (device-mapper, md) map through their slaves.
func (d *Discoverer) rootDisks(numbers []devNumber) (map[string]struct{}, error) {
	result := map[string]struct{}{}

	for _, n := range numbers {
		path, err := filepath.EvalSymlinks(filepath.Join(d.options.SysfsRoot, "dev", "block", n.String()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, err
		}

		if err = resolveDisks(path, result, 0); err != nil {
			return nil, err
		}
	}

	return result, nil
}

const maxStackDepth = 8

func resolveDisks(path string, result map[string]struct{}, depth int) error {
	if depth > maxStackDepth {
		return fmt.Errorf("device stack under %q is too deep", path)
	}

	if _, err := os.Stat(filepath.Join(path, "partition")); err == nil {
		path = filepath.Dir(path)
	}

	slaves, err := listDir(filepath.Join(path, "slaves"))
	if err != nil {
		return err
	}

	if len(slaves) == 0 {
		result[filepath.Base(path)] = struct{}{}

		return nil
	}

	for _, slave := range slaves {
		slavePath, err := filepath.EvalSymlinks(filepath.Join(path, "slaves", slave))
		if err != nil {
			return err
		}

		if err = resolveDisks(slavePath, result, depth+1); err != nil {
			return err
		}
	}

	return nil
}

// readLinks maps kernel device names to the symlinks in dir pointing to them.
func readLinks(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	result := map[string][]string{}

	for _, entry := range entries {
		link := filepath.Join(dir, entry.Name())

		target, err := os.Readlink(link)
		if err != nil {
			continue
		}

		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, target)
		}

		name := filepath.Base(target)
		result[name] = append(result[name], link)
	}

	return result, nil
}
