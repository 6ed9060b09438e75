// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pool assembles eligible block devices into a single formatted storage pool.
package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/xerrors"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
	"github.com/siderolabs/instance-store-provisioner/pkg/makefs"
)

// Kind is the layout of the pool.
type Kind string

// Pool kinds.
const (
	// KindSingle is a single device used directly.
	KindSingle Kind = "single"
	// KindAggregated is an LVM logical volume over several devices.
	KindAggregated Kind = "aggregated"
)

// Pool is an assembled and formatted storage pool.
type Pool struct {
	Kind Kind
	// Members are the device paths backing the pool, sorted.
	Members []string
	// Device is the block device holding the filesystem.
	Device     string
	Filesystem string
	Label      string
	UUID       string
	Capacity   uint64
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (p *Pool) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", string(p.Kind))
	enc.AddString("device", p.Device)
	enc.AddString("filesystem", p.Filesystem)
	enc.AddString("uuid", p.UUID)
	enc.AddString("capacity", humanize.IBytes(p.Capacity))

	return nil
}

// Options configures the Assembler.
type Options struct {
	Runner makefs.Runner
	Wiper  Wiper
	Prober discovery.Prober

	Filesystem    string
	Aggregation   string
	Label         string
	VolumeGroup   string
	LogicalVolume string
	DevRoot       string

	DeviceWaitTimeout time.Duration
}

// Option is a functional option.
type Option func(*Options)

// WithRunner overrides the function used to run lvm and mkfs.
func WithRunner(runner makefs.Runner) Option {
	return func(o *Options) {
		o.Runner = runner
	}
}

// WithWiper overrides the signature wiper.
func WithWiper(wiper Wiper) Option {
	return func(o *Options) {
		o.Wiper = wiper
	}
}

// WithProber overrides the prober used to read back the filesystem.
func WithProber(prober discovery.Prober) Option {
	return func(o *Options) {
		o.Prober = prober
	}
}

// WithFilesystem sets the filesystem type.
func WithFilesystem(fsType string) Option {
	return func(o *Options) {
		o.Filesystem = fsType
	}
}

// WithAggregation sets the LVM layout: striped or linear.
func WithAggregation(aggregation string) Option {
	return func(o *Options) {
		o.Aggregation = aggregation
	}
}

// WithDevRoot sets the directory holding device nodes.
func WithDevRoot(root string) Option {
	return func(o *Options) {
		o.DevRoot = root
	}
}

// WithDeviceWaitTimeout sets how long to wait for the logical volume device node.
func WithDeviceWaitTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.DeviceWaitTimeout = timeout
	}
}

// NewDefaultOptions builds options with defaults.
func NewDefaultOptions(setters ...Option) *Options {
	opts := &Options{
		Runner:            cmd.RunContext,
		Wiper:             &BlockWiper{LockTimeout: 10 * time.Second},
		Prober:            discovery.BlkidProber{},
		Filesystem:        makefs.FilesystemTypeXFS,
		Aggregation:       "striped",
		Label:             constants.PoolLabel,
		VolumeGroup:       constants.VolumeGroupName,
		LogicalVolume:     constants.LogicalVolumeName,
		DevRoot:           constants.DevRoot,
		DeviceWaitTimeout: 30 * time.Second,
	}

	for _, setter := range setters {
		setter(opts)
	}

	return opts
}

// Assembler builds the storage pool.
type Assembler struct {
	options *Options
}

// NewAssembler creates a new Assembler.
func NewAssembler(setters ...Option) *Assembler {
	return &Assembler{
		options: NewDefaultOptions(setters...),
	}
}

// Assemble pools the devices and formats the pool.
//
// On failure, any LVM structures created so far are removed.
func (a *Assembler) Assemble(ctx context.Context, logger *zap.Logger, devices discovery.Devices) (*Pool, error) {
	if len(devices) == 0 {
		return nil, xerrors.NewTaggedf[fault.PoolAssemblyFailed]("no devices to assemble")
	}

	for _, dev := range devices {
		if !dev.Classification.Wipe {
			continue
		}

		logger.Info("wiping reclaimable signature", zap.String("device", dev.Path), zap.String("reason", dev.Classification.Reason))

		if err := a.options.Wiper.Wipe(ctx, dev.Path); err != nil {
			return nil, xerrors.NewTaggedf[fault.PoolAssemblyFailed]("error wiping %s: %w", dev.Path, err)
		}
	}

	p := &Pool{
		Members:    devices.Paths(),
		Filesystem: a.options.Filesystem,
		Label:      a.options.Label,
	}

	if len(devices) == 1 {
		p.Kind = KindSingle
		p.Device = devices[0].Path

		if err := a.format(ctx, logger, p); err != nil {
			return nil, xerrors.NewTagged[fault.PoolAssemblyFailed](err)
		}

		return p, nil
	}

	p.Kind = KindAggregated

	vol := a.newVolume()

	err := a.assembleVolume(ctx, logger, vol, p)
	if err != nil {
		// the context might be canceled already, teardown must still run
		if teardownErr := vol.teardown(context.WithoutCancel(ctx), logger); teardownErr != nil {
			logger.Error("failed to tear down partial volume", zap.Error(teardownErr))

			err = multierror.Append(err, teardownErr)
		}

		return nil, xerrors.NewTagged[fault.PoolAssemblyFailed](err)
	}

	return p, nil
}

func (a *Assembler) assembleVolume(ctx context.Context, logger *zap.Logger, vol *volume, p *Pool) error {
	logger.Info("creating logical volume",
		zap.Strings("devices", p.Members),
		zap.String("aggregation", a.options.Aggregation),
	)

	device, err := vol.create(ctx, p.Members, a.options.Aggregation)
	if err != nil {
		return err
	}

	if err = waitForDevice(ctx, device, a.options.DeviceWaitTimeout); err != nil {
		return err
	}

	p.Device = device

	return a.format(ctx, logger, p)
}

func (a *Assembler) format(ctx context.Context, logger *zap.Logger, p *Pool) error {
	logger.Info("formatting pool",
		zap.String("device", p.Device),
		zap.String("filesystem", p.Filesystem),
		zap.String("label", p.Label),
	)

	if err := makefs.Format(ctx, p.Filesystem, p.Device,
		makefs.WithLabel(p.Label),
		makefs.WithForce(true),
		makefs.WithRunner(a.options.Runner),
		makefs.WithPrintf(logger.Sugar().Infof),
	); err != nil {
		return fmt.Errorf("error formatting %s: %w", p.Device, err)
	}

	return a.readBack(logger, p)
}

// readBack probes the pool device and fills in the filesystem UUID and capacity.
func (a *Assembler) readBack(logger *zap.Logger, p *Pool) error {
	info, err := a.options.Prober.Probe(logger, p.Device)
	if err != nil {
		return fmt.Errorf("error probing %s: %w", p.Device, err)
	}

	if info.Name != p.Filesystem || info.Label != p.Label {
		return fmt.Errorf("unexpected signature on %s: got %s %q, expected %s %q", p.Device, info.Name, info.Label, p.Filesystem, p.Label)
	}

	p.UUID = info.UUID
	p.Capacity = info.Size

	return nil
}

// Find locates a pool created by an earlier, uncommitted run, identified by its filesystem label.
//
// Find returns nil if there is no such pool.
func (a *Assembler) Find(ctx context.Context, logger *zap.Logger) (*Pool, error) {
	link := filepath.Join(a.options.DevRoot, "disk", "by-label", a.options.Label)

	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("error resolving %s: %w", link, err)
	}

	p := &Pool{
		Kind:   KindSingle,
		Device: target,
		Label:  a.options.Label,
	}

	vol := a.newVolume()

	if strings.HasPrefix(filepath.Base(target), "dm-") {
		members, err := vol.members(ctx)
		if err != nil {
			return nil, err
		}

		if len(members) == 0 {
			return nil, fmt.Errorf("device %s labelled %q is not backed by volume group %s", target, a.options.Label, a.options.VolumeGroup)
		}

		p.Kind = KindAggregated
		p.Device = vol.devicePath()
		p.Members = members
	} else {
		p.Members = []string{target}
	}

	info, err := a.options.Prober.Probe(logger, p.Device)
	if err != nil {
		return nil, fmt.Errorf("error probing %s: %w", p.Device, err)
	}

	p.Filesystem = info.Name
	p.UUID = info.UUID
	p.Capacity = info.Size

	return p, nil
}

func (a *Assembler) newVolume() *volume {
	return &volume{
		runner:  a.options.Runner,
		devRoot: a.options.DevRoot,
		vg:      a.options.VolumeGroup,
		lv:      a.options.LogicalVolume,
	}
}
