// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package provisioner

import (
	"context"

	"github.com/siderolabs/go-procfs/procfs"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/activate"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/config"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/persist"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/platform"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/pool"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
)

// Discoverer enumerates and classifies block devices.
type Discoverer interface {
	Discover(ctx context.Context, logger *zap.Logger) (*discovery.Result, error)
}

// Assembler creates the storage pool, or finds the one created by an interrupted run.
type Assembler interface {
	Assemble(ctx context.Context, logger *zap.Logger, devices discovery.Devices) (*pool.Pool, error)
	Find(ctx context.Context, logger *zap.Logger) (*pool.Pool, error)
}

// Activator mounts the pool and redirects the target directories into it.
type Activator interface {
	Activate(ctx context.Context, logger *zap.Logger, p *pool.Pool, targets []string) ([]activate.Mapping, error)
}

// Options is the functional options struct.
type Options struct {
	ConfigPath string
	RecordPath string
	LockPath   string
	MountPoint string

	UnitDirectory string
	FstabPath     string

	Cmdline       func() *procfs.Cmdline
	NewPlatform   func(name string) platform.Platform
	NewDiscoverer func(matcher discovery.Matcher) Discoverer
	NewAssembler  func(cfg *config.Config) Assembler
	NewActivator  func(cfg *config.Config, opts *Options) Activator
}

// Option is the functional option func.
type Option func(*Options)

// WithConfigPath sets the configuration file path.
func WithConfigPath(path string) Option {
	return func(o *Options) {
		o.ConfigPath = path
	}
}

// WithRecordPath sets the provisioning record path.
func WithRecordPath(path string) Option {
	return func(o *Options) {
		o.RecordPath = path
	}
}

// WithLockPath sets the lock file path.
func WithLockPath(path string) Option {
	return func(o *Options) {
		o.LockPath = path
	}
}

// WithMountPoint sets the pool mountpoint.
func WithMountPoint(path string) Option {
	return func(o *Options) {
		o.MountPoint = path
	}
}

// WithUnitDirectory sets the directory receiving systemd mount units.
func WithUnitDirectory(path string) Option {
	return func(o *Options) {
		o.UnitDirectory = path
	}
}

// WithFstabPath sets the fstab location.
func WithFstabPath(path string) Option {
	return func(o *Options) {
		o.FstabPath = path
	}
}

// WithCmdline sets the kernel command line source.
func WithCmdline(f func() *procfs.Cmdline) Option {
	return func(o *Options) {
		o.Cmdline = f
	}
}

// WithPlatformFactory sets the platform constructor.
func WithPlatformFactory(f func(name string) platform.Platform) Option {
	return func(o *Options) {
		o.NewPlatform = f
	}
}

// WithDiscovererFactory sets the discoverer constructor.
func WithDiscovererFactory(f func(matcher discovery.Matcher) Discoverer) Option {
	return func(o *Options) {
		o.NewDiscoverer = f
	}
}

// WithAssemblerFactory sets the assembler constructor.
func WithAssemblerFactory(f func(cfg *config.Config) Assembler) Option {
	return func(o *Options) {
		o.NewAssembler = f
	}
}

// WithActivatorFactory sets the activator constructor.
func WithActivatorFactory(f func(cfg *config.Config, opts *Options) Activator) Option {
	return func(o *Options) {
		o.NewActivator = f
	}
}

// NewDefaultOptions initializes a Options struct with default values.
func NewDefaultOptions(setters ...Option) *Options {
	opts := &Options{
		ConfigPath:    constants.ConfigPath,
		RecordPath:    constants.RecordPath,
		LockPath:      constants.LockPath,
		MountPoint:    constants.PoolMountPoint,
		UnitDirectory: constants.SystemdUnitDirectory,
		FstabPath:     constants.FstabPath,
		Cmdline:       procfs.ProcCmdline,
		NewPlatform: func(name string) platform.Platform {
			return platform.New(name)
		},
		NewDiscoverer: func(matcher discovery.Matcher) Discoverer {
			return discovery.New(matcher)
		},
		NewAssembler: func(cfg *config.Config) Assembler {
			return pool.NewAssembler(
				pool.WithFilesystem(string(cfg.Filesystem)),
				pool.WithAggregation(string(cfg.Aggregation)),
			)
		},
		NewActivator: DefaultActivator,
	}

	for _, setter := range setters {
		setter(opts)
	}

	return opts
}

// DefaultActivator mounts with the mount syscall and persists with the configured mechanism.
func DefaultActivator(cfg *config.Config, opts *Options) Activator {
	return activate.New(
		activate.WithMountPoint(opts.MountPoint),
		activate.WithPersister(NewPersister(cfg.Persistence, opts)),
	)
}

// NewPersister returns the persister for the configured mechanism.
func NewPersister(persistence config.Persistence, opts *Options) persist.Persister {
	if persistence == config.PersistenceFstab {
		return persist.NewFstab(opts.FstabPath)
	}

	return persist.NewSystemd(opts.UnitDirectory, nil)
}
