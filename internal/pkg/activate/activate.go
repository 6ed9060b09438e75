// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package activate mounts the storage pool and redirects target directories into it.
package activate

import (
	"context"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/migrate"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/mount"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/persist"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/pool"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/selinux"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
)

// Mapping is a target directory redirected into the pool.
type Mapping struct {
	Target string
	// Subdir is the name of the pool subdirectory bind mounted over Target.
	Subdir string
}

// SubdirName returns the pool subdirectory name for target.
//
// It is the systemd path escaping of target, so distinct targets never share a subdirectory.
func SubdirName(target string) string {
	return unit.UnitNamePathEscape(target)
}

// LabelFunc copies the security label of reference to target.
type LabelFunc func(reference, target string) error

// Options is the functional options struct.
type Options struct {
	Mounter   Mounter
	Persister persist.Persister
	Label     LabelFunc

	MountPoint string
	// LabelReference is the directory whose security label the pool mountpoint receives.
	LabelReference string
}

// Option is the functional option func.
type Option func(*Options)

// WithMounter sets the mounter.
func WithMounter(m Mounter) Option {
	return func(o *Options) {
		o.Mounter = m
	}
}

// WithPersister sets the persister.
func WithPersister(p persist.Persister) Option {
	return func(o *Options) {
		o.Persister = p
	}
}

// WithLabelFunc sets the function which copies security labels.
func WithLabelFunc(f LabelFunc) Option {
	return func(o *Options) {
		o.Label = f
	}
}

// WithMountPoint sets the pool mountpoint.
func WithMountPoint(path string) Option {
	return func(o *Options) {
		o.MountPoint = path
	}
}

// NewDefaultOptions initializes a Options struct with default values.
func NewDefaultOptions(setters ...Option) *Options {
	opts := &Options{
		Mounter:        SystemMounter{},
		Persister:      persist.NewSystemd(constants.SystemdUnitDirectory, nil),
		Label:          selinux.CopyLabel,
		MountPoint:     constants.PoolMountPoint,
		LabelReference: constants.SELinuxReferencePath,
	}

	for _, setter := range setters {
		setter(opts)
	}

	return opts
}

// Activator mounts the pool and the target directories.
type Activator struct {
	options *Options
}

// New creates a new Activator.
func New(setters ...Option) *Activator {
	return &Activator{
		options: NewDefaultOptions(setters...),
	}
}

// Activate mounts the pool, migrates each target into it in order and bind mounts the copies over the targets.
//
// Every step is skipped when an earlier run has completed it, so Activate resumes an interrupted run.
// Mounts are persisted once all targets are mounted.
func (a *Activator) Activate(ctx context.Context, logger *zap.Logger, p *pool.Pool, targets []string) ([]Mapping, error) {
	poolMount, err := a.mountPool(ctx, logger, p)
	if err != nil {
		return nil, err
	}

	mappings := make([]Mapping, 0, len(targets))
	entries := []persist.Entry{persist.PoolEntry(p.Label, a.options.MountPoint, p.Filesystem)}

	for _, target := range targets {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		mapping := Mapping{
			Target: target,
			Subdir: SubdirName(target),
		}

		if err = a.activateTarget(ctx, logger, poolMount, mapping); err != nil {
			return nil, err
		}

		mappings = append(mappings, mapping)
		entries = append(entries, persist.BindEntry(filepath.Join(a.options.MountPoint, mapping.Subdir), target))
	}

	if err = a.options.Persister.Persist(ctx, logger, entries); err != nil {
		return nil, xerrors.NewTaggedf[fault.BindMountFailed]("error persisting mounts: %w", err)
	}

	return mappings, nil
}

func (a *Activator) mountPool(ctx context.Context, logger *zap.Logger, p *pool.Pool) (*mount.Info, error) {
	mountPoint := a.options.MountPoint
	logger = logger.With(zap.String("device", p.Device), zap.String("mountpoint", mountPoint))

	info, err := a.options.Mounter.Lookup(mountPoint)
	if err != nil {
		return nil, xerrors.NewTagged[fault.BindMountFailed](err)
	}

	mounted := false

	switch {
	case mountedFrom(info, p.Device):
		logger.Info("pool is already mounted")
	case info != nil:
		return nil, xerrors.NewTaggedf[fault.BindMountFailed]("%s is already mounted from %s", mountPoint, info.Source)
	default:
		logger.Info("mounting pool")

		if err = a.options.Mounter.MountPool(ctx, p.Device, mountPoint, p.Filesystem); err != nil {
			return nil, xerrors.NewTaggedf[fault.BindMountFailed]("error mounting pool: %w", err)
		}

		mounted = true

		if info, err = a.options.Mounter.Lookup(mountPoint); err != nil {
			return nil, xerrors.NewTagged[fault.BindMountFailed](err)
		}

		if info == nil {
			return nil, xerrors.NewTaggedf[fault.BindMountFailed]("pool is not mounted on %s", mountPoint)
		}
	}

	if err = a.options.Label(a.options.LabelReference, mountPoint); err != nil {
		if mounted {
			if unmountErr := a.options.Mounter.Unmount(ctx, mountPoint); unmountErr != nil {
				logger.Warn("failed to unmount pool", zap.Error(unmountErr))
			}
		}

		return nil, xerrors.NewTagged[fault.BindMountFailed](err)
	}

	return info, nil
}

func (a *Activator) activateTarget(ctx context.Context, logger *zap.Logger, poolMount *mount.Info, mapping Mapping) error {
	subdir := filepath.Join(a.options.MountPoint, mapping.Subdir)
	logger = logger.With(zap.String("target", mapping.Target), zap.String("subdir", subdir))

	current, err := a.options.Mounter.Lookup(mapping.Target)
	if err != nil {
		return xerrors.NewTagged[fault.BindMountFailed](err)
	}

	if current != nil && current.MajorMinor == poolMount.MajorMinor && current.Root == "/"+mapping.Subdir {
		logger.Info("target is already bind mounted")

		return nil
	}

	if _, err = migrate.Directory(ctx, logger, mapping.Target, subdir); err != nil {
		return err
	}

	if err = a.options.Mounter.Bind(ctx, subdir, mapping.Target); err != nil {
		return xerrors.NewTaggedf[fault.BindMountFailed]("error bind mounting %s over %s: %w", subdir, mapping.Target, err)
	}

	logger.Info("target redirected to instance storage")

	return nil
}
