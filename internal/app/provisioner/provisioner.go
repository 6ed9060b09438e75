// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package provisioner implements the one-shot instance storage provisioning run.
package provisioner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/activate"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/automaton"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/config"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/lock"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/platform"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/pool"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/record"
	"github.com/siderolabs/instance-store-provisioner/pkg/logging"
)

// Outcome is how a run ended.
type Outcome int

// Run outcomes.
const (
	// OutcomeProvisioned means the pool was set up and the record written.
	OutcomeProvisioned Outcome = iota
	// OutcomeAlreadyProvisioned means a record from an earlier run was found.
	OutcomeAlreadyProvisioned
	// OutcomeNothingToDo means the configuration lists no directories.
	OutcomeNothingToDo
	// OutcomeNoStorage means no eligible device was found; directories stay on the root filesystem.
	OutcomeNoStorage
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProvisioned:
		return "Provisioned"
	case OutcomeAlreadyProvisioned:
		return "AlreadyProvisioned"
	case OutcomeNothingToDo:
		return "NothingToDo"
	case OutcomeNoStorage:
		return "NoStorageAvailable"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the result of a run.
type Result struct {
	Outcome Outcome
	// Record is the provisioning record, nil unless provisioned.
	Record *record.Record
}

// Provisioner runs the provisioning pipeline.
type Provisioner struct {
	options *Options
}

// New creates a new Provisioner.
func New(setters ...Option) *Provisioner {
	return &Provisioner{
		options: NewDefaultOptions(setters...),
	}
}

// run is the state carried through the pipeline.
type run struct {
	p *Provisioner

	store     *record.Store
	cfg       *config.Config
	assembler Assembler
	devices   discovery.Devices
	pool      *pool.Pool
	mappings  []activate.Mapping

	result Result
}

// Run provisions instance storage, or does nothing if the host is already provisioned.
//
// The run holds the lock file for its whole duration.
// Steps are: check record, load config, resume or discover and assemble, activate, write record.
func (p *Provisioner) Run(ctx context.Context, logger *zap.Logger) (*Result, error) {
	l, err := lock.Acquire(p.options.LockPath)
	if err != nil {
		return nil, err
	}

	defer func() {
		if releaseErr := l.Release(); releaseErr != nil {
			logger.Warn("failed to release lock", zap.Error(releaseErr))
		}
	}()

	r := &run{
		p:     p,
		store: record.NewStore(p.options.RecordPath),
	}

	if err = automaton.New(guard, r).Run(ctx, logger); err != nil {
		return nil, err
	}

	return &r.result, nil
}

func stop(outcome Outcome, r *run) (automaton.StateFunc[*run], error) {
	r.result.Outcome = outcome

	return nil, xerrors.NewTaggedf[automaton.Stop]("%s", outcome)
}

func guard(_ context.Context, logger *zap.Logger, r *run) (automaton.StateFunc[*run], error) {
	existing, err := r.store.Load()
	if err != nil {
		return nil, err
	}

	if existing != nil {
		logger.Info("host is already provisioned",
			zap.Stringer("id", existing.ID),
			zap.Time("provisioned_at", existing.Timestamp),
			zap.String("record", r.store.Path),
		)

		r.result.Record = existing

		return stop(OutcomeAlreadyProvisioned, r)
	}

	return loadConfig, nil
}

func loadConfig(_ context.Context, logger *zap.Logger, r *run) (automaton.StateFunc[*run], error) {
	cfg, err := config.Load(r.p.options.ConfigPath, r.p.reservedPaths()...)
	if err != nil {
		return nil, err
	}

	if len(cfg.Directories) == 0 {
		logger.Info("no directories configured, nothing to do")

		return stop(OutcomeNothingToDo, r)
	}

	logger.Info("loaded configuration",
		zap.Strings("directories", cfg.Directories),
		zap.String("filesystem", string(cfg.Filesystem)),
		zap.String("aggregation", string(cfg.Aggregation)),
		zap.String("selection", string(cfg.Selection)),
		zap.String("persistence", string(cfg.Persistence)),
	)

	r.cfg = cfg
	r.assembler = r.p.options.NewAssembler(cfg)

	return resume, nil
}

// resume picks up the pool of an interrupted run, which must never be reformatted.
func resume(ctx context.Context, logger *zap.Logger, r *run) (automaton.StateFunc[*run], error) {
	existing, err := r.assembler.Find(ctx, logger.With(logging.Component("pool")))
	if err != nil {
		return nil, xerrors.NewTaggedf[fault.PoolAssemblyFailed]("error looking up existing pool: %w", err)
	}

	if existing == nil {
		return discover, nil
	}

	logger.Info("resuming with existing pool", zap.Object("pool", existing))

	r.pool = existing

	return activateTargets, nil
}

func discover(ctx context.Context, logger *zap.Logger, r *run) (automaton.StateFunc[*run], error) {
	result, _, err := r.p.discover(ctx, logger, r.cfg)
	if err != nil {
		return nil, err
	}

	devices := result.Eligible

	if r.cfg.Selection == config.SelectionLargest {
		devices = discovery.SelectLargest(devices)
	}

	if len(devices) == 0 {
		logger.Info("no instance storage available, directories stay on the root filesystem")

		return stop(OutcomeNoStorage, r)
	}

	logger.Info("selected devices", devices.Field())

	r.devices = devices

	return assemble, nil
}

func assemble(ctx context.Context, logger *zap.Logger, r *run) (automaton.StateFunc[*run], error) {
	p, err := r.assembler.Assemble(ctx, logger.With(logging.Component("pool")), r.devices)
	if err != nil {
		return nil, err
	}

	logger.Info("assembled pool", zap.Object("pool", p))

	r.pool = p

	return activateTargets, nil
}

func activateTargets(ctx context.Context, logger *zap.Logger, r *run) (automaton.StateFunc[*run], error) {
	activator := r.p.options.NewActivator(r.cfg, r.p.options)

	mappings, err := activator.Activate(ctx, logger.With(logging.Component("activate")), r.pool, r.cfg.Directories)
	if err != nil {
		return nil, err
	}

	r.mappings = mappings

	return writeRecord, nil
}

func writeRecord(_ context.Context, logger *zap.Logger, r *run) (automaton.StateFunc[*run], error) {
	rec := record.New()
	rec.Pool = record.Pool{
		Kind:    string(r.pool.Kind),
		Members: r.pool.Members,
		Device:  r.pool.Device,
		Filesystem: record.Filesystem{
			Type:  r.pool.Filesystem,
			Label: r.pool.Label,
			UUID:  r.pool.UUID,
		},
	}
	rec.MountPoint = r.p.options.MountPoint

	for _, m := range r.mappings {
		rec.Directories = append(rec.Directories, record.Mapping{Target: m.Target, Subdir: m.Subdir})
	}

	if err := r.store.Write(rec); err != nil {
		return nil, err
	}

	logger.Info("provisioning complete", zap.Stringer("id", rec.ID), zap.String("record", r.store.Path))

	r.result.Outcome = OutcomeProvisioned
	r.result.Record = rec

	return nil, nil
}

// reservedPaths are the paths owned by the provisioner, which no target may overlap.
func (p *Provisioner) reservedPaths() []string {
	return []string{p.options.MountPoint, filepath.Dir(p.options.RecordPath)}
}

// Discover reports the block devices and their classification without changing anything.
//
// The platform comes from the configuration if it can be loaded, from the kernel command line otherwise.
func (p *Provisioner) Discover(ctx context.Context, logger *zap.Logger) (*discovery.Result, string, error) {
	cfg, err := config.Load(p.options.ConfigPath, p.reservedPaths()...)
	if err != nil {
		logger.Debug("configuration not loaded, using kernel command line platform", zap.Error(err))

		cfg = nil
	}

	return p.discover(ctx, logger, cfg)
}

func (p *Provisioner) discover(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*discovery.Result, string, error) {
	var override string

	if cfg != nil {
		override = cfg.Platform
	}

	name := platform.Detect(override, p.options.Cmdline())
	plat := p.options.NewPlatform(name)

	logger = logger.With(logging.Component("discovery"), zap.String("platform", plat.Name()))

	plat.Prepare(ctx, logger)

	result, err := p.options.NewDiscoverer(plat).Discover(ctx, logger)
	if err != nil {
		return nil, "", err
	}

	logger.Info("discovered block devices", zap.Int("total", len(result.Devices)), zap.Int("eligible", len(result.Eligible)))

	return result, plat.Name(), nil
}

// Status returns the provisioning record, nil if the host isn't provisioned.
func (p *Provisioner) Status() (*record.Record, error) {
	return record.NewStore(p.options.RecordPath).Load()
}
