// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads the provisioner configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/siderolabs/gen/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
)

// Filesystem is the filesystem created on the pool.
type Filesystem string

// Supported filesystems.
const (
	FilesystemXFS  Filesystem = "xfs"
	FilesystemExt4 Filesystem = "ext4"
)

// Aggregation is the layout used when several devices are pooled.
type Aggregation string

// Supported aggregation layouts.
const (
	AggregationStriped Aggregation = "striped"
	AggregationLinear  Aggregation = "linear"
)

// Selection is the policy applied to the list of eligible devices.
type Selection string

// Supported selection policies.
const (
	SelectionAll     Selection = "all"
	SelectionLargest Selection = "largest"
)

// Persistence is the mechanism used to make mounts survive reboots.
type Persistence string

// Supported persistence mechanisms.
const (
	PersistenceSystemd Persistence = "systemd"
	PersistenceFstab   Persistence = "fstab"
)

// Config is the provisioner configuration.
type Config struct {
	// Directories are the target directories, in processing order.
	Directories []string
	Filesystem  Filesystem
	Aggregation Aggregation
	Selection   Selection
	// Platform overrides the platform detected from the kernel command line.
	Platform    string
	Persistence Persistence
}

type document struct {
	Directories *[]string   `yaml:"directories"`
	Filesystem  Filesystem  `yaml:"filesystem"`
	Aggregation Aggregation `yaml:"aggregation"`
	Selection   Selection   `yaml:"selection"`
	Platform    string      `yaml:"platform"`
	Persistence Persistence `yaml:"persistence"`
}

// DefaultReserved are the paths no target may overlap when the defaults are in use.
var DefaultReserved = []string{constants.PoolMountPoint, constants.StateDirectory}

// Load reads and validates the configuration at path.
//
// Targets must not overlap any of the reserved paths, DefaultReserved if none are given.
func Load(path string, reserved ...string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.NewTaggedf[fault.ConfigUnreadable]("error reading configuration %q: %w", path, err)
	}

	return Parse(b, reserved...)
}

// Parse decodes and validates the configuration.
func Parse(b []byte, reserved ...string) (*Config, error) {
	var doc document

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, xerrors.NewTaggedf[fault.ConfigInvalid]("configuration is empty")
		}

		return nil, xerrors.NewTaggedf[fault.ConfigInvalid]("error decoding configuration: %w", err)
	}

	if doc.Directories == nil {
		return nil, xerrors.NewTaggedf[fault.ConfigInvalid]("configuration is missing the %q key", "directories")
	}

	cfg := &Config{
		Directories: make([]string, 0, len(*doc.Directories)),
		Filesystem:  withDefault(doc.Filesystem, FilesystemXFS),
		Aggregation: withDefault(doc.Aggregation, AggregationStriped),
		Selection:   withDefault(doc.Selection, SelectionAll),
		Platform:    strings.TrimSpace(doc.Platform),
		Persistence: withDefault(doc.Persistence, PersistenceSystemd),
	}

	for _, dir := range *doc.Directories {
		cfg.Directories = append(cfg.Directories, filepath.Clean(dir))

		if !filepath.IsAbs(dir) {
			return nil, xerrors.NewTaggedf[fault.ConfigInvalid]("directory %q is not an absolute path", dir)
		}
	}

	if err := cfg.Validate(reserved...); err != nil {
		return nil, xerrors.NewTagged[fault.ConfigInvalid](err)
	}

	return cfg, nil
}

// Validate checks the configuration invariants.
//
//nolint:gocyclo
func (cfg *Config) Validate(reserved ...string) error {
	switch cfg.Filesystem {
	case FilesystemXFS, FilesystemExt4:
	default:
		return fmt.Errorf("unsupported filesystem %q", cfg.Filesystem)
	}

	switch cfg.Aggregation {
	case AggregationStriped, AggregationLinear:
	default:
		return fmt.Errorf("unsupported aggregation %q", cfg.Aggregation)
	}

	switch cfg.Selection {
	case SelectionAll, SelectionLargest:
	default:
		return fmt.Errorf("unsupported selection %q", cfg.Selection)
	}

	switch cfg.Persistence {
	case PersistenceSystemd, PersistenceFstab:
	default:
		return fmt.Errorf("unsupported persistence %q", cfg.Persistence)
	}

	if len(reserved) == 0 {
		reserved = DefaultReserved
	}

	for i, dir := range cfg.Directories {
		if dir == "/" {
			return fmt.Errorf("directory %q can't be the root directory", dir)
		}

		for _, r := range reserved {
			if overlaps(dir, filepath.Clean(r)) {
				return fmt.Errorf("directory %q overlaps with reserved path %q", dir, r)
			}
		}

		for _, other := range cfg.Directories[:i] {
			if dir == other {
				return fmt.Errorf("directory %q is listed more than once", dir)
			}

			if overlaps(dir, other) {
				return fmt.Errorf("directory %q overlaps with %q", dir, other)
			}
		}
	}

	return nil
}

// overlaps reports whether one path equals or contains the other.
func overlaps(a, b string) bool {
	return a == b || isWithin(a, b) || isWithin(b, a)
}

func isWithin(path, parent string) bool {
	return strings.HasPrefix(path, strings.TrimSuffix(parent, "/")+"/")
}

func withDefault[T ~string](v, def T) T {
	if v == "" {
		return def
	}

	return v
}
