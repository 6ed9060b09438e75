// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/pkg/atomicfile"
)

const localFSTarget = "local-fs.target"

// DBusAPI is the subset of the systemd D-Bus API used to enable mount units.
type DBusAPI interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	Close()
}

// DBusAPIFactory opens a connection to systemd.
type DBusAPIFactory = func(ctx context.Context) (DBusAPI, error)

// NewDBusAPI connects to the system instance of systemd.
func NewDBusAPI(ctx context.Context) (DBusAPI, error) {
	return dbus.NewWithContext(ctx)
}

// Systemd persists entries as systemd mount units.
type Systemd struct {
	// UnitDirectory is where unit files are written.
	UnitDirectory string
	NewDBus       DBusAPIFactory
}

// NewSystemd returns a Systemd persister writing to dir.
func NewSystemd(dir string, newDBus DBusAPIFactory) *Systemd {
	if newDBus == nil {
		newDBus = NewDBusAPI
	}

	return &Systemd{
		UnitDirectory: dir,
		NewDBus:       newDBus,
	}
}

// UnitName returns the name of the mount unit for the mountpoint where.
func UnitName(where string) string {
	return unit.UnitNamePathEscape(where) + ".mount"
}

// Persist implements Persister.
//
// Unit files with the expected content are left untouched. All units are enabled
// after a daemon reload, so they're pulled in by local-fs.target on the next boot.
func (s *Systemd) Persist(ctx context.Context, logger *zap.Logger, entries []Entry) error {
	if err := os.MkdirAll(s.UnitDirectory, 0o755); err != nil {
		return fmt.Errorf("error creating unit directory: %w", err)
	}

	paths := make([]string, 0, len(entries))

	for _, entry := range entries {
		path := filepath.Join(s.UnitDirectory, UnitName(entry.Where))

		written, err := writeIfChanged(path, MountUnit(entry))
		if err != nil {
			return fmt.Errorf("error writing mount unit for %s: %w", entry.Where, err)
		}

		if written {
			logger.Info("wrote mount unit", zap.String("unit", path))
		} else {
			logger.Debug("mount unit is up to date", zap.String("unit", path))
		}

		paths = append(paths, path)
	}

	conn, err := s.NewDBus(ctx)
	if err != nil {
		return fmt.Errorf("error connecting to systemd: %w", err)
	}

	defer conn.Close()

	if err = conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("error reloading systemd: %w", err)
	}

	const runtime, force = false, true

	if _, _, err = conn.EnableUnitFilesContext(ctx, paths, runtime, force); err != nil {
		return fmt.Errorf("error enabling mount units: %w", err)
	}

	logger.Info("enabled mount units", zap.Strings("units", paths))

	return nil
}

// MountUnit renders the mount unit for the entry.
func MountUnit(entry Entry) []byte {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Before", localFSTarget),
	}

	if entry.IsBind() {
		opts = append(opts, unit.NewUnitOption("Unit", "RequiresMountsFor", entry.What))
	}

	opts = append(opts,
		unit.NewUnitOption("Mount", "What", entry.What),
		unit.NewUnitOption("Mount", "Where", entry.Where),
		unit.NewUnitOption("Mount", "Type", entry.Type),
	)

	if entry.Options != "" {
		opts = append(opts, unit.NewUnitOption("Mount", "Options", entry.Options))
	}

	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", localFSTarget))

	b, _ := io.ReadAll(unit.Serialize(opts)) //nolint:errcheck

	return b
}

func writeIfChanged(path string, content []byte) (bool, error) {
	existing, err := os.ReadFile(path)

	switch {
	case err == nil && bytes.Equal(existing, content):
		return false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, err
	}

	return true, atomicfile.WriteFile(path, content, 0o644)
}
