// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package record persists the outcome of a completed provisioning run.
//
// The presence of a valid record means the host is provisioned and nothing needs to be done.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/siderolabs/gen/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/pkg/atomicfile"
)

// Version is the current record format version.
const Version = 1

// Record describes a provisioned host.
type Record struct {
	Version     int       `yaml:"version"`
	ID          uuid.UUID `yaml:"id"`
	Timestamp   time.Time `yaml:"timestamp"`
	Pool        Pool      `yaml:"pool"`
	MountPoint  string    `yaml:"mountpoint"`
	Directories []Mapping `yaml:"directories"`
}

// Pool describes the storage pool.
type Pool struct {
	Kind       string     `yaml:"kind"`
	Members    []string   `yaml:"members"`
	Device     string     `yaml:"device"`
	Filesystem Filesystem `yaml:"filesystem"`
}

// Filesystem describes the filesystem on the pool.
type Filesystem struct {
	Type  string `yaml:"type"`
	Label string `yaml:"label"`
	UUID  string `yaml:"uuid,omitempty"`
}

// Mapping is a target directory redirected into the pool.
type Mapping struct {
	Target string `yaml:"target"`
	Subdir string `yaml:"subdir"`
}

// New returns a record with a fresh ID and the current time.
func New() *Record {
	return &Record{
		Version:   Version,
		ID:        uuid.New(),
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

// Validate checks that the record is complete.
func (r *Record) Validate() error {
	if r.Version != Version {
		return fmt.Errorf("unsupported record version %d", r.Version)
	}

	if r.ID == uuid.Nil {
		return errors.New("record ID is missing")
	}

	if r.Pool.Device == "" || len(r.Pool.Members) == 0 {
		return errors.New("record pool is incomplete")
	}

	if r.MountPoint == "" {
		return errors.New("record mountpoint is missing")
	}

	return nil
}

// Store reads and writes the record file.
type Store struct {
	Path string
}

// NewStore returns a store for the record at path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the record.
//
// Load returns nil if there is no record. An unreadable or malformed record is an error.
func (s *Store) Load() (*Record, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, xerrors.NewTaggedf[fault.RecordInvalid]("error reading record %q: %w", s.Path, err)
	}

	var r Record

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err = dec.Decode(&r); err != nil {
		return nil, xerrors.NewTaggedf[fault.RecordInvalid]("error decoding record %q: %w", s.Path, err)
	}

	if err = r.Validate(); err != nil {
		return nil, xerrors.NewTaggedf[fault.RecordInvalid]("record %q is invalid: %w", s.Path, err)
	}

	return &r, nil
}

// Write stores the record atomically, creating the parent directory if needed.
func (s *Store) Write(r *Record) error {
	if err := r.Validate(); err != nil {
		return xerrors.NewTaggedf[fault.RecordWriteFailed]("refusing to write record: %w", err)
	}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(r); err != nil {
		return xerrors.NewTaggedf[fault.RecordWriteFailed]("error encoding record: %w", err)
	}

	if err := enc.Close(); err != nil {
		return xerrors.NewTaggedf[fault.RecordWriteFailed]("error encoding record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return xerrors.NewTaggedf[fault.RecordWriteFailed]("error creating record directory: %w", err)
	}

	if err := atomicfile.WriteFile(s.Path, buf.Bytes(), 0o644); err != nil {
		return xerrors.NewTagged[fault.RecordWriteFailed](err)
	}

	return nil
}
