// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fault defines the error kinds reported by the provisioner.
//
// Kinds are attached to errors as xerrors tags, so they survive wrapping with
// fmt.Errorf("...: %w", err) and can be mapped to process exit codes.
package fault

import (
	"github.com/siderolabs/gen/xerrors"
)

// ConfigUnreadable is an error tag: the configuration file is missing or unreadable.
type ConfigUnreadable struct{}

// ConfigInvalid is an error tag: the configuration is malformed.
type ConfigInvalid struct{}

// DiscoveryFailed is an error tag: block devices could not be enumerated or probed.
type DiscoveryFailed struct{}

// PoolAssemblyFailed is an error tag: aggregation or formatting failed.
type PoolAssemblyFailed struct{}

// MigrationFailed is an error tag: copying a target directory into the pool failed.
type MigrationFailed struct{}

// BindMountFailed is an error tag: a mount could not be established or persisted.
type BindMountFailed struct{}

// RecordWriteFailed is an error tag: the provisioning record could not be written.
type RecordWriteFailed struct{}

// RecordInvalid is an error tag: an existing provisioning record could not be read.
type RecordInvalid struct{}

// AlreadyRunning is an error tag: another instance holds the lock.
type AlreadyRunning struct{}

// ExitCodeUnknown is returned for errors without a kind.
const ExitCodeUnknown = 1

type kind struct {
	name string
	code int
	is   func(error) bool
}

var kinds = []kind{
	{"ConfigUnreadable", 2, xerrors.TagIs[ConfigUnreadable]},
	{"ConfigInvalid", 3, xerrors.TagIs[ConfigInvalid]},
	{"DiscoveryFailed", 4, xerrors.TagIs[DiscoveryFailed]},
	{"PoolAssemblyFailed", 5, xerrors.TagIs[PoolAssemblyFailed]},
	{"MigrationFailed", 6, xerrors.TagIs[MigrationFailed]},
	{"BindMountFailed", 7, xerrors.TagIs[BindMountFailed]},
	{"RecordWriteFailed", 8, xerrors.TagIs[RecordWriteFailed]},
	{"RecordInvalid", 9, xerrors.TagIs[RecordInvalid]},
	{"AlreadyRunning", 10, xerrors.TagIs[AlreadyRunning]},
}

func lookup(err error) (kind, bool) {
	for _, k := range kinds {
		if k.is(err) {
			return k, true
		}
	}

	return kind{}, false
}

// Kind returns the name of the error kind, or "Unknown".
func Kind(err error) string {
	if k, ok := lookup(err); ok {
		return k.name
	}

	return "Unknown"
}

// ExitCode maps the error to a process exit code.
//
// A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	if k, ok := lookup(err); ok {
		return k.code
	}

	return ExitCodeUnknown
}
