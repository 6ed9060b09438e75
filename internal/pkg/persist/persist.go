// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package persist makes the provisioned mounts survive reboots.
package persist

import (
	"context"

	"go.uber.org/zap"
)

// Entry describes a single mount to be re-established on boot.
type Entry struct {
	What    string
	Where   string
	Type    string
	Options string
}

// IsBind reports whether the entry is a bind mount.
func (e Entry) IsBind() bool {
	return e.Options == BindOptions
}

// BindOptions are the mount options of a bind mount entry.
const BindOptions = "bind"

// PoolEntry returns the entry which mounts the filesystem labelled label on where.
func PoolEntry(label, where, fsType string) Entry {
	return Entry{
		What:  "/dev/disk/by-label/" + label,
		Where: where,
		Type:  fsType,
	}
}

// BindEntry returns the entry which bind mounts what over where.
func BindEntry(what, where string) Entry {
	return Entry{
		What:    what,
		Where:   where,
		Type:    "none",
		Options: BindOptions,
	}
}

// Persister records mount entries so that they are mounted again on boot.
//
// Persist must be idempotent: entries recorded by an earlier run are left as is.
type Persister interface {
	Persist(ctx context.Context, logger *zap.Logger, entries []Entry) error
}
