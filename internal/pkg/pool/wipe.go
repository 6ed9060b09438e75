// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/siderolabs/go-blockdevice/v2/block"
	"golang.org/x/sys/unix"
)

// Wiper erases the signatures of a block device.
type Wiper interface {
	Wipe(ctx context.Context, path string) error
}

// BlockWiper wipes the head and tail of a device while holding an exclusive lock on it.
type BlockWiper struct {
	LockTimeout time.Duration
}

// Wipe implements Wiper.
func (w *BlockWiper) Wipe(ctx context.Context, path string) error {
	bd, err := block.NewFromPath(path, block.OpenForWrite())
	if err != nil {
		return fmt.Errorf("error opening block device %q: %w", path, err)
	}

	defer bd.Close() //nolint:errcheck

	if err = bd.RetryLockWithTimeout(ctx, true, w.LockTimeout); err != nil {
		return fmt.Errorf("error locking block device %q: %w", path, err)
	}

	defer bd.Unlock() //nolint:errcheck

	if err = bd.FastWipe(); err != nil {
		return fmt.Errorf("error wiping block device %q: %w", path, err)
	}

	// drop the partitions of the wiped partition table
	if err = unix.IoctlSetInt(int(bd.File().Fd()), unix.BLKRRPART, 0); err != nil {
		return fmt.Errorf("error re-reading partition table of %q: %w", path, err)
	}

	return nil
}
