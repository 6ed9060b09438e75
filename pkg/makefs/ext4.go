// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"errors"
)

const (
	// FilesystemTypeEXT4 is the filesystem type for EXT4.
	FilesystemTypeEXT4 = "ext4"
)

// Ext4 creates a ext4 filesystem on the specified device.
func Ext4(ctx context.Context, device string, setters ...Option) error {
	if device == "" {
		return errors.New("missing path to disk")
	}

	opts := NewDefaultOptions(setters...)

	var args []string

	if opts.Label != "" {
		args = append(args, "-L", opts.Label)
	}

	if opts.Force {
		args = append(args, "-F")
	}

	// skip zeroing inode tables and the journal on the freshly assembled pool
	args = append(args, "-E", "lazy_itable_init=1,lazy_journal_init=1", device)

	opts.Printf("creating ext4 filesystem on %s with args: %v", device, args)

	_, err := opts.Runner(ctx, "mkfs.ext4", args...)

	return err
}
