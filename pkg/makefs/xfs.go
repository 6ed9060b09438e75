// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"errors"
	"fmt"
)

const (
	// FilesystemTypeXFS is the filesystem type for XFS.
	FilesystemTypeXFS = "xfs"
)

// XFS creates a XFS filesystem on the specified device.
func XFS(ctx context.Context, device string, setters ...Option) error {
	if device == "" {
		return errors.New("missing path to disk")
	}

	opts := NewDefaultOptions(setters...)

	// mkfs.xfs defaults only: feature options like bigtime are rejected by older xfsprogs
	var args []string

	if opts.Force {
		args = append(args, "-f")
	}

	if opts.Label != "" {
		if len(opts.Label) > 12 {
			return fmt.Errorf("xfs label %q is longer than 12 characters", opts.Label)
		}

		args = append(args, "-L", opts.Label)
	}

	args = append(args, device)

	opts.Printf("creating xfs filesystem on %s with args: %v", device, args)

	_, err := opts.Runner(ctx, "mkfs.xfs", args...)

	return err
}
