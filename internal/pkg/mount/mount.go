// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mount provides mounting with retries and mount table lookups.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"golang.org/x/sys/unix"
)

// Point represents a linux mount point.
type Point struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

// NewMountPoint initializes and returns a Point struct.
func NewMountPoint(source, target, fstype string, flags uintptr, data string) *Point {
	return &Point{
		source: source,
		target: target,
		fstype: fstype,
		flags:  flags,
		data:   data,
	}
}

// NewBindPoint returns a Point which bind mounts source over target.
func NewBindPoint(source, target string) *Point {
	return NewMountPoint(source, target, "", unix.MS_BIND, "")
}

// NewUnmountPoint returns a Point which only unmounts target.
func NewUnmountPoint(target string) *Point {
	return &Point{target: target}
}

// Mount creates the target directory if needed and mounts the point, retrying on EBUSY.
func (p *Point) Mount(ctx context.Context, setters ...Option) error {
	opts := NewDefaultOptions(setters...)

	if err := os.MkdirAll(p.target, os.FileMode(opts.DirMode)); err != nil {
		return fmt.Errorf("error creating mount point directory %s: %w", p.target, err)
	}

	opts.Printf("mounting %s on %s", p.source, p.target)

	if err := mountWithRetry(ctx, opts.RetryTimeout, p.source, p.target, p.fstype, p.flags, p.data); err != nil {
		return fmt.Errorf("error mounting %s on %s: %w", p.source, p.target, err)
	}

	if opts.MountFlags.Check(Private) {
		if err := mountWithRetry(ctx, opts.RetryTimeout, "", p.target, "", unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("error making mount point %s private: %w", p.target, err)
		}
	}

	return nil
}

// Unmount unmounts the point, retrying on EBUSY.
func (p *Point) Unmount(ctx context.Context, setters ...Option) error {
	opts := NewDefaultOptions(setters...)

	opts.Printf("unmounting %s", p.target)

	return retry.Constant(opts.RetryTimeout, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx, func(context.Context) error {
		err := unix.Unmount(p.target, 0)

		switch {
		case err == nil, errors.Is(err, unix.EINVAL):
			// EINVAL: not a mount point
			return nil
		case errors.Is(err, unix.EBUSY):
			return retry.ExpectedError(err)
		default:
			return err
		}
	})
}

func mountWithRetry(ctx context.Context, timeout time.Duration, source, target, fstype string, flags uintptr, data string) error {
	return retry.Constant(timeout, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx, func(context.Context) error {
		err := unix.Mount(source, target, fstype, flags, data)
		if errors.Is(err, unix.EBUSY) {
			return retry.ExpectedError(err)
		}

		return err
	})
}
