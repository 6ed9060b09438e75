// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package makefs provides functions to create filesystems.
package makefs

import (
	"context"
	"fmt"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// Runner executes an external command and returns its output.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// Option to control makefs settings.
type Option func(*Options)

// Options for makefs.
type Options struct {
	Runner Runner
	Printf func(string, ...any)
	Label  string
	Force  bool
}

// WithLabel sets the label for the filesystem to be created.
func WithLabel(label string) Option {
	return func(o *Options) {
		o.Label = label
	}
}

// WithForce forces creation of a filesystem even if one already exists.
func WithForce(force bool) Option {
	return func(o *Options) {
		o.Force = force
	}
}

// WithRunner overrides the function used to run mkfs tools.
func WithRunner(runner Runner) Option {
	return func(o *Options) {
		o.Runner = runner
	}
}

// WithPrintf sets the logging function.
func WithPrintf(printf func(string, ...any)) Option {
	return func(o *Options) {
		o.Printf = printf
	}
}

// NewDefaultOptions builds options with specified setters applied.
func NewDefaultOptions(setters ...Option) Options {
	opt := Options{
		Runner: cmd.RunContext,
		Printf: func(string, ...any) {},
	}

	for _, o := range setters {
		o(&opt)
	}

	return opt
}

// Format creates a filesystem of the given type on the device.
func Format(ctx context.Context, fsType, device string, setters ...Option) error {
	switch fsType {
	case FilesystemTypeXFS:
		return XFS(ctx, device, setters...)
	case FilesystemTypeEXT4:
		return Ext4(ctx, device, setters...)
	default:
		return fmt.Errorf("unsupported filesystem type: %s", fsType)
	}
}
