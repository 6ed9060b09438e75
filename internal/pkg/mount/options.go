// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import "time"

const (
	// Private is a flag for making the mount point private, so that it doesn't propagate to other namespaces.
	Private Flags = 1 << iota
)

// Flags is the mount flags.
type Flags uint

// Check checks if all provided flags are set.
func (f Flags) Check(flags Flags) bool {
	return (f & flags) == flags
}

// Options is the functional options struct.
type Options struct {
	Printf       func(string, ...any)
	MountFlags   Flags
	RetryTimeout time.Duration
	// DirMode is the mode of the target directory when it has to be created.
	DirMode uint32
}

// Option is the functional option func.
type Option func(*Options)

// WithFlags is a functional option to set up mount flags.
func WithFlags(flags Flags) Option {
	return func(args *Options) {
		args.MountFlags = flags
	}
}

// WithPrintf sets the logging function.
func WithPrintf(printf func(string, ...any)) Option {
	return func(args *Options) {
		args.Printf = printf
	}
}

// NewDefaultOptions initializes a Options struct with default values.
func NewDefaultOptions(setters ...Option) *Options {
	opts := &Options{
		Printf:       func(string, ...any) {},
		RetryTimeout: 5 * time.Second,
		DirMode:      0o755,
	}

	for _, setter := range setters {
		setter(opts)
	}

	return opts
}
