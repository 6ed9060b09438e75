// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lock makes sure only one provisioner runs at a time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexflint/go-filemutex"
	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
)

// Lock is a held lock file.
type Lock struct {
	mu   *filemutex.FileMutex
	path string
}

// Acquire takes the lock at path without waiting.
//
// If another process holds the lock, the error is tagged fault.AlreadyRunning.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating lock directory: %w", err)
	}

	mu, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("error opening lock %q: %w", path, err)
	}

	if err = mu.TryLock(); err != nil {
		mu.Close() //nolint:errcheck

		if errors.Is(err, filemutex.AlreadyLocked) {
			return nil, xerrors.NewTaggedf[fault.AlreadyRunning]("lock %q is held by another process", path)
		}

		return nil, fmt.Errorf("error acquiring lock %q: %w", path, err)
	}

	return &Lock{mu: mu, path: path}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.mu.Unlock(); err != nil {
		l.mu.Close() //nolint:errcheck

		return fmt.Errorf("error releasing lock %q: %w", l.path, err)
	}

	return l.mu.Close()
}
