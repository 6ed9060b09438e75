// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package selinux provides helpers to manage SELinux labels.
package selinux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/xattr"
)

// Xattr is the extended attribute holding the SELinux label.
const Xattr = "security.selinux"

// selinuxfs is the mount point of the SELinux filesystem.
const selinuxfs = "/sys/fs/selinux"

// IsEnabled checks if SELinux is enabled on the system, i.e. a policy is loaded
// and the SELinux filesystem is mounted.
var IsEnabled = sync.OnceValue(func() bool {
	return enabled(selinuxfs)
})

func enabled(root string) bool {
	_, err := os.Stat(filepath.Join(root, "enforce"))

	return err == nil
}

// GetLabel gets label for file, directory or symlink (not following symlinks)
// It does not perform the operation in case SELinux is disabled.
func GetLabel(filename string) (string, error) {
	if !IsEnabled() {
		return "", nil
	}

	label, err := xattr.LGet(filename, Xattr)
	if err != nil {
		if errors.Is(err, xattr.ENOATTR) {
			return "", nil
		}

		return "", err
	}

	return string(bytes.Trim(label, "\x00\n")), nil
}

// SetLabel sets label for file, directory or symlink (not following symlinks)
// It does not perform the operation in case SELinux is disabled, provided label is empty or already set.
func SetLabel(filename string, label string) error {
	if label == "" || !IsEnabled() {
		return nil
	}

	currentLabel, err := GetLabel(filename)
	if err != nil {
		return err
	}

	// Skip extra FS transactions when labels are okay.
	if currentLabel == label {
		return nil
	}

	// We use LGet/LSet so that we manipulate label on the exact path, not the symlink target.
	return xattr.LSet(filename, Xattr, []byte(label))
}

// CopyLabel applies the label of reference to target.
func CopyLabel(reference, target string) error {
	label, err := GetLabel(reference)
	if err != nil {
		return fmt.Errorf("error reading SELinux label of %s: %w", reference, err)
	}

	if err = SetLabel(target, label); err != nil {
		return fmt.Errorf("error setting SELinux label %q on %s: %w", label, target, err)
	}

	return nil
}
