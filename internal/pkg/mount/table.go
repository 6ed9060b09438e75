// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// Info describes a mounted filesystem.
type Info struct {
	// MajorMinor is the device number of the mounted filesystem, as "major:minor".
	MajorMinor string
	// Root is the directory within the filesystem which is mounted, "/" unless it's a bind mount of a subdirectory.
	Root       string
	MountPoint string
	Source     string
	FSType     string
}

// Lookup returns the topmost mount on target, nil if target is not a mount point.
func Lookup(target string) (*Info, error) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		return nil, fmt.Errorf("error reading mount table: %w", err)
	}

	return lookup(mounts, target), nil
}

func lookup(mounts []*procfs.MountInfo, target string) *Info {
	target = filepath.Clean(target)

	var found *Info

	// later entries are mounted on top of earlier ones
	for _, m := range mounts {
		mountPoint := unescapeField(m.MountPoint)

		if mountPoint != target {
			continue
		}

		found = &Info{
			MajorMinor: m.MajorMinorVer,
			Root:       unescapeField(m.Root),
			MountPoint: mountPoint,
			Source:     unescapeField(m.Source),
			FSType:     m.FSType,
		}
	}

	return found
}

// unescapeField decodes the \ooo octal escapes the kernel applies to mountinfo path fields.
func unescapeField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder

	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))

			i += 3

			continue
		}

		b.WriteByte(s[i])
	}

	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
