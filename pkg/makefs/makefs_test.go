// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/instance-store-provisioner/pkg/makefs"
)

type recorder struct {
	commands []string
}

func (r *recorder) run(_ context.Context, name string, args ...string) (string, error) {
	r.commands = append(r.commands, strings.Join(append([]string{name}, args...), " "))

	return "", nil
}

func TestFormat(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		fsType  string
		options []makefs.Option

		expected string
	}{
		{
			name:     "xfs",
			fsType:   makefs.FilesystemTypeXFS,
			options:  []makefs.Option{makefs.WithLabel("inst-store"), makefs.WithForce(true)},
			expected: "mkfs.xfs -f -L inst-store /dev/md0",
		},
		{
			name:     "xfs no label",
			fsType:   makefs.FilesystemTypeXFS,
			expected: "mkfs.xfs /dev/md0",
		},
		{
			name:     "ext4",
			fsType:   makefs.FilesystemTypeEXT4,
			options:  []makefs.Option{makefs.WithLabel("inst-store"), makefs.WithForce(true)},
			expected: "mkfs.ext4 -L inst-store -F -E lazy_itable_init=1,lazy_journal_init=1 /dev/md0",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			r := &recorder{}

			require.NoError(t, makefs.Format(t.Context(), test.fsType, "/dev/md0", append(test.options, makefs.WithRunner(r.run))...))

			assert.Equal(t, []string{test.expected}, r.commands)
		})
	}
}

func TestFormatErrors(t *testing.T) {
	t.Parallel()

	r := &recorder{}

	require.EqualError(t, makefs.Format(t.Context(), "btrfs", "/dev/md0", makefs.WithRunner(r.run)), "unsupported filesystem type: btrfs")
	require.EqualError(t, makefs.XFS(t.Context(), "", makefs.WithRunner(r.run)), "missing path to disk")
	require.Error(t, makefs.XFS(t.Context(), "/dev/md0", makefs.WithLabel("a-very-long-label"), makefs.WithRunner(r.run)))

	assert.Empty(t, r.commands)
}
