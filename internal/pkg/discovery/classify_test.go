// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
)

type staticMatcher discovery.Verdict

func (m staticMatcher) Name() string { return "static" }

func (m staticMatcher) Match(*discovery.Device) discovery.Verdict { return discovery.Verdict(m) }

func blank(name string) discovery.Device {
	return discovery.Device{
		Name: name,
		Path: "/dev/" + name,
		Size: 100 << 30,
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	withSignature := blank("nvme1n1")
	withSignature.Signature = "xfs"

	withPartitions := blank("nvme1n1")
	withPartitions.Partitions = []discovery.Partition{{Name: "nvme1n1p1", Signature: "ntfs", Label: "Temporary Storage"}}

	root := blank("nvme0n1")
	root.Root = true

	mounted := blank("nvme1n1")
	mounted.Mounted = true

	held := blank("nvme1n1")
	held.InUse = true

	readOnly := blank("nvme1n1")
	readOnly.ReadOnly = true

	empty := blank("nvme1n1")
	empty.Size = 0

	mountedReclaimable := withPartitions
	mountedReclaimable.Mounted = true

	for _, test := range []struct {
		name    string
		device  discovery.Device
		matcher discovery.Matcher

		expected discovery.Outcome
		wipe     bool
	}{
		{
			name:     "blank",
			device:   blank("nvme1n1"),
			expected: discovery.Eligible,
		},
		{
			name:     "root wins over matcher",
			device:   root,
			matcher:  staticMatcher(discovery.VerdictReclaim),
			expected: discovery.RootDevice,
		},
		{
			name:     "loop",
			device:   blank("loop0"),
			expected: discovery.Unsupported,
		},
		{
			name:     "read-only",
			device:   readOnly,
			expected: discovery.Unsupported,
		},
		{
			name:     "empty",
			device:   empty,
			expected: discovery.Unsupported,
		},
		{
			name:     "rejected by matcher",
			device:   blank("nvme1n1"),
			matcher:  staticMatcher(discovery.VerdictReject),
			expected: discovery.NotInstanceStore,
		},
		{
			name:     "filesystem",
			device:   withSignature,
			expected: discovery.ForeignFilesystem,
		},
		{
			name:     "partitioned",
			device:   withPartitions,
			matcher:  staticMatcher(discovery.VerdictAccept),
			expected: discovery.ForeignFilesystem,
		},
		{
			name:     "reclaimable",
			device:   withPartitions,
			matcher:  staticMatcher(discovery.VerdictReclaim),
			expected: discovery.Eligible,
			wipe:     true,
		},
		{
			name:     "reclaimable but mounted",
			device:   mountedReclaimable,
			matcher:  staticMatcher(discovery.VerdictReclaim),
			expected: discovery.AlreadyMounted,
		},
		{
			name:     "mounted",
			device:   mounted,
			expected: discovery.AlreadyMounted,
		},
		{
			name:     "held",
			device:   held,
			expected: discovery.AlreadyMounted,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			classification := discovery.Classify(test.device, test.matcher)

			assert.Equal(t, test.expected, classification.Outcome, classification.Reason)
			assert.Equal(t, test.wipe, classification.Wipe)
		})
	}
}

func TestSelectLargest(t *testing.T) {
	t.Parallel()

	a := blank("nvme2n1")
	b := blank("nvme1n1")
	c := blank("nvme3n1")
	c.Size = 10 << 30

	assert.Nil(t, discovery.SelectLargest(nil))
	assert.Equal(t, []discovery.Device{b}, discovery.SelectLargest([]discovery.Device{a, b, c}))
}
