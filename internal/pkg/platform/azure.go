// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package platform

import (
	"context"

	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
)

// Azure device models.
const (
	AzureResourceDiskModel = "Virtual Disk"
	AzureNVMeDiskModel     = "Microsoft NVMe Direct Disk"
)

// AzureResourceDiskLabel is the label of the NTFS filesystem the platform puts on the resource disk.
const AzureResourceDiskLabel = "Temporary Storage"

// Azure matches the resource (temporary) disk and local NVMe disks.
//
// The resource disk comes pre-formatted with a single NTFS partition, which is reclaimed.
type Azure struct{}

// Name implements discovery.Matcher.
func (*Azure) Name() string {
	return NameAzure
}

// Match implements discovery.Matcher.
func (*Azure) Match(dev *discovery.Device) discovery.Verdict {
	switch dev.Model {
	case AzureNVMeDiskModel:
		return discovery.VerdictAccept
	case AzureResourceDiskModel:
		if len(dev.Partitions) == 1 && dev.Partitions[0].Signature == "ntfs" && dev.Partitions[0].Label == AzureResourceDiskLabel {
			return discovery.VerdictReclaim
		}
	}

	return discovery.VerdictReject
}

// Prepare implements Platform.
func (*Azure) Prepare(context.Context, *zap.Logger) {}
