// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package platform

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
)

// QEMUSerialPrefixes mark test disks attached as instance storage, e.g. -device virtio-blk,serial=CoreOSQEMUInstance0.
var QEMUSerialPrefixes = []string{"CoreOSQEMUInstance", "InstanceStore"}

// QEMU matches virtual disks by serial.
type QEMU struct{}

// Name implements discovery.Matcher.
func (*QEMU) Name() string {
	return NameQEMU
}

// Match implements discovery.Matcher.
func (*QEMU) Match(dev *discovery.Device) discovery.Verdict {
	serial := strings.TrimSpace(dev.Serial)

	for _, prefix := range QEMUSerialPrefixes {
		if strings.HasPrefix(serial, prefix) {
			return discovery.VerdictAccept
		}
	}

	return discovery.VerdictReject
}

// Prepare implements Platform.
func (*QEMU) Prepare(context.Context, *zap.Logger) {}
