// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"fmt"
	"strings"
)

// Outcome is the result of classifying a block device.
type Outcome int

// Classification outcomes, in the order they are checked.
const (
	Eligible Outcome = iota
	RootDevice
	Unsupported
	NotInstanceStore
	ForeignFilesystem
	AlreadyMounted
)

func (o Outcome) String() string {
	switch o {
	case Eligible:
		return "Eligible"
	case RootDevice:
		return "RootDevice"
	case Unsupported:
		return "Unsupported"
	case NotInstanceStore:
		return "NotInstanceStore"
	case ForeignFilesystem:
		return "ForeignFilesystem"
	case AlreadyMounted:
		return "AlreadyMounted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Classification is the outcome of Classify with a human-readable reason.
type Classification struct {
	Reason  string
	Outcome Outcome
	// Wipe is set for eligible devices carrying a reclaimable signature which must be wiped before use.
	Wipe bool
}

// Verdict is the opinion of a platform matcher on a device.
type Verdict int

// Matcher verdicts.
const (
	// VerdictReject means the device is not an instance store device.
	VerdictReject Verdict = iota
	// VerdictAccept means the device is an instance store device.
	VerdictAccept
	// VerdictReclaim means the device is an instance store device, and its existing signature was put there by the platform.
	VerdictReclaim
)

// Matcher recognizes the instance store devices of a platform.
type Matcher interface {
	Name() string
	Match(dev *Device) Verdict
}

// unsupportedPrefixes are kernel names of devices which are never pooled.
var unsupportedPrefixes = []string{"loop", "ram", "zram", "dm-", "md", "sr", "nbd", "fd"}

// Classify decides whether the device can back the storage pool.
//
// Checks are ordered: a root device is always RootDevice, whatever the matcher says.
// A nil matcher accepts every device.
//
//nolint:gocyclo
func Classify(dev Device, matcher Matcher) Classification {
	if dev.Root {
		return Classification{Outcome: RootDevice, Reason: "backs the root filesystem"}
	}

	if reason := unsupportedReason(dev); reason != "" {
		return Classification{Outcome: Unsupported, Reason: reason}
	}

	verdict := VerdictAccept

	if matcher != nil {
		verdict = matcher.Match(&dev)
	}

	if verdict == VerdictReject {
		return Classification{Outcome: NotInstanceStore, Reason: fmt.Sprintf("not an instance store device on platform %q", matcher.Name())}
	}

	if verdict != VerdictReclaim && dev.HasSignature() {
		return Classification{Outcome: ForeignFilesystem, Reason: "carries " + dev.describeSignature()}
	}

	if dev.Mounted {
		return Classification{Outcome: AlreadyMounted, Reason: "is mounted"}
	}

	if dev.InUse {
		return Classification{Outcome: AlreadyMounted, Reason: "is in use"}
	}

	classification := Classification{Outcome: Eligible}

	if verdict == VerdictReclaim && dev.HasSignature() {
		classification.Wipe = true
		classification.Reason = "reclaimable " + dev.describeSignature()
	}

	return classification
}

func unsupportedReason(dev Device) string {
	for _, prefix := range unsupportedPrefixes {
		if strings.HasPrefix(dev.Name, prefix) {
			return "unsupported device type"
		}
	}

	switch {
	case dev.Virtual:
		return "virtual device"
	case dev.ReadOnly:
		return "read-only device"
	case dev.Removable:
		return "removable device"
	case dev.Size == 0:
		return "empty device"
	}

	return ""
}
