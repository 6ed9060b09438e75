// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"errors"

	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"go.uber.org/zap"
)

// ErrBusy is returned by a Prober when the device is exclusively locked by another process.
var ErrBusy = errors.New("device is locked")

// ProbeResult is the signature found on a block device.
type ProbeResult struct {
	// Name is the signature type, e.g. xfs or gpt, empty if the device is blank.
	Name  string
	Label string
	UUID  string
	// Size is the size of the probed device in bytes.
	Size uint64
	// Partitions are the signatures found inside partitions.
	Partitions []ProbeResult
}

// Prober reads the signature of a block device.
type Prober interface {
	Probe(logger *zap.Logger, path string) (*ProbeResult, error)
}

// BlkidProber probes devices with blkid.
type BlkidProber struct{}

// Probe implements Prober.
func (BlkidProber) Probe(logger *zap.Logger, path string) (*ProbeResult, error) {
	info, err := blkid.ProbePath(path, blkid.WithProbeLogger(logger.With(zap.String("device", path))))
	if err != nil {
		if errors.Is(err, blkid.ErrFailedLock) {
			return nil, ErrBusy
		}

		return nil, err
	}

	result := fromBlkid(info.ProbeResult)
	result.Size = info.Size

	for _, nested := range info.Parts {
		part := fromBlkid(nested.ProbeResult)

		if part.Label == "" && nested.PartitionLabel != nil {
			part.Label = *nested.PartitionLabel
		}

		result.Partitions = append(result.Partitions, part)
	}

	return &result, nil
}

func fromBlkid(info blkid.ProbeResult) ProbeResult {
	result := ProbeResult{
		Name: info.Name,
	}

	if info.UUID != nil {
		result.UUID = info.UUID.String()
	}

	if info.Label != nil {
		result.Label = *info.Label
	}

	return result
}
