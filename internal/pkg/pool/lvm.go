// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/go-retry/retry"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
	"github.com/siderolabs/instance-store-provisioner/pkg/makefs"
)

// volume tracks the LVM structures created for an aggregated pool, so that they can be torn down.
type volume struct {
	runner  makefs.Runner
	devRoot string
	vg      string
	lv      string

	pvs       []string
	vgCreated bool
	lvCreated bool
}

// devicePath returns the device-mapper node of the logical volume.
func (vol *volume) devicePath() string {
	return filepath.Join(vol.devRoot, "mapper", MapperName(vol.vg, vol.lv))
}

// MapperName returns the device-mapper name of an LVM logical volume.
//
// Dashes in both names are doubled, and the names are joined with a single dash.
func MapperName(vg, lv string) string {
	return strings.ReplaceAll(vg, "-", "--") + "-" + strings.ReplaceAll(lv, "-", "--")
}

func (vol *volume) lvm(ctx context.Context, args ...string) (string, error) {
	out, err := vol.runner(ctx, constants.LVMBinary, args...)
	if err != nil {
		return "", fmt.Errorf("lvm %s failed: %w", args[0], err)
	}

	return out, nil
}

// create creates the physical volumes, the volume group and the logical volume spanning it.
func (vol *volume) create(ctx context.Context, members []string, aggregation string) (string, error) {
	for _, member := range members {
		if _, err := vol.lvm(ctx, "pvcreate", "--yes", member); err != nil {
			return "", err
		}

		vol.pvs = append(vol.pvs, member)
	}

	if _, err := vol.lvm(ctx, append([]string{"vgcreate", "--yes", vol.vg}, members...)...); err != nil {
		return "", err
	}

	vol.vgCreated = true

	args := []string{"lvcreate", "--yes", "--type", aggregation}

	if aggregation == "striped" {
		args = append(args, "--stripes", strconv.Itoa(len(members)))
	}

	args = append(args, "--extents", "100%FREE", "--name", vol.lv, vol.vg)

	if _, err := vol.lvm(ctx, args...); err != nil {
		return "", err
	}

	vol.lvCreated = true

	return vol.devicePath(), nil
}

// teardown removes whatever create managed to build, in reverse order.
func (vol *volume) teardown(ctx context.Context, logger *zap.Logger) error {
	var multiErr error

	if vol.lvCreated {
		logger.Info("removing logical volume", zap.String("name", vol.vg+"/"+vol.lv))

		if _, err := vol.lvm(ctx, "lvremove", "--yes", vol.vg+"/"+vol.lv); err != nil {
			multiErr = multierror.Append(multiErr, err)
		}
	}

	if vol.vgCreated {
		logger.Info("removing volume group", zap.String("name", vol.vg))

		if _, err := vol.lvm(ctx, "vgremove", "--yes", vol.vg); err != nil {
			multiErr = multierror.Append(multiErr, err)
		}
	}

	for _, pv := range slices.Backward(vol.pvs) {
		logger.Info("removing physical volume", zap.String("device", pv))

		if _, err := vol.lvm(ctx, "pvremove", "--yes", "--force", pv); err != nil {
			multiErr = multierror.Append(multiErr, err)
		}
	}

	return multiErr
}

// members returns the physical volumes of the volume group, sorted.
func (vol *volume) members(ctx context.Context) ([]string, error) {
	out, err := vol.lvm(ctx, "pvs", "--noheadings", "--options", "pv_name", "--select", "vg_name="+vol.vg)
	if err != nil {
		return nil, err
	}

	members := strings.Fields(out)
	slices.Sort(members)

	return members, nil
}

// waitForDevice waits for udev to create the device node.
func waitForDevice(ctx context.Context, path string, timeout time.Duration) error {
	err := retry.Constant(timeout, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx, func(context.Context) error {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			return retry.ExpectedError(err)
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("error waiting for %s: %w", path, err)
	}

	return nil
}
