// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mdlayher/kobject"
)

// Device types reported in the DEVTYPE uevent key.
const (
	devTypeDisk      = "disk"
	devTypePartition = "partition"
)

// sysDisk is a whole disk found under <sysfs>/block with its partitions, ordered by name.
type sysDisk struct {
	event      *kobject.Event
	partitions []*kobject.Event
}

// scanDisks lists the whole disks under the <sysfs>/block directory root.
//
// Entries which disappear while scanning are skipped.
func scanDisks(root string) ([]sysDisk, error) {
	names, err := listDir(root)
	if err != nil {
		return nil, err
	}

	if names == nil {
		return nil, fmt.Errorf("%s doesn't exist", root)
	}

	disks := make([]sysDisk, 0, len(names))

	for _, name := range names {
		dir, err := filepath.EvalSymlinks(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", name, err)
		}

		event, err := addEvent(dir)
		if err != nil {
			return nil, err
		}

		if event == nil || event.Values["DEVTYPE"] != devTypeDisk {
			continue
		}

		partitions, err := scanPartitions(dir)
		if err != nil {
			return nil, err
		}

		disks = append(disks, sysDisk{event: event, partitions: partitions})
	}

	return disks, nil
}

// scanPartitions returns the partitions of the disk at dir: child directories carrying a partition attribute.
func scanPartitions(dir string) ([]*kobject.Event, error) {
	names, err := listDir(dir)
	if err != nil {
		return nil, err
	}

	var partitions []*kobject.Event

	for _, name := range names {
		child := filepath.Join(dir, name)

		if _, err = os.Stat(filepath.Join(child, "partition")); err != nil {
			continue
		}

		event, err := addEvent(child)
		if err != nil {
			return nil, err
		}

		if event != nil && event.Values["DEVTYPE"] == devTypePartition {
			partitions = append(partitions, event)
		}
	}

	return partitions, nil
}

// addEvent synthesizes the add uevent of the sysfs block device directory dir, nil if it has no uevent file.
func addEvent(dir string) (*kobject.Event, error) {
	content, err := os.ReadFile(filepath.Join(dir, "uevent"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read uevent of %q: %w", dir, err)
	}

	values := map[string]string{}

	for line := range strings.Lines(string(content)) {
		if key, value, ok := strings.Cut(strings.TrimSuffix(line, "\n"), "="); ok {
			values[key] = value
		}
	}

	return &kobject.Event{
		Action:     kobject.Add,
		DevicePath: dir,
		Subsystem:  "block",
		Values:     values,
	}, nil
}

// readAttr reads a single sysfs attribute, returning an empty string if it doesn't exist.
func readAttr(path, attr string) (string, error) {
	content, err := os.ReadFile(filepath.Join(path, attr))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", fmt.Errorf("failed to read %s of %q: %w", attr, path, err)
	}

	return strings.TrimSpace(string(content)), nil
}

// readFlag reads a boolean sysfs attribute ("0" or "1").
func readFlag(path, attr string) (bool, error) {
	v, err := readAttr(path, attr)
	if err != nil {
		return false, err
	}

	return v == "1", nil
}

// readSize returns the size in bytes of the device at path.
//
// The size attribute is always expressed in 512-byte sectors.
func readSize(path string) (uint64, error) {
	v, err := readAttr(path, "size")
	if err != nil || v == "" {
		return 0, err
	}

	sectors, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size of %q: %w", path, err)
	}

	return sectors * 512, nil
}

// readDeviceAttr reads an attribute of the underlying hardware device, e.g. device/model.
func readDeviceAttr(path, attr string) (string, error) {
	return readAttr(filepath.Join(path, "device"), attr)
}

// listDir returns the entry names of a sysfs directory, empty if it doesn't exist.
func listDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names, nil
}

// majorMinor parses the MAJOR and MINOR uevent keys.
func majorMinor(values map[string]string) (int, int, error) {
	major, err := strconv.Atoi(values["MAJOR"])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid MAJOR %q: %w", values["MAJOR"], err)
	}

	minor, err := strconv.Atoi(values["MINOR"])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid MINOR %q: %w", values["MINOR"], err)
	}

	return major, minor, nil
}
