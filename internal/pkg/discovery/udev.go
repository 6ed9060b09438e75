// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package discovery

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// udevRecord is the content of a udev database entry for a block device.
type udevRecord struct {
	Properties map[string]string
	// Links are relative to the /dev directory.
	Links []string
}

// readUdevRecord reads /run/udev/data/b<major>:<minor>.
//
// A missing entry is not an error: udev might not be running.
func readUdevRecord(root string, major, minor int) (udevRecord, error) {
	record := udevRecord{
		Properties: map[string]string{},
	}

	content, err := os.ReadFile(filepath.Join(root, fmt.Sprintf("b%d:%d", major, minor)))
	if err != nil {
		if os.IsNotExist(err) {
			return record, nil
		}

		return record, fmt.Errorf("failed to read udev database: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "E:"):
			key, value, ok := strings.Cut(line[2:], "=")
			if ok {
				record.Properties[key] = value
			}
		case strings.HasPrefix(line, "S:"):
			record.Links = append(record.Links, line[2:])
		}
	}

	return record, scanner.Err()
}

// Label returns the filesystem label, decoding the \xNN escapes of ID_FS_LABEL_ENC.
func (record udevRecord) Label() string {
	if enc, ok := record.Properties["ID_FS_LABEL_ENC"]; ok {
		return unescapeUdev(enc)
	}

	return record.Properties["ID_FS_LABEL"]
}

// Signature returns the filesystem or partition table type recorded by udev.
func (record udevRecord) Signature() string {
	if v := record.Properties["ID_FS_TYPE"]; v != "" {
		return v
	}

	return record.Properties["ID_PART_TABLE_TYPE"]
}

func unescapeUdev(s string) string {
	var b strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))

				i += 3

				continue
			}
		}

		b.WriteByte(s[i])
	}

	return b.String()
}
