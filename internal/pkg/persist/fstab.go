// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/deniswernert/go-fstab"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/pkg/atomicfile"
)

// Fstab persists entries in the fstab file.
type Fstab struct {
	Path string
}

// NewFstab returns a Fstab persister for the file at path.
func NewFstab(path string) *Fstab {
	return &Fstab{Path: path}
}

// Persist implements Persister.
//
// Entries are appended, existing lines and comments are kept. An existing line for the same
// mountpoint is accepted if it mounts the same source, and is an error otherwise.
func (f *Fstab) Persist(_ context.Context, logger *zap.Logger, entries []Entry) error {
	content, existing, err := f.read()
	if err != nil {
		return err
	}

	var added int

	for _, entry := range entries {
		if current, ok := existing[entry.Where]; ok {
			if current.Spec != entry.What {
				return fmt.Errorf("fstab already mounts %s on %s", current.Spec, entry.Where)
			}

			logger.Debug("fstab entry is up to date", zap.String("where", entry.Where))

			continue
		}

		if len(content) > 0 && !bytes.HasSuffix(content, []byte("\n")) {
			content = append(content, '\n')
		}

		line := fstabLine(entry).String()
		content = append(content, line...)
		content = append(content, '\n')

		existing[entry.Where] = fstabLine(entry)
		added++

		logger.Info("added fstab entry", zap.String("entry", line))
	}

	if added == 0 {
		return nil
	}

	// an existing fstab keeps its permissions
	if err = atomicfile.WriteFile(f.Path, content, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", f.Path, err)
	}

	return nil
}

func (f *Fstab) read() ([]byte, map[string]*fstab.Mount, error) {
	existing := map[string]*fstab.Mount{}

	content, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, existing, nil
		}

		return nil, nil, fmt.Errorf("error reading %s: %w", f.Path, err)
	}

	mounts, err := fstab.ParseFile(f.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing %s: %w", f.Path, err)
	}

	for _, m := range mounts {
		existing[m.File] = m
	}

	return content, existing, nil
}

func fstabLine(entry Entry) *fstab.Mount {
	opts := map[string]string{"defaults": ""}

	if entry.Options != "" {
		opts = map[string]string{entry.Options: ""}
	}

	return &fstab.Mount{
		Spec:    entry.What,
		File:    entry.Where,
		VfsType: entry.Type,
		MntOps:  opts,
		Freq:    0,
		PassNo:  0,
	}
}
