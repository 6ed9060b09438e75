// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/xattr"
	"github.com/siderolabs/go-copy/copy"
	"golang.org/x/sys/unix"
)

// Stats counts what a tree copy created.
type Stats struct {
	Files    int
	Dirs     int
	Symlinks int
	Links    int
	Special  int
	Bytes    int64
}

type inode struct {
	dev uint64
	ino uint64
}

type treeCopier struct {
	ctx   context.Context //nolint:containedctx
	src   string
	dst   string
	dev   uint64
	links map[inode]string
	// dirs are applied metadata after their content is copied, deepest first.
	dirs  []dirEntry
	stats Stats
}

type dirEntry struct {
	src, dst string
	st       unix.Stat_t
}

// copyTree copies the directory tree src to dst, which must not exist.
//
// File content, directories, symlinks, hard links, FIFOs, sockets and device nodes are recreated.
// Ownership, permission bits, timestamps and extended attributes are preserved.
// Subtrees on a different filesystem than src are not descended into.
func copyTree(ctx context.Context, src, dst string) (*Stats, error) {
	var st unix.Stat_t

	if err := unix.Lstat(src, &st); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", src, err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("%s is not a directory", src)
	}

	c := &treeCopier{
		ctx:   ctx,
		src:   src,
		dst:   dst,
		dev:   uint64(st.Dev), //nolint:unconvert
		links: map[inode]string{},
	}

	if err := filepath.WalkDir(src, c.visit); err != nil {
		return nil, err
	}

	// children first, so that setting directory timestamps sticks
	for _, dir := range slices.Backward(c.dirs) {
		if err := applyMetadata(dir.src, dir.dst, &dir.st); err != nil {
			return nil, err
		}
	}

	return &c.stats, nil
}

//nolint:gocyclo,cyclop
func (c *treeCopier) visit(path string, d fs.DirEntry, walkErr error) error {
	if walkErr != nil {
		return walkErr
	}

	if err := c.ctx.Err(); err != nil {
		return err
	}

	rel, err := filepath.Rel(c.src, path)
	if err != nil {
		return err
	}

	target := filepath.Join(c.dst, rel)

	var st unix.Stat_t

	if err = unix.Lstat(path, &st); err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		if err = os.Mkdir(target, 0o700); err != nil {
			return fmt.Errorf("error creating directory %s: %w", target, err)
		}

		c.dirs = append(c.dirs, dirEntry{src: path, dst: target, st: st})
		c.stats.Dirs++

		if uint64(st.Dev) != c.dev { //nolint:unconvert
			// a nested mount point: keep the directory, skip its content
			return fs.SkipDir
		}

		return nil
	case unix.S_IFLNK:
		dest, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("error reading symlink %s: %w", path, err)
		}

		if err = os.Symlink(dest, target); err != nil {
			return fmt.Errorf("error creating symlink %s: %w", target, err)
		}

		c.stats.Symlinks++

		return applyMetadata(path, target, &st)
	}

	if st.Nlink > 1 {
		key := inode{dev: uint64(st.Dev), ino: st.Ino} //nolint:unconvert

		if first, ok := c.links[key]; ok {
			if err = os.Link(first, target); err != nil {
				return fmt.Errorf("error creating hard link %s: %w", target, err)
			}

			c.stats.Links++

			return nil
		}

		c.links[key] = target
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		if err = copy.File(path, target); err != nil {
			return fmt.Errorf("error copying %s: %w", path, err)
		}

		c.stats.Files++
		c.stats.Bytes += st.Size
	case unix.S_IFIFO:
		if err = unix.Mkfifo(target, st.Mode&0o7777); err != nil {
			return fmt.Errorf("error creating fifo %s: %w", target, err)
		}

		c.stats.Special++
	case unix.S_IFSOCK, unix.S_IFCHR, unix.S_IFBLK:
		if err = unix.Mknod(target, st.Mode, int(st.Rdev)); err != nil {
			return fmt.Errorf("error creating node %s: %w", target, err)
		}

		c.stats.Special++
	default:
		return fmt.Errorf("unsupported file type %o: %s", st.Mode&unix.S_IFMT, path)
	}

	return applyMetadata(path, target, &st)
}

// applyMetadata copies ownership, mode, extended attributes and timestamps from src onto dst.
//
// Symlinks are never followed.
func applyMetadata(src, dst string, st *unix.Stat_t) error {
	isLink := st.Mode&unix.S_IFMT == unix.S_IFLNK

	if err := os.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("error changing owner of %s: %w", dst, err)
	}

	if !isLink {
		// after chown, which clears setuid and setgid bits
		if err := unix.Fchmodat(unix.AT_FDCWD, dst, st.Mode&0o7777, 0); err != nil {
			return fmt.Errorf("error changing mode of %s: %w", dst, err)
		}
	}

	if err := copyXattrs(src, dst); err != nil {
		return err
	}

	times := []unix.Timespec{st.Atim, st.Mtim}

	if err := unix.UtimesNanoAt(unix.AT_FDCWD, dst, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("error changing times of %s: %w", dst, err)
	}

	return nil
}

func copyXattrs(src, dst string) error {
	names, err := xattr.LList(src)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) {
			return nil
		}

		return fmt.Errorf("error listing extended attributes of %s: %w", src, err)
	}

	for _, name := range names {
		value, err := xattr.LGet(src, name)
		if err != nil {
			if errors.Is(err, xattr.ENOATTR) {
				continue
			}

			return fmt.Errorf("error reading extended attribute %s of %s: %w", name, src, err)
		}

		if err = xattr.LSet(dst, name, value); err != nil {
			return fmt.Errorf("error setting extended attribute %s on %s: %w", name, dst, err)
		}
	}

	return nil
}
