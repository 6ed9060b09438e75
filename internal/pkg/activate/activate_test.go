// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package activate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/activate"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/migrate"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/mount"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/persist"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/pool"
)

const poolMajorMinor = "259:7"

type fakeMounter struct {
	table    map[string]*mount.Info
	pools    []string
	binds    [][2]string
	unmounts []string
	failBind string
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{table: map[string]*mount.Info{}}
}

func (m *fakeMounter) MountPool(_ context.Context, device, target, fsType string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	m.pools = append(m.pools, device)
	m.table[target] = &mount.Info{MajorMinor: poolMajorMinor, Root: "/", MountPoint: target, Source: device, FSType: fsType}

	return nil
}

func (m *fakeMounter) Bind(_ context.Context, source, target string) error {
	if target == m.failBind {
		return errors.New("permission denied")
	}

	m.binds = append(m.binds, [2]string{source, target})
	m.table[target] = &mount.Info{MajorMinor: poolMajorMinor, Root: "/" + filepath.Base(source), MountPoint: target}

	return nil
}

func (m *fakeMounter) Unmount(_ context.Context, target string) error {
	m.unmounts = append(m.unmounts, target)
	delete(m.table, target)

	return nil
}

func (m *fakeMounter) Lookup(target string) (*mount.Info, error) {
	return m.table[target], nil
}

type fakePersister struct {
	entries []persist.Entry
	err     error
}

func (p *fakePersister) Persist(_ context.Context, _ *zap.Logger, entries []persist.Entry) error {
	p.entries = entries

	return p.err
}

type fixture struct {
	mountPoint string
	targets    []string
	mounter    *fakeMounter
	persister  *fakePersister
	labels     [][2]string
	pool       *pool.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()

	f := &fixture{
		mountPoint: filepath.Join(root, "mnt"),
		targets: []string{
			filepath.Join(root, "var", "lib", "containers"),
			filepath.Join(root, "var", "lib", "etcd"),
		},
		mounter:   newFakeMounter(),
		persister: &fakePersister{},
		pool: &pool.Pool{
			Kind:       pool.KindSingle,
			Members:    []string{"/dev/nvme1n1"},
			Device:     "/dev/nvme1n1",
			Filesystem: "xfs",
			Label:      "inst-store",
		},
	}

	require.NoError(t, os.MkdirAll(filepath.Join(f.targets[0], "storage"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.targets[0], "storage", "db.json"), []byte("{}"), 0o644))

	return f
}

func (f *fixture) activator() *activate.Activator {
	return activate.New(
		activate.WithMounter(f.mounter),
		activate.WithPersister(f.persister),
		activate.WithMountPoint(f.mountPoint),
		activate.WithLabelFunc(func(reference, target string) error {
			f.labels = append(f.labels, [2]string{reference, target})

			return nil
		}),
	)
}

func (f *fixture) subdir(i int) string {
	return filepath.Join(f.mountPoint, activate.SubdirName(f.targets[i]))
}

func TestSubdirName(t *testing.T) {
	assert.Equal(t, "var-lib-containers", activate.SubdirName("/var/lib/containers"))
	assert.Equal(t, "var-lib-etcd", activate.SubdirName("/var/lib/etcd"))
	assert.NotEqual(t, activate.SubdirName("/var/lib-data"), activate.SubdirName("/var/lib/data"))
}

func TestActivate(t *testing.T) {
	f := newFixture(t)

	mappings, err := f.activator().Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.NoError(t, err)

	assert.Equal(t, []activate.Mapping{
		{Target: f.targets[0], Subdir: activate.SubdirName(f.targets[0])},
		{Target: f.targets[1], Subdir: activate.SubdirName(f.targets[1])},
	}, mappings)

	assert.Equal(t, []string{"/dev/nvme1n1"}, f.mounter.pools)
	assert.Equal(t, [][2]string{{"/var", f.mountPoint}}, f.labels)

	b, err := os.ReadFile(filepath.Join(f.subdir(0), "storage", "db.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	entries, err := os.ReadDir(f.subdir(1))
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.DirExists(t, f.targets[1])

	assert.Equal(t, [][2]string{
		{f.subdir(0), f.targets[0]},
		{f.subdir(1), f.targets[1]},
	}, f.mounter.binds)

	assert.Equal(t, []persist.Entry{
		persist.PoolEntry("inst-store", f.mountPoint, "xfs"),
		persist.BindEntry(f.subdir(0), f.targets[0]),
		persist.BindEntry(f.subdir(1), f.targets[1]),
	}, f.persister.entries)
}

func TestActivateResume(t *testing.T) {
	f := newFixture(t)

	// an earlier run mounted the pool, migrated and bound the first target
	require.NoError(t, f.mounter.MountPool(t.Context(), f.pool.Device, f.mountPoint, "xfs"))
	require.NoError(t, os.MkdirAll(f.subdir(0), 0o755))
	require.NoError(t, f.mounter.Bind(t.Context(), f.subdir(0), f.targets[0]))

	f.mounter.pools = nil
	f.mounter.binds = nil

	mappings, err := f.activator().Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.NoError(t, err)

	assert.Len(t, mappings, 2)
	assert.Empty(t, f.mounter.pools)
	assert.Equal(t, [][2]string{{f.subdir(1), f.targets[1]}}, f.mounter.binds)

	// the first target was not copied again
	assert.NoFileExists(t, filepath.Join(f.subdir(0), "storage", "db.json"))
	assert.Len(t, f.persister.entries, 3)
}

func TestActivateResumeEscapedTarget(t *testing.T) {
	f := newFixture(t)
	f.targets = []string{filepath.Join(filepath.Dir(f.targets[0]), "my-data")}

	// the root of the bind mount as reported by the mount table after unescaping
	require.NoError(t, f.mounter.MountPool(t.Context(), f.pool.Device, f.mountPoint, "xfs"))
	require.NoError(t, os.MkdirAll(f.subdir(0), 0o755))
	require.NoError(t, f.mounter.Bind(t.Context(), f.subdir(0), f.targets[0]))

	assert.Contains(t, f.mounter.table[f.targets[0]].Root, `\x2d`)

	f.mounter.binds = nil

	_, err := f.activator().Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.NoError(t, err)

	assert.Empty(t, f.mounter.binds)
}

func TestActivateMountPointOccupied(t *testing.T) {
	f := newFixture(t)

	f.mounter.table[f.mountPoint] = &mount.Info{MajorMinor: "8:1", Root: "/", MountPoint: f.mountPoint, Source: "/dev/sda1"}

	_, err := f.activator().Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[fault.BindMountFailed](err))
	assert.Empty(t, f.mounter.binds)
}

func TestActivateBindFailure(t *testing.T) {
	f := newFixture(t)
	f.mounter.failBind = f.targets[1]

	_, err := f.activator().Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[fault.BindMountFailed](err))

	assert.Len(t, f.mounter.binds, 1)
	assert.Nil(t, f.persister.entries)
}

func TestActivatePersistFailure(t *testing.T) {
	f := newFixture(t)
	f.persister.err = errors.New("read-only file system")

	_, err := f.activator().Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[fault.BindMountFailed](err))
}

func TestActivateLabelFailure(t *testing.T) {
	f := newFixture(t)

	activator := activate.New(
		activate.WithMounter(f.mounter),
		activate.WithPersister(f.persister),
		activate.WithMountPoint(f.mountPoint),
		activate.WithLabelFunc(func(string, string) error { return errors.New("operation not supported") }),
	)

	_, err := activator.Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[fault.BindMountFailed](err))
	assert.Empty(t, f.mounter.binds)

	// the pool mounted by this run is unmounted again
	assert.Equal(t, []string{f.mountPoint}, f.mounter.unmounts)
	assert.NotContains(t, f.mounter.table, f.mountPoint)
}

func TestActivateLabelFailureKeepsExistingMount(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mounter.MountPool(t.Context(), f.pool.Device, f.mountPoint, "xfs"))

	activator := activate.New(
		activate.WithMounter(f.mounter),
		activate.WithPersister(f.persister),
		activate.WithMountPoint(f.mountPoint),
		activate.WithLabelFunc(func(string, string) error { return errors.New("operation not supported") }),
	)

	_, err := activator.Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[fault.BindMountFailed](err))
	assert.Empty(t, f.mounter.unmounts)
}

func TestActivateMigrationFailure(t *testing.T) {
	f := newFixture(t)

	// a regular file where a directory is expected can't be migrated
	require.NoError(t, os.MkdirAll(filepath.Dir(f.targets[1]), 0o755))
	require.NoError(t, os.WriteFile(f.targets[1], []byte("not a directory"), 0o644))

	_, err := f.activator().Activate(t.Context(), zaptest.NewLogger(t), f.pool, f.targets)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[fault.MigrationFailed](err))

	// the first target is done, the failed one is neither mounted nor changed
	assert.Equal(t, [][2]string{{f.subdir(0), f.targets[0]}}, f.mounter.binds)

	b, err := os.ReadFile(f.targets[1])
	require.NoError(t, err)
	assert.Equal(t, "not a directory", string(b))

	assert.NoDirExists(t, f.subdir(1))
	assert.NoDirExists(t, migrate.StagingPath(f.subdir(1)))
	assert.Nil(t, f.persister.entries)
}
