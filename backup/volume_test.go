// backup/volume_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/mmp/bkcas/manifest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// copySnapshotter makes a snapshot by copying the volume; it then
// modifies the live volume, so that tests can tell which one was read.
type copySnapshotter struct {
	fs      afero.Fs
	fail    bool
	created []Snapshot
	deleted []Snapshot
}

func (s *copySnapshotter) Create(ctx context.Context, volume string) (Snapshot, error) {
	if s.fail {
		return Snapshot{}, errors.New("snapshots unavailable")
	}
	snap := Snapshot{Volume: volume, Path: "/snapshots/1"}
	err := afero.Walk(s.fs, volume, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(volume, path)
		if err != nil {
			return err
		}
		target := filepath.Join(snap.Path, rel)
		if info.IsDir() {
			return s.fs.MkdirAll(target, info.Mode().Perm())
		}
		b, err := afero.ReadFile(s.fs, path)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(s.fs, target, b, info.Mode().Perm()); err != nil {
			return err
		}
		return s.fs.Chtimes(target, info.ModTime(), info.ModTime())
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.created = append(s.created, snap)

	// Writes that happen after the snapshot was taken.
	if err := afero.WriteFile(s.fs, filepath.Join(volume, "log.txt"), []byte("after"), 0644); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *copySnapshotter) Delete(ctx context.Context, snap Snapshot) error {
	s.deleted = append(s.deleted, snap)
	return s.fs.RemoveAll(snap.Path)
}

func TestVolumeBackup(t *testing.T) {
	fs := afero.NewMemMapFs()
	snap := &copySnapshotter{fs: fs}
	f := newFixture(t, Options{Fs: fs, Snapshotter: snap})
	f.write(t, "/vol/log.txt", []byte("before"), t0)
	f.write(t, "/vol/data/db.dat", genRandom(30000), t0)

	m, report, err := f.e.RunBackup(context.Background(), []string{"/vol"}, manifest.Volume)
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Equal(t, manifest.Volume, m.Target)
	require.Len(t, snap.created, 1)
	require.Equal(t, snap.created, snap.deleted)
	_, err = fs.Stat("/snapshots/1")
	require.True(t, os.IsNotExist(err))

	// Recorded under the live paths, with the snapshot's contents.
	rec := findRecord(t, m, "/vol/log.txt")
	require.Equal(t, "log.txt", rec.RelativePath)
	b, err := f.e.ReadFile(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, "before", string(b))
	findRecord(t, m, "/vol/data/db.dat")

	_, _, err = f.e.RunBackup(context.Background(), []string{"/vol", "/other"}, manifest.Volume)
	require.Error(t, err)
}

func TestVolumeSnapshotCleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	snap := &copySnapshotter{fs: fs}
	f := newFixture(t, Options{Fs: fs, Snapshotter: snap})
	f.write(t, "/vol/a.txt", []byte("a"), t0)

	// The snapshot is deleted even if the backup is interrupted.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := f.e.RunVolumeBackup(ctx, "/vol")
	require.Error(t, err)
	require.Len(t, snap.created, 1)
	require.Len(t, snap.deleted, 1)

	// No snapshot, no backup.
	snap.fail = true
	_, _, err = f.e.RunVolumeBackup(context.Background(), "/vol")
	require.Error(t, err)
	require.Len(t, snap.deleted, 1)
	all, err := f.e.ListManifests(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDirectSnapshotter(t *testing.T) {
	f := newFixture(t, Options{})
	f.write(t, "/vol/a.txt", []byte("live"), t0)
	m, _, err := f.e.RunVolumeBackup(context.Background(), "/vol")
	require.NoError(t, err)
	require.Equal(t, "a.txt", m.Files[0].RelativePath)
}

// mapACL keeps ACLs in maps keyed by path.
type mapACL struct {
	acls map[string]string
	set  map[string]string
	bad  map[string]bool
}

func (a *mapACL) Get(path string) (string, error) {
	if a.bad[path] {
		return "", errors.New("permission denied")
	}
	return a.acls[path], nil
}

func (a *mapACL) Set(path, acl string) error {
	if a.bad[path] {
		return errors.New("permission denied")
	}
	a.set[path] = acl
	return nil
}

func TestACLs(t *testing.T) {
	acl := &mapACL{
		acls: map[string]string{"/src": "root acl", "/src/sub": "sub acl", "/src/sub/b.txt": "file acl"},
		set:  make(map[string]string),
		bad:  map[string]bool{"/src/a.txt": true, "/dst/sub/b.txt": true},
	}
	f := newFixture(t, Options{ACL: acl})
	f.write(t, "/src/a.txt", []byte("a"), t0)
	f.write(t, "/src/sub/b.txt", []byte("b"), t0)
	f.write(t, "/src/other/c.txt", []byte("c"), t0)

	m, _ := f.backup(t, "/src")
	require.Equal(t, map[string]string{".": "root acl", "sub": "sub acl"}, m.FolderACLs)
	require.Nil(t, findRecord(t, m, "/src/a.txt").ACL)
	require.Equal(t, "file acl", *findRecord(t, m, "/src/sub/b.txt").ACL)

	// A failure to apply an ACL doesn't fail the file.
	report, err := f.e.Recover(context.Background(), m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Equal(t, map[string]string{"/dst": "root acl", "/dst/sub": "sub acl"}, acl.set)
	require.Equal(t, "b", string(f.read(t, "/dst/sub/b.txt")))
}
