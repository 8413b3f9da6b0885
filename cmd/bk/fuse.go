// cmd/bk/fuse.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Additional infrastructure to allow browsing backups via FUSE.

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/bkcas/manifest"
)

// fileReader returns the contents of a backed-up file; *backup.Engine
// implements it.
type fileReader interface {
	ReadFile(ctx context.Context, rec *manifest.FileRecord) ([]byte, error)
}

// mountFUSE serves the given tree as a read-only FUSE filesystem at dir
// until it's unmounted.
func mountFUSE(dir string, root *mountDir) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("bkfs"),
		fuse.Subtype("bkfs"),
		fuse.VolumeName("backups"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Print("%s: serving backups; unmount to exit", dir)
	if err := fs.Serve(conn, root); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

// mountDir is a directory in the mounted hierarchy. The first two levels
// are the yyyymmdd date of each backup and then hhmmss-type-id; below
// that are the files from the backup's manifest.
type mountDir struct {
	name     string
	mtime    time.Time
	children map[string]fs.Node
}

// mountFile is a file from a backup.
type mountFile struct {
	r   fileReader
	rec *manifest.FileRecord
}

func newDir(name string, mtime time.Time) *mountDir {
	return &mountDir{name: name, mtime: mtime, children: make(map[string]fs.Node)}
}

// subdir returns the named subdirectory, creating it if necessary. It
// returns nil if there's already a file with that name.
func (d *mountDir) subdir(name string, mtime time.Time) *mountDir {
	if n, ok := d.children[name]; ok {
		sd, _ := n.(*mountDir)
		return sd
	}
	sd := newDir(name, mtime)
	d.children[name] = sd
	return sd
}

// newMountTree builds the hierarchy for the given manifests.
func newMountTree(r fileReader, manifests []*manifest.Manifest) *mountDir {
	root := newDir("", time.Now())
	for _, m := range manifests {
		ts := m.Timestamp.Local()
		day := root.subdir(ts.Format("20060102"), ts)
		run := day.subdir(fmt.Sprintf("%s-%s-%s", ts.Format("150405"),
			strings.ToLower(m.Type.String()), m.ShortID()), ts)

		for i := range m.Files {
			rec := &m.Files[i]
			comps := strings.Split(displayPath(rec), "/")
			if rec.StructureKind != manifest.FolderOnly {
				comps = comps[:len(comps)-1]
			}

			d := run
			for _, c := range comps {
				if c == "" || c == "." {
					continue
				}
				if d = d.subdir(c, rec.LastModifiedUtc); d == nil {
					break
				}
			}
			if d == nil {
				log.Warning("%s: path conflicts with another file in backup %s", rec.Path, m.ShortID())
				continue
			}
			if rec.StructureKind == manifest.FolderOnly {
				continue
			}

			name := displayPath(rec)
			name = name[strings.LastIndex(name, "/")+1:]
			if _, ok := d.children[name]; ok {
				log.Warning("%s: duplicate path in backup %s", rec.Path, m.ShortID())
				continue
			}
			d.children[name] = &mountFile{r: r, rec: rec}
		}
	}
	return root
}

// Root() should only be called with the root node passed to fs.Serve;
// since mountDir also implements the additional Node and Handle
// interfaces for a directory entry, we can just return it directly.
func (d *mountDir) Root() (fs.Node, error) {
	return d, nil
}

func (d *mountDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	a.Mtime = d.mtime
	return nil
}

// Implements fuse.fs.NodeStringLookuper interface (OMGWTFBBQ naming)
func (d *mountDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if n, ok := d.children[name]; ok {
		return n, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (d *mountDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for name, n := range d.children {
		t := fuse.DT_File
		if _, ok := n.(*mountDir); ok {
			t = fuse.DT_Dir
		}
		de = append(de, fuse.Dirent{Name: name, Type: t})
	}
	sort.Slice(de, func(i, j int) bool { return de[i].Name < de[j].Name })
	return de, nil
}

func (f *mountFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Size = uint64(f.rec.Size)
	a.Mode = os.FileMode(f.rec.Attributes).Perm() &^ 0222
	if a.Mode == 0 {
		a.Mode = 0400
	}
	a.Mtime = f.rec.LastModifiedUtc
	return nil
}

// Implements fuse.fs.HandleReadAller
func (f *mountFile) ReadAll(ctx context.Context) ([]byte, error) {
	b, err := f.r.ReadFile(ctx, f.rec)
	if err != nil {
		log.Error("%s: %s", f.rec.Path, err)
		return nil, fuse.Errno(syscall.EIO)
	}
	return b, nil
}
