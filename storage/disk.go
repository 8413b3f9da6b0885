// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mmp/bkcas/rdso"
	u "github.com/mmp/bkcas/util"
)

// DiskOptions controls the Reed-Solomon parity that the disk backend
// stores alongside each object. ParityShards == 0 disables it.
type DiskOptions struct {
	DataShards   int
	ParityShards int
	HashRate     int64
}

// DefaultDiskOptions matches the defaults of the rdso tool.
var DefaultDiskOptions = DiskOptions{DataShards: 17, ParityShards: 3, HashRate: 64 * 1024}

// disk stores each object in its own file under backupDir/objects, at a
// path given by its key. Objects are framed as described in blob.go; if
// parity is enabled, a ".rs" sidecar next to each object file allows
// detecting and repairing corruption when it's read.
type disk struct {
	backupDir string
	opts      DiskOptions

	mu           sync.Mutex
	bytesSaved   int64
	objectsSaved int
	repaired     int
}

// NewDisk returns a new storage.Backend that stores data to the given
// backupDir, creating it if necessary.
func NewDisk(backupDir string, opts DiskOptions) (Backend, error) {
	// Make sure that the backup directory is in fact a directory.
	if stat, err := os.Stat(backupDir); err == nil && !stat.IsDir() {
		return nil, u.Errorf(u.ErrIO, "%s: is a regular file", backupDir)
	}
	if err := os.MkdirAll(filepath.Join(backupDir, "objects"), 0700); err != nil {
		return nil, u.Wrapf(u.ErrIO, err, "%s", backupDir)
	}
	if opts.ParityShards > 0 && (opts.DataShards < 1 || opts.HashRate < 1) {
		return nil, errors.Newf("invalid parity options %+v", opts)
	}
	return &disk{backupDir: backupDir, opts: opts}, nil
}

func (db *disk) String() string {
	return "disk: " + db.backupDir
}

func (db *disk) LogStats() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.objectsSaved > 0 {
		log.Print("saved %s in %d objects (avg %.1f B / object)",
			u.FmtBytes(db.bytesSaved), db.objectsSaved,
			float64(db.bytesSaved)/float64(db.objectsSaved))
	}
	if db.repaired > 0 {
		log.Print("repaired %d corrupt objects", db.repaired)
	}
}

func (db *disk) objectPath(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if strings.HasSuffix(key, ".rs") || strings.HasSuffix(key, ".tmp") {
		return "", errors.Wrapf(ErrBadKey, "%q: reserved suffix", key)
	}
	return filepath.Join(db.backupDir, "objects", filepath.FromSlash(key)), nil
}

func (db *disk) Exists(ctx context.Context, key string) (bool, error) {
	path, err := db.objectPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, u.Wrapf(u.ErrIO, err, "%s", path)
}

func (db *disk) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	path, err := db.objectPath(key)
	if err != nil {
		return err
	}
	blob, err := EncodeBlob(data, metadata, time.Now())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return u.Wrapf(u.ErrIO, err, "%s", path)
	}
	// Write the sidecar first, so that an object file is never present
	// without its parity.
	if db.opts.ParityShards > 0 {
		sc, err := rdso.Encode(blob, db.opts.DataShards, db.opts.ParityShards, db.opts.HashRate)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(path+".rs", sc); err != nil {
			return err
		}
	}
	if err := writeFileAtomic(path, blob); err != nil {
		return err
	}

	db.mu.Lock()
	db.bytesSaved += int64(len(blob))
	db.objectsSaved++
	db.mu.Unlock()
	return nil
}

// Writes the file's contents to a temporary file first and renames it
// into place once it's safely on disk.
func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return u.Wrapf(u.ErrIO, err, "%s", tmp)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return u.Wrapf(u.ErrIO, err, "%s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return u.Wrapf(u.ErrIO, err, "%s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return u.Wrapf(u.ErrIO, err, "%s", tmp)
	}
	return u.Wrapf(u.ErrIO, os.Rename(tmp, path), "%s", path)
}

// Reads the object file for key, checking it against its parity sidecar
// and repairing it if needed.
func (db *disk) readObject(key string) ([]byte, map[string]string, time.Time, error) {
	path, err := db.objectPath(key)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, time.Time{}, notFound(db, key)
	} else if err != nil {
		return nil, nil, time.Time{}, u.Wrapf(u.ErrIO, err, "%s", path)
	}

	if sc, err := os.ReadFile(path + ".rs"); err == nil {
		if err := rdso.Check(blob, sc, nil); err != nil {
			log.Warning("%s: %s; attempting repair", path, err)
			fixed, rerr := rdso.Repair(blob, sc, log)
			if rerr != nil {
				return nil, nil, time.Time{}, u.Wrapf(u.ErrIntegrity, rerr, "%s", path)
			}
			blob = fixed
			if werr := writeFileAtomic(path, blob); werr != nil {
				log.Warning("%s: unable to rewrite repaired object: %s", path, werr)
			}
			db.mu.Lock()
			db.repaired++
			db.mu.Unlock()
		}
	} else if !os.IsNotExist(err) {
		log.Warning("%s.rs: %s", path, err)
	}

	data, md, created, err := DecodeBlob(blob)
	if err != nil {
		return nil, nil, time.Time{}, u.Wrapf(u.ErrIntegrity, err, "%s", path)
	}
	return data, md, created, nil
}

func (db *disk) GetProperties(ctx context.Context, key string) (Properties, error) {
	data, md, created, err := db.readObject(key)
	if err != nil {
		return Properties{}, err
	}
	return Properties{Size: int64(len(data)), Metadata: md, Created: created}, nil
}

func (db *disk) Download(ctx context.Context, key string) ([]byte, error) {
	data, _, _, err := db.readObject(key)
	return data, err
}

func (db *disk) List(ctx context.Context, prefix string, f func(ObjectInfo) error) error {
	objects := filepath.Join(db.backupDir, "objects")
	// Only walk the part of the hierarchy that can hold matching keys.
	start := objects
	if i := strings.LastIndexByte(prefix, '/'); i > 0 {
		start = filepath.Join(objects, filepath.FromSlash(prefix[:i]))
	}
	if _, err := os.Stat(start); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return u.Wrapf(u.ErrIO, err, "%s", path)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".rs") || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(objects, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		fh, err := os.Open(path)
		if err != nil {
			return u.Wrapf(u.ErrIO, err, "%s", path)
		}
		_, created, _, err := ReadBlobHeader(fh)
		fh.Close()
		if err != nil {
			// Report it anyway; reading it will attempt a repair.
			log.Warning("%s: %s", path, err)
			if fi, ierr := d.Info(); ierr == nil {
				created = fi.ModTime()
			}
		}
		return f(ObjectInfo{Key: key, Created: created})
	})
}

// Verify checks every stored object against its parity sidecar and makes
// sure that it decodes, repairing objects where possible. It returns the
// number of objects that couldn't be read.
func (db *disk) Verify(ctx context.Context) (int, error) {
	bad := 0
	err := db.List(ctx, "", func(info ObjectInfo) error {
		if _, _, _, err := db.readObject(info.Key); err != nil {
			log.Error("%s: %s", info.Key, err)
			bad++
		}
		return nil
	})
	return bad, err
}

// Verifier is implemented by backends that can check the integrity of the
// objects they store.
type Verifier interface {
	Verify(ctx context.Context) (int, error)
}
