// backup/recover.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mmp/bkcas/container"
	"github.com/mmp/bkcas/manifest"
	u "github.com/mmp/bkcas/util"
)

// ConflictPolicy says what to do when a recovered file already exists.
type ConflictPolicy int

const (
	Overwrite ConflictPolicy = iota
	Skip
	Rename
)

func (p ConflictPolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Skip:
		return "skip"
	case Rename:
		return "rename"
	default:
		return "invalid"
	}
}

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	for _, p := range []ConflictPolicy{Overwrite, Skip, Rename} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	if s == "" {
		return Overwrite, nil
	}
	return Overwrite, errors.Newf("%q: unknown conflict policy", s)
}

type RecoverOptions struct {
	// If non-nil, only records for which Filter returns true are
	// recovered.
	Filter func(rec *manifest.FileRecord) bool
	Policy ConflictPolicy
}

// Recover writes the files recorded in m under dest. Failures for
// individual files are returned in the Report.
func (e *Engine) Recover(ctx context.Context, m *manifest.Manifest, dest string,
	opts RecoverOptions) (Report, error) {
	report := Report{ManifestID: m.ID}
	if err := e.fs.MkdirAll(dest, 0755); err != nil {
		return report, u.Wrapf(u.ErrIO, err, "%s", dest)
	}

	// Folder ACLs go first, so that the directories exist with the right
	// permissions before anything is written into them.
	var rels []string
	for rel := range m.FolderACLs {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		dir, err := targetPath(dest, rel)
		if err != nil {
			report.fail(rel, "", err)
			continue
		}
		if err := e.fs.MkdirAll(dir, 0755); err != nil {
			report.fail(dir, "", u.Wrapf(u.ErrIO, err, "mkdir"))
			continue
		}
		if err := e.acl.Set(dir, m.FolderACLs[rel]); err != nil {
			log.Warning("%s: unable to apply ACL: %s", dir, err)
		}
	}

	for i := range m.Files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := &m.Files[i]
		if opts.Filter != nil && !opts.Filter(rec) {
			continue
		}
		rel := rec.RelativePath
		if rel == "" {
			rel = filepath.Base(filepath.FromSlash(rec.Path))
		}
		path, err := targetPath(dest, rel)
		if err != nil {
			report.fail(rec.Path, "", err)
			continue
		}

		if rec.StructureKind == manifest.FolderOnly {
			if err := e.fs.MkdirAll(path, 0755); err != nil {
				report.fail(rec.Path, "", u.Wrapf(u.ErrIO, err, "mkdir"))
				continue
			}
			e.setMetadata(path, rec)
			report.Processed++
			continue
		}

		if _, err := e.fs.Stat(path); err == nil {
			switch opts.Policy {
			case Skip:
				log.Verbose("%s: exists; skipping", path)
				report.Skipped++
				continue
			case Rename:
				if path, err = e.renamed(path); err != nil {
					report.fail(rec.Path, "", err)
					continue
				}
			default:
				if err := e.fs.Remove(path); err != nil {
					report.fail(rec.Path, "", u.Wrapf(u.ErrIO, err, "remove existing"))
					continue
				}
			}
		}

		if err := e.recoverFile(ctx, rec, path); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.fail(rec.Path, chunkHash(err), err)
			continue
		}
		report.Processed++
	}

	log.Print("recovered %d files from %s to %s (%d skipped, %d failed)", report.Processed,
		m.ShortID(), dest, report.Skipped, len(report.Failures))
	return report, nil
}

// targetPath returns the path under dest for the slash-separated relative
// path rel; rel may not refer to anything outside of dest.
func targetPath(dest, rel string) (string, error) {
	p := filepath.Join(dest, filepath.FromSlash(rel))
	r, err := filepath.Rel(dest, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", u.Errorf(u.ErrIO, "%s: path escapes the recovery directory", rel)
	}
	return p, nil
}

// renamed returns a path derived from p that doesn't exist yet, by adding
// a timestamp and, if need be, a counter before the extension.
func (e *Engine) renamed(p string) (string, error) {
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext) + "_" + e.now().Format("20060102-150405")
	for n := 0; n < 1000; n++ {
		np := base + ext
		if n > 0 {
			np = fmt.Sprintf("%s(%d)%s", base, n, ext)
		}
		if _, err := e.fs.Stat(np); os.IsNotExist(err) {
			return np, nil
		} else if err != nil {
			return "", u.Wrapf(u.ErrIO, err, "%s", np)
		}
	}
	return "", u.Errorf(u.ErrIO, "%s: unable to find an unused name", p)
}

func (e *Engine) recoverFile(ctx context.Context, rec *manifest.FileRecord, path string) error {
	// Get all of the contents before creating anything, so that a missing
	// chunk doesn't leave a truncated file behind.
	data, err := e.ReadFile(ctx, rec)
	if err != nil {
		return err
	}
	log.Debug("%s: recovering %s", path, u.FmtBytes(int64(len(data))))

	if err := e.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return u.Wrapf(u.ErrIO, err, "mkdir")
	}
	f, err := e.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return u.Wrapf(u.ErrIO, err, "create")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		e.fs.Remove(path)
		return u.Wrapf(u.ErrIO, err, "write")
	}
	if err := f.Close(); err != nil {
		e.fs.Remove(path)
		return u.Wrapf(u.ErrIO, err, "close")
	}

	e.setMetadata(path, rec)
	if rec.ACL != nil {
		if err := e.acl.Set(path, *rec.ACL); err != nil {
			log.Warning("%s: unable to apply ACL: %s", path, err)
		}
	}
	return nil
}

// setMetadata applies the recorded mode and modification time; failures
// are logged but otherwise ignored.
func (e *Engine) setMetadata(path string, rec *manifest.FileRecord) {
	if perm := os.FileMode(rec.Attributes).Perm(); perm != 0 {
		if err := e.fs.Chmod(path, perm); err != nil {
			log.Warning("%s: %s", path, err)
		}
	}
	if !rec.LastModifiedUtc.IsZero() {
		if err := e.fs.Chtimes(path, rec.LastModifiedUtc, rec.LastModifiedUtc); err != nil {
			log.Warning("%s: %s", path, err)
		}
	}
}

// ReadFile returns the contents of the file described by rec. The result
// is checked against the recorded size and hash.
func (e *Engine) ReadFile(ctx context.Context, rec *manifest.FileRecord) ([]byte, error) {
	var data []byte
	switch rec.StructureKind {
	case manifest.ChunkBased:
		var err error
		if data, err = e.assemble(ctx, rec.Chunks); err != nil {
			return nil, err
		}

	case manifest.StructureBased:
		leaves := make([]container.Leaf, len(rec.Components))
		for i, c := range rec.Components {
			b, err := e.assemble(ctx, c.Chunks)
			if err != nil {
				return nil, errors.Wrapf(err, "%s", c.Name)
			}
			if int64(len(b)) != c.Size {
				return nil, u.Errorf(u.ErrIntegrity, "%s: reassembled %d bytes; expected %d",
					c.Name, len(b), c.Size)
			}
			leaves[i] = container.Leaf{Name: c.Name, Layers: c.Layers, Data: b}
		}
		var err error
		if data, err = container.Repack(leaves); err != nil {
			return nil, err
		}

	default:
		return nil, errors.Newf("%s: %s records have no contents", rec.Path, rec.StructureKind)
	}

	if int64(len(data)) != rec.Size {
		return nil, u.Errorf(u.ErrIntegrity, "reassembled %d bytes; expected %d", len(data), rec.Size)
	}
	// A record without a hash is only checked by size.
	if rec.Hash != "" && fileHash(data) != rec.Hash {
		return nil, u.Errorf(u.ErrIntegrity, "reassembled contents don't match the recorded hash")
	}
	return data, nil
}

// assemble fetches the given chunks and concatenates them in offset order.
func (e *Engine) assemble(ctx context.Context, chunks []manifest.Chunk) ([]byte, error) {
	sorted := append([]manifest.Chunk(nil), chunks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var buf []byte
	for _, c := range sorted {
		if c.Offset != int64(len(buf)) {
			return nil, &chunkError{hash: c.Hash,
				err: u.Errorf(u.ErrIntegrity, "chunk at offset %d; expected %d", c.Offset, len(buf))}
		}
		data, err := e.content.Fetch(ctx, c.BlobKey)
		if err != nil {
			return nil, &chunkError{hash: c.Hash, err: err}
		}
		buf = append(buf, data...)
	}
	return buf, nil
}
