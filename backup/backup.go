// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup walks files and folders into the content store, recording
// each run in a manifest, and recovers files from those manifests.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mmp/bkcas/container"
	"github.com/mmp/bkcas/manifest"
	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// IncrementalPolicy decides when a backup run is labeled Incremental.
type IncrementalPolicy string

const (
	// Incremental whenever there's a previous manifest.
	IncrementalStore IncrementalPolicy = "store"
	// Incremental only if some file was carried over from the previous
	// manifest.
	IncrementalReuse IncrementalPolicy = "reuse"
)

func ParseIncrementalPolicy(s string) (IncrementalPolicy, error) {
	switch p := IncrementalPolicy(s); p {
	case "":
		return IncrementalStore, nil
	case IncrementalStore, IncrementalReuse:
		return p, nil
	default:
		return "", errors.Newf("%q: unknown incremental policy", s)
	}
}

type Options struct {
	// Defaults to the host's filesystem.
	Fs afero.Fs
	// Defaults to DefaultACL(Fs).
	ACL ACLProvider
	// Defaults to DirectSnapshotter.
	Snapshotter Snapshotter
	// The zero value means storage.DefaultChunker().
	Chunker     storage.Chunker
	Incremental IncrementalPolicy
	// Paths containing any of these strings are skipped.
	Exclude []string
	// Defaults to time.Now.
	Now func() time.Time
}

// Engine runs backups and recoveries against a content store.
type Engine struct {
	fs          afero.Fs
	acl         ACLProvider
	snapshotter Snapshotter
	chunker     storage.Chunker
	policy      IncrementalPolicy
	exclude     []string
	now         func() time.Time

	content    *storage.ContentStore
	manifests  *manifest.Store
	decomposer *container.Decomposer
}

func NewEngine(content *storage.ContentStore, opts Options) (*Engine, error) {
	policy, err := ParseIncrementalPolicy(string(opts.Incremental))
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, errors.New("no content store provided")
	}
	e := &Engine{
		policy:      policy,
		fs:          opts.Fs,
		acl:         opts.ACL,
		snapshotter: opts.Snapshotter,
		chunker:     opts.Chunker,
		exclude:     opts.Exclude,
		now:         opts.Now,
		content:     content,
		manifests:   manifest.NewStore(content.Backend()),
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	if e.acl == nil {
		e.acl = DefaultACL(e.fs)
	}
	if e.snapshotter == nil {
		e.snapshotter = DirectSnapshotter{}
	}
	if e.chunker == (storage.Chunker{}) {
		e.chunker = storage.DefaultChunker()
	}
	if err := e.chunker.Validate(); err != nil {
		return nil, err
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.decomposer = container.NewDecomposer(e.chunker)
	return e, nil
}

// Report summarizes a backup or recovery run.
type Report struct {
	ManifestID string
	// Files that were stored or recovered.
	Processed int
	// Files carried over unchanged from the previous manifest.
	Reused int
	// Entries that were deliberately passed over.
	Skipped  int
	Failures []u.ItemError
}

func (r *Report) fail(path, hash string, err error) {
	log.Error("%s: %s", path, err)
	r.Failures = append(r.Failures, u.ItemError{Path: path, Hash: hash, ManifestID: r.ManifestID,
		Err: err})
}

// chunkError records which chunk an error came from.
type chunkError struct {
	hash string
	err  error
}

func (e *chunkError) Error() string { return e.err.Error() }
func (e *chunkError) Unwrap() error { return e.err }

func chunkHash(err error) string {
	var ce *chunkError
	if errors.As(err, &ce) {
		return ce.hash
	}
	return ""
}

///////////////////////////////////////////////////////////////////////////
// Backup

// RunBackup backs up the given files and folders and saves a manifest
// describing them. Failures for individual files are returned in the
// Report; an error is only returned if no manifest was saved.
func (e *Engine) RunBackup(ctx context.Context, targets []string,
	target manifest.TargetType) (*manifest.Manifest, Report, error) {
	if target == manifest.Volume {
		if len(targets) != 1 {
			return nil, Report{}, errors.Newf("volume backups take a single target, got %d", len(targets))
		}
		return e.RunVolumeBackup(ctx, targets[0])
	}

	r := e.newRun(ctx, target)
	w := r.walker()
	var entries []entry
	for _, t := range targets {
		abs, err := filepath.Abs(t)
		if err != nil {
			r.report.fail(t, "", u.Wrapf(u.ErrIO, err, "absolute path"))
			continue
		}
		t = abs
		fi, err := e.fs.Stat(t)
		if err != nil {
			r.report.fail(t, "", u.Wrapf(u.ErrIO, err, "stat"))
			continue
		}
		if fi.IsDir() {
			ents, err := w.walk(ctx, t, t)
			if err != nil {
				if ctx.Err() != nil {
					return nil, r.report, ctx.Err()
				}
				r.report.fail(t, "", err)
				continue
			}
			entries = append(entries, ents...)
		} else if fi.Mode().IsRegular() {
			entries = append(entries, entry{path: t, readPath: t, info: fi})
		} else {
			log.Warning("%s: not a regular file or directory; skipping", t)
			r.report.Skipped++
		}
	}
	return r.finish(ctx, entries, w.dirACLs)
}

// RunVolumeBackup backs up the volume mounted at root, reading it through
// a snapshot. The files are recorded under their paths in root.
func (e *Engine) RunVolumeBackup(ctx context.Context, root string) (*manifest.Manifest, Report, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, Report{}, u.Wrapf(u.ErrIO, err, "%s", root)
	}
	root = abs
	r := e.newRun(ctx, manifest.Volume)

	snap, err := e.snapshotter.Create(ctx, root)
	if err != nil {
		return nil, r.report, u.Wrapf(u.ErrIO, err, "%s: snapshot", root)
	}
	log.Verbose("%s: reading from snapshot at %s", root, snap.Path)
	defer func() {
		// A fresh context: the snapshot has to go even if ctx was
		// canceled.
		if err := e.snapshotter.Delete(context.Background(), snap); err != nil {
			log.Warning("%s: unable to delete snapshot: %s", snap.Path, err)
		}
	}()

	w := r.walker()
	entries, err := w.walk(ctx, root, snap.Path)
	if err != nil {
		return nil, r.report, err
	}
	return r.finish(ctx, entries, w.dirACLs)
}

// run holds the state of a single backup.
type run struct {
	e      *Engine
	m      *manifest.Manifest
	report Report
	// Records from the previous manifest, by path.
	prev map[string]*manifest.FileRecord
	// Whether there's a previous manifest at all.
	hasPrev bool
}

func (e *Engine) newRun(ctx context.Context, target manifest.TargetType) *run {
	r := &run{e: e, m: manifest.New(target, e.now()), prev: make(map[string]*manifest.FileRecord)}
	r.report.ManifestID = r.m.ID

	latest, err := e.manifests.LoadLatest(ctx)
	if err != nil {
		log.Warning("unable to load the previous manifest; doing a full backup: %s", err)
	} else if latest != nil {
		log.Verbose("previous manifest %s from %s", latest.ShortID(), latest.Timestamp)
		r.hasPrev = true
		for i := range latest.Files {
			r.prev[latest.Files[i].Path] = &latest.Files[i]
		}
	}
	return r
}

func (r *run) walker() *walker {
	return &walker{fs: r.e.fs, acl: r.e.acl, exclude: r.e.exclude, report: &r.report,
		dirACLs: make(map[string]string)}
}

// finish stores the given entries and saves the manifest.
func (r *run) finish(ctx context.Context, entries []entry,
	dirACLs map[string]string) (*manifest.Manifest, Report, error) {
	for rel, acl := range dirACLs {
		r.m.FolderACLs[rel] = acl
	}

	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, r.report, err
		}

		if ent.empty {
			r.m.Files = append(r.m.Files, manifest.FileRecord{
				Path:            ent.path,
				RelativePath:    ent.rel,
				LastModifiedUtc: ent.info.ModTime().UTC(),
				Attributes:      uint32(ent.info.Mode()),
				StructureKind:   manifest.FolderOnly,
				LastBackupUtc:   r.m.Timestamp,
			})
			r.report.Processed++
			continue
		}

		rec, reused, err := r.backupFile(ctx, ent)
		if err != nil {
			if ctx.Err() != nil {
				return nil, r.report, ctx.Err()
			}
			r.report.fail(ent.path, chunkHash(err), err)
			continue
		}
		r.m.Files = append(r.m.Files, rec)
		if reused {
			r.report.Reused++
		} else {
			r.report.Processed++
		}
	}

	switch {
	case !r.hasPrev:
		r.m.Type = manifest.Full
	case r.e.policy == IncrementalReuse && r.report.Reused == 0:
		r.m.Type = manifest.Full
	default:
		r.m.Type = manifest.Incremental
	}
	r.m.ComputeTotals()

	if _, err := r.e.manifests.Save(ctx, r.m); err != nil {
		return nil, r.report, err
	}
	log.Print("%s backup %s: %d files, %s total, %s uploaded", r.m.Type, r.m.ShortID(),
		len(r.m.Files), u.FmtBytes(r.m.TotalSize), u.FmtBytes(r.m.BackupSize))
	return r.m, r.report, nil
}

func (r *run) readFile(ent entry) ([]byte, error) {
	f, err := r.e.fs.Open(ent.readPath)
	if err != nil {
		return nil, u.Wrapf(u.ErrIO, err, "open")
	}
	rr := &u.ReportingReader{R: f, Msg: ent.path, Log: log}
	b, err := io.ReadAll(rr)
	if cerr := rr.Close(); err == nil {
		err = cerr
	}
	return b, u.Wrapf(u.ErrIO, err, "read")
}

func (r *run) backupFile(ctx context.Context, ent entry) (manifest.FileRecord, bool, error) {
	data, err := r.readFile(ent)
	if err != nil {
		return manifest.FileRecord{}, false, err
	}

	rec := manifest.FileRecord{
		Path:            ent.path,
		RelativePath:    ent.rel,
		Size:            int64(len(data)),
		LastModifiedUtc: ent.info.ModTime().UTC(),
		Attributes:      uint32(ent.info.Mode()),
		Hash:            fileHash(data),
		LastBackupUtc:   r.m.Timestamp,
	}
	if acl, err := r.e.acl.Get(ent.readPath); err != nil {
		log.Warning("%s: unable to read ACL: %s", ent.path, err)
	} else if acl != "" {
		rec.ACL = &acl
	}

	if prev, ok := r.prev[ent.path]; ok && unchanged(prev, &rec) {
		log.Debug("%s: unchanged since %s", ent.path, prev.LastBackupUtc)
		rec.StructureKind = prev.StructureKind
		rec.Chunks = reuseChunks(prev.Chunks)
		for _, c := range prev.Components {
			c.Layers = append([]container.Layer(nil), c.Layers...)
			c.Chunks = reuseChunks(c.Chunks)
			rec.Components = append(rec.Components, c)
		}
		return rec, true, nil
	}

	if container.IsContainer(filepath.Base(ent.path)) {
		leaves, err := r.e.decomposer.Decompose(filepath.Base(ent.path), data)
		if err != nil {
			return rec, false, err
		}
		if repacksExactly(leaves, data) {
			rec.StructureKind = manifest.StructureBased
			if rec.Components, err = r.storeComponents(ctx, leaves); err != nil {
				return rec, false, err
			}
			log.Debug("%s: stored %d components", ent.path, len(rec.Components))
			return rec, false, nil
		}
		// Its entries would come back, but not the same bytes.
		log.Verbose("%s: container doesn't repack byte for byte; storing it whole", ent.path)
	}

	rec.StructureKind = manifest.ChunkBased
	if rec.Chunks, err = r.storeChunks(ctx, data, storage.ChunkPrefix); err != nil {
		return rec, false, err
	}
	log.Debug("%s: stored %d chunks", ent.path, len(rec.Chunks))
	return rec, false, nil
}

// repacksExactly reports whether rebuilding the file from its leaves
// gives back data.
func repacksExactly(leaves []container.Leaf, data []byte) bool {
	b, err := container.Repack(leaves)
	return err == nil && bytes.Equal(b, data)
}

func (r *run) storeComponents(ctx context.Context, leaves []container.Leaf) ([]manifest.Component, error) {
	var comps []manifest.Component
	for _, leaf := range leaves {
		chunks, err := r.storeChunks(ctx, leaf.Data, storage.ComponentPrefix)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", leaf.Name)
		}
		comps = append(comps, manifest.Component{
			Name:   leaf.Name,
			Hash:   componentHash(chunks),
			Size:   int64(len(leaf.Data)),
			Layers: leaf.Layers,
			Chunks: chunks,
		})
	}
	return comps, nil
}

// fileHash returns the hex BLAKE3 hash used to detect changed files and
// to check recovered ones.
func fileHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// unchanged reports whether the file described by cur can reuse the
// contents recorded in prev.
func unchanged(prev, cur *manifest.FileRecord) bool {
	if prev.StructureKind == manifest.FolderOnly {
		return false
	}
	if prev.Size != cur.Size || !prev.LastModifiedUtc.Equal(cur.LastModifiedUtc) {
		return false
	}
	return prev.Hash == "" || prev.Hash == cur.Hash
}

func reuseChunks(chunks []manifest.Chunk) []manifest.Chunk {
	if chunks == nil {
		return nil
	}
	c := append([]manifest.Chunk(nil), chunks...)
	for i := range c {
		c[i].Uploaded = false
	}
	return c
}

// storeChunks splits data and stores the chunks under prefix. The chunks
// are returned in offset order.
func (r *run) storeChunks(ctx context.Context, data []byte, prefix string) ([]manifest.Chunk, error) {
	var chunks []manifest.Chunk
	start := 0
	for _, end := range r.e.chunker.Boundaries(data) {
		sc, err := r.e.content.Store(ctx, data[start:end], prefix)
		if err != nil {
			return nil, &chunkError{hash: sc.Hash, err: err}
		}
		chunks = append(chunks, manifest.Chunk{
			Hash:         sc.Hash,
			Offset:       int64(start),
			StoredSize:   sc.StoredSize,
			BlobKey:      sc.Key,
			IsCompressed: sc.Compressed,
			IsEncrypted:  sc.Encrypted,
			Uploaded:     sc.Uploaded,
		})
		start = end
	}
	return chunks, nil
}

func componentHash(chunks []manifest.Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		io.WriteString(h, c.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ListManifests returns all readable manifests, newest first.
func (e *Engine) ListManifests(ctx context.Context) ([]*manifest.Manifest, error) {
	return e.manifests.LoadAll(ctx)
}

// LoadManifest returns the manifest with the given (possibly abbreviated)
// id, or the most recent one if id is "latest".
func (e *Engine) LoadManifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	if id != "latest" {
		return e.manifests.Load(ctx, id)
	}
	m, err := e.manifests.LoadLatest(ctx)
	if err == nil && m == nil {
		err = u.Errorf(u.ErrNotFound, "no backups have been made")
	}
	return m, err
}

func (e *Engine) Content() *storage.ContentStore {
	return e.content
}
