// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	stdzip "archive/zip"
	"bytes"
	"context"
	stdgzip "compress/gzip"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/mmp/bkcas/container"
	"github.com/mmp/bkcas/manifest"
	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func init() {
	l := u.NewJSONLogger(io.Discard, false, false)
	SetLogger(l)
	storage.SetLogger(l)
	manifest.SetLogger(l)
	container.SetLogger(l)
}

var (
	t0          = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testChunker = storage.Chunker{Min: 1024, Avg: 4096, Max: 16384}
)

type fixture struct {
	fs    afero.Fs
	mem   *storage.MemoryBackend
	e     *Engine
	clock time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	f := &fixture{fs: afero.NewMemMapFs(), mem: storage.NewMemory(), clock: t0}
	f.mem.SetClock(func() time.Time { return f.clock })
	if opts.Fs == nil {
		opts.Fs = f.fs
	} else {
		f.fs = opts.Fs
	}
	opts.Chunker = testChunker
	opts.Now = func() time.Time { return f.clock }
	f.e = f.engine(t, "test passphrase", opts)
	return f
}

func (f *fixture) engine(t *testing.T, passphrase u.Secret, opts Options) *Engine {
	cs, err := storage.NewContentStore(f.mem, storage.ContentOptions{Passphrase: passphrase})
	require.NoError(t, err)
	e, err := NewEngine(cs, opts)
	require.NoError(t, err)
	return e
}

func (f *fixture) tick() {
	f.clock = f.clock.Add(time.Minute)
}

func (f *fixture) write(t *testing.T, path string, data []byte, mtime time.Time) {
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(f.fs, path, data, 0640))
	require.NoError(t, f.fs.Chtimes(path, mtime, mtime))
}

func (f *fixture) read(t *testing.T, path string) []byte {
	b, err := afero.ReadFile(f.fs, path)
	require.NoError(t, err)
	return b
}

func (f *fixture) backup(t *testing.T, targets ...string) (*manifest.Manifest, Report) {
	m, report, err := f.e.RunBackup(context.Background(), targets, manifest.Folder)
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Equal(t, m.ID, report.ManifestID)
	return m, report
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func makeZip(t *testing.T, files map[string][]byte, order ...string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: t0})
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func makeGzip(t *testing.T, name string, data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	zw.ModTime = t0
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func findRecord(t *testing.T, m *manifest.Manifest, path string) *manifest.FileRecord {
	for i := range m.Files {
		if m.Files[i].Path == path {
			return &m.Files[i]
		}
	}
	t.Fatalf("%s: not found in manifest", path)
	return nil
}

///////////////////////////////////////////////////////////////////////////

func TestBackupRecoverFolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	mtime := t0.Add(-24 * time.Hour)
	a := genRandom(100000)
	b := []byte("a small file\n")
	text := bytes.Repeat([]byte("all work and no play makes jack a dull boy\n"), 500)
	archive := makeZip(t, map[string][]byte{
		"docs/readme.txt": []byte("read me"),
		"inner.gz":        makeGzip(t, "inner.txt", text),
	}, "docs/readme.txt", "inner.gz")

	f.write(t, "/src/a.txt", a, mtime)
	f.write(t, "/src/sub/b.txt", b, mtime.Add(time.Hour))
	f.write(t, "/src/archive.zip", archive, mtime)
	f.write(t, "/src/.hidden/secret", []byte("shh"), mtime)
	require.NoError(t, f.fs.MkdirAll("/src/empty", 0755))

	m, report := f.backup(t, "/src")
	require.Equal(t, manifest.Full, m.Type)
	require.Equal(t, manifest.Folder, m.Target)
	require.Equal(t, 4, report.Processed)
	require.Equal(t, 1, report.Skipped)
	require.Len(t, m.Files, 4)

	ra := findRecord(t, m, "/src/a.txt")
	require.Equal(t, "a.txt", ra.RelativePath)
	require.Equal(t, manifest.ChunkBased, ra.StructureKind)
	require.Greater(t, len(ra.Chunks), 1)
	require.EqualValues(t, len(a), ra.Size)
	require.True(t, ra.LastModifiedUtc.Equal(mtime))
	for i, c := range ra.Chunks {
		require.True(t, c.Uploaded)
		require.True(t, c.IsEncrypted)
		require.Equal(t, storage.ChunkPrefix+c.Hash, c.BlobKey)
		if i > 0 {
			require.Greater(t, c.Offset, ra.Chunks[i-1].Offset)
		}
	}

	require.Equal(t, "sub/b.txt", findRecord(t, m, "/src/sub/b.txt").RelativePath)
	require.Equal(t, manifest.FolderOnly, findRecord(t, m, "/src/empty").StructureKind)

	rz := findRecord(t, m, "/src/archive.zip")
	require.Equal(t, manifest.StructureBased, rz.StructureKind)
	require.Len(t, rz.Components, 2)
	require.Equal(t, "inner.gz/inner.txt", rz.Components[1].Name)
	require.EqualValues(t, len(text), rz.Components[1].Size)
	for _, c := range rz.Components[1].Chunks {
		require.Equal(t, storage.ComponentPrefix+c.Hash, c.BlobKey)
	}

	require.EqualValues(t, len(a)+len(b)+len(archive), m.TotalSize)
	require.Greater(t, m.BackupSize, int64(0))

	report, err := f.e.Recover(ctx, m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Equal(t, 4, report.Processed)

	require.Equal(t, a, f.read(t, "/dst/a.txt"))
	require.Equal(t, b, f.read(t, "/dst/sub/b.txt"))
	fi, err := f.fs.Stat("/dst/sub/b.txt")
	require.NoError(t, err)
	require.True(t, fi.ModTime().Equal(mtime.Add(time.Hour)))
	require.Equal(t, os.FileMode(0640), fi.Mode().Perm())

	fi, err = f.fs.Stat("/dst/empty")
	require.NoError(t, err)
	require.True(t, fi.IsDir())
	_, err = f.fs.Stat("/dst/.hidden")
	require.True(t, os.IsNotExist(err))

	// The container comes back byte for byte.
	require.Equal(t, archive, f.read(t, "/dst/archive.zip"))
}

// Archives written by other tools generally don't repack to the same
// bytes; they're stored whole so that they still recover exactly.
func TestForeignArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	text := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 300)
	var gz bytes.Buffer
	gw := stdgzip.NewWriter(&gz)
	gw.Name = "inner.txt"
	_, err := gw.Write(text)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	var zb bytes.Buffer
	zw := stdzip.NewWriter(&zb)
	w, err := zw.Create("inner.gz")
	require.NoError(t, err)
	_, err = w.Write(gz.Bytes())
	require.NoError(t, err)
	w, err = zw.Create("notes.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("some notes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	archive := zb.Bytes()

	f.write(t, "/src/outer.zip", archive, t0)
	m, _ := f.backup(t, "/src")
	rec := findRecord(t, m, "/src/outer.zip")
	require.Equal(t, manifest.ChunkBased, rec.StructureKind)
	require.EqualValues(t, len(archive), rec.Size)

	_, err = f.e.Recover(ctx, m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Equal(t, archive, f.read(t, "/dst/outer.zip"))
}

func TestReadFileChecksContents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	archive := makeZip(t, map[string][]byte{
		"a.txt": []byte("first entry"),
		"b.gz":  makeGzip(t, "b.txt", []byte("second entry")),
	}, "a.txt", "b.gz")
	f.write(t, "/src/x.zip", archive, t0)
	f.write(t, "/src/y.txt", []byte("plain"), t0)
	m, _ := f.backup(t, "/src")

	rec := *findRecord(t, m, "/src/x.zip")
	require.Equal(t, manifest.StructureBased, rec.StructureKind)
	data, err := f.e.ReadFile(ctx, &rec)
	require.NoError(t, err)
	require.Equal(t, archive, data)

	// Entry metadata that no longer matches gives different bytes.
	bad := rec
	bad.Components = append([]manifest.Component(nil), rec.Components...)
	bad.Components[0].Layers = []container.Layer{bad.Components[0].Layers[0]}
	bad.Components[0].Layers[0].Modified = t0.Add(time.Hour)
	_, err = f.e.ReadFile(ctx, &bad)
	require.True(t, errors.Is(err, u.ErrIntegrity), "%v", err)

	// Same size, different hash.
	bad = rec
	bad.Hash = fileHash([]byte("something else"))
	_, err = f.e.ReadFile(ctx, &bad)
	require.True(t, errors.Is(err, u.ErrIntegrity), "%v", err)

	plain := *findRecord(t, m, "/src/y.txt")
	plain.Hash = fileHash([]byte("other"))
	_, err = f.e.ReadFile(ctx, &plain)
	require.True(t, errors.Is(err, u.ErrIntegrity), "%v", err)

	// The failure shows up per file when recovering.
	m.Files = []manifest.FileRecord{bad}
	report, err := f.e.Recover(ctx, m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	_, err = f.fs.Stat("/dst/x.zip")
	require.True(t, os.IsNotExist(err))
}

func TestIncremental(t *testing.T) {
	f := newFixture(t, Options{})
	mtime := t0.Add(-time.Hour)
	a := genRandom(100000)
	f.write(t, "/src/a.txt", a, mtime)
	f.write(t, "/src/b.txt", []byte("bbb"), mtime)
	require.NoError(t, f.fs.MkdirAll("/src/empty", 0755))

	first, _ := f.backup(t, "/src")
	require.Equal(t, manifest.Full, first.Type)

	f.tick()
	puts := f.mem.Puts()
	second, report := f.backup(t, "/src")
	require.Equal(t, manifest.Incremental, second.Type)
	require.Equal(t, 2, report.Reused)
	require.Equal(t, 1, report.Processed) // the empty directory
	require.Zero(t, second.BackupSize)
	require.Equal(t, first.TotalSize, second.TotalSize)
	// Only the manifest was stored.
	require.Equal(t, puts+1, f.mem.Puts())

	r1, r2 := findRecord(t, first, "/src/a.txt"), findRecord(t, second, "/src/a.txt")
	require.Equal(t, len(r1.Chunks), len(r2.Chunks))
	for i := range r1.Chunks {
		require.Equal(t, r1.Chunks[i].Hash, r2.Chunks[i].Hash)
		require.Equal(t, r1.Chunks[i].BlobKey, r2.Chunks[i].BlobKey)
		require.False(t, r2.Chunks[i].Uploaded)
	}
	require.True(t, r2.LastBackupUtc.Equal(second.Timestamp))
	// The first manifest is untouched.
	require.True(t, r1.Chunks[0].Uploaded)

	// Change a few bytes in the middle; only the chunks around the change
	// are stored again.
	f.tick()
	copy(a[50000:], "modified")
	f.write(t, "/src/a.txt", a, mtime.Add(time.Minute))
	third, report := f.backup(t, "/src")
	require.Equal(t, manifest.Incremental, third.Type)
	require.Equal(t, 1, report.Reused)
	require.Equal(t, 2, report.Processed)
	require.Greater(t, third.BackupSize, int64(0))
	require.Less(t, third.BackupSize, int64(40000))

	report, err := f.e.Recover(context.Background(), third, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Equal(t, a, f.read(t, "/dst/a.txt"))
}

func TestChangedContentSameMetadata(t *testing.T) {
	f := newFixture(t, Options{})
	f.write(t, "/src/a.txt", []byte("version one"), t0)
	f.backup(t, "/src")

	// Same size and modification time, different contents.
	f.tick()
	f.write(t, "/src/a.txt", []byte("version two"), t0)
	m, report := f.backup(t, "/src")
	require.Equal(t, 0, report.Reused)
	require.Equal(t, 1, report.Processed)
	require.Greater(t, m.BackupSize, int64(0))

	_, err := f.e.Recover(context.Background(), m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Equal(t, "version two", string(f.read(t, "/dst/a.txt")))
}

func TestIncrementalPolicy(t *testing.T) {
	_, err := ParseIncrementalPolicy("sometimes")
	require.Error(t, err)
	_, err = NewEngine(nil, Options{Incremental: "sometimes"})
	require.Error(t, err)

	for _, c := range []struct {
		policy IncrementalPolicy
		// Expected types for a second run over unrelated files and a
		// third over the same ones.
		second, third manifest.BackupType
	}{
		{"", manifest.Incremental, manifest.Incremental},
		{IncrementalStore, manifest.Incremental, manifest.Incremental},
		{IncrementalReuse, manifest.Full, manifest.Incremental},
	} {
		f := newFixture(t, Options{Incremental: c.policy})
		f.write(t, "/one/a.txt", []byte("a"), t0)
		f.write(t, "/two/b.txt", []byte("b"), t0)

		m, _ := f.backup(t, "/one")
		require.Equal(t, manifest.Full, m.Type)
		f.tick()
		m, _ = f.backup(t, "/two")
		require.Equal(t, c.second, m.Type, "%s", c.policy)
		f.tick()
		m, _ = f.backup(t, "/two")
		require.Equal(t, c.third, m.Type, "%s", c.policy)
	}
}

func TestFileTarget(t *testing.T) {
	f := newFixture(t, Options{})
	f.write(t, "/src/dir/notes.txt", []byte("some notes"), t0)
	m, report, err := f.e.RunBackup(context.Background(), []string{"/src/dir/notes.txt"}, manifest.File)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, manifest.File, m.Target)
	require.Equal(t, "", m.Files[0].RelativePath)

	_, err = f.e.Recover(context.Background(), m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Equal(t, "some notes", string(f.read(t, "/dst/notes.txt")))

	// Missing targets are reported; the rest of the run goes ahead.
	f.tick()
	m, report, err = f.e.RunBackup(context.Background(), []string{"/nope", "/src/dir/notes.txt"}, manifest.File)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "/nope", report.Failures[0].Path)
	require.True(t, errors.Is(&report.Failures[0], u.ErrIO))
	require.Len(t, m.Files, 1)
}

func TestRelativeTargets(t *testing.T) {
	f := newFixture(t, Options{})
	wd, err := os.Getwd()
	require.NoError(t, err)
	f.write(t, filepath.Join(wd, "rel", "x.txt"), []byte("relative"), t0)

	m, _ := f.backup(t, "rel/../rel")
	require.Len(t, m.Files, 1)
	require.Equal(t, filepath.Join(wd, "rel", "x.txt"), m.Files[0].Path)
	require.True(t, filepath.IsAbs(m.Files[0].Path))
	require.Equal(t, "x.txt", m.Files[0].RelativePath)
}

func TestConflictPolicies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.write(t, "/src/f.txt", []byte("from backup"), t0)
	m, _ := f.backup(t, "/src")

	f.write(t, "/dst/f.txt", []byte("existing"), t0)

	report, err := f.e.Recover(ctx, m, "/dst", RecoverOptions{Policy: Skip})
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, "existing", string(f.read(t, "/dst/f.txt")))

	for _, name := range []string{"/dst/f_20240601-120000.txt", "/dst/f_20240601-120000(1).txt"} {
		report, err = f.e.Recover(ctx, m, "/dst", RecoverOptions{Policy: Rename})
		require.NoError(t, err)
		require.Equal(t, 1, report.Processed)
		require.Equal(t, "existing", string(f.read(t, "/dst/f.txt")))
		require.Equal(t, "from backup", string(f.read(t, name)))
	}

	report, err = f.e.Recover(ctx, m, "/dst", RecoverOptions{Policy: Overwrite})
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, "from backup", string(f.read(t, "/dst/f.txt")))

	for s, p := range map[string]ConflictPolicy{"": Overwrite, "skip": Skip, "Rename": Rename,
		"overwrite": Overwrite} {
		got, err := ParseConflictPolicy(s)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err = ParseConflictPolicy("merge")
	require.Error(t, err)
}

func TestRecoverFilter(t *testing.T) {
	f := newFixture(t, Options{})
	f.write(t, "/src/keep.txt", []byte("keep"), t0)
	f.write(t, "/src/drop.txt", []byte("drop"), t0)
	m, _ := f.backup(t, "/src")

	report, err := f.e.Recover(context.Background(), m, "/dst", RecoverOptions{
		Filter: func(rec *manifest.FileRecord) bool { return rec.RelativePath == "keep.txt" },
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, "keep", string(f.read(t, "/dst/keep.txt")))
	_, err = f.fs.Stat("/dst/drop.txt")
	require.True(t, os.IsNotExist(err))
}

func TestPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	a, b := genRandom(20000), genRandom(20000)
	f.write(t, "/src/a.bin", a, t0)
	f.write(t, "/src/b.bin", b, t0)
	m, _ := f.backup(t, "/src")

	missing := findRecord(t, m, "/src/b.bin").Chunks[0]
	f.mem.Delete(missing.BlobKey)

	report, err := f.e.Recover(ctx, m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Len(t, report.Failures, 1)
	fail := report.Failures[0]
	require.Equal(t, "/src/b.bin", fail.Path)
	require.Equal(t, missing.Hash, fail.Hash)
	require.Equal(t, m.ID, fail.ManifestID)
	require.True(t, errors.Is(&fail, u.ErrNotFound), "%v", fail.Err)

	require.Equal(t, a, f.read(t, "/dst/a.bin"))
	// Nothing partial was written.
	_, err = f.fs.Stat("/dst/b.bin")
	require.True(t, os.IsNotExist(err))

	// Verify finds the same problem.
	vr := f.e.Verify(ctx, []*manifest.Manifest{m}, 4)
	require.Len(t, vr.Failures, 1)
	require.Equal(t, missing.Hash, vr.Failures[0].Hash)
}

func TestWrongPassphrase(t *testing.T) {
	f := newFixture(t, Options{})
	f.write(t, "/src/a.txt", []byte("top secret"), t0)
	m, _ := f.backup(t, "/src")

	other := f.engine(t, "not the passphrase", Options{Fs: f.fs})
	report, err := other.Recover(context.Background(), m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	require.True(t, errors.Is(&report.Failures[0], u.ErrIntegrity), "%v", report.Failures[0].Err)
	_, err = f.fs.Stat("/dst/a.txt")
	require.True(t, os.IsNotExist(err))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.write(t, "/src/a.bin", genRandom(50000), t0)
	f.write(t, "/src/copy.bin", f.read(t, "/src/a.bin"), t0)
	m, _ := f.backup(t, "/src")

	report := f.e.Verify(ctx, []*manifest.Manifest{m}, 0)
	require.Empty(t, report.Failures)
	require.Equal(t, 2, report.Processed)

	c := findRecord(t, m, "/src/a.bin").Chunks[1]
	f.mem.Corrupt(c.BlobKey, 40)
	report = f.e.Verify(ctx, []*manifest.Manifest{m}, 8)
	// Both files use the chunk, but it's reported once.
	require.Len(t, report.Failures, 1)
	require.Equal(t, c.Hash, report.Failures[0].Hash)
	require.True(t, errors.Is(&report.Failures[0], u.ErrIntegrity))
}

func TestRecursionLimitIsPerFile(t *testing.T) {
	f := newFixture(t, Options{})
	name, data := "leaf.txt", []byte("deep down")
	for i := 0; i <= container.MaxDepth; i++ {
		data = makeZip(t, map[string][]byte{name: data}, name)
		name = "level.zip"
	}
	f.write(t, "/src/deep.zip", data, t0)
	f.write(t, "/src/ok.txt", []byte("fine"), t0)

	m, report, err := f.e.RunBackup(context.Background(), []string{"/src"}, manifest.Folder)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "/src/deep.zip", report.Failures[0].Path)
	require.True(t, errors.Is(&report.Failures[0], u.ErrRecursionLimit))
	require.Len(t, m.Files, 1)
	require.Equal(t, "/src/ok.txt", m.Files[0].Path)

	latest, err := f.e.LoadManifest(context.Background(), "latest")
	require.NoError(t, err)
	require.Equal(t, m.ID, latest.ID)
}

func TestRecoverStaysInDestination(t *testing.T) {
	f := newFixture(t, Options{})
	m := manifest.New(manifest.Folder, t0)
	m.Files = []manifest.FileRecord{{Path: "/x/evil", RelativePath: "../evil", StructureKind: manifest.ChunkBased}}
	m.FolderACLs["../up"] = "acl"

	report, err := f.e.Recover(context.Background(), m, "/dst", RecoverOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 2)
	for _, fail := range report.Failures {
		require.True(t, errors.Is(&fail, u.ErrIO))
	}
	_, err = f.fs.Stat("/evil")
	require.True(t, os.IsNotExist(err))

	for _, rel := range []string{"a/../../b", ".."} {
		_, err := targetPath("/dst", rel)
		require.Error(t, err, rel)
	}
	for rel, expected := range map[string]string{".": "/dst", "a/b": "/dst/a/b", "/abs": "/dst/abs",
		"..foo": "/dst/..foo"} {
		p, err := targetPath("/dst", rel)
		require.NoError(t, err, rel)
		require.Equal(t, filepath.FromSlash(expected), p)
	}
}

func TestExclude(t *testing.T) {
	f := newFixture(t, Options{Exclude: []string{"cache"}})
	f.write(t, "/src/a.txt", []byte("a"), t0)
	f.write(t, "/src/cache/big.bin", []byte("big"), t0)
	f.write(t, "/src/x.cache", []byte("x"), t0)
	m, _ := f.backup(t, "/src")
	require.Len(t, m.Files, 1)
	require.Equal(t, "/src/a.txt", m.Files[0].Path)
}

func TestLoadManifest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	_, err := f.e.LoadManifest(ctx, "latest")
	require.True(t, errors.Is(err, u.ErrNotFound))

	f.write(t, "/src/a.txt", []byte("a"), t0)
	m, _ := f.backup(t, "/src")
	got, err := f.e.LoadManifest(ctx, m.ShortID())
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)

	all, err := f.e.ListManifests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestCanceled(t *testing.T) {
	f := newFixture(t, Options{})
	f.write(t, "/src/a.txt", []byte("a"), t0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := f.e.RunBackup(ctx, []string{"/src"}, manifest.Folder)
	require.True(t, errors.Is(err, context.Canceled))

	// Nothing was saved.
	all, err := f.e.ListManifests(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}
