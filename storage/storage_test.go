// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	u "github.com/mmp/bkcas/util"
	"github.com/stretchr/testify/require"
)

func init() {
	SetLogger(u.NewJSONLogger(io.Discard, false, false))
}

func TestSimple(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		md := map[string]string{MetaEncoding: "gzip", MetaOriginalSize: "6"}
		if err := backend.Put(ctx, "chunks/simple", simple, md); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}

		if ok, err := backend.Exists(ctx, "chunks/simple"); !ok || err != nil {
			t.Errorf("%s: object doesn't exist even though just written? %v", backend, err)
		}

		b, err := backend.Download(ctx, "chunks/simple")
		if err != nil {
			t.Errorf("%s: download: %v", backend, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", backend, simple, b)
		}

		p, err := backend.GetProperties(ctx, "chunks/simple")
		if err != nil {
			t.Fatalf("%s: properties: %v", backend, err)
		}
		if p.Size != int64(len(simple)) {
			t.Errorf("%s: got size %d, expected %d", backend, p.Size, len(simple))
		}
		if p.Metadata[MetaEncoding] != "gzip" || p.Metadata[MetaOriginalSize] != "6" {
			t.Errorf("%s: unexpected metadata %+v", backend, p.Metadata)
		}
		if p.Created.IsZero() {
			t.Errorf("%s: zero creation time", backend)
		}
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		if ok, err := backend.Exists(ctx, "chunks/missing"); ok || err != nil {
			t.Errorf("%s: unexpected exists %v / %v", backend, ok, err)
		}
		if _, err := backend.Download(ctx, "chunks/missing"); !errors.Is(err, u.ErrNotFound) {
			t.Errorf("%s: expected not found, got %v", backend, err)
		}
		if _, err := backend.GetProperties(ctx, "chunks/missing"); !errors.Is(err, u.ErrNotFound) {
			t.Errorf("%s: expected not found, got %v", backend, err)
		}
	}
}

func TestBadKeys(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		for _, key := range []string{"", "/abs", "a//b", "a/../b", "trailing/"} {
			if err := backend.Put(ctx, key, []byte("x"), nil); err == nil {
				t.Errorf("%s: put with key %q succeeded", backend, key)
			}
		}
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		for _, k := range []string{"manifests/backup_1.json", "manifests/backup_2.json",
			"chunks/aa", "components/bb", "manifestsx/other"} {
			require.NoError(t, backend.Put(ctx, k, []byte(k), nil), backend.String())
		}

		var keys []string
		err := backend.List(ctx, "manifests/", func(info ObjectInfo) error {
			keys = append(keys, info.Key)
			if info.Created.IsZero() {
				t.Errorf("%s: %s: zero creation time", backend, info.Key)
			}
			return nil
		})
		require.NoError(t, err)
		sort.Strings(keys)
		require.Equal(t, []string{"manifests/backup_1.json", "manifests/backup_2.json"}, keys,
			backend.String())

		// Errors from the callback stop the listing.
		stop := errors.New("stop")
		n := 0
		err = backend.List(ctx, "", func(ObjectInfo) error {
			n++
			return stop
		})
		require.True(t, errors.Is(err, stop), backend.String())
		require.Equal(t, 1, n)
	}
}

func TestMany(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		// Write 200 items, where the i'th item is i bytes long, all having
		// value i.
		var written [][]byte
		for i := 1; i < 200; i++ {
			b := make([]byte, i)
			for j := 0; j < i; j++ {
				b[j] = byte(i)
			}
			require.NoError(t, backend.Put(ctx, "chunks/"+HashBytes(b), b, nil))
			written = append(written, b)
		}

		// Read them back in random order.
		for _, i := range rand.Perm(len(written)) {
			chunk, err := backend.Download(ctx, "chunks/"+HashBytes(written[i]))
			if err != nil {
				t.Fatalf("%s: download: %v", backend, err)
			}
			if !bytes.Equal(chunk, written[i]) {
				t.Errorf("%s: didn't get same bytes back. wrote %+v, got %+v",
					backend, written[i], chunk)
			}
		}
	}
}

func TestDiskRepair(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewDisk(dir, DiskOptions{DataShards: 4, ParityShards: 2, HashRate: 1024})
	require.NoError(t, err)

	data := genRandom(50000)
	key := "chunks/" + HashBytes(data)
	require.NoError(t, backend.Put(ctx, key, data, map[string]string{MetaEncoding: "identity"}))

	// Flip some bits in the middle of the object file.
	path := filepath.Join(dir, "objects", "chunks", HashBytes(data))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	raw[len(raw)/2+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	got, err := backend.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// The repaired object was written back.
	n, err := backend.(Verifier).Verify(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// Without a sidecar, corruption is detected by the framing at best;
	// truncation always is.
	require.NoError(t, os.Remove(path+".rs"))
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-10], 0600))
	_, err = backend.Download(ctx, key)
	require.True(t, errors.Is(err, u.ErrIntegrity), "%v", err)
}

func TestCacheAvoidsBackend(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	c, err := NewCached(mem, ":memory:")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(ctx, "chunks/x", []byte("hello"), map[string]string{"a": "b"}))
	// Remove it from under the cache; the cache still knows about it.
	mem.Delete("chunks/x")
	ok, err := c.Exists(ctx, "chunks/x")
	require.NoError(t, err)
	require.True(t, ok)
	p, err := c.GetProperties(ctx, "chunks/x")
	require.NoError(t, err)
	require.EqualValues(t, 5, p.Size)
	require.Equal(t, "b", p.Metadata["a"])

	// Objects stored behind the cache's back are found and remembered.
	require.NoError(t, mem.Put(ctx, "chunks/y", []byte("world!"), nil))
	ok, err = c.Exists(ctx, "chunks/y")
	require.NoError(t, err)
	require.True(t, ok)
	mem.Delete("chunks/y")
	p, err = c.GetProperties(ctx, "chunks/y")
	require.NoError(t, err)
	require.EqualValues(t, 6, p.Size)
}

func TestCacheScopedToBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	a, err := NewCached(NewMemory(), path)
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, "chunks/h", []byte("only in a"), nil))
	require.NoError(t, a.Close())

	// A different backend sharing the database must not see a's objects.
	empty := NewMemory()
	b, err := NewCached(empty, path)
	require.NoError(t, err)
	defer b.Close()
	ok, err := b.Exists(ctx, "chunks/h")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = b.GetProperties(ctx, "chunks/h")
	require.True(t, errors.Is(err, u.ErrNotFound), "%v", err)

	// The same key stored in b gets its own entry.
	require.NoError(t, b.Put(ctx, "chunks/h", []byte("b's version"), nil))
	p, err := b.GetProperties(ctx, "chunks/h")
	require.NoError(t, err)
	require.EqualValues(t, len("b's version"), p.Size)
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func getStorage(t *testing.T) []Backend {
	var b []Backend

	b = append(b, NewMemory())

	c, err := NewCached(NewMemory(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	b = append(b, c)

	for _, opts := range []DiskOptions{{}, DefaultDiskOptions} {
		d, err := NewDisk(t.TempDir(), opts)
		if err != nil {
			t.Fatalf("disk: %v", err)
		}
		b = append(b, d)
	}

	return b
}
