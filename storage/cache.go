// storage/cache.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	u "github.com/mmp/bkcas/util"
	_ "modernc.org/sqlite"
)

// CachedBackend implements the Backend interface. It keeps a local sqlite
// database of the objects known to be in the underlying backend along
// with their properties, so that the existence checks made for every
// chunk during a backup don't need a round trip to remote storage.
// Objects are immutable once stored, so cache entries never go stale;
// they can only be missing. Entries are scoped to the backend's String,
// so one database can be shared by several backends.
type CachedBackend struct {
	backend      Backend
	scope        string
	db           *sql.DB
	hits, misses atomic.Int64
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS objects (
	backend  TEXT NOT NULL,
	key      TEXT NOT NULL,
	size     INTEGER NOT NULL,
	metadata BLOB,
	created  INTEGER NOT NULL,
	PRIMARY KEY (backend, key)
)`

// NewCached returns a Backend that caches object properties from backend
// in the sqlite database at path. Use ":memory:" for a cache that only
// lasts as long as the process.
func NewCached(backend Backend, path string) (*CachedBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, u.Wrapf(u.ErrIO, err, "%s", path)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, u.Wrapf(u.ErrIO, err, "%s: create schema", path)
	}
	return &CachedBackend{backend: backend, scope: backend.String(), db: db}, nil
}

func (c *CachedBackend) Close() error {
	return c.db.Close()
}

func (c *CachedBackend) String() string {
	return "cached " + c.backend.String()
}

func (c *CachedBackend) LogStats() {
	if h, m := c.hits.Load(), c.misses.Load(); h+m > 0 {
		log.Print("object cache: %d hits, %d misses", h, m)
	}
	LogStats(c.backend)
}

func (c *CachedBackend) lookup(ctx context.Context, key string) (Properties, bool, error) {
	var size, created int64
	var md []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT size, metadata, created FROM objects WHERE backend = ? AND key = ?`, c.scope, key).
		Scan(&size, &md, &created)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return Properties{}, false, nil
	} else if err != nil {
		return Properties{}, false, u.Wrapf(u.ErrIO, err, "cache lookup %s", key)
	}

	p := Properties{Size: size, Created: time.Unix(0, created)}
	if len(md) > 0 {
		if err := cbor.Unmarshal(md, &p.Metadata); err != nil {
			return Properties{}, false, u.Wrapf(u.ErrIO, err, "cache entry %s", key)
		}
	}
	c.hits.Add(1)
	return p, true, nil
}

func (c *CachedBackend) remember(ctx context.Context, key string, p Properties) {
	md, err := cbor.Marshal(p.Metadata)
	if err == nil {
		_, err = c.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO objects (backend, key, size, metadata, created) VALUES (?, ?, ?, ?, ?)`,
			c.scope, key, p.Size, md, p.Created.UnixNano())
	}
	if err != nil {
		// The cache is only an optimization.
		log.Warning("%s: unable to cache properties: %s", key, err)
	}
}

func (c *CachedBackend) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok, err := c.lookup(ctx, key); err != nil || ok {
		return ok, err
	}
	p, err := c.backend.GetProperties(ctx, key)
	if errors.Is(err, u.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	c.remember(ctx, key, p)
	return true, nil
}

func (c *CachedBackend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := c.backend.Put(ctx, key, data, metadata); err != nil {
		return err
	}
	c.remember(ctx, key, Properties{Size: int64(len(data)), Metadata: metadata, Created: time.Now()})
	return nil
}

func (c *CachedBackend) GetProperties(ctx context.Context, key string) (Properties, error) {
	if p, ok, err := c.lookup(ctx, key); err != nil || ok {
		return p, err
	}
	p, err := c.backend.GetProperties(ctx, key)
	if err != nil {
		return p, err
	}
	c.remember(ctx, key, p)
	return p, nil
}

func (c *CachedBackend) Download(ctx context.Context, key string) ([]byte, error) {
	return c.backend.Download(ctx, key)
}

func (c *CachedBackend) List(ctx context.Context, prefix string, f func(ObjectInfo) error) error {
	return c.backend.List(ctx, prefix, f)
}
