// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	u "github.com/mmp/bkcas/util"
)

var (
	ErrBlobMagicWrong     = errors.New("object has incorrect magic number")
	ErrPrematureEndOfData = errors.New("premature end of data")
	ErrBadKey             = errors.New("malformed object key")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values that identify chunks.
const HashSize = sha256.Size

// HashBytes returns the hex-encoded SHA-256 hash of the given byte slice.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Namespace prefixes for the object keys used by the backup engine.
const (
	ChunkPrefix     = "chunks/"
	ComponentPrefix = "components/"
	ManifestPrefix  = "manifests/"
)

// HashFromKey returns the content hash at the end of a chunk or component
// object key.
func HashFromKey(key string) (string, error) {
	i := strings.LastIndexByte(key, '/')
	h := key[i+1:]
	if len(h) != 2*HashSize {
		return "", errors.Wrapf(ErrBadKey, "%s", key)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", errors.Wrapf(ErrBadKey, "%s", key)
	}
	return h, nil
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Metadata keys stored alongside each chunk object.
const (
	MetaEncoding     = "encoding"
	MetaEncryption   = "encryption"
	MetaOriginalSize = "originalSize"
)

// Properties describes a stored object.
type Properties struct {
	Size     int64
	Metadata map[string]string
	Created  time.Time
}

// ObjectInfo is returned for each object when listing a Backend.
type ObjectInfo struct {
	Key     string
	Created time.Time
}

// Backend describes a general interface for low-level object storage: flat
// string keys map to immutable byte slices with a small set of string
// metadata attached to each. Implementations store data in memory, on
// disk, in the cloud, etc.
//
// Missing objects are reported with errors marked util.ErrNotFound;
// other failures are marked util.ErrIO.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// Exists reports whether an object is stored at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// Put stores data and its metadata at the given key, replacing any
	// existing object there.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error

	// GetProperties returns the stored size, metadata, and creation time
	// of the object at key.
	GetProperties(ctx context.Context, key string) (Properties, error)

	// Download returns the contents of the object at key.
	Download(ctx context.Context, key string) ([]byte, error)

	// List calls f for each object whose key starts with prefix. Listing
	// stops at the first error returned by f.
	List(ctx context.Context, prefix string, f func(ObjectInfo) error) error
}

// StatsLogger is implemented by backends that gather statistics during
// the course of their operation.
type StatsLogger interface {
	LogStats()
}

// LogStats reports statistics for the given backend, if it gathers any.
func LogStats(b Backend) {
	if s, ok := b.(StatsLogger); ok {
		s.LogStats()
	}
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

func dupeMetadata(md map[string]string) map[string]string {
	r := make(map[string]string, len(md))
	for k, v := range md {
		r[k] = v
	}
	return r
}

func notFound(b Backend, key string) error {
	return u.Errorf(u.ErrNotFound, "%s: %s: object not found", b, key)
}

// checkKey makes sure that key is a relative, slash-separated path without
// empty or dot components.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return errors.Wrapf(ErrBadKey, "%q", key)
	}
	for _, c := range strings.Split(key, "/") {
		if c == "" || c == "." || c == ".." {
			return errors.Wrapf(ErrBadKey, "%q", key)
		}
	}
	return nil
}
