// storage/content.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	u "github.com/mmp/bkcas/util"
)

// ContentOptions selects how new objects are transformed before they are
// stored. Objects that are already stored are always read back according
// to their own metadata, regardless of these settings.
type ContentOptions struct {
	// Compression codec name; see CompressorByName. Defaults to gzip.
	Compression string
	// Encryption mode; one of the Encryption* constants. Defaults to
	// AES-256-GCM.
	Encryption string
	Passphrase u.Secret
}

// StoredChunk describes the result of storing a chunk.
type StoredChunk struct {
	// Hex SHA-256 of the plaintext.
	Hash string
	// Object key: the namespace prefix followed by Hash.
	Key        string
	StoredSize int64
	Compressed bool
	Encrypted  bool
	// Uploaded is set if this call stored the object, rather than finding
	// it already present.
	Uploaded bool
}

// ContentStore stores chunks in a Backend under keys derived from the
// hash of their contents, so that each distinct chunk is only stored
// once. Chunks are compressed and then encrypted on their way into
// storage.
type ContentStore struct {
	backend    Backend
	compressor Compressor
	encryption string
	passphrase u.Secret

	uploads, dedupHits         atomic.Int64
	bytesIn, bytesStored       atomic.Int64
	incompressible, downloaded atomic.Int64
}

func NewContentStore(backend Backend, opts ContentOptions) (*ContentStore, error) {
	c, err := CompressorByName(opts.Compression)
	if err != nil {
		return nil, err
	}
	enc := opts.Encryption
	if enc == "" {
		enc = EncryptionAESGCM
	}
	if !ValidEncryption(enc) {
		return nil, errors.Newf("%s: unknown encryption mode", enc)
	}
	if enc != EncryptionNone && opts.Passphrase.Empty() {
		return nil, errors.Newf("%s encryption requires a passphrase", enc)
	}
	return &ContentStore{backend: backend, compressor: c, encryption: enc,
		passphrase: opts.Passphrase}, nil
}

func (cs *ContentStore) Backend() Backend {
	return cs.backend
}

func (cs *ContentStore) LogStats() {
	if n := cs.uploads.Load(); n > 0 {
		log.Print("stored %d new objects: %s -> %s (%d incompressible)", n,
			u.FmtBytes(cs.bytesIn.Load()), u.FmtBytes(cs.bytesStored.Load()),
			cs.incompressible.Load())
	}
	if n := cs.dedupHits.Load(); n > 0 {
		log.Print("%d objects were already stored", n)
	}
	if n := cs.downloaded.Load(); n > 0 {
		log.Print("fetched %d objects", n)
	}
	LogStats(cs.backend)
}

// Store stores data under prefix plus the hash of data, unless an object
// is already stored there.
func (cs *ContentStore) Store(ctx context.Context, data []byte, prefix string) (StoredChunk, error) {
	hash := HashBytes(data)
	sc := StoredChunk{Hash: hash, Key: prefix + hash}

	exists, err := cs.backend.Exists(ctx, sc.Key)
	if err != nil {
		return sc, u.Wrapf(u.ErrIO, err, "%s", sc.Key)
	}
	if exists {
		p, err := cs.backend.GetProperties(ctx, sc.Key)
		if err != nil {
			return sc, err
		}
		log.Debug("%s: already stored", sc.Key)
		cs.dedupHits.Add(1)
		sc.StoredSize = p.Size
		sc.Compressed, sc.Encrypted = flags(p.Metadata)
		return sc, nil
	}

	encoding := cs.compressor.Name()
	stored, err := cs.compressor.Compress(data)
	if errors.Is(err, ErrIncompressible) || (err == nil && len(stored) >= len(data)) {
		encoding, stored = EncodingIdentity, data
		cs.incompressible.Add(1)
	} else if err != nil {
		return sc, errors.Wrapf(err, "%s: compress", sc.Key)
	}

	stored, err = Encrypt(cs.encryption, stored, cs.passphrase)
	if err != nil {
		return sc, errors.Wrapf(err, "%s: encrypt", sc.Key)
	}

	md := map[string]string{
		MetaEncoding:     encoding,
		MetaEncryption:   cs.encryption,
		MetaOriginalSize: strconv.Itoa(len(data)),
	}
	if err := cs.backend.Put(ctx, sc.Key, stored, md); err != nil {
		return sc, u.Wrapf(u.ErrIO, err, "%s", sc.Key)
	}

	cs.uploads.Add(1)
	cs.bytesIn.Add(int64(len(data)))
	cs.bytesStored.Add(int64(len(stored)))

	sc.StoredSize = int64(len(stored))
	sc.Compressed, sc.Encrypted = flags(md)
	sc.Uploaded = true
	return sc, nil
}

func flags(md map[string]string) (compressed, encrypted bool) {
	enc, ok := md[MetaEncoding]
	compressed = ok && enc != EncodingIdentity
	e, ok := md[MetaEncryption]
	encrypted = ok && e != EncryptionNone
	return
}

// Fetch returns the plaintext of the object stored at key. The object's
// metadata determines how it is decrypted and decompressed, and the
// result is checked against the hash in the key.
func (cs *ContentStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	want, err := HashFromKey(key)
	if err != nil {
		return nil, err
	}
	p, err := cs.backend.GetProperties(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := cs.backend.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	cs.downloaded.Add(1)

	encryption := p.Metadata[MetaEncryption]
	if encryption == "" {
		encryption = EncryptionNone
	}
	data, err = Decrypt(encryption, data, cs.passphrase)
	if err != nil {
		return nil, u.Wrapf(u.ErrIntegrity, err, "%s", key)
	}

	originalSize := -1
	if s, ok := p.Metadata[MetaOriginalSize]; ok {
		if originalSize, err = strconv.Atoi(s); err != nil {
			return nil, u.Wrapf(u.ErrIntegrity, err, "%s: %s", key, MetaOriginalSize)
		}
	}
	encoding := p.Metadata[MetaEncoding]
	if encoding == "" {
		encoding = EncodingIdentity
	}
	c, err := CompressorByName(encoding)
	if err != nil {
		return nil, u.Wrapf(u.ErrIntegrity, err, "%s", key)
	}
	data, err = c.Decompress(data, originalSize)
	if err != nil {
		return nil, u.Wrapf(u.ErrIntegrity, err, "%s", key)
	}

	if got := HashBytes(data); got != want {
		return nil, u.Errorf(u.ErrIntegrity, "%s: contents hash to %s", key, got)
	}
	return data, nil
}
