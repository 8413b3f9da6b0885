// cmd/bk/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var readmeText = `

This document describes the way that bk stores backups in sufficient
detail that (if ever necessary) it's possible to restore one from a bk
repository without the bk source code. We'll proceed in bottom-up fashion
from the low-level storage systems up to the backup-specific
representations built on top of them.

# Objects

Everything bk stores is an object: a byte string stored under a key, along
with a small string-to-string metadata map and the time it was created.
Keys are slash-separated paths. There are three namespaces:

  chunks/<hash>       pieces of regular files
  components/<hash>   pieces of the files inside containers (zip, gzip, ...)
  manifests/backup_<yyyymmdd_hhmmss>_<id>.json
                      one per backup run

<hash> is the lowercase hex SHA-256 of the object's plaintext, so a given
piece of data is only ever stored once.

# Object Storage (disk)

Each object is stored in its own file under objects/, at its key. The
file starts with the 4-byte magic "BL0B", then the length of a header
encoded with Go's binary.PutVarint, then the header itself: a CBOR (RFC
8949) map with integer keys, 1 for the creation time in nanoseconds since
the Unix epoch, 2 for the metadata map, and 3 for the length of the data.
The rest of the file is the object's data. Files are written to a
temporary name and then renamed, so a partially-written object never
appears under its key.

# Object Storage (GCS)

Each object is a GCS object with the same name as its key; the metadata is
stored as GCS custom metadata and GCS's own creation time is used.

# Reed-Solomon encoding

Object files on disk have Reed-Solomon parity information in a .rs file
next to them. The .rs files hold a CBOR map with integer keys:

	1: size of the original file
	2: number of data shards
	3: number of parity shards
	4: hash rate, in bytes
	5: SHAKE256 hashes (64 bytes each) of each hash-rate-sized piece of
	   each shard; first the data shards, then the parity shards
	6: the parity shards

The data is split into NDataShards equal-sized shards (the last one padded
with zeros); the parity shards are computed with the Reed-Solomon code
from github.com/klauspost/reedsolomon.

# Compression and Encryption

Before a chunk is stored, it's compressed and then encrypted. The
object's metadata records what was done:

  encoding        "gzip", "zstd", "lz4" (a raw lz4 block), or "identity"
  encryption      "aes256-gcm", "aes256", or "none"
  original-size   the length of the plaintext

If compression doesn't make a chunk smaller, it's stored with the
"identity" encoding. Always go by the metadata when reading an object, not
by the configuration that's in effect.

Encrypted objects start with 16 bytes of salt and then a 16 byte IV. The
AES-256 key is derived from the passphrase with

	key := pbkdf2.Key(passphrase, salt, 100000, 32, sha256.New)

For "aes256-gcm", the rest of the object is the GCM ciphertext, using
the 16-byte IV as the nonce, with the authentication tag at the end. For
"aes256", the rest is AES-CBC ciphertext of the PKCS#7-padded data.

After decryption and decompression, the SHA-256 of the result must match
the hash in the object's key.

# Chunking

Files are split into chunks at content-defined boundaries using the
rolling checksum from bup; chunks are between 16KiB and 256KiB and average
64KiB by default. For restoring, all that matters is that concatenating
a file's chunks in order of their offsets gives the file's contents.

# Manifests

Each backup run stores one JSON manifest:

	{
	  "id": "<uuid>",
	  "timestamp": "<RFC 3339>",
	  "type": "Full" | "Incremental",
	  "target": "File" | "Folder" | "Volume",
	  "files": [ <file record>... ],
	  "totalSize": ..., "compressedSize": ..., "backupSize": ...,
	  "folderAcls": { "<relative folder path>": "<acl>", ... }
	}

The most recent backup is the manifest object with the latest creation
time. Each manifest lists every file in the backup, including those that
were unchanged since the previous run, so a single manifest is all that's
needed to restore from it.

A file record has:

	"path"            the file's path when it was backed up
	"relativePath"    its slash-separated path under the backed-up folder
	"size", "lastModifiedUtc", "attributes" (Unix mode bits), "acl"
	"hash"            BLAKE3 of the whole file
	"structureKind"   "ChunkBased", "StructureBased", or "FolderOnly"
	"chunks"          for ChunkBased files
	"components"      for StructureBased files

Each chunk gives its "hash", its "offset" in the file, and the "blobKey"
of the object that holds it. FolderOnly records are empty folders.

# Containers

StructureBased files are containers whose members were stored
separately. Each component is one leaf stream, with "name", "size",
"chunks" as above, and "layers": the list of containers enclosing it,
outermost first. Each layer gives the "container" format ("zip", "gzip",
"dbbackup", or "opaque"), the "entry" name of the component's ancestor in
that container, and for zip and gzip the entry's "modified" time and
(zip only) compression "method".

To restore such a file, reassemble each component's data, then rebuild
the containers from the inside out: consecutive components that share a
layer's entry are packed into that entry. "dbbackup" containers are the
concatenation of their segments and "opaque" ones are their only
component's data. A gzip layer marked "derived" had no file name in its
header. Zip and gzip containers are rebuilt with the default settings
of the klauspost/compress zip and gzip writers.

A container is only stored this way if rebuilding it gives back exactly
the original bytes; other containers are stored as ChunkBased files. The
record's "hash" (hex BLAKE3 of the whole file) and "size" can be used to
check the rebuilt file.
`
