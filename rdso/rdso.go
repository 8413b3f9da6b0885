// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to byte buffers and files,
// based on github.com/klauspost/reedsolomon. Provides facilities to check
// the integrity of encoded data and to recover corrupt data. The parity
// information is kept in a separate "sidecar", so the protected data
// itself is stored unchanged.

package rdso

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bkcas/util"
	"golang.org/x/crypto/sha3"
)

// ErrCorrupt is returned by Check when the data or the parity information
// doesn't match the hashes in the sidecar.
var ErrCorrupt = errors.New("data does not match its Reed-Solomon hashes")

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// Sidecar holds the parity shards for some data along with hashes of
// each hashRate-sized segment of every shard, so that corruption can be
// localized before reconstruction.
type Sidecar struct {
	// Size of the original data
	Size          int64 `cbor:"1,keyasint"`
	NDataShards   int   `cbor:"2,keyasint"`
	NParityShards int   `cbor:"3,keyasint"`
	HashRate      int64 `cbor:"4,keyasint"`
	// First the data hashes, then the parity hashes.
	Hashes       [][]Hash `cbor:"5,keyasint"`
	ParityShards [][]byte `cbor:"6,keyasint"`
}

// Encode computes the Reed-Solomon parity for data and returns the
// encoded sidecar.
func Encode(data []byte, nDataShards, nParityShards int, hashRate int64) ([]byte, error) {
	if nDataShards < 1 || nParityShards < 1 || hashRate < 1 {
		return nil, errors.Newf("rdso: invalid parameters %d/%d/%d",
			nDataShards, nParityShards, hashRate)
	}

	sc := Sidecar{
		Size:          int64(len(data)),
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards := shardData(data, nDataShards)

	// Allocate storage for the parity shards.
	for i := 0; i < nParityShards; i++ {
		sc.ParityShards = append(sc.ParityShards,
			make([]byte, len(dataShards[0])))
	}

	// Reed-Solomon encode the sharded data.
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return nil, err
	}
	allShards := append(dataShards, sc.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return nil, err
	}

	// Compute the hashes.
	for _, s := range allShards {
		sc.Hashes = append(sc.Hashes, hash(shard(s, hashRate)))
	}

	return cbor.Marshal(sc)
}

// Splits data into nshards equally-sized shards, zero-padding the last.
func shardData(data []byte, nshards int) [][]byte {
	shardSize := (int64(len(data)) + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		shardSize = 1
	}
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)
	copy(buf, data)
	return shard(buf, shardSize)
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

func decodeSidecar(b []byte) (Sidecar, error) {
	var sc Sidecar
	if err := cbor.Unmarshal(b, &sc); err != nil {
		return sc, err
	}
	if sc.NDataShards < 1 || sc.NParityShards < 1 || sc.HashRate < 1 ||
		len(sc.Hashes) != sc.NDataShards+sc.NParityShards ||
		len(sc.ParityShards) != sc.NParityShards {
		return sc, errors.New("rdso: malformed sidecar")
	}
	return sc, nil
}

// Check verifies data against its sidecar, returning ErrCorrupt if any
// segment of the data or of the parity doesn't match its hash.
func Check(data, sidecar []byte, log *u.Logger) error {
	_, err := checkOrRestore("", data, sidecar, log, false)
	return err
}

// Repair returns data with any corrupt segments reconstructed from the
// parity information. It fails if there are too many errors in some
// segment to recover it.
func Repair(data, sidecar []byte, log *u.Logger) ([]byte, error) {
	return checkOrRestore("", data, sidecar, log, true)
}

func checkOrRestore(name string, data, sidecar []byte, log *u.Logger, restore bool) ([]byte, error) {
	sc, err := decodeSidecar(sidecar)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "data"
	}
	if int64(len(data)) != sc.Size {
		// Truncated or extended data can't be lined up with the shards
		// reliably unless we restore it to the expected size first.
		if log != nil {
			log.Warning("%s: size %d doesn't match encoded size %d", name,
				len(data), sc.Size)
		}
		if !restore {
			return nil, errors.Wrapf(ErrCorrupt, "%s: size mismatch", name)
		}
		fixed := make([]byte, sc.Size)
		copy(fixed, data)
		data = fixed
	}

	dataShards := shardData(data, sc.NDataShards)

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, sc.HashRate))
	}
	for _, s := range sc.ParityShards {
		allShards = append(allShards, shard(s, sc.HashRate))
	}

	// Loop over the hash chunks
	nErrors := 0
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for s := range allShards {
		if len(allShards[s]) != nHashChunks || len(sc.Hashes[s]) != nHashChunks {
			return nil, errors.New("rdso: sidecar doesn't match shard layout")
		}
	}
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) == sc.Hashes[s][hc] {
				continue
			}
			if log != nil {
				kind, idx := "data", s
				if s >= len(dataShards) {
					kind, idx = "parity", s-len(dataShards)
				}
				if restore {
					log.Warning("%s: %s shard %d hash %d mismatch", name, kind, idx, hc)
				} else {
					log.Error("%s: %s shard %d hash %d mismatch", name, kind, idx, hc)
				}
			}
			nErrors++
			// nil it out (in case we're going to try and recover)
			allShards[s][hc] = nil
		}
	}

	if nErrors == 0 {
		return data, nil
	}
	if !restore {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %d bad segments", name, nErrors)
	}

	// Try to recover the data.
	enc, err := reedsolomon.New(sc.NDataShards, sc.NParityShards)
	if err != nil {
		return nil, err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing == 0 {
			continue
		}
		if err = enc.ReconstructData(recon); err != nil {
			return nil, errors.Wrapf(err, "%s: segment %d", name, hc)
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*sc.HashRate:], recon[s])
		}
	}

	// The data shards are views of one contiguous buffer.
	out := make([]byte, 0, sc.Size)
	for _, s := range dataShards {
		out = append(out, s...)
	}
	return out[:sc.Size], nil
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon sidecar for the file fn to rsfn.
func EncodeFile(fn, rsfn string, nDataShards, nParityShards int, hashRate int64) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	sc, err := Encode(data, nDataShards, nParityShards, hashRate)
	if err != nil {
		return err
	}
	return os.WriteFile(rsfn, sc, 0600)
}

func CheckFile(fn, rsfn string, log *u.Logger) error {
	data, sc, err := readPair(fn, rsfn)
	if err != nil {
		return err
	}
	_, err = checkOrRestore(fn, data, sc, log, false)
	return err
}

// RestoreFile writes a repaired copy of fn to fn+".recovered".
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	data, sc, err := readPair(fn, rsfn)
	if err != nil {
		return err
	}
	fixed, err := checkOrRestore(fn, data, sc, log, true)
	if err != nil {
		return err
	}
	return os.WriteFile(fn+".recovered", fixed, 0600)
}

func readPair(fn, rsfn string) ([]byte, []byte, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, nil, err
	}
	sc, err := os.ReadFile(rsfn)
	if err != nil {
		return nil, nil, err
	}
	return data, sc, nil
}
