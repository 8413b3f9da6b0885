// storage/blob.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

var BlobMagic = [4]byte{'B', 'L', '0', 'B'}

/*
Object file format (disk backend):
- BlobMagic
- the length of the header, encoded as a varint
- the header: a CBOR map (core deterministic encoding) with integer keys
  1: creation time in nanoseconds since the Unix epoch
  2: the object's metadata, as a map of strings
  3: the length of the data
- the object's data
*/

type blobHeader struct {
	Created  int64             `cbor:"1,keyasint"`
	Metadata map[string]string `cbor:"2,keyasint,omitempty"`
	Size     int64             `cbor:"3,keyasint"`
}

var blobEncMode cbor.EncMode

func init() {
	var err error
	blobEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeBlob returns the bytes of an object file holding data, the given
// metadata, and the creation time.
func EncodeBlob(data []byte, metadata map[string]string, created time.Time) ([]byte, error) {
	hdr, err := blobEncMode.Marshal(blobHeader{
		Created:  created.UnixNano(),
		Metadata: metadata,
		Size:     int64(len(data)),
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(BlobMagic)+binary.MaxVarintLen64+len(hdr)+len(data))
	buf = append(buf, BlobMagic[:]...)
	buf = binary.AppendVarint(buf, int64(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, data...)
	return buf, nil
}

// DecodeBlob parses an object file, returning its data, metadata, and
// creation time.
func DecodeBlob(blob []byte) (data []byte, metadata map[string]string, created time.Time, err error) {
	if len(blob) < len(BlobMagic) || !bytes.Equal(blob[:len(BlobMagic)], BlobMagic[:]) {
		err = ErrBlobMagicWrong
		return
	}
	blob = blob[len(BlobMagic):]

	hdrLen, n := binary.Varint(blob)
	if n <= 0 {
		err = errors.Newf("varint: returned %d", n)
		return
	}
	blob = blob[n:]
	if hdrLen < 0 || int64(len(blob)) < hdrLen {
		err = ErrPrematureEndOfData
		return
	}

	var hdr blobHeader
	if err = cbor.Unmarshal(blob[:hdrLen], &hdr); err != nil {
		return
	}
	blob = blob[hdrLen:]
	if int64(len(blob)) != hdr.Size {
		err = ErrPrematureEndOfData
		return
	}

	return blob, hdr.Metadata, time.Unix(0, hdr.Created), nil
}

// ReadBlobHeader reads just the header of an object file from r,
// returning the object's metadata, creation time, and data size.
func ReadBlobHeader(r io.Reader) (metadata map[string]string, created time.Time, size int64, err error) {
	br := bufio.NewReaderSize(r, 512)
	var magic [4]byte
	if _, err = io.ReadFull(br, magic[:]); err != nil {
		return
	}
	if magic != BlobMagic {
		err = ErrBlobMagicWrong
		return
	}
	hdrLen, err := binary.ReadVarint(br)
	if err != nil {
		return
	}
	if hdrLen < 0 || hdrLen > 1<<20 {
		err = ErrPrematureEndOfData
		return
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err = io.ReadFull(br, hdrBytes); err != nil {
		return
	}
	var hdr blobHeader
	if err = cbor.Unmarshal(hdrBytes, &hdr); err != nil {
		return
	}
	return hdr.Metadata, time.Unix(0, hdr.Created), hdr.Size, nil
}
