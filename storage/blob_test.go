// storage/blob_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestBlobRoundTrip(t *testing.T) {
	const nBlobs = 200
	for i := 0; i < nBlobs; i++ {
		b := make([]byte, rand.Intn(65536))
		rand.Read(b)
		md := map[string]string{MetaEncoding: "gzip", "n": string(rune('a' + i%26))}
		created := time.Unix(1500000000+int64(i), int64(i))

		blob, err := EncodeBlob(b, md, created)
		if err != nil {
			t.Fatalf("%d: encode: %+v", i, err)
		}

		data, gotMd, gotCreated, err := DecodeBlob(blob)
		if err != nil {
			t.Fatalf("%d: decode blob error: %+v", i, err)
		}
		if !bytes.Equal(data, b) {
			t.Errorf("%d: data mismatch", i)
		}
		if gotMd[MetaEncoding] != "gzip" || gotMd["n"] != md["n"] {
			t.Errorf("%d: metadata mismatch: %+v", i, gotMd)
		}
		if !gotCreated.Equal(created) {
			t.Errorf("%d: got created %s, expected %s", i, gotCreated, created)
		}
	}
}

func TestBlobCorrupt(t *testing.T) {
	blob, err := EncodeBlob([]byte("hello, world"), nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if _, _, _, err := DecodeBlob(blob[:len(blob)-1]); err != ErrPrematureEndOfData {
		t.Errorf("truncated blob: got %v", err)
	}

	bad := dupe(blob)
	bad[0] = 'X'
	if _, _, _, err := DecodeBlob(bad); err != ErrBlobMagicWrong {
		t.Errorf("bad magic: got %v", err)
	}
}
