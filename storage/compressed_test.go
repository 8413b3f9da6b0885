// storage/compressed_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0},
		[]byte("hello, world"),
		bytes.Repeat([]byte("abcdefgh"), 10000),
		genRandom(100000),
	}

	for _, name := range []string{EncodingIdentity, EncodingGzip, EncodingZstd, EncodingLZ4} {
		c, err := CompressorByName(name)
		require.NoError(t, err)
		require.Equal(t, name, c.Name())

		for _, in := range inputs {
			comp, err := c.Compress(in)
			if errors.Is(err, ErrIncompressible) {
				// Only lz4 gives up, and never on repetitive data.
				require.Equal(t, EncodingLZ4, name)
				require.NotEqual(t, 80000, len(in))
				continue
			}
			require.NoError(t, err, name)

			dec, err := c.Decompress(comp, len(in))
			require.NoError(t, err, name)
			if !bytes.Equal(in, dec) {
				t.Errorf("%s: round trip of %d bytes failed", name, len(in))
			}

			if name != EncodingLZ4 {
				// The size is only checked if it's given.
				dec, err = c.Decompress(comp, -1)
				require.NoError(t, err, name)
				require.Equal(t, len(in), len(dec))
			}
		}
	}
}

func TestCompressShrinks(t *testing.T) {
	in := bytes.Repeat([]byte("0123456789"), 10000)
	for _, name := range []string{EncodingGzip, EncodingZstd, EncodingLZ4} {
		c, err := CompressorByName(name)
		require.NoError(t, err)
		comp, err := c.Compress(in)
		require.NoError(t, err)
		if len(comp) > len(in)/10 {
			t.Errorf("%s: compressed %d bytes to %d", name, len(in), len(comp))
		}

		// A wrong size is caught.
		_, err = c.Decompress(comp, len(in)+1)
		require.Error(t, err, name)
	}
}

func TestCompressBadInput(t *testing.T) {
	_, err := CompressorByName("brotli")
	require.Error(t, err)

	for _, name := range []string{EncodingGzip, EncodingZstd} {
		c, _ := CompressorByName(name)
		_, err := c.Decompress([]byte("this is not compressed data"), -1)
		require.Error(t, err, name)
	}
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(b []byte) (int, error) {
	w.n++
	return 0, io.ErrShortWrite
}

func TestGzipWriteFailure(t *testing.T) {
	in := bytes.Repeat([]byte("fail me "), 50000)
	fw := &failingWriter{}
	err := gzipTo(fw, in)
	require.True(t, errors.Is(err, io.ErrShortWrite), "%v", err)
	require.Greater(t, fw.n, 0)

	// Later compressions are unaffected.
	c, _ := CompressorByName(EncodingGzip)
	for i := 0; i < 8; i++ {
		comp, err := c.Compress(in)
		require.NoError(t, err)
		dec, err := c.Decompress(comp, len(in))
		require.NoError(t, err)
		require.Equal(t, in, dec)
	}
}
