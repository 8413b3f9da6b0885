// storage/split.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

///////////////////////////////////////////////////////////////////////////
// Content-defined chunking

// Chunker splits byte slices into variable-sized chunks at boundaries
// determined by a rolling checksum of the content, so that identical
// content always gives identical chunks and an insertion or deletion only
// disturbs the chunks near it.
//
// No boundary is considered before Min bytes and one is forced at Max.
// Between them, the boundary condition is stricter while the chunk is
// shorter than Avg and looser afterward, which pulls chunk sizes toward
// Avg.
type Chunker struct {
	Min, Avg, Max int
}

const (
	DefaultMinChunk = 16 * 1024
	DefaultAvgChunk = 64 * 1024
	DefaultMaxChunk = 256 * 1024
)

// DefaultChunker returns a Chunker with the default size parameters.
func DefaultChunker() Chunker {
	return Chunker{Min: DefaultMinChunk, Avg: DefaultAvgChunk, Max: DefaultMaxChunk}
}

// NewChunker returns a validated Chunker with the given size parameters.
func NewChunker(min, avg, max int) (Chunker, error) {
	c := Chunker{Min: min, Avg: avg, Max: max}
	return c, c.Validate()
}

func (c Chunker) Validate() error {
	if c.Min < splitWindowSize {
		return errors.Newf("chunker: minimum size %d smaller than the %d byte window",
			c.Min, splitWindowSize)
	}
	if c.Avg <= 0 || c.Avg&(c.Avg-1) != 0 {
		return errors.Newf("chunker: average size %d not a power of two", c.Avg)
	}
	if !(c.Min < c.Avg && c.Avg < c.Max) {
		return errors.Newf("chunker: sizes %d/%d/%d not increasing", c.Min, c.Avg, c.Max)
	}
	return nil
}

// masks returns the boundary masks used before and after a chunk reaches
// the average size.
func (c Chunker) masks() (small, large uint32) {
	b := bits.TrailingZeros(uint(c.Avg))
	return uint32(1)<<(b+1) - 1, uint32(1)<<(b-1) - 1
}

// Boundaries returns the end offsets of the chunks of b, in increasing
// order. The last offset is always len(b); empty input has no chunks.
func (c Chunker) Boundaries(b []byte) []int {
	if len(b) == 0 {
		return nil
	}

	small, large := c.masks()
	var ends []int
	var hs HashSplitter
	start := 0
	for start < len(b) {
		if len(b)-start <= c.Min {
			ends = append(ends, len(b))
			break
		}

		end := start + c.Max
		if end > len(b) {
			end = len(b)
		}

		// Prime the window with the bytes just before the earliest
		// allowed boundary so that the checksum there depends only on
		// the content.
		hs.Reset()
		i := start + c.Min - splitWindowSize
		for ; i < start+c.Min; i++ {
			hs.AddByte(b[i])
		}

		cut := end
		for ; i < end; i++ {
			hs.AddByte(b[i])
			mask := large
			if i+1-start < c.Avg {
				mask = small
			}
			if hs.SplitNow(mask) {
				cut = i + 1
				break
			}
		}
		ends = append(ends, cut)
		start = cut
	}
	return ends
}

// Split returns the chunks of b as subslices of it.
func (c Chunker) Split(b []byte) [][]byte {
	var chunks [][]byte
	start := 0
	for _, end := range c.Boundaries(b) {
		chunks = append(chunks, b[start:end])
		start = end
	}
	return chunks
}

///////////////////////////////////////////////////////////////////////////
// Rolling checksum stuff from bup...

// The lowest bits seem to be most useful; splitting based on, say, 4 bits
// in the middle is fiddly, especially when it spans the 16th
// bit.
type HashSplitter struct {
	s1, s2 uint32
	window [splitWindowSize]byte
	wofs   int
}

const splitterCharOffset = 31
const splitWindowBits = 6
const splitWindowSize = 1 << splitWindowBits

func (hs *HashSplitter) Reset() {
	hs.s1 = splitWindowSize * splitterCharOffset
	hs.s2 = splitWindowSize * (splitWindowSize - 1) * splitterCharOffset
	hs.wofs = 0
	for i := 0; i < splitWindowSize; i++ {
		hs.window[i] = 0
	}
}

func (hs *HashSplitter) AddByte(b byte) {
	drop := hs.window[hs.wofs]
	hs.s1 += uint32(b) - uint32(drop)
	hs.s2 += hs.s1 - (splitWindowSize * (uint32(drop) + splitterCharOffset))
	hs.window[hs.wofs] = b
	hs.wofs = (hs.wofs + 1) % splitWindowSize
}

func (hs *HashSplitter) Digest() uint32 {
	return (hs.s1 << 16) | (hs.s2 & 0xffff)
}

// SplitNow reports whether the current window ends a chunk under the
// given mask.
func (hs *HashSplitter) SplitNow(mask uint32) bool {
	return hs.Digest()&mask == mask
}
