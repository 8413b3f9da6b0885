// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter holds separate token buckets for uploads and downloads. A nil
// bucket means that direction is unlimited.
type Limiter struct {
	upload, download *rate.Limiter
}

// NewLimiter returns a Limiter for the given rates in bytes per second;
// zero means unlimited. The 94/100 factor adds some slop to account for
// TCP/IP overhead and HTTP headers in an effort to have the actual
// bandwidth used not exceed the desired limit.
func NewLimiter(uploadBytesPerSecond, downloadBytesPerSecond int) *Limiter {
	l := &Limiter{}
	if uploadBytesPerSecond > 0 {
		l.upload = newBucket(uploadBytesPerSecond)
	}
	if downloadBytesPerSecond > 0 {
		l.download = newBucket(downloadBytesPerSecond)
	}
	return l
}

func newBucket(bytesPerSecond int) *rate.Limiter {
	r := bytesPerSecond * 94 / 100
	if r < 1 {
		r = 1
	}
	// Don't ever queue up more than one second's worth of transmission.
	return rate.NewLimiter(rate.Limit(r), r)
}

// UploadReader wraps r so that reads from it stay under the upload limit.
func (l *Limiter) UploadReader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil || l.upload == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, R: r, bucket: l.upload}
}

// DownloadReader wraps r so that reads from it stay under the download
// limit.
func (l *Limiter) DownloadReader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil || l.download == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, R: r, bucket: l.download}
}

// rateLimitedReader is an io.Reader implementation that returns no more
// bytes than its token bucket currently allows. As long as the upload and
// download paths wrap the underlying io.Readers, we should stay under the
// bandwidth per second limit.
type rateLimitedReader struct {
	ctx    context.Context
	R      io.Reader
	bucket *rate.Limiter
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	// The caller would like us to return up to this many bytes, but
	// don't do more than a single burst allows.
	n := len(dst)
	if b := lr.bucket.Burst(); n > b {
		n = b
	}
	if n == 0 {
		return lr.R.Read(dst)
	}
	if err := lr.bucket.WaitN(lr.ctx, n); err != nil {
		return 0, err
	}
	return lr.R.Read(dst[:n])
}
