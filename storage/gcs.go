// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"strings"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"
	u "github.com/mmp/bkcas/util"
	"google.golang.org/api/iterator"
)

// Implements the Backend interface to store objects in Google Cloud
// Storage. Object metadata is stored as GCS custom metadata, and GCS's
// own creation time is used for ordering.
type gcsBackend struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	name    string
	limiter *Limiter

	mu            sync.Mutex
	bytesUploaded int64
	objects       int
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

func NewGCS(ctx context.Context, options GCSOptions) (Backend, error) {
	g := &gcsBackend{name: options.BucketName}

	var err error
	g.client, err = gcs.NewClient(ctx)
	if err != nil {
		return nil, u.Wrapf(u.ErrIO, err, "gcs client")
	}

	// Create the bucket if it doesn't exist.
	g.bucket = g.client.Bucket(options.BucketName)
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if options.ProjectId == "" {
			return nil, errors.Newf("%s: a project id is required to create the bucket",
				options.BucketName)
		}
		err := g.bucket.Create(ctx, options.ProjectId, &gcs.BucketAttrs{Location: loc})
		if err != nil {
			return nil, u.Wrapf(u.ErrIO, err, "%s: create bucket", options.BucketName)
		}
	} else if err != nil {
		return nil, u.Wrapf(u.ErrIO, err, "%s", options.BucketName)
	}

	g.limiter = NewLimiter(options.MaxUploadBytesPerSecond,
		options.MaxDownloadBytesPerSecond)
	return g, nil
}

func (g *gcsBackend) String() string {
	return "gs://" + g.name
}

func (g *gcsBackend) LogStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.objects > 0 {
		log.Print("uploaded %s in %d objects", u.FmtBytes(g.bytesUploaded), g.objects)
	}
}

func retry(ctx context.Context, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || err == gcs.ErrObjectNotExist {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(tries+1)) * time.Millisecond):
		}
	}
}

func (g *gcsBackend) attrs(ctx context.Context, key string) (*gcs.ObjectAttrs, error) {
	var attrs *gcs.ObjectAttrs
	err := retry(ctx, key, func() error {
		var err error
		attrs, err = g.bucket.Object(key).Attrs(ctx)
		return err
	})
	if err == gcs.ErrObjectNotExist {
		return nil, notFound(g, key)
	} else if err != nil {
		return nil, u.Wrapf(u.ErrIO, err, "%s: %s", g, key)
	}
	return attrs, nil
}

func (g *gcsBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.attrs(ctx, key)
	if err == nil {
		return true, nil
	} else if errors.Is(err, u.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (g *gcsBackend) GetProperties(ctx context.Context, key string) (Properties, error) {
	attrs, err := g.attrs(ctx, key)
	if err != nil {
		return Properties{}, err
	}
	return Properties{Size: attrs.Size, Metadata: attrs.Metadata, Created: attrs.Created}, nil
}

func (g *gcsBackend) Download(ctx context.Context, key string) ([]byte, error) {
	log.Debug("%s: starting gcs download", key)

	var b []byte
	err := retry(ctx, key, func() error {
		r, err := g.bucket.Object(key).NewReader(ctx)
		if err != nil {
			return err
		}
		b, err = io.ReadAll(g.limiter.DownloadReader(ctx, r))
		r.Close()
		return err
	})
	if err == gcs.ErrObjectNotExist {
		return nil, notFound(g, key)
	}
	return b, u.Wrapf(u.ErrIO, err, "%s: %s", g, key)
}

func (g *gcsBackend) List(ctx context.Context, prefix string, f func(ObjectInfo) error) error {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return u.Wrapf(u.ErrIO, err, "%s: list %s", g, prefix)
		}
		if strings.HasSuffix(obj.Name, ".tmp") {
			continue
		}
		if err := f(ObjectInfo{Key: obj.Name, Created: obj.Created}); err != nil {
			return err
		}
	}
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsBackend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := retry(ctx, key, func() error {
		return g.upload(ctx, key, data, metadata)
	})
	if err != nil {
		return u.Wrapf(u.ErrIO, err, "%s: %s", g, key)
	}
	g.mu.Lock()
	g.bytesUploaded += int64(len(data))
	g.objects++
	g.mu.Unlock()
	return nil
}

func (g *gcsBackend) upload(ctx context.Context, name string, buf []byte, metadata map[string]string) error {
	// Chunks go to coldline; manifests are read often enough to keep
	// them in regular storage.
	storageClass := "STANDARD"
	if strings.HasPrefix(name, ChunkPrefix) || strings.HasPrefix(name, ComponentPrefix) {
		storageClass = "COLDLINE"
	}

	log.Verbose("%s: starting upload", name)

	// Upload to a temporary object first and then copy it into place, so
	// that a partial upload never appears under the final name.
	tmpObj := g.bucket.Object(name + ".tmp")
	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(ctx)

	r := g.limiter.UploadReader(ctx, bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return u.Errorf(u.ErrIntegrity, "%s: CRC32 checksum mismatch. Local: %d, GCS: %d",
			name, localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := g.bucket.Object(name).CopierFrom(tmpObj)
	copier.StorageClass = storageClass
	copier.ContentType = "application/octet-stream"
	if strings.HasSuffix(name, ".json") {
		copier.ContentType = "application/json"
	}
	copier.Metadata = metadata

	_, err := copier.Run(ctx)
	return err
}
