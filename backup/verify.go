// backup/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"sync"

	"github.com/mmp/bkcas/manifest"
	u "github.com/mmp/bkcas/util"
)

// Verify checks that every object referenced by the given manifests can be
// fetched and matches its hash. Each object is checked once, no matter how
// many files refer to it; failures are reported against the first file
// found that uses the object.
func (e *Engine) Verify(ctx context.Context, manifests []*manifest.Manifest, parallelism int) Report {
	type ref struct {
		path, manifestID, hash string
	}
	refs := make(map[string]ref)
	var keys []string
	var report Report
	for _, m := range manifests {
		for i := range m.Files {
			rec := &m.Files[i]
			for _, c := range rec.AllChunks() {
				if _, ok := refs[c.BlobKey]; !ok {
					refs[c.BlobKey] = ref{rec.Path, m.ID, c.Hash}
					keys = append(keys, c.BlobKey)
				}
			}
			report.Processed++
		}
	}
	log.Verbose("verifying %d objects from %d manifests", len(keys), len(manifests))

	if parallelism < 1 {
		parallelism = 1
	}
	// Limit the number of fetches in flight using the sem chan, so that
	// we don't hit issues with rate limits.
	sem := make(chan bool, parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- true
		go func(key string) {
			defer func() { <-sem; wg.Done() }()
			if _, err := e.content.Fetch(ctx, key); err != nil {
				r := refs[key]
				log.Error("%s: %s", key, err)
				mu.Lock()
				report.Failures = append(report.Failures, u.ItemError{Path: r.path, Hash: r.hash,
					ManifestID: r.manifestID, Err: err})
				mu.Unlock()
			}
		}(key)
	}
	wg.Wait()
	return report
}
