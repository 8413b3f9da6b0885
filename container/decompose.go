// container/decompose.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package container

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	u "github.com/mmp/bkcas/util"
)

// MaxDepth is the deepest level of container nesting that is decomposed;
// the file itself is at depth 0.
const MaxDepth = 10

// Splitter cuts a byte slice into pieces, returning their end offsets.
// storage.Chunker implements it.
type Splitter interface {
	Boundaries(b []byte) []int
}

// Decomposer splits container files into their leaf streams. Database
// backups are cut into segments with Splitter.
type Decomposer struct {
	Splitter Splitter
}

func NewDecomposer(s Splitter) *Decomposer {
	return &Decomposer{Splitter: s}
}

type workItem struct {
	// Entry name of the item in its parent, or the file name at the
	// root.
	name   string
	data   []byte
	layers []Layer
	depth  int
	// Items that are known not to be containers.
	forceLeaf bool
}

type entry struct {
	layer     Layer
	data      []byte
	forceLeaf bool
}

// Decompose returns the leaf streams of the file with the given name and
// contents, in the order they appear in their containers. Nested
// containers are decomposed down to MaxDepth levels; deeper nesting is
// an error marked util.ErrRecursionLimit. Containers that can't be
// parsed, or that hold nothing, are returned as a single opaque leaf.
func (d *Decomposer) Decompose(name string, data []byte) ([]Leaf, error) {
	var leaves []Leaf
	stack := []workItem{{name: name, data: data}}

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if it.depth > MaxDepth {
			return nil, u.Errorf(u.ErrRecursionLimit, "%s: %s: containers nested more than %d deep",
				name, leafName(it.layers), MaxDepth)
		}

		kind := Unknown
		if !it.forceLeaf {
			kind = probe(it.name, it.data)
		}

		var entries []entry
		if kind != Unknown {
			var err error
			entries, err = d.split(kind, it)
			if err != nil {
				log.Warning("%s: %s: treating as opaque: %s", name, it.name, err)
			} else if len(entries) == 0 {
				log.Warning("%s: %s: empty %s container; treating as opaque", name, it.name, kind)
			}
		}

		if len(entries) == 0 {
			layers := it.layers
			if len(layers) == 0 {
				layers = []Layer{{Container: FormatOpaque, Entry: it.name}}
			}
			leaves = append(leaves, Leaf{Name: leafName(layers), Layers: layers, Data: it.data})
			continue
		}

		// Push in reverse so that entries are popped in order.
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			layers := make([]Layer, len(it.layers), len(it.layers)+1)
			copy(layers, it.layers)
			stack = append(stack, workItem{
				name:      e.layer.Entry,
				data:      e.data,
				layers:    append(layers, e.layer),
				depth:     it.depth + 1,
				forceLeaf: e.forceLeaf,
			})
		}
	}
	return leaves, nil
}

// probe determines whether an item should be decomposed. Names with a
// container extension are checked against the signatures; names with no
// extension at all are identified by their signature alone.
func probe(name string, data []byte) Kind {
	if path.Ext(name) != "" && !IsContainer(name) {
		return Unknown
	}
	return Detect(data)
}

func (d *Decomposer) split(kind Kind, it workItem) ([]entry, error) {
	switch kind {
	case Zip:
		return splitZip(it.data)
	case GZip:
		return splitGzip(it.name, it.data)
	case DatabaseBackup:
		return d.splitDatabaseBackup(it.data), nil
	default:
		return nil, errors.Newf("%s: unexpected container kind", kind)
	}
}

func splitZip(data []byte) ([]entry, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var entries []entry
	for _, f := range r.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "%s", f.Name)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "%s", f.Name)
		}
		entries = append(entries, entry{
			layer: Layer{Container: FormatZip, Entry: f.Name, Modified: f.Modified, Method: f.Method},
			data:  b,
		})
	}
	return entries, nil
}

func splitGzip(name string, data []byte) ([]entry, error) {
	br := bytes.NewReader(data)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, err
	}
	// Concatenated gzip members would not survive repacking as a single
	// member.
	zr.Multistream(false)
	b, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	if err := zr.Close(); err != nil {
		return nil, err
	}
	if br.Len() > 0 {
		return nil, errors.Newf("%d bytes after the first gzip member", br.Len())
	}

	l := Layer{Container: FormatGzip, Entry: zr.Name, Modified: zr.ModTime}
	if l.Entry == "" {
		l.Entry, l.Derived = gunzippedName(name), true
	}
	return []entry{{layer: l, data: b}}, nil
}

func gunzippedName(name string) string {
	base := path.Base(name)
	switch ext := path.Ext(base); strings.ToLower(ext) {
	case ".gz":
		if s := strings.TrimSuffix(base, ext); s != "" {
			return s
		}
	case ".tgz":
		return strings.TrimSuffix(base, ext) + ".tar"
	}
	return "data"
}

// Database backups don't have an entry structure we can parse, so they're
// cut into segments at content-defined boundaries; identical stretches
// in successive backups then give identical segments.
func (d *Decomposer) splitDatabaseBackup(data []byte) []entry {
	var entries []entry
	start := 0
	for i, end := range d.Splitter.Boundaries(data) {
		entries = append(entries, entry{
			layer:     Layer{Container: FormatDBBackup, Entry: fmt.Sprintf("segment_%06d", i)},
			data:      data[start:end],
			forceLeaf: true,
		})
		start = end
	}
	return entries
}
