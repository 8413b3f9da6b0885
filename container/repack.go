// container/repack.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package container

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	u "github.com/mmp/bkcas/util"
)

// Repack rebuilds a file from the leaves that Decompose returned for it.
// Leaves must be in their original order. Database backups and opaque
// files are rebuilt byte for byte; zip and gzip containers are rebuilt
// with the same entries in the same order, holding the same bytes and
// entry metadata, though their compressed bytes may differ.
func Repack(leaves []Leaf) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, u.Errorf(u.ErrIntegrity, "no components to repack")
	}
	return repack(leaves, 0)
}

type group struct {
	layer  Layer
	leaves []Leaf
}

// groupEntries collects consecutive leaves that share the same entry at
// the given depth.
func groupEntries(leaves []Leaf, depth int) []group {
	var groups []group
	for _, l := range leaves {
		layer := l.Layers[depth]
		nested := len(l.Layers) > depth+1
		if n := len(groups); n > 0 && nested {
			last := &groups[n-1]
			if len(last.leaves[0].Layers) > depth+1 && last.layer.Entry == layer.Entry {
				last.leaves = append(last.leaves, l)
				continue
			}
		}
		groups = append(groups, group{layer: layer, leaves: []Leaf{l}})
	}
	return groups
}

func repack(leaves []Leaf, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, u.Errorf(u.ErrRecursionLimit, "%s: containers nested more than %d deep",
			leaves[0].Name, MaxDepth)
	}
	for _, l := range leaves {
		if len(l.Layers) <= depth {
			return nil, u.Errorf(u.ErrIntegrity, "%s: missing container layer %d", l.Name, depth)
		}
	}
	format := leaves[0].Layers[depth].Container
	for _, l := range leaves {
		if l.Layers[depth].Container != format {
			return nil, u.Errorf(u.ErrIntegrity, "%s: container format %s, expected %s",
				l.Name, l.Layers[depth].Container, format)
		}
	}

	groups := groupEntries(leaves, depth)
	contents := make([][]byte, len(groups))
	for i, g := range groups {
		if len(g.leaves[0].Layers) == depth+1 {
			contents[i] = g.leaves[0].Data
			continue
		}
		b, err := repack(g.leaves, depth+1)
		if err != nil {
			return nil, err
		}
		contents[i] = b
	}

	switch format {
	case FormatZip:
		return writeZip(groups, contents)
	case FormatGzip:
		if len(groups) != 1 {
			return nil, u.Errorf(u.ErrIntegrity, "%s: gzip with %d entries", leaves[0].Name, len(groups))
		}
		return writeGzip(groups[0].layer, contents[0])
	case FormatDBBackup:
		return bytes.Join(contents, nil), nil
	case FormatOpaque:
		if len(groups) != 1 {
			return nil, u.Errorf(u.ErrIntegrity, "%s: opaque file with %d parts", leaves[0].Name, len(groups))
		}
		return contents[0], nil
	default:
		return nil, u.Errorf(u.ErrIntegrity, "%s: unknown container format %q", leaves[0].Name, format)
	}
}

func writeZip(groups []group, contents [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, g := range groups {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     g.layer.Entry,
			Method:   g.layer.Method,
			Modified: g.layer.Modified,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "%s", g.layer.Entry)
		}
		if _, err := w.Write(contents[i]); err != nil {
			return nil, errors.Wrapf(err, "%s", g.layer.Entry)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeGzip(l Layer, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if !l.Derived {
		zw.Name = l.Entry
	}
	zw.ModTime = l.Modified
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
