// container/container.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package container recognizes archive and structured file formats and
// splits them into the leaf streams they hold, so that each leaf can be
// deduplicated on its own. Repack inverts the decomposition.
package container

import (
	"bytes"
	"path"
	"strings"
	"time"

	u "github.com/mmp/bkcas/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Kind is the format of a container, as determined from its leading
// bytes.
type Kind int

const (
	Unknown Kind = iota
	Zip
	GZip
	DatabaseBackup
)

func (k Kind) String() string {
	switch k {
	case Zip:
		return "Zip"
	case GZip:
		return "GZip"
	case DatabaseBackup:
		return "DatabaseBackup"
	default:
		return "Unknown"
	}
}

// Format names a layer's container format in manifests.
type Format string

const (
	FormatZip      Format = "zip"
	FormatGzip     Format = "gzip"
	FormatDBBackup Format = "dbbackup"
	FormatOpaque   Format = "opaque"
)

func (k Kind) Format() Format {
	switch k {
	case Zip:
		return FormatZip
	case GZip:
		return FormatGzip
	case DatabaseBackup:
		return FormatDBBackup
	default:
		return FormatOpaque
	}
}

func (f Format) Valid() bool {
	switch f {
	case FormatZip, FormatGzip, FormatDBBackup, FormatOpaque:
		return true
	}
	return false
}

var containerExtensions = map[string]bool{
	".zip": true, ".gz": true, ".tgz": true, ".bak": true, ".7z": true, ".rar": true,
	// Office Open XML documents are zip files.
	".docx": true, ".docm": true, ".dotx": true,
	".xlsx": true, ".xlsm": true, ".xltx": true,
	".pptx": true, ".pptm": true, ".potx": true,
}

// IsContainer reports whether the file name has the extension of a
// container format.
func IsContainer(name string) bool {
	return containerExtensions[strings.ToLower(path.Ext(name))]
}

var (
	zipLocalHeader   = []byte("PK\x03\x04")
	zipEndOfCentral  = []byte("PK\x05\x06")
	zipSpanned       = []byte("PK\x07\x08")
	gzipMagic        = []byte{0x1f, 0x8b}
	bakMagic         = []byte("BAK")
	mtfTapeDescBlock = []byte("TAPE")
)

// Detect returns the container format of b from its signature.
func Detect(b []byte) Kind {
	switch {
	case bytes.HasPrefix(b, zipLocalHeader), bytes.HasPrefix(b, zipEndOfCentral),
		bytes.HasPrefix(b, zipSpanned):
		return Zip
	case bytes.HasPrefix(b, gzipMagic):
		return GZip
	case bytes.HasPrefix(b, bakMagic), bytes.HasPrefix(b, mtfTapeDescBlock):
		return DatabaseBackup
	default:
		return Unknown
	}
}

// Layer describes one level of container nesting around a leaf: the
// format of the container and the entry within it that holds the next
// level.
type Layer struct {
	Container Format `json:"container"`
	Entry     string `json:"entry"`
	// Set if Entry was made up rather than stored in the container, as
	// for gzip files without a name in their header.
	Derived  bool      `json:"derived,omitempty"`
	Modified time.Time `json:"modified,omitzero"`
	// zip compression method
	Method uint16 `json:"method,omitempty"`
}

// Leaf is a stream that isn't itself a container, along with the
// containers that enclose it, outermost first.
type Leaf struct {
	// Entry names of the layers, joined with "/".
	Name   string
	Layers []Layer
	Data   []byte
}

func leafName(layers []Layer) string {
	names := make([]string, len(layers))
	for i, l := range layers {
		names[i] = l.Entry
	}
	return strings.Join(names, "/")
}
