// manifest/manifest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest defines the record of a backup run and stores those
// records in a storage.Backend.
package manifest

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/mmp/bkcas/container"
	u "github.com/mmp/bkcas/util"
)

///////////////////////////////////////////////////////////////////////////
// Enumerations; they're serialized by name.

type BackupType int

const (
	Full BackupType = iota
	Incremental
)

var backupTypeNames = []string{"Full", "Incremental"}

func (t BackupType) String() string { return enumName(backupTypeNames, int(t)) }

func (t BackupType) MarshalText() ([]byte, error) { return marshalEnum(backupTypeNames, int(t)) }

func (t *BackupType) UnmarshalText(b []byte) error {
	return unmarshalEnum(backupTypeNames, b, (*int)(t))
}

type TargetType int

const (
	File TargetType = iota
	Folder
	Volume
)

var targetTypeNames = []string{"File", "Folder", "Volume"}

func (t TargetType) String() string { return enumName(targetTypeNames, int(t)) }

func (t TargetType) MarshalText() ([]byte, error) { return marshalEnum(targetTypeNames, int(t)) }

func (t *TargetType) UnmarshalText(b []byte) error {
	return unmarshalEnum(targetTypeNames, b, (*int)(t))
}

// StructureKind records how a file's contents were stored.
type StructureKind int

const (
	// The file's bytes were chunked directly.
	ChunkBased StructureKind = iota
	// The file is a container whose leaf streams were chunked
	// separately.
	StructureBased
	// A directory with nothing in it.
	FolderOnly
)

var structureKindNames = []string{"ChunkBased", "StructureBased", "FolderOnly"}

func (k StructureKind) String() string { return enumName(structureKindNames, int(k)) }

func (k StructureKind) MarshalText() ([]byte, error) {
	return marshalEnum(structureKindNames, int(k))
}

func (k *StructureKind) UnmarshalText(b []byte) error {
	return unmarshalEnum(structureKindNames, b, (*int)(k))
}

func enumName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return "invalid"
	}
	return names[v]
}

func marshalEnum(names []string, v int) ([]byte, error) {
	if v < 0 || v >= len(names) {
		return nil, errors.Newf("invalid enumerant %d", v)
	}
	return []byte(names[v]), nil
}

func unmarshalEnum(names []string, b []byte, v *int) error {
	for i, n := range names {
		if n == string(b) {
			*v = i
			return nil
		}
	}
	return errors.Newf("%q: unknown value", b)
}

///////////////////////////////////////////////////////////////////////////

// Chunk is a reference to a stored piece of a file or component.
type Chunk struct {
	// Hex SHA-256 of the plaintext.
	Hash string `json:"hash"`
	// Offset of the chunk in its file or component.
	Offset     int64  `json:"offset"`
	StoredSize int64  `json:"storedSize"`
	BlobKey    string `json:"blobKey"`
	// Advisory; recovery goes by the stored object's metadata.
	IsCompressed bool `json:"isCompressed"`
	IsEncrypted  bool `json:"isEncrypted"`
	// Set if the chunk was uploaded by the backup that wrote the
	// manifest.
	Uploaded bool `json:"uploaded,omitempty"`
}

// Component is a leaf stream of a container file.
type Component struct {
	Name string `json:"name"`
	// Hex SHA-256 of the concatenated chunk hashes.
	Hash   string            `json:"hash"`
	Size   int64             `json:"size"`
	Layers []container.Layer `json:"layers"`
	Chunks []Chunk           `json:"chunks"`
}

type FileRecord struct {
	Path            string        `json:"path"`
	RelativePath    string        `json:"relativePath"`
	Size            int64         `json:"size"`
	LastModifiedUtc time.Time     `json:"lastModifiedUtc"`
	Attributes      uint32        `json:"attributes"`
	ACL             *string       `json:"acl"`
	Hash            string        `json:"hash"`
	StructureKind   StructureKind `json:"structureKind"`
	Chunks          []Chunk       `json:"chunks"`
	Components      []Component   `json:"components"`
	LastBackupUtc   time.Time     `json:"lastBackupUtc"`
}

// Manifest records a single backup run.
type Manifest struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Type           BackupType        `json:"type"`
	Target         TargetType        `json:"target"`
	Files          []FileRecord      `json:"files"`
	TotalSize      int64             `json:"totalSize"`
	CompressedSize int64             `json:"compressedSize"`
	BackupSize     int64             `json:"backupSize"`
	FolderACLs     map[string]string `json:"folderAcls"`
}

// New returns an empty manifest with a fresh id.
func New(target TargetType, now time.Time) *Manifest {
	return &Manifest{
		ID:         uuid.NewString(),
		Timestamp:  now.UTC(),
		Target:     target,
		FolderACLs: make(map[string]string),
	}
}

// ShortID returns the first 8 characters of the manifest id.
func (m *Manifest) ShortID() string {
	if len(m.ID) > 8 {
		return m.ID[:8]
	}
	return m.ID
}

// AllChunks returns the file's chunks along with those of its components.
func (r *FileRecord) AllChunks() []Chunk {
	all := append([]Chunk(nil), r.Chunks...)
	for _, c := range r.Components {
		all = append(all, c.Chunks...)
	}
	return all
}

// ComputeTotals sets the manifest's aggregate sizes from its file records.
// BackupSize counts each uploaded object once, even if it's referenced
// from multiple places.
func (m *Manifest) ComputeTotals() {
	m.TotalSize, m.CompressedSize, m.BackupSize = 0, 0, 0
	uploaded := make(map[string]bool)
	for i := range m.Files {
		r := &m.Files[i]
		m.TotalSize += r.Size
		for _, c := range r.AllChunks() {
			m.CompressedSize += c.StoredSize
			if c.Uploaded && !uploaded[c.BlobKey] {
				uploaded[c.BlobKey] = true
				m.BackupSize += c.StoredSize
			}
		}
	}
}

// Validate checks the manifest's internal consistency.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return errors.New("missing manifest id")
	}
	if m.Type < Full || m.Type > Incremental {
		return errors.Newf("invalid backup type %d", m.Type)
	}
	if m.Target < File || m.Target > Volume {
		return errors.Newf("invalid target type %d", m.Target)
	}
	for i := range m.Files {
		if err := m.Files[i].Validate(); err != nil {
			return errors.Wrapf(err, "%s", m.Files[i].Path)
		}
	}
	return nil
}

func (r *FileRecord) Validate() error {
	switch r.StructureKind {
	case ChunkBased:
		if len(r.Components) > 0 {
			return errors.New("chunk-based file has components")
		}
	case StructureBased:
		if len(r.Chunks) > 0 || len(r.Components) == 0 {
			return errors.Newf("structure-based file has %d chunks and %d components",
				len(r.Chunks), len(r.Components))
		}
	case FolderOnly:
		if len(r.Chunks) > 0 || len(r.Components) > 0 {
			return errors.New("folder has contents")
		}
	default:
		return errors.Newf("invalid structure kind %d", r.StructureKind)
	}

	for _, c := range r.AllChunks() {
		if c.Hash == "" || c.BlobKey == "" {
			return errors.Newf("chunk at offset %d has no hash or key", c.Offset)
		}
	}
	for _, c := range r.Components {
		if len(c.Layers) == 0 {
			return errors.Newf("%s: component has no container layers", c.Name)
		}
		for _, l := range c.Layers {
			if !l.Container.Valid() {
				return errors.Newf("%s: invalid container format %q", c.Name, l.Container)
			}
		}
	}
	return nil
}

// Marshal returns the manifest's JSON encoding.
func Marshal(m *Manifest) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, u.Wrapf(u.ErrSerialization, err, "manifest %s", m.ID)
	}
	b, err := json.MarshalIndent(m, "", "  ")
	return b, u.Wrapf(u.ErrSerialization, err, "manifest %s", m.ID)
}

// Unmarshal decodes and validates a manifest.
func Unmarshal(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, u.Wrapf(u.ErrSerialization, err, "decode manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, u.Wrapf(u.ErrSerialization, err, "manifest %s", m.ID)
	}
	if m.FolderACLs == nil {
		m.FolderACLs = make(map[string]string)
	}
	return &m, nil
}
