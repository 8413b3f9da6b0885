// manifest/store.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"context"
	"sort"
	"strings"

	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Store saves manifests as JSON objects under storage.ManifestPrefix.
// Their keys include the manifest's timestamp for the benefit of humans
// looking at the bucket, but the backend's creation times are used to
// order them.
type Store struct {
	backend storage.Backend
}

func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

const keyTimeFormat = "20060102_150405"

// Key returns the object key that m is saved at.
func Key(m *Manifest) string {
	return storage.ManifestPrefix + "backup_" + m.Timestamp.UTC().Format(keyTimeFormat) +
		"_" + m.ID + ".json"
}

// idFromKey returns the manifest id embedded in a key returned by Key, or
// "" if the key doesn't have that form.
func idFromKey(key string) string {
	name := strings.TrimPrefix(key, storage.ManifestPrefix+"backup_")
	if name == key || !strings.HasSuffix(name, ".json") {
		return ""
	}
	name = strings.TrimSuffix(name, ".json")
	if len(name) <= len(keyTimeFormat)+1 {
		return ""
	}
	return name[len(keyTimeFormat)+1:]
}

// Save stores the manifest. It must not be modified afterward.
func (s *Store) Save(ctx context.Context, m *Manifest) (string, error) {
	b, err := Marshal(m)
	if err != nil {
		return "", err
	}
	key := Key(m)
	md := map[string]string{
		"manifest-id":  m.ID,
		"content-type": "application/json",
	}
	if err := s.backend.Put(ctx, key, b, md); err != nil {
		return "", u.Wrapf(u.ErrIO, err, "save manifest %s", m.ID)
	}
	log.Verbose("%s: saved manifest (%d files)", key, len(m.Files))
	return key, nil
}

func (s *Store) list(ctx context.Context) ([]storage.ObjectInfo, error) {
	var infos []storage.ObjectInfo
	err := s.backend.List(ctx, storage.ManifestPrefix, func(info storage.ObjectInfo) error {
		if strings.HasSuffix(info.Key, ".json") {
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, u.Wrapf(u.ErrIO, err, "list manifests")
	}
	return infos, nil
}

func (s *Store) load(ctx context.Context, key string) (*Manifest, error) {
	b, err := s.backend.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(b)
	if err != nil {
		return nil, u.Wrapf(u.ErrSerialization, err, "%s", key)
	}
	return m, nil
}

// LoadLatest returns the most recently stored manifest, or nil if there
// are none.
func (s *Store) LoadLatest(ctx context.Context) (*Manifest, error) {
	infos, err := s.list(ctx)
	if err != nil || len(infos) == 0 {
		return nil, err
	}
	latest := infos[0]
	for _, info := range infos[1:] {
		if info.Created.After(latest.Created) ||
			(info.Created.Equal(latest.Created) && info.Key > latest.Key) {
			latest = info
		}
	}
	return s.load(ctx, latest.Key)
}

// LoadAll returns all of the stored manifests that can be read, most
// recent first.
func (s *Store) LoadAll(ctx context.Context) ([]*Manifest, error) {
	infos, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	var all []*Manifest
	for _, info := range infos {
		m, err := s.load(ctx, info.Key)
		if err != nil {
			log.Warning("%s: skipping manifest: %s", info.Key, err)
			continue
		}
		all = append(all, m)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return all, nil
}

// Load returns the manifest with the given id, which may be abbreviated
// as long as it's unambiguous.
func (s *Store) Load(ctx context.Context, id string) (*Manifest, error) {
	if id == "" {
		return nil, u.Errorf(u.ErrNotFound, "empty manifest id")
	}
	infos, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, info := range infos {
		if strings.HasPrefix(idFromKey(info.Key), id) {
			matches = append(matches, info.Key)
		}
	}
	switch len(matches) {
	case 0:
		return nil, u.Errorf(u.ErrNotFound, "%s: no such manifest", id)
	case 1:
		return s.load(ctx, matches[0])
	default:
		return nil, u.Errorf(u.ErrNotFound, "%s: ambiguous manifest id; matches %s", id,
			strings.Join(matches, ", "))
	}
}
