// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data     []byte
	metadata map[string]string
	created  time.Time
}

// NewMemory returns a storage.Backend that stores all objects and their
// metadata in RAM.  It's really only useful for testing of code built on
// top of storage.Backend, where we may want to save the trouble of saving
// a bunch of stuff to disk.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memoryObject), now: time.Now}
}

// MemoryBackend is the in-memory Backend returned by NewMemory. It
// exposes a few hooks that tests use to control and observe it.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	now     func() time.Time
	puts    int
}

// SetClock replaces the function used to timestamp new objects.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Puts returns the number of Put calls made so far.
func (m *MemoryBackend) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Delete removes an object; it's used by tests to simulate data loss.
func (m *MemoryBackend) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Corrupt flips the bits of the byte at the given offset of an object.
func (m *MemoryBackend) Corrupt(key string, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[key]; ok && offset < len(o.data) {
		o.data[offset] ^= 0xff
	}
}

// String identifies the instance, since two MemoryBackends never share
// objects.
func (m *MemoryBackend) String() string {
	return fmt.Sprintf("memory %p", m)
}

func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[key] = memoryObject{
		data:     dupe(data),
		metadata: dupeMetadata(metadata),
		created:  m.now(),
	}
	return nil
}

func (m *MemoryBackend) GetProperties(ctx context.Context, key string) (Properties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return Properties{}, notFound(m, key)
	}
	return Properties{
		Size:     int64(len(o.data)),
		Metadata: dupeMetadata(o.metadata),
		Created:  o.created,
	}, nil
}

func (m *MemoryBackend) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, notFound(m, key)
	}
	return dupe(o.data), nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string, f func(ObjectInfo) error) error {
	m.mu.Lock()
	var infos []ObjectInfo
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			infos = append(infos, ObjectInfo{Key: k, Created: o.created})
		}
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(info); err != nil {
			return err
		}
	}
	return nil
}
