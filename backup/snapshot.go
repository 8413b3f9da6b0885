// backup/snapshot.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import "context"

// Snapshot is a point-in-time view of a volume. Path is where the view's
// contents can be read from.
type Snapshot struct {
	Volume string
	Path   string
}

// Snapshotter creates and deletes volume snapshots. Every snapshot that
// Create returns is passed to Delete once the backup is done with it,
// whether or not the backup succeeded.
type Snapshotter interface {
	Create(ctx context.Context, volume string) (Snapshot, error)
	Delete(ctx context.Context, s Snapshot) error
}

// DirectSnapshotter reads the live volume; it's for filesystems that
// can't take snapshots.
type DirectSnapshotter struct{}

func (DirectSnapshotter) Create(ctx context.Context, volume string) (Snapshot, error) {
	return Snapshot{Volume: volume, Path: volume}, ctx.Err()
}

func (DirectSnapshotter) Delete(ctx context.Context, s Snapshot) error {
	return nil
}
