package sandbox

import (
	"context"
	"time"
)

// FileSnapshot is the persisted copy of one workspace file. Sandboxes are
// disposable; snapshots are what survives a reclaim and seeds the replacement.
type FileSnapshot struct {
	ProjectID string
	Path      string
	Content   string
	UpdatedAt time.Time
}

// SnapshotStore persists workspace files per project.
// Implemented by the storage backends.
type SnapshotStore interface {
	// Save upserts the file by (project, path).
	Save(ctx context.Context, snap *FileSnapshot) error

	// ListByProject returns all files for a project, ordered by path.
	ListByProject(ctx context.Context, projectID string) ([]*FileSnapshot, error)

	// DeleteByProject removes all files for a project.
	DeleteByProject(ctx context.Context, projectID string) error
}
