package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kiwanda/internal/sandbox"
)

// SnapshotRepository implements sandbox.SnapshotStore.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save upserts the file by (project, path).
func (r *SnapshotRepository) Save(ctx context.Context, snap *sandbox.FileSnapshot) error {
	m := FileSnapshotModel{
		ID:        uuid.New(),
		ProjectID: snap.ProjectID,
		Path:      snap.Path,
		Content:   snap.Content,
		UpdatedAt: snap.UpdatedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving file snapshot: %w", err)
	}
	return nil
}

// ListByProject returns all files for a project, ordered by path.
func (r *SnapshotRepository) ListByProject(ctx context.Context, projectID string) ([]*sandbox.FileSnapshot, error) {
	var models []FileSnapshotModel
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("path ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing file snapshots: %w", err)
	}

	snaps := make([]*sandbox.FileSnapshot, len(models))
	for i := range models {
		snaps[i] = toSnapshotDomain(&models[i])
	}
	return snaps, nil
}

// DeleteByProject removes all files for a project.
func (r *SnapshotRepository) DeleteByProject(ctx context.Context, projectID string) error {
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Delete(&FileSnapshotModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting file snapshots: %w", err)
	}
	return nil
}
