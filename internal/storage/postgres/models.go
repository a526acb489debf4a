package postgres

import (
	"time"

	"github.com/google/uuid"
)

// UsageCounterModel maps to the "usage_counters" table.
// One row per user holding the running credit total for the current period.
type UsageCounterModel struct {
	UserID      string    `gorm:"primaryKey"`
	Plan        string    `gorm:"not null;default:''"`
	Used        float64   `gorm:"type:numeric(18,6);not null;default:0"`
	PeriodStart time.Time `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (UsageCounterModel) TableName() string { return "usage_counters" }

// UsageTurnModel maps to the "usage_turns" table, the append-only charge log.
type UsageTurnModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index"`
	ProjectID      string    `gorm:"not null;index"`
	Model          string    `gorm:"not null"`
	InputTokens    int       `gorm:"not null"`
	OutputTokens   int       `gorm:"not null"`
	CreditsCharged float64   `gorm:"type:numeric(18,6);not null"`
	CallType       string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"index"`
}

func (UsageTurnModel) TableName() string { return "usage_turns" }

// FileSnapshotModel maps to the "file_snapshots" table.
// Workspace files persisted across sandbox lifetimes, unique per (project, path).
type FileSnapshotModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID string    `gorm:"not null;uniqueIndex:idx_snapshot_project_path"`
	Path      string    `gorm:"not null;uniqueIndex:idx_snapshot_project_path"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (FileSnapshotModel) TableName() string { return "file_snapshots" }
