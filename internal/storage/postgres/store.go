package postgres

import (
	"context"
	"log/slog"

	"github.com/jkaninda/kiwanda/internal/metering"
	"github.com/jkaninda/kiwanda/internal/sandbox"
	"github.com/jkaninda/kiwanda/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db        *DB
	usage     *UsageRepository
	snapshots *SnapshotRepository
}

// NewStore opens the database and wires the repositories.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:        db,
		usage:     NewUsageRepository(db.GormDB()),
		snapshots: NewSnapshotRepository(db.GormDB()),
	}, nil
}

func (s *Store) Usage() metering.Store            { return s.usage }
func (s *Store) Snapshots() sandbox.SnapshotStore { return s.snapshots }
func (s *Store) Migrate(_ context.Context) error  { return AutoMigrate(s.db.GormDB()) }
func (s *Store) Ping(ctx context.Context) error   { return s.db.Ping(ctx) }
func (s *Store) Close() error                     { return s.db.Close() }
func (s *Store) Driver() string                   { return storage.DriverPostgres }
