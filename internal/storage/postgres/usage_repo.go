package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/metering"
)

// UsageRepository implements metering.Store.
// Commit uses SELECT ... FOR UPDATE so concurrent turns for one user
// serialize on the counter row.
type UsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a UsageRepository.
func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Counter returns the user's usage counter, or a zero counter when the user
// has never committed usage.
func (r *UsageRepository) Counter(ctx context.Context, userID string) (*metering.Counter, error) {
	var m UsageCounterModel
	err := r.db.WithContext(ctx).
		First(&m, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &metering.Counter{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up usage counter: %w", err)
	}
	return toCounterDomain(&m), nil
}

// Commit appends the turn and updates the counter in one transaction.
func (r *UsageRepository) Commit(ctx context.Context, turn *domain.UsageTurn, rollover bool, periodStart time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter UsageCounterModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&counter, "user_id = ?", turn.UserID).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			counter = UsageCounterModel{
				UserID:      turn.UserID,
				Used:        turn.CreditsCharged,
				PeriodStart: periodStart,
			}
			if err := tx.Create(&counter).Error; err != nil {
				return fmt.Errorf("creating usage counter: %w", err)
			}
		case err != nil:
			return fmt.Errorf("locking usage counter: %w", err)
		default:
			if rollover {
				counter.Used = turn.CreditsCharged
				counter.PeriodStart = periodStart
			} else {
				counter.Used += turn.CreditsCharged
			}
			if err := tx.Model(&UsageCounterModel{}).
				Where("user_id = ?", turn.UserID).
				Updates(map[string]any{
					"used":         counter.Used,
					"period_start": counter.PeriodStart,
				}).Error; err != nil {
				return fmt.Errorf("updating usage counter: %w", err)
			}
		}

		if err := tx.Create(toTurnModel(turn)).Error; err != nil {
			return fmt.Errorf("appending usage turn: %w", err)
		}
		return nil
	})
}

// Turns returns the user's most recent turns, newest first.
func (r *UsageRepository) Turns(ctx context.Context, userID string, limit int) ([]*domain.UsageTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []UsageTurnModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing usage turns: %w", err)
	}

	turns := make([]*domain.UsageTurn, len(models))
	for i := range models {
		turns[i] = toTurnDomain(&models[i])
	}
	return turns, nil
}
