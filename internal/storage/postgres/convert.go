package postgres

import (
	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/metering"
	"github.com/jkaninda/kiwanda/internal/sandbox"
)

// Converters between GORM models and domain types. Models never leak out of
// this package.

func toCounterDomain(m *UsageCounterModel) *metering.Counter {
	return &metering.Counter{
		UserID:      m.UserID,
		Plan:        m.Plan,
		Used:        m.Used,
		PeriodStart: m.PeriodStart,
	}
}

func toTurnModel(t *domain.UsageTurn) *UsageTurnModel {
	return &UsageTurnModel{
		ID:             t.ID,
		UserID:         t.UserID,
		ProjectID:      t.ProjectID,
		Model:          t.Model,
		InputTokens:    t.InputTokens,
		OutputTokens:   t.OutputTokens,
		CreditsCharged: t.CreditsCharged,
		CallType:       t.CallType,
		CreatedAt:      t.CreatedAt,
	}
}

func toTurnDomain(m *UsageTurnModel) *domain.UsageTurn {
	return &domain.UsageTurn{
		ID:             m.ID,
		UserID:         m.UserID,
		ProjectID:      m.ProjectID,
		Model:          m.Model,
		InputTokens:    m.InputTokens,
		OutputTokens:   m.OutputTokens,
		CreditsCharged: m.CreditsCharged,
		CallType:       m.CallType,
		CreatedAt:      m.CreatedAt,
	}
}

func toSnapshotDomain(m *FileSnapshotModel) *sandbox.FileSnapshot {
	return &sandbox.FileSnapshot{
		ProjectID: m.ProjectID,
		Path:      m.Path,
		Content:   m.Content,
		UpdatedAt: m.UpdatedAt,
	}
}
