// Package metering tracks credit consumption per user and enforces plan
// limits. Checks are read-only; consumption is recorded once per chat turn
// after the model's usage is known.
package metering

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/observability"
)

const defaultPeriod = 30 * 24 * time.Hour

// Counter is a user's running credit total for the current period.
type Counter struct {
	UserID      string
	Plan        string // Empty = default plan.
	Used        float64
	PeriodStart time.Time
}

// Store is the persistence interface for usage data.
// Implemented by the storage backends.
type Store interface {
	// Counter returns the user's usage counter. A user with no recorded
	// usage yet gets a zero counter, not an error.
	Counter(ctx context.Context, userID string) (*Counter, error)

	// Commit atomically appends the turn and adds its credits to the user's
	// counter in one transaction. When rollover is set the counter restarts
	// at the turn's credits with the given period start.
	Commit(ctx context.Context, turn *domain.UsageTurn, rollover bool, periodStart time.Time) error

	// Turns returns the user's most recent usage turns, newest first.
	Turns(ctx context.Context, userID string, limit int) ([]*domain.UsageTurn, error)
}

// Availability is the result of a pre-flight credit check.
type Availability struct {
	Allowed   bool    `json:"allowed"`
	Reason    string  `json:"reason,omitempty"`
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
}

// Config configures plans and credit pricing.
type Config struct {
	Period      time.Duration      // Billing period length. Default: 30 days.
	Plans       map[string]float64 // Plan name to credit limit per period.
	DefaultPlan string             // Plan used for users without an assignment.
	Multipliers map[string]float64 // Model to credit multiplier. Absent = 1.0.
}

func (c Config) period() time.Duration {
	if c.Period > 0 {
		return c.Period
	}
	return defaultPeriod
}

// Record describes one completed model interaction to be charged.
type Record struct {
	UserID       string
	ProjectID    string
	Model        string
	CallType     string // "chat", "title", etc.
	InputTokens  int
	OutputTokens int
}

// Meter enforces plan limits and records consumption.
type Meter struct {
	store   Store
	config  Config
	logger  *slog.Logger
	metrics *observability.MetricsCollector // nil = metrics disabled
	now     func() time.Time
}

// NewMeter creates a usage meter.
func NewMeter(store Store, cfg Config, logger *slog.Logger) *Meter {
	return &Meter{
		store:  store,
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches the metrics collector.
func (m *Meter) WithMetrics(mc *observability.MetricsCollector) *Meter {
	m.metrics = mc
	return m
}

// CheckAvailability reports whether the user has credits left this period.
// Purely a read: a counter whose period has lapsed is treated as zero usage
// without being rewritten, so repeated checks never mutate state. The stored
// period start only moves when the next commit lands.
func (m *Meter) CheckAvailability(ctx context.Context, userID string) (*Availability, error) {
	counter, err := m.store.Counter(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading usage counter: %w", err)
	}

	used := counter.Used
	if m.rolledOver(counter.PeriodStart) {
		used = 0
	}

	limit := m.limitFor(counter.Plan)
	av := &Availability{
		Used:      used,
		Limit:     limit,
		Remaining: limit - used,
	}
	if used >= limit {
		av.Remaining = 0
		av.Reason = "credit limit exhausted for current period"
		return av, nil
	}
	av.Allowed = true
	return av, nil
}

// Deny converts a failed availability check into the domain error handlers
// surface to the client.
func (av *Availability) Deny() *domain.DeniedError {
	return &domain.DeniedError{
		Reason:    av.Reason,
		Used:      av.Used,
		Limit:     av.Limit,
		Remaining: av.Remaining,
	}
}

// Commit prices the record and persists it. Credits are charged at
// (input + output tokens) x the model's multiplier; models without a
// configured multiplier charge one credit per token.
func (m *Meter) Commit(ctx context.Context, rec Record) (*domain.UsageTurn, error) {
	credits := float64(rec.InputTokens+rec.OutputTokens) * m.multiplierFor(rec.Model)

	turn := &domain.UsageTurn{
		ID:             uuid.New(),
		UserID:         rec.UserID,
		ProjectID:      rec.ProjectID,
		Model:          rec.Model,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		CreditsCharged: credits,
		CallType:       rec.CallType,
		CreatedAt:      m.now(),
	}

	counter, err := m.store.Counter(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading usage counter: %w", err)
	}

	rollover := m.rolledOver(counter.PeriodStart)
	periodStart := counter.PeriodStart
	if rollover {
		periodStart = m.now()
	}

	if err := m.store.Commit(ctx, turn, rollover, periodStart); err != nil {
		if m.metrics != nil {
			m.metrics.CommitFailuresTotal.Inc()
		}
		return nil, fmt.Errorf("committing usage turn: %w", err)
	}

	if m.metrics != nil {
		m.metrics.TokensTotal.WithLabelValues(rec.Model, "input").Add(float64(rec.InputTokens))
		m.metrics.TokensTotal.WithLabelValues(rec.Model, "output").Add(float64(rec.OutputTokens))
		m.metrics.CreditsChargedTotal.WithLabelValues(rec.Model).Add(credits)
	}

	m.logger.InfoContext(ctx, "usage committed",
		slog.String("user_id", rec.UserID),
		slog.String("project_id", rec.ProjectID),
		slog.String("model", rec.Model),
		slog.Int("input_tokens", rec.InputTokens),
		slog.Int("output_tokens", rec.OutputTokens),
		slog.Float64("credits", credits),
	)
	return turn, nil
}

// Usage returns the user's current availability plus recent turns for the
// usage endpoint.
func (m *Meter) Usage(ctx context.Context, userID string, limit int) (*Availability, []*domain.UsageTurn, error) {
	av, err := m.CheckAvailability(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	turns, err := m.store.Turns(ctx, userID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("loading usage turns: %w", err)
	}
	return av, turns, nil
}

// rolledOver reports whether a counter's period has lapsed. A zero period
// start means the user has never committed usage.
func (m *Meter) rolledOver(periodStart time.Time) bool {
	if periodStart.IsZero() {
		return true
	}
	return !m.now().Before(periodStart.Add(m.config.period()))
}

func (m *Meter) limitFor(plan string) float64 {
	if plan == "" {
		plan = m.config.DefaultPlan
	}
	if limit, ok := m.config.Plans[plan]; ok {
		return limit
	}
	// Unknown plan: fall back to the default plan's limit rather than
	// locking the user out over a config mismatch.
	if limit, ok := m.config.Plans[m.config.DefaultPlan]; ok {
		return limit
	}
	return 0
}

func (m *Meter) multiplierFor(model string) float64 {
	if mult, ok := m.config.Multipliers[model]; ok {
		return mult
	}
	return 1.0
}
