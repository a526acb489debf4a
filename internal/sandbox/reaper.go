package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically tears down handles whose idle window has closed.
// The provider reclaims the remote resource on its own; the reaper keeps the
// in-process registry from accumulating stale entries between requests.
type Reaper struct {
	manager *Manager
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewReaper creates a reaper sweeping at the given interval.
func NewReaper(m *Manager, logger *slog.Logger) *Reaper {
	return &Reaper{
		manager: m,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start schedules the sweep. Returns a stop function.
func (r *Reaper) Start(ctx context.Context, every time.Duration) (func(), error) {
	if every <= 0 {
		every = time.Minute
	}
	_, err := r.cron.AddFunc("@every "+every.String(), func() { r.sweep(ctx) })
	if err != nil {
		return nil, err
	}
	r.cron.Start()
	r.logger.Info("sandbox reaper started", slog.Duration("interval", every))
	return func() {
		<-r.cron.Stop().Done()
		r.logger.Info("sandbox reaper stopped")
	}, nil
}

func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now().UTC()
	idle := r.manager.IdleTimeout()

	for _, h := range r.manager.reg.Snapshot() {
		if !h.Expired(idle, now) {
			continue
		}
		r.logger.Info("reaping idle sandbox",
			slog.String("project_id", h.ProjectID),
			slog.String("sandbox_id", h.SandboxID),
			slog.Time("last_accessed_at", h.LastAccessedAt),
		)
		r.manager.Teardown(ctx, h.ProjectID)
	}
}
