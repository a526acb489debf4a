// Package sandbox manages the lifecycle of remote execution environments:
// lazy creation, heartbeat-driven keep-alive, and teardown. It is the only
// component allowed to call the sandbox provider API.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/observability"
	"github.com/jkaninda/kiwanda/internal/provider"
	"github.com/jkaninda/kiwanda/internal/registry"
)

const (
	defaultIdleTimeout       = 10 * time.Minute
	defaultHeartbeatInterval = 5 * time.Minute
	defaultTemplate          = "node-dev"
)

// Config configures the lifecycle manager.
type Config struct {
	IdleTimeout       time.Duration // Provider-side idle window. Default: 10m.
	HeartbeatInterval time.Duration // Expected client heartbeat cadence. Default: 5m.
	Template          string        // Provider template for new sandboxes.
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

func (c Config) template() string {
	if c.Template != "" {
		return c.Template
	}
	return defaultTemplate
}

// Manager owns sandbox lifecycle transitions. The registry serializes
// same-project calls, so a slow Create for one project never blocks another.
type Manager struct {
	reg       *registry.Registry
	api       provider.API
	config    Config
	logger    *slog.Logger
	metrics   *observability.MetricsCollector // nil = metrics disabled
	snapshots SnapshotStore                   // nil = no workspace persistence
}

// NewManager creates a lifecycle manager.
func NewManager(reg *registry.Registry, api provider.API, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		reg:    reg,
		api:    api,
		config: cfg,
		logger: logger,
	}
}

// WithMetrics attaches the metrics collector.
func (m *Manager) WithMetrics(mc *observability.MetricsCollector) *Manager {
	m.metrics = mc
	return m
}

// WithSnapshots enables workspace persistence: file writes are recorded and
// replayed into replacement sandboxes.
func (m *Manager) WithSnapshots(store SnapshotStore) *Manager {
	m.snapshots = store
	return m
}

// IdleTimeout exposes the effective idle window (reaper and handlers need it).
func (m *Manager) IdleTimeout() time.Duration {
	return m.config.idleTimeout()
}

// GetOrCreate returns the project's live handle, provisioning a fresh sandbox
// when none exists or the known one is past its idle window. The whole
// read-check-provision sequence runs under the project's registry lock, so
// two concurrent callers cannot both provision.
func (m *Manager) GetOrCreate(ctx context.Context, projectID string) (registry.Handle, error) {
	var out registry.Handle
	err := m.reg.Update(projectID, func(cur *registry.Handle) (*registry.Handle, error) {
		now := time.Now().UTC()

		if cur != nil && !cur.Expired(m.config.idleTimeout(), now) {
			cur.LastAccessedAt = now
			out = *cur
			return cur, nil
		}

		// Expired handle: release the remote resource before replacing so a
		// re-provision never leaks a duplicate sandbox provider-side.
		if cur != nil {
			m.destroyQuietly(ctx, cur.SandboxID, projectID)
		}

		start := time.Now()
		sbx, err := m.api.Create(ctx, provider.CreateConfig{
			Template:  m.config.template(),
			ProjectID: projectID,
			TimeoutMs: m.config.idleTimeout().Milliseconds(),
		})
		if err != nil {
			m.observeOp("create", "error", time.Since(start))
			// Entry is removed; the next call retries provisioning.
			return nil, fmt.Errorf("provisioning sandbox for project %s: %w", projectID, err)
		}
		m.observeOp("create", "success", time.Since(start))

		m.logger.Info("sandbox provisioned",
			slog.String("project_id", projectID),
			slog.String("sandbox_id", sbx.ID),
			slog.Duration("took", time.Since(start)),
		)

		m.restoreWorkspace(ctx, projectID, sbx.ID)

		h := &registry.Handle{
			SandboxID:      sbx.ID,
			ProjectID:      projectID,
			LastAccessedAt: now,
		}
		out = *h
		return h, nil
	})
	if err != nil {
		return registry.Handle{}, err
	}
	return out, nil
}

// KeepAlive asks the provider to push back the sandbox's idle timeout.
// Soft-failure by contract: returns false on any failure and never an error —
// the heartbeat cadence leaves room for one missed extension (the idle window
// is at least twice the heartbeat interval, checked at startup).
func (m *Manager) KeepAlive(ctx context.Context, projectID string, extension time.Duration) bool {
	h, ok := m.reg.Get(projectID)
	if !ok {
		return false
	}
	if extension <= 0 {
		extension = m.config.idleTimeout()
	}

	start := time.Now()
	err := m.api.ExtendTimeout(ctx, h.SandboxID, extension)
	switch {
	case err == nil:
		m.observeOp("extend", "success", time.Since(start))
		m.reg.Touch(projectID)
		return true
	case errors.Is(err, domain.ErrSandboxNotFound):
		// Provider already reclaimed it; drop the stale handle so the next
		// operation re-provisions.
		m.observeOp("extend", "gone", time.Since(start))
		m.logger.Info("sandbox gone during keep-alive",
			slog.String("project_id", projectID),
			slog.String("sandbox_id", h.SandboxID),
		)
		m.reg.Remove(projectID)
		return false
	default:
		m.observeOp("extend", "error", time.Since(start))
		m.logger.Warn("keep-alive extension failed",
			slog.String("project_id", projectID),
			slog.String("sandbox_id", h.SandboxID),
			slog.String("error", err.Error()),
		)
		return false
	}
}

// Teardown removes the project's registry entry, best-effort releases the
// remote resource, and drops the persisted workspace so a reused project ID
// starts from an empty sandbox. Provider failures are logged, not propagated:
// the provider's own idle timeout reclaims the sandbox regardless.
func (m *Manager) Teardown(ctx context.Context, projectID string) {
	_ = m.reg.Update(projectID, func(cur *registry.Handle) (*registry.Handle, error) {
		if cur != nil {
			m.destroyQuietly(ctx, cur.SandboxID, projectID)
		}
		return nil, nil
	})

	if m.snapshots != nil {
		if err := m.snapshots.DeleteByProject(ctx, projectID); err != nil {
			m.logger.Warn("workspace snapshot delete failed",
				slog.String("project_id", projectID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Touch refreshes the project's last-access timestamp after any operation.
func (m *Manager) Touch(projectID string) {
	m.reg.Touch(projectID)
}

// Exec runs a command in the project's sandbox, provisioning one first when
// needed. A handle that turns out to be stale provider-side is dropped so the
// next call re-provisions.
func (m *Manager) Exec(ctx context.Context, projectID, command string, timeout time.Duration) (*provider.CommandResult, error) {
	h, err := m.GetOrCreate(ctx, projectID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.api.RunCommand(ctx, h.SandboxID, command, timeout)
	if err != nil {
		if errors.Is(err, domain.ErrSandboxNotFound) {
			m.reg.Remove(projectID)
		}
		m.observeOp("exec", "error", time.Since(start))
		return nil, err
	}
	m.observeOp("exec", "success", time.Since(start))
	m.reg.Touch(projectID)
	return res, nil
}

// WriteFile writes content into the project's sandbox filesystem.
func (m *Manager) WriteFile(ctx context.Context, projectID, path, content string) error {
	h, err := m.GetOrCreate(ctx, projectID)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := m.api.WriteFile(ctx, h.SandboxID, path, content); err != nil {
		if errors.Is(err, domain.ErrSandboxNotFound) {
			m.reg.Remove(projectID)
		}
		m.observeOp("write_file", "error", time.Since(start))
		return err
	}
	m.observeOp("write_file", "success", time.Since(start))
	m.reg.Touch(projectID)

	if m.snapshots != nil {
		snap := &FileSnapshot{
			ProjectID: projectID,
			Path:      path,
			Content:   content,
			UpdatedAt: time.Now().UTC(),
		}
		if err := m.snapshots.Save(ctx, snap); err != nil {
			// The sandbox write already landed; losing the snapshot only
			// costs durability across the next reclaim.
			m.logger.Warn("workspace snapshot failed",
				slog.String("project_id", projectID),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// restoreWorkspace replays persisted files into a freshly provisioned sandbox.
// Best-effort: a partial restore is still a better starting point than an
// empty workspace.
func (m *Manager) restoreWorkspace(ctx context.Context, projectID, sandboxID string) {
	if m.snapshots == nil {
		return
	}
	snaps, err := m.snapshots.ListByProject(ctx, projectID)
	if err != nil {
		m.logger.Warn("workspace restore skipped",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		return
	}
	restored := 0
	for _, snap := range snaps {
		if err := m.api.WriteFile(ctx, sandboxID, snap.Path, snap.Content); err != nil {
			m.logger.Warn("workspace restore write failed",
				slog.String("project_id", projectID),
				slog.String("path", snap.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	if restored > 0 {
		m.logger.Info("workspace restored",
			slog.String("project_id", projectID),
			slog.String("sandbox_id", sandboxID),
			slog.Int("files", restored),
		)
	}
}

// StartDevServer launches a long-running dev server inside the sandbox and
// records its PID on the handle. A second call while one is already recorded
// is a no-op returning the existing PID.
func (m *Manager) StartDevServer(ctx context.Context, projectID, command string) (int, error) {
	if _, err := m.GetOrCreate(ctx, projectID); err != nil {
		return 0, err
	}

	var pid int
	err := m.reg.Update(projectID, func(cur *registry.Handle) (*registry.Handle, error) {
		if cur == nil {
			return nil, domain.ErrSandboxNotFound
		}
		if cur.DevServerPID != 0 {
			pid = cur.DevServerPID
			return cur, nil
		}
		res, err := m.api.RunCommand(ctx, cur.SandboxID, command, 30*time.Second)
		if err != nil {
			return cur, fmt.Errorf("starting dev server: %w", err)
		}
		cur.DevServerPID = res.PID
		cur.LastAccessedAt = time.Now().UTC()
		pid = res.PID
		return cur, nil
	})
	return pid, err
}

func (m *Manager) destroyQuietly(ctx context.Context, sandboxID, projectID string) {
	if err := m.api.Destroy(ctx, sandboxID); err != nil {
		m.logger.Warn("sandbox destroy failed",
			slog.String("project_id", projectID),
			slog.String("sandbox_id", sandboxID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("sandbox destroyed",
		slog.String("project_id", projectID),
		slog.String("sandbox_id", sandboxID),
	)
}

func (m *Manager) observeOp(op, status string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.SandboxOpsTotal.WithLabelValues(op, status).Inc()
	m.metrics.SandboxOpDuration.WithLabelValues(op).Observe(d.Seconds())
}
