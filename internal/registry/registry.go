// Package registry holds the process-wide map of live sandbox handles.
// It is the only shared mutable state in the orchestration subsystem:
// every other component is stateless given a handle.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Handle is the in-process reference to one live remote sandbox.
// Exclusively owned by the Registry; callers borrow it for the duration
// of an operation and must not retain it past that call.
type Handle struct {
	SandboxID      string
	ProjectID      string
	LastAccessedAt time.Time
	DevServerPID   int // 0 = no dev server launched yet.
}

// ExpiresAt returns the moment the provider's idle window closes,
// assuming no further touch.
func (h Handle) ExpiresAt(idleTimeout time.Duration) time.Time {
	return h.LastAccessedAt.Add(idleTimeout)
}

// Expired reports whether the handle's idle window has already closed.
func (h Handle) Expired(idleTimeout time.Duration, now time.Time) bool {
	return now.After(h.ExpiresAt(idleTimeout))
}

// entry is the per-project slot. Its mutex serializes read-modify-write
// for one project, including across slow provider calls, without blocking
// any other project.
type entry struct {
	mu     sync.Mutex
	handle *Handle // nil = no live sandbox.
	dead   bool    // entry removed from the map; holders must re-acquire.
}

// Registry maps projectID to the single live sandbox handle for that project.
// Concurrent access for different projects proceeds fully in parallel;
// access to the same project's entry is serialized.
type Registry struct {
	entries *xsync.MapOf[string, *entry]
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		entries: xsync.NewMapOf[string, *entry](),
		logger:  logger,
	}
}

// acquire returns the canonical live entry for a project with its lock held.
// Entries marked dead (concurrently removed) are retried so two callers can
// never hold locks on distinct entries for the same key.
func (r *Registry) acquire(projectID string) *entry {
	for {
		e, _ := r.entries.LoadOrCompute(projectID, func() *entry { return &entry{} })
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Get returns a copy of the project's handle, or false when absent.
// An empty slot materialized by the lookup itself is dropped again so
// probing unknown projects never grows the map.
func (r *Registry) Get(projectID string) (Handle, bool) {
	e := r.acquire(projectID)
	defer e.mu.Unlock()
	if e.handle == nil {
		r.drop(projectID, e)
		return Handle{}, false
	}
	return *e.handle, true
}

// Put stores a handle, replacing any existing entry for the project.
// Tearing down a replaced handle's remote resource is the caller's job.
func (r *Registry) Put(projectID string, h Handle) {
	e := r.acquire(projectID)
	defer e.mu.Unlock()
	if e.handle != nil && e.handle.SandboxID != h.SandboxID {
		r.logger.Warn("registry replacing live handle",
			slog.String("project_id", projectID),
			slog.String("old_sandbox_id", e.handle.SandboxID),
			slog.String("new_sandbox_id", h.SandboxID),
		)
	}
	e.handle = &h
}

// Touch refreshes the handle's last-access timestamp.
// No-op when the project has no live handle.
func (r *Registry) Touch(projectID string) bool {
	e := r.acquire(projectID)
	defer e.mu.Unlock()
	if e.handle == nil {
		r.drop(projectID, e)
		return false
	}
	e.handle.LastAccessedAt = time.Now().UTC()
	return true
}

// Remove deletes the project's entry. Idempotent.
func (r *Registry) Remove(projectID string) {
	e := r.acquire(projectID)
	defer e.mu.Unlock()
	r.drop(projectID, e)
}

// Update runs fn with the project's current handle (nil when absent) under
// the per-project lock. The handle fn returns becomes the new entry even when
// fn also returns an error; nil removes it. A failed provisioning step can
// therefore drop its stale handle and still propagate the failure. This is
// the atomic read-modify-write primitive the lifecycle manager uses, and fn
// may make slow provider calls — only callers for the same project wait.
func (r *Registry) Update(projectID string, fn func(cur *Handle) (*Handle, error)) error {
	e := r.acquire(projectID)
	defer e.mu.Unlock()

	next, err := fn(e.handle)
	if next == nil {
		r.drop(projectID, e)
		return err
	}
	e.handle = next
	return err
}

// drop removes the entry while its lock is held. Waiters see dead and
// re-acquire a fresh entry.
func (r *Registry) drop(projectID string, e *entry) {
	e.handle = nil
	e.dead = true
	r.entries.Delete(projectID)
}

// Snapshot returns copies of all live handles, for the idle reaper.
func (r *Registry) Snapshot() []Handle {
	var out []Handle
	r.entries.Range(func(projectID string, e *entry) bool {
		e.mu.Lock()
		if e.handle != nil && !e.dead {
			out = append(out, *e.handle)
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}
