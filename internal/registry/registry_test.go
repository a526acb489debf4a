package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestGetAbsent(t *testing.T) {
	r := newTestRegistry()
	if _, ok := r.Get("p1"); ok {
		t.Fatal("expected absent handle")
	}
}

func TestPutGetRemove(t *testing.T) {
	r := newTestRegistry()
	r.Put("p1", Handle{SandboxID: "sbx-1", ProjectID: "p1", LastAccessedAt: time.Now().UTC()})

	h, ok := r.Get("p1")
	if !ok {
		t.Fatal("expected handle after Put")
	}
	if h.SandboxID != "sbx-1" {
		t.Errorf("SandboxID = %q, want %q", h.SandboxID, "sbx-1")
	}

	r.Remove("p1")
	if _, ok := r.Get("p1"); ok {
		t.Fatal("expected absent handle after Remove")
	}
	// Remove is idempotent.
	r.Remove("p1")
}

func TestTouch(t *testing.T) {
	r := newTestRegistry()
	if r.Touch("p1") {
		t.Fatal("Touch on absent project should be a no-op")
	}

	old := time.Now().UTC().Add(-time.Minute)
	r.Put("p1", Handle{SandboxID: "sbx-1", ProjectID: "p1", LastAccessedAt: old})
	if !r.Touch("p1") {
		t.Fatal("Touch on live handle should succeed")
	}
	h, _ := r.Get("p1")
	if !h.LastAccessedAt.After(old) {
		t.Error("Touch did not refresh LastAccessedAt")
	}
}

func TestExpired(t *testing.T) {
	h := Handle{LastAccessedAt: time.Now().UTC().Add(-11 * time.Minute)}
	if !h.Expired(10*time.Minute, time.Now().UTC()) {
		t.Error("handle past the idle window should be expired")
	}
	h.LastAccessedAt = time.Now().UTC()
	if h.Expired(10*time.Minute, time.Now().UTC()) {
		t.Error("fresh handle should not be expired")
	}
}

// TestUpdateSingleCreation verifies that concurrent Update calls for the same
// project serialize: exactly one caller observes an absent handle and creates,
// all others observe the created handle. No duplicate sandboxes.
func TestUpdateSingleCreation(t *testing.T) {
	r := newTestRegistry()

	var creations atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Update("p1", func(cur *Handle) (*Handle, error) {
				if cur != nil {
					cur.LastAccessedAt = time.Now().UTC()
					return cur, nil
				}
				creations.Add(1)
				return &Handle{
					SandboxID:      fmt.Sprintf("sbx-%d", i),
					ProjectID:      "p1",
					LastAccessedAt: time.Now().UTC(),
				}, nil
			})
		}(i)
	}
	wg.Wait()

	if got := creations.Load(); got != 1 {
		t.Errorf("creations = %d, want exactly 1", got)
	}
	if _, ok := r.Get("p1"); !ok {
		t.Fatal("expected a live handle after concurrent updates")
	}
}

// A failed Update that returns nil must remove the entry alongside the error:
// the lifecycle manager relies on this to drop a handle it already destroyed
// when the replacement provisioning fails.
func TestUpdateErrorWithNilRemoves(t *testing.T) {
	r := newTestRegistry()
	r.Put("p1", Handle{SandboxID: "sbx-1", ProjectID: "p1"})

	wantErr := errors.New("provider down")
	err := r.Update("p1", func(cur *Handle) (*Handle, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if _, ok := r.Get("p1"); ok {
		t.Error("entry should be removed when fn returns nil with an error")
	}
}

func TestUpdateErrorWithHandleKeeps(t *testing.T) {
	r := newTestRegistry()
	r.Put("p1", Handle{SandboxID: "sbx-1", ProjectID: "p1"})

	err := r.Update("p1", func(cur *Handle) (*Handle, error) {
		return cur, errors.New("command failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if h, ok := r.Get("p1"); !ok || h.SandboxID != "sbx-1" {
		t.Error("entry should survive when fn returns the current handle with an error")
	}
}

// Probing projects that never had a sandbox must not grow the map.
func TestAbsentLookupsLeaveNoEntry(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 10; i++ {
		r.Get(fmt.Sprintf("unknown-%d", i))
		r.Touch(fmt.Sprintf("unknown-%d", i))
	}
	if got := r.entries.Size(); got != 0 {
		t.Errorf("map size = %d after absent lookups, want 0", got)
	}
}

func TestUpdateNilRemoves(t *testing.T) {
	r := newTestRegistry()
	r.Put("p1", Handle{SandboxID: "sbx-1", ProjectID: "p1"})

	_ = r.Update("p1", func(cur *Handle) (*Handle, error) { return nil, nil })
	if _, ok := r.Get("p1"); ok {
		t.Fatal("Update returning nil should remove the entry")
	}
	// The project slot must remain usable after removal.
	r.Put("p1", Handle{SandboxID: "sbx-2", ProjectID: "p1"})
	if h, _ := r.Get("p1"); h.SandboxID != "sbx-2" {
		t.Error("entry not usable after remove/recreate")
	}
}

// Different projects must not serialize against each other, even while one
// project's Update is slow.
func TestUpdateIndependentProjects(t *testing.T) {
	r := newTestRegistry()

	slowEntered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = r.Update("slow", func(cur *Handle) (*Handle, error) {
			close(slowEntered)
			<-release
			return &Handle{SandboxID: "sbx-slow", ProjectID: "slow"}, nil
		})
		close(done)
	}()

	<-slowEntered
	fastDone := make(chan struct{})
	go func() {
		r.Put("fast", Handle{SandboxID: "sbx-fast", ProjectID: "fast"})
		close(fastDone)
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("operation on unrelated project blocked behind slow Update")
	}
	close(release)
	<-done
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry()
	r.Put("p1", Handle{SandboxID: "sbx-1", ProjectID: "p1"})
	r.Put("p2", Handle{SandboxID: "sbx-2", ProjectID: "p2"})
	if got := r.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	r.Remove("p1")
	if got := r.Len(); got != 1 {
		t.Errorf("Len after Remove = %d, want 1", got)
	}
}
