// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolCallStatus is the lifecycle state of a single tool invocation.
// Transitions are forward-only: running → success or running → error.
type ToolCallStatus string

const (
	ToolCallRunning ToolCallStatus = "running"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall is one operation requested by the model mid-stream.
// It is created when the model emits a tool_use block, mutated exactly once
// by the tool executor on completion, and retained for the lifetime of the
// conversation turn for display and audit.
type ToolCall struct {
	ID          string
	Name        string // "write_file", "run_command", "install_dependencies", "start_dev_server".
	Status      ToolCallStatus
	Args        map[string]any
	Result      string // Captured output on success.
	Error       string // Error message on failure.
	StartedAt   time.Time
	CompletedAt *time.Time // Set iff Status != running.
}

// Complete transitions the call to a terminal status.
// A call that already reached a terminal status is never overwritten —
// exactly one terminal status per call.
func (t *ToolCall) Complete(status ToolCallStatus, result, errMsg string) {
	if t.Status != ToolCallRunning {
		return
	}
	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &now
}

// Terminal reports whether the call reached success or error.
func (t *ToolCall) Terminal() bool {
	return t.Status != ToolCallRunning
}

// UsageTurn is one accounted unit of model consumption.
// Created exactly once, after the model stream has fully resolved
// (success or terminal error with partial output). Immutable after creation.
type UsageTurn struct {
	ID             uuid.UUID
	UserID         string
	ProjectID      string
	Model          string
	InputTokens    int
	OutputTokens   int
	CreditsCharged float64 // Derived via the model-specific multiplier table.
	CallType       string  // "chat", "install", etc.
	CreatedAt      time.Time
}

// Tier is the user-selected quality/cost preference for model selection.
type Tier string

const (
	TierFast   Tier = "fast"
	TierExpert Tier = "expert"
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	return t == TierFast || t == TierExpert
}

// --- Error taxonomy ---

// ErrProviderUnavailable marks transient sandbox/model provider failures.
// Callers may retry; heartbeats absorb it silently.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrSandboxNotFound is returned when no live sandbox exists for a project.
var ErrSandboxNotFound = errors.New("sandbox not found")

// DeniedError is returned when the pre-flight credit check fails.
// Carries the availability figures so the caller can explain the denial.
type DeniedError struct {
	Reason    string
	Used      float64
	Limit     float64
	Remaining float64
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("usage denied: %s (used %.2f of %.2f credits)", e.Reason, e.Used, e.Limit)
}

// TimeoutError is returned when a sandbox operation exceeded its bounded ceiling.
// Never retried by this subsystem.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// ValidationError is returned for malformed tool arguments.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}
