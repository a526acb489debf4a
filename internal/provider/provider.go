// Package provider is the only surface through which the system talks to the
// external sandbox provider. Everything above it consumes the API interface,
// so tests can substitute a fake without network access.
package provider

import (
	"context"
	"time"
)

// CreateConfig is passed to the provider when provisioning a sandbox.
type CreateConfig struct {
	Template  string            `json:"template,omitempty"`
	ProjectID string            `json:"project_id"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Sandbox is the provider's view of one provisioned environment.
type Sandbox struct {
	ID string `json:"id"`
}

// CommandResult captures the outcome of a command run inside a sandbox.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	PID      int    `json:"pid,omitempty"` // Set for background processes.
}

// API is the sandbox provider contract.
//
// Errors are classified: transient failures (network, 5xx, 429) wrap
// domain.ErrProviderUnavailable so callers can distinguish retryable
// conditions from terminal ones.
type API interface {
	// Create provisions a fresh sandbox. Slow — seconds, not milliseconds.
	Create(ctx context.Context, cfg CreateConfig) (*Sandbox, error)

	// RunCommand executes a shell command inside the sandbox with a bounded
	// timeout enforced provider-side.
	RunCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*CommandResult, error)

	// WriteFile writes content to a path inside the sandbox filesystem.
	WriteFile(ctx context.Context, sandboxID, path, content string) error

	// ExtendTimeout pushes back the sandbox's provider-side idle timeout.
	ExtendTimeout(ctx context.Context, sandboxID string, extension time.Duration) error

	// Destroy releases the sandbox. Best-effort; the provider's own idle
	// timeout reclaims the resource eventually regardless.
	Destroy(ctx context.Context, sandboxID string) error
}
