package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kiwanda/internal/domain"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 5 * time.Minute
)

// RunCommandTool runs a shell command inside the project's sandbox.
type RunCommandTool struct {
	ws     Workspace
	logger *slog.Logger
}

// NewRunCommandTool creates the run_command tool.
func NewRunCommandTool(ws Workspace, logger *slog.Logger) *RunCommandTool {
	return &RunCommandTool{ws: ws, logger: logger}
}

func (t *RunCommandTool) Name() string { return "run_command" }
func (t *RunCommandTool) Description() string {
	return "Run a shell command in the project workspace and return its output"
}
func (t *RunCommandTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":    map[string]any{"type": "string", "description": "Shell command to execute"},
			"timeout_ms": map[string]any{"type": "integer", "description": "Timeout in milliseconds, capped at 300000. Defaults to 60000"},
		},
		"required": []string{"command"},
	}
}

func (t *RunCommandTool) Validate(params map[string]any) error {
	if _, err := requireString(params, "command"); err != nil {
		return err
	}
	if v, ok := params["timeout_ms"]; ok {
		if _, err := toTimeout(v); err != nil {
			return err
		}
	}
	return nil
}

func (t *RunCommandTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	command, _ := requireString(params, "command")
	timeout := defaultCommandTimeout
	if v, ok := params["timeout_ms"]; ok {
		timeout, _ = toTimeout(v)
	}

	projectID := ProjectIDFromContext(ctx)
	t.logger.InfoContext(ctx, "run_command executing",
		slog.String("project_id", projectID),
		slog.String("command", command),
		slog.Duration("timeout", timeout),
	)

	res, err := t.ws.Exec(ctx, projectID, command, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Op: "run_command", Timeout: timeout}
		}
		return nil, err
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\n--- stderr ---\n" + res.Stderr
	}

	return &Result{
		Output:  TruncateOutput(output, MaxOutputBytes),
		Success: res.ExitCode == 0,
		Metadata: map[string]any{
			"exit_code": res.ExitCode,
		},
	}, nil
}

// toTimeout converts a JSON number into a bounded command timeout.
func toTimeout(v any) (time.Duration, error) {
	var ms int64
	switch n := v.(type) {
	case float64:
		ms = int64(n)
	case int:
		ms = int64(n)
	default:
		return 0, &domain.ValidationError{Field: "timeout_ms", Detail: fmt.Sprintf("must be a number, got %T", v)}
	}
	if ms <= 0 {
		return 0, &domain.ValidationError{Field: "timeout_ms", Detail: "must be positive"}
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxCommandTimeout {
		d = maxCommandTimeout
	}
	return d, nil
}
