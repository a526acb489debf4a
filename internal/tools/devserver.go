package tools

import (
	"context"
	"fmt"
	"log/slog"
)

const defaultDevCommand = "npm run dev"

// DevServerTool starts the project's dev server inside the sandbox. Starting
// an already-running server returns the existing process, so the model can
// call this freely after file changes.
type DevServerTool struct {
	ws     Workspace
	logger *slog.Logger
}

// NewDevServerTool creates the start_dev_server tool.
func NewDevServerTool(ws Workspace, logger *slog.Logger) *DevServerTool {
	return &DevServerTool{ws: ws, logger: logger}
}

func (t *DevServerTool) Name() string { return "start_dev_server" }
func (t *DevServerTool) Description() string {
	return "Start the project's development server, or report the already-running one"
}
func (t *DevServerTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Command to launch the server. Defaults to \"npm run dev\""},
		},
	}
}

func (t *DevServerTool) Validate(params map[string]any) error {
	if _, ok := params["command"]; ok {
		if _, err := requireString(params, "command"); err != nil {
			return err
		}
	}
	return nil
}

func (t *DevServerTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	command := defaultDevCommand
	if v, ok := params["command"].(string); ok && v != "" {
		command = v
	}

	projectID := ProjectIDFromContext(ctx)
	t.logger.InfoContext(ctx, "start_dev_server executing",
		slog.String("project_id", projectID),
		slog.String("command", command),
	)

	pid, err := t.ws.StartDevServer(ctx, projectID, command)
	if err != nil {
		return nil, err
	}

	return &Result{
		Output:  fmt.Sprintf("dev server running with pid %d", pid),
		Success: true,
		Metadata: map[string]any{
			"pid":     pid,
			"command": command,
		},
	}, nil
}
