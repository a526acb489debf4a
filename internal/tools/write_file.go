package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/jkaninda/kiwanda/internal/domain"
)

const maxWriteBytes = 10 << 20 // 10 MB

// WriteFileTool writes a file into the project's sandbox workspace.
type WriteFileTool struct {
	ws     Workspace
	logger *slog.Logger
}

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(ws Workspace, logger *slog.Logger) *WriteFileTool {
	return &WriteFileTool{ws: ws, logger: logger}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the project workspace"
}
func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Workspace-relative path of the file to write"},
			"content": map[string]any{"type": "string", "description": "Full content of the file"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Validate(params map[string]any) error {
	p, err := requireString(params, "path")
	if err != nil {
		return err
	}
	if _, err := workspacePath(p); err != nil {
		return err
	}
	content, ok := params["content"].(string)
	if !ok {
		return &domain.ValidationError{Field: "content", Detail: "must be a string"}
	}
	if len(content) > maxWriteBytes {
		return &domain.ValidationError{Field: "content", Detail: fmt.Sprintf("size %d exceeds limit %d bytes", len(content), maxWriteBytes)}
	}
	return nil
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	raw, _ := requireString(params, "path")
	content, _ := params["content"].(string)

	p, err := workspacePath(raw)
	if err != nil {
		return nil, err
	}

	projectID := ProjectIDFromContext(ctx)
	t.logger.InfoContext(ctx, "write_file executing",
		slog.String("project_id", projectID),
		slog.String("path", p),
		slog.Int("content_size", len(content)),
	)

	if err := t.ws.WriteFile(ctx, projectID, p, content); err != nil {
		return nil, err
	}

	return &Result{
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), p),
		Success: true,
		Metadata: map[string]any{
			"path":       p,
			"size_bytes": len(content),
		},
	}, nil
}

// workspacePath normalizes a workspace-relative path and rejects escapes.
// Cleaning before checking catches traversal hidden behind "a/../../b".
func workspacePath(raw string) (string, error) {
	if strings.HasPrefix(raw, "/") {
		return "", &domain.ValidationError{Field: "path", Detail: "must be workspace-relative, not absolute"}
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &domain.ValidationError{Field: "path", Detail: fmt.Sprintf("%q escapes the workspace", raw)}
	}
	return cleaned, nil
}

// requireString extracts a required non-empty string param.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", &domain.ValidationError{Field: key, Detail: "missing required parameter"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &domain.ValidationError{Field: key, Detail: fmt.Sprintf("must be a string, got %T", v)}
	}
	if s == "" {
		return "", &domain.ValidationError{Field: key, Detail: "must not be empty"}
	}
	return s, nil
}
