package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/provider"
)

type fakeWorkspace struct {
	execCommand string
	execTimeout time.Duration
	execResult  *provider.CommandResult
	execErr     error

	wroteProject string
	wrotePath    string
	wroteContent string
	writeErr     error

	devPID int
	devErr error
}

func (f *fakeWorkspace) Exec(_ context.Context, _ string, command string, timeout time.Duration) (*provider.CommandResult, error) {
	f.execCommand = command
	f.execTimeout = timeout
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execResult != nil {
		return f.execResult, nil
	}
	return &provider.CommandResult{Stdout: "ok", ExitCode: 0}, nil
}

func (f *fakeWorkspace) WriteFile(_ context.Context, projectID, path, content string) error {
	f.wroteProject = projectID
	f.wrotePath = path
	f.wroteContent = content
	return f.writeErr
}

func (f *fakeWorkspace) StartDevServer(_ context.Context, _, _ string) (int, error) {
	if f.devErr != nil {
		return 0, f.devErr
	}
	if f.devPID == 0 {
		f.devPID = 4321
	}
	return f.devPID, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func projectCtx(projectID string) context.Context {
	return ContextWithProjectID(context.Background(), projectID)
}

func TestPartitionPackages(t *testing.T) {
	tests := []struct {
		name         string
		packages     []string
		wantValid    []string
		wantRejected []string
	}{
		{
			name:         "mixed batch",
			packages:     []string{"lodash", "@scope/pkg", "bad name!", "../evil"},
			wantValid:    []string{"lodash", "@scope/pkg"},
			wantRejected: []string{"bad name!", "../evil"},
		},
		{
			name:      "dots underscores hyphens",
			packages:  []string{"socket.io", "lodash_v4", "date-fns"},
			wantValid: []string{"socket.io", "lodash_v4", "date-fns"},
		},
		{
			name:         "shell injection",
			packages:     []string{"lodash; rm -rf /", "$(whoami)", "a|b"},
			wantRejected: []string{"lodash; rm -rf /", "$(whoami)", "a|b"},
		},
		{
			name:         "overlong name",
			packages:     []string{strings.Repeat("a", 215)},
			wantRejected: []string{strings.Repeat("a", 215)},
		},
		{
			name:      "name at length limit",
			packages:  []string{strings.Repeat("a", 214)},
			wantValid: []string{strings.Repeat("a", 214)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, rejected := partitionPackages(tt.packages)
			if !reflect.DeepEqual(valid, tt.wantValid) {
				t.Errorf("valid = %v, want %v", valid, tt.wantValid)
			}
			if !reflect.DeepEqual(rejected, tt.wantRejected) {
				t.Errorf("rejected = %v, want %v", rejected, tt.wantRejected)
			}
		})
	}
}

func TestInstallMixedBatch(t *testing.T) {
	ws := &fakeWorkspace{}
	tool := NewInstallTool(ws, testLogger())

	params := map[string]any{"packages": []any{"lodash", "@scope/pkg", "bad name!", "../evil"}}
	if err := tool.Validate(params); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := tool.Execute(projectCtx("p1"), params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(ws.execCommand, "lodash @scope/pkg") {
		t.Errorf("command = %q, want valid packages only", ws.execCommand)
	}
	if strings.Contains(ws.execCommand, "evil") || strings.Contains(ws.execCommand, "bad") {
		t.Errorf("command %q contains rejected names", ws.execCommand)
	}
	if got := res.Metadata["installed"]; !reflect.DeepEqual(got, []string{"lodash", "@scope/pkg"}) {
		t.Errorf("installed = %v", got)
	}
	if got := res.Metadata["rejected"]; !reflect.DeepEqual(got, []string{"bad name!", "../evil"}) {
		t.Errorf("rejected = %v", got)
	}
}

func TestInstallAllInvalid(t *testing.T) {
	ws := &fakeWorkspace{}
	tool := NewInstallTool(ws, testLogger())

	params := map[string]any{"packages": []any{"bad name!", "../evil"}}
	if err := tool.Validate(params); err == nil {
		t.Error("Validate: expected error for all-invalid batch")
	}
	if _, err := tool.Execute(projectCtx("p1"), params); err == nil {
		t.Error("Execute: expected error for all-invalid batch")
	}
	if ws.execCommand != "" {
		t.Errorf("sandbox was reached with command %q", ws.execCommand)
	}
}

func TestInstallTimeout(t *testing.T) {
	ws := &fakeWorkspace{execErr: context.DeadlineExceeded}
	tool := NewInstallTool(ws, testLogger())

	_, err := tool.Execute(projectCtx("p1"), map[string]any{"packages": []any{"lodash"}})
	var te *domain.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if te.Op != "install_dependencies" {
		t.Errorf("op = %q", te.Op)
	}
}

// The provider client reports a blown deadline wrapped behind its retryable
// error; timeout classification must still find it in the chain.
func TestInstallTimeoutThroughProviderWrap(t *testing.T) {
	wrapped := fmt.Errorf("running command: %w",
		fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, context.DeadlineExceeded))
	ws := &fakeWorkspace{execErr: wrapped}
	tool := NewInstallTool(ws, testLogger())

	_, err := tool.Execute(projectCtx("p1"), map[string]any{"packages": []any{"lodash"}})
	var te *domain.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
}

func TestWriteFilePathValidation(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
		want    string
	}{
		{path: "src/index.ts", want: "src/index.ts"},
		{path: "a/./b.txt", want: "a/b.txt"},
		{path: "/etc/passwd", wantErr: true},
		{path: "../outside.txt", wantErr: true},
		{path: "a/../../b.txt", wantErr: true},
		{path: "..", wantErr: true},
	}

	for _, tt := range tests {
		got, err := workspacePath(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("workspacePath(%q) = %q, want error", tt.path, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("workspacePath(%q): %v", tt.path, err)
		} else if got != tt.want {
			t.Errorf("workspacePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestWriteFileExecute(t *testing.T) {
	ws := &fakeWorkspace{}
	tool := NewWriteFileTool(ws, testLogger())

	res, err := tool.Execute(projectCtx("p1"), map[string]any{
		"path":    "src/app.ts",
		"content": "export {}",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if ws.wroteProject != "p1" || ws.wrotePath != "src/app.ts" || ws.wroteContent != "export {}" {
		t.Errorf("write = %s %s %q", ws.wroteProject, ws.wrotePath, ws.wroteContent)
	}
}

func TestRunCommandTimeoutCap(t *testing.T) {
	ws := &fakeWorkspace{}
	tool := NewRunCommandTool(ws, testLogger())

	_, err := tool.Execute(projectCtx("p1"), map[string]any{
		"command":    "sleep 1000",
		"timeout_ms": float64(10 * 60 * 1000),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ws.execTimeout != maxCommandTimeout {
		t.Errorf("timeout = %s, want capped at %s", ws.execTimeout, maxCommandTimeout)
	}
}

func TestRunCommandFailureOutput(t *testing.T) {
	ws := &fakeWorkspace{execResult: &provider.CommandResult{
		Stdout:   "building",
		Stderr:   "error TS2304",
		ExitCode: 2,
	}}
	tool := NewRunCommandTool(ws, testLogger())

	res, err := tool.Execute(projectCtx("p1"), map[string]any{"command": "npm run build"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("nonzero exit should not be success")
	}
	if !strings.Contains(res.Output, "error TS2304") {
		t.Errorf("output %q missing stderr", res.Output)
	}
}

func TestExecutorSuccess(t *testing.T) {
	ws := &fakeWorkspace{}
	reg := NewRegistry()
	reg.Register(NewWriteFileTool(ws, testLogger()))
	exec := NewExecutor(reg, testLogger())

	call := &domain.ToolCall{
		ID:     "tu_1",
		Name:   "write_file",
		Status: domain.ToolCallRunning,
		Args:   map[string]any{"path": "a.txt", "content": "hi"},
	}
	out := exec.Execute(context.Background(), "p1", call)

	if call.Status != domain.ToolCallSuccess {
		t.Errorf("status = %s", call.Status)
	}
	if call.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if !strings.Contains(out, "a.txt") {
		t.Errorf("output = %q", out)
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	exec := NewExecutor(NewRegistry(), testLogger())

	call := &domain.ToolCall{ID: "tu_1", Name: "nope", Status: domain.ToolCallRunning}
	out := exec.Execute(context.Background(), "p1", call)

	if call.Status != domain.ToolCallError {
		t.Errorf("status = %s", call.Status)
	}
	if !strings.Contains(out, "unknown tool") {
		t.Errorf("output = %q", out)
	}
}

func TestExecutorValidationFailure(t *testing.T) {
	ws := &fakeWorkspace{}
	reg := NewRegistry()
	reg.Register(NewInstallTool(ws, testLogger()))
	exec := NewExecutor(reg, testLogger())

	call := &domain.ToolCall{
		ID:     "tu_1",
		Name:   "install_dependencies",
		Status: domain.ToolCallRunning,
		Args:   map[string]any{"packages": []any{"bad name!"}},
	}
	exec.Execute(context.Background(), "p1", call)

	if call.Status != domain.ToolCallError {
		t.Errorf("status = %s", call.Status)
	}
	if ws.execCommand != "" {
		t.Error("sandbox reached after failed validation")
	}
}

func TestExecutorCommandFailureIsTerminalError(t *testing.T) {
	ws := &fakeWorkspace{execResult: &provider.CommandResult{Stderr: "boom", ExitCode: 1}}
	reg := NewRegistry()
	reg.Register(NewRunCommandTool(ws, testLogger()))
	exec := NewExecutor(reg, testLogger())

	call := &domain.ToolCall{
		ID:     "tu_1",
		Name:   "run_command",
		Status: domain.ToolCallRunning,
		Args:   map[string]any{"command": "false"},
	}
	out := exec.Execute(context.Background(), "p1", call)

	if call.Status != domain.ToolCallError {
		t.Errorf("status = %s", call.Status)
	}
	// Model still needs the failing output to react.
	if !strings.Contains(out, "boom") {
		t.Errorf("output = %q", out)
	}
}

func TestDevServerReusesPID(t *testing.T) {
	ws := &fakeWorkspace{devPID: 777}
	tool := NewDevServerTool(ws, testLogger())

	res, err := tool.Execute(projectCtx("p1"), map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Metadata["pid"] != 777 {
		t.Errorf("pid = %v", res.Metadata["pid"])
	}
	if res.Metadata["command"] != defaultDevCommand {
		t.Errorf("command = %v", res.Metadata["command"])
	}
}
