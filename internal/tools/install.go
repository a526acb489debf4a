package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/kiwanda/internal/domain"
)

// installTimeout is deliberately generous: dependency resolution regularly
// outlasts ordinary command runs.
const installTimeout = 3 * time.Minute

// packagePattern accepts npm package names, optionally scoped. Shell
// metacharacters, spaces and path separators never match, so validated names
// are safe to splice into the install command.
var packagePattern = regexp.MustCompile(`^(@[A-Za-z0-9._-]+/)?[A-Za-z0-9._-]+$`)

const maxPackageNameLen = 214

// InstallTool installs npm packages into the project's sandbox.
// Invalid names are skipped, not fatal: the model frequently mixes one bad
// guess into an otherwise fine batch.
type InstallTool struct {
	ws     Workspace
	logger *slog.Logger
}

// NewInstallTool creates the install_dependencies tool.
func NewInstallTool(ws Workspace, logger *slog.Logger) *InstallTool {
	return &InstallTool{ws: ws, logger: logger}
}

func (t *InstallTool) Name() string { return "install_dependencies" }
func (t *InstallTool) Description() string {
	return "Install npm packages into the project workspace"
}
func (t *InstallTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"packages": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "npm package names to install, e.g. [\"lodash\", \"@types/node\"]",
			},
		},
		"required": []string{"packages"},
	}
}

func (t *InstallTool) Validate(params map[string]any) error {
	pkgs, err := packageList(params)
	if err != nil {
		return err
	}
	valid, _ := partitionPackages(pkgs)
	if len(valid) == 0 {
		return &domain.ValidationError{Field: "packages", Detail: "no valid package names in batch"}
	}
	return nil
}

func (t *InstallTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	pkgs, err := packageList(params)
	if err != nil {
		return nil, err
	}
	valid, rejected := partitionPackages(pkgs)
	if len(valid) == 0 {
		return nil, &domain.ValidationError{Field: "packages", Detail: "no valid package names in batch"}
	}

	projectID := ProjectIDFromContext(ctx)
	t.logger.InfoContext(ctx, "install_dependencies executing",
		slog.String("project_id", projectID),
		slog.Int("valid", len(valid)),
		slog.Int("rejected", len(rejected)),
	)

	command := "npm install --no-fund --no-audit " + strings.Join(valid, " ")
	res, err := t.ws.Exec(ctx, projectID, command, installTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Op: "install_dependencies", Timeout: installTimeout}
		}
		return nil, err
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\n--- stderr ---\n" + res.Stderr
	}
	if len(rejected) > 0 {
		output += fmt.Sprintf("\nskipped invalid package names: %s", strings.Join(rejected, ", "))
	}

	return &Result{
		Output:  TruncateOutput(output, MaxOutputBytes),
		Success: res.ExitCode == 0,
		Metadata: map[string]any{
			"installed": valid,
			"rejected":  rejected,
			"exit_code": res.ExitCode,
		},
	}, nil
}

func packageList(params map[string]any) ([]string, error) {
	v, ok := params["packages"]
	if !ok {
		return nil, &domain.ValidationError{Field: "packages", Detail: "missing required parameter"}
	}

	var pkgs []string
	switch list := v.(type) {
	case []string:
		pkgs = list
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, &domain.ValidationError{Field: "packages", Detail: fmt.Sprintf("entries must be strings, got %T", item)}
			}
			pkgs = append(pkgs, s)
		}
	default:
		return nil, &domain.ValidationError{Field: "packages", Detail: fmt.Sprintf("must be an array of strings, got %T", v)}
	}
	if len(pkgs) == 0 {
		return nil, &domain.ValidationError{Field: "packages", Detail: "must not be empty"}
	}
	return pkgs, nil
}

// partitionPackages splits a batch into names safe to install and names to skip.
func partitionPackages(pkgs []string) (valid, rejected []string) {
	for _, p := range pkgs {
		if len(p) > 0 && len(p) <= maxPackageNameLen && packagePattern.MatchString(p) {
			valid = append(valid, p)
		} else {
			rejected = append(rejected, p)
		}
	}
	return valid, rejected
}
