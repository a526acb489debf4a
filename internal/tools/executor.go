package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/observability"
)

// Executor dispatches model-requested tool calls to registered tools and
// records the outcome on the call. Every call reaches exactly one terminal
// status, whatever goes wrong underneath.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.MetricsCollector // nil = metrics disabled
}

// NewExecutor creates a tool executor over the given registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	return &Executor{registry: registry, logger: logger}
}

// WithMetrics attaches the metrics collector.
func (e *Executor) WithMetrics(mc *observability.MetricsCollector) *Executor {
	e.metrics = mc
	return e
}

// Execute runs the call against the named tool for the given project,
// transitioning it to success or error. The returned string is the content to
// feed back to the model (tool output on success, the error message otherwise).
func (e *Executor) Execute(ctx context.Context, projectID string, call *domain.ToolCall) string {
	start := time.Now()
	ctx = ContextWithProjectID(ctx, projectID)

	tool := e.registry.Get(call.Name)
	if tool == nil {
		return e.fail(call, projectID, start, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if err := tool.Validate(call.Args); err != nil {
		return e.fail(call, projectID, start, err.Error())
	}

	res, err := tool.Execute(ctx, call.Args)
	if err != nil {
		return e.fail(call, projectID, start, err.Error())
	}

	if res.Success {
		call.Complete(domain.ToolCallSuccess, res.Output, "")
	} else {
		// Tool ran but the underlying command failed. The output is still
		// what the model needs to see.
		call.Complete(domain.ToolCallError, res.Output, "command failed")
	}
	e.observe(call, start)

	e.logger.InfoContext(ctx, "tool call completed",
		slog.String("project_id", projectID),
		slog.String("tool", call.Name),
		slog.String("status", string(call.Status)),
		slog.Duration("took", time.Since(start)),
	)
	return res.Output
}

func (e *Executor) fail(call *domain.ToolCall, projectID string, start time.Time, msg string) string {
	call.Complete(domain.ToolCallError, "", msg)
	e.observe(call, start)
	e.logger.Warn("tool call failed",
		slog.String("project_id", projectID),
		slog.String("tool", call.Name),
		slog.String("error", msg),
	)
	return msg
}

func (e *Executor) observe(call *domain.ToolCall, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolCallsTotal.WithLabelValues(call.Name, string(call.Status)).Inc()
	e.metrics.ToolCallDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
}
