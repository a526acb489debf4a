// Package agent runs the streaming chat loop: credit pre-flight, model
// selection by tier, tool-use iterations against the sandbox, and a single
// usage commit once the turn resolves.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/llm"
	"github.com/jkaninda/kiwanda/internal/metering"
	"github.com/jkaninda/kiwanda/internal/observability"
	"github.com/jkaninda/kiwanda/internal/tools"
)

// DefaultMaxIterations caps the tool-use loop per chat turn.
const DefaultMaxIterations = 10

// Input is one user chat turn.
type Input struct {
	UserID        string
	ProjectID     string
	Message       string
	Tier          domain.Tier
	History       []llm.Message // Prior conversation, client-supplied.
	CorrelationID string
}

// Response is the resolved outcome of a chat turn.
type Response struct {
	Message   string
	ToolCalls []*domain.ToolCall
	Usage     llm.Usage
	Turn      *domain.UsageTurn // nil when the usage commit failed.
}

// Loop drives chat turns end to end.
type Loop struct {
	provider      llm.StreamingProvider
	executor      *tools.Executor
	meter         *metering.Meter
	registry      *tools.Registry
	models        map[domain.Tier]string
	systemPrompt  string
	logger        *slog.Logger
	obs           *observability.Observability // nil = observability disabled
	maxIterations int
}

// NewLoop creates the chat loop. models maps each tier to the model that
// serves it.
func NewLoop(provider llm.StreamingProvider, executor *tools.Executor, meter *metering.Meter, registry *tools.Registry, models map[domain.Tier]string, systemPrompt string, logger *slog.Logger) *Loop {
	return &Loop{
		provider:     provider,
		executor:     executor,
		meter:        meter,
		registry:     registry,
		models:       models,
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// WithObservability attaches observability (metrics, tracing).
func (l *Loop) WithObservability(obs *observability.Observability) *Loop {
	l.obs = obs
	return l
}

// WithMaxIterations sets the maximum number of tool-use loop iterations.
func (l *Loop) WithMaxIterations(n int) *Loop {
	l.maxIterations = n
	return l
}

// Run executes one chat turn, emitting stream events as the model produces
// them. Credits are checked before any model contact and committed exactly
// once after the turn resolves, including partial usage when the stream dies
// mid-turn. The events channel is never closed here; the caller owns it.
func (l *Loop) Run(ctx context.Context, input *Input, events chan<- llm.StreamEvent) (*Response, error) {
	if l.obs != nil && l.obs.Tracer != nil {
		var span trace.Span
		ctx, span = l.obs.Tracer.Tracer().Start(ctx, "agent.run",
			trace.WithAttributes(
				attribute.String("user_id", input.UserID),
				attribute.String("project_id", input.ProjectID),
				attribute.String("tier", string(input.Tier)),
			))
		defer span.End()
	}

	// Pre-flight: a user out of credits never reaches the model.
	av, err := l.meter.CheckAvailability(ctx, input.UserID)
	if err != nil {
		return nil, fmt.Errorf("availability check: %w", err)
	}
	if !av.Allowed {
		l.logger.InfoContext(ctx, "chat denied",
			slog.String("user_id", input.UserID),
			slog.Float64("used", av.Used),
			slog.Float64("limit", av.Limit),
		)
		return nil, av.Deny()
	}

	model, err := l.modelFor(input.Tier)
	if err != nil {
		return nil, err
	}

	history := append(append([]llm.Message{}, input.History...), llm.Message{
		Role:    llm.RoleUser,
		Content: input.Message,
	})
	toolDefs := tools.ToLLMDefinitions(l.registry)

	maxIter := l.maxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	start := time.Now()
	var total llm.Usage
	var allCalls []*domain.ToolCall
	var finalMessage string
	var runErr error

	for iter := 0; iter < maxIter; iter++ {
		resp, err := l.provider.StreamMessage(ctx, &llm.Request{
			Model:        model,
			SystemPrompt: l.systemPrompt,
			Messages:     history,
			Tools:        toolDefs,
		}, events)
		if resp != nil {
			// Partial usage from a broken stream still gets charged.
			total.Add(resp.Usage)
		}
		if err != nil {
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			runErr = fmt.Errorf("model request failed: %w", err)
			break
		}

		history = append(history, llm.Message{
			Role:          llm.RoleAssistant,
			ContentBlocks: resp.ContentBlocks,
		})

		if !resp.HasToolUse() {
			finalMessage = resp.Content
			break
		}

		l.logger.InfoContext(ctx, "executing tool calls",
			slog.Int("iteration", iter+1),
			slog.Int("tool_calls", len(resp.ToolUseBlocks())),
			slog.String("project_id", input.ProjectID),
		)

		resultBlocks, calls := l.executeToolCalls(ctx, input.ProjectID, resp.ToolUseBlocks(), events)
		allCalls = append(allCalls, calls...)

		history = append(history, llm.Message{
			Role:          llm.RoleUser,
			ContentBlocks: resultBlocks,
		})

		if iter == maxIter-1 {
			l.logger.WarnContext(ctx, "max tool-use iterations reached",
				slog.Int("max_iterations", maxIter),
				slog.String("project_id", input.ProjectID),
			)
			finalMessage = "Maximum tool use iterations reached. Please refine your request."
		}
	}

	turn := l.commit(ctx, input, model, total)

	if l.obs != nil && l.obs.Metrics != nil {
		status := "success"
		if runErr != nil {
			status = "error"
		}
		l.obs.Metrics.ChatTurnsTotal.WithLabelValues(model, status).Inc()
		l.obs.Metrics.ChatTurnDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}

	resp := &Response{
		Message:   finalMessage,
		ToolCalls: allCalls,
		Usage:     total,
		Turn:      turn,
	}
	if runErr != nil {
		return resp, runErr
	}
	return resp, nil
}

// commit records the turn's usage exactly once. A failed commit is logged and
// swallowed: the response already streamed, and billing reconciliation beats
// failing a turn the user watched succeed.
func (l *Loop) commit(ctx context.Context, input *Input, model string, usage llm.Usage) *domain.UsageTurn {
	// Commit must land even when the client has gone away.
	cctx := context.WithoutCancel(ctx)
	turn, err := l.meter.Commit(cctx, metering.Record{
		UserID:       input.UserID,
		ProjectID:    input.ProjectID,
		Model:        model,
		CallType:     "chat",
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
	if err != nil {
		l.logger.ErrorContext(cctx, "usage commit failed",
			slog.String("user_id", input.UserID),
			slog.String("project_id", input.ProjectID),
			slog.Int("input_tokens", usage.InputTokens),
			slog.Int("output_tokens", usage.OutputTokens),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return turn
}

// executeToolCalls runs each tool_use block to completion and builds the
// tool_result blocks fed back to the model. Execution runs on a detached
// context: a client that disconnects mid-stream must not leave the sandbox
// with a half-applied change.
func (l *Loop) executeToolCalls(ctx context.Context, projectID string, blocks []llm.ContentBlock, events chan<- llm.StreamEvent) ([]llm.ContentBlock, []*domain.ToolCall) {
	execCtx := context.WithoutCancel(ctx)

	resultBlocks := make([]llm.ContentBlock, 0, len(blocks))
	calls := make([]*domain.ToolCall, 0, len(blocks))

	for _, block := range blocks {
		call := &domain.ToolCall{
			ID:        block.ID,
			Name:      block.Name,
			Status:    domain.ToolCallRunning,
			Args:      block.Input,
			StartedAt: time.Now().UTC(),
		}

		output := l.executor.Execute(execCtx, projectID, call)
		calls = append(calls, call)

		isError := call.Status != domain.ToolCallSuccess
		resultBlocks = append(resultBlocks, llm.ToolResultBlock(
			block.ID,
			tools.TruncateOutput(output, tools.MaxOutputBytes),
			isError,
		))

		events <- llm.StreamEvent{
			Type: "tool_result",
			ToolUse: &llm.ContentBlock{
				Type:    "tool_result",
				ID:      block.ID,
				Name:    block.Name,
				IsError: isError,
			},
		}
	}
	return resultBlocks, calls
}

func (l *Loop) modelFor(tier domain.Tier) (string, error) {
	if !tier.Valid() {
		return "", &domain.ValidationError{Field: "tier", Detail: fmt.Sprintf("unknown tier %q", tier)}
	}
	model, ok := l.models[tier]
	if !ok {
		return "", &domain.ValidationError{Field: "tier", Detail: fmt.Sprintf("no model configured for tier %q", tier)}
	}
	return model, nil
}
