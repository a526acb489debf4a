package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/kiwanda/internal/agent"
	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/llm"
	"github.com/jkaninda/okapi"
)

// ChatRequest is the JSON body for POST /v1/chat.
type ChatRequest struct {
	ProjectID string           `json:"project_id"`
	Message   string           `json:"message"`
	Tier      string           `json:"tier,omitempty"` // "fast" (default) or "expert".
	History   []HistoryMessage `json:"history,omitempty"`
}

// HistoryMessage is one prior conversation turn, client-supplied.
type HistoryMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// SSEEvent is the payload for chat stream events.
type SSEEvent struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content,omitempty"` // Text delta for "text" events.
	Tool    string `json:"tool,omitempty"`    // Tool name for tool events.
	Failed  bool   `json:"failed,omitempty"`  // Set on tool_result when the call errored.
}

// ChatSummary is the payload of the final "done" event.
type ChatSummary struct {
	Message      string  `json:"message"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Credits      float64 `json:"credits,omitempty"` // Absent when the usage commit failed.
}

// DeniedResponse is returned with HTTP 402 when the credit check fails.
type DeniedResponse struct {
	Error     string  `json:"error"`
	Reason    string  `json:"reason"`
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
}

// handleChat runs one agent turn and streams it as server-sent events.
// Pre-flight failures (denial, bad tier) arrive before any event is
// written, so they come back as plain JSON errors instead.
func (g *Gateway) handleChat(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}
	if req.ProjectID == "" {
		return c.AbortBadRequest("project_id is required")
	}

	tier := domain.Tier(req.Tier)
	if req.Tier == "" {
		tier = domain.TierFast
	}

	correlationID := newCorrelationID()
	g.logger.Info("chat turn",
		slog.String("user_id", userID),
		slog.String("project_id", req.ProjectID),
		slog.String("tier", string(tier)),
		slog.String("correlation_id", correlationID),
	)

	input := &agent.Input{
		UserID:        userID,
		ProjectID:     req.ProjectID,
		Message:       req.Message,
		Tier:          tier,
		History:       historyMessages(req.History),
		CorrelationID: correlationID,
	}

	events := make(chan llm.StreamEvent, 64)
	done := make(chan struct{})
	var resp *agent.Response
	var runErr error
	go func() {
		defer close(done)
		resp, runErr = g.loop.Run(c.Context(), input, events)
	}()

	streamed := false
	for {
		select {
		case ev := <-events:
			if g.forwardEvent(c, ev) {
				streamed = true
			}
		case <-done:
			// Drain events the loop emitted between our last read and its return.
			for {
				select {
				case ev := <-events:
					if g.forwardEvent(c, ev) {
						streamed = true
					}
					continue
				default:
				}
				break
			}
			return g.finishChat(c, resp, runErr, streamed, correlationID)
		}
	}
}

// forwardEvent writes one loop event to the SSE stream. Reports whether
// anything was written (provider-terminal events are folded into the
// final summary instead).
func (g *Gateway) forwardEvent(c *okapi.Context, ev llm.StreamEvent) bool {
	switch ev.Type {
	case "text":
		c.SSEvent("text", SSEEvent{Content: ev.Content})
		return true
	case "tool_use_start":
		c.SSEvent("tool_start", SSEEvent{Tool: ev.ToolUse.Name})
		return true
	case "tool_result":
		c.SSEvent("tool_result", SSEEvent{Tool: ev.ToolUse.Name, Failed: ev.ToolUse.IsError})
		return true
	default:
		// "done" and "error" carry usage already reflected in the loop's
		// response; the summary event covers them.
		return false
	}
}

// finishChat emits the terminal event, or a JSON error when the turn
// failed before anything was streamed.
func (g *Gateway) finishChat(c *okapi.Context, resp *agent.Response, runErr error, streamed bool, correlationID string) error {
	if runErr != nil {
		var denied *domain.DeniedError
		var invalid *domain.ValidationError
		switch {
		case errors.As(runErr, &denied) && !streamed:
			return c.JSON(http.StatusPaymentRequired, DeniedResponse{
				Error:     "insufficient credits",
				Reason:    denied.Reason,
				Used:      denied.Used,
				Limit:     denied.Limit,
				Remaining: denied.Remaining,
			})
		case errors.As(runErr, &invalid) && !streamed:
			return c.AbortBadRequest(runErr.Error())
		}

		g.logger.Error("chat turn failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", runErr.Error()),
		)
		if !streamed {
			return c.AbortInternalServerError("chat turn failed")
		}
		c.SSEvent("error", SSEEvent{Content: "chat turn failed"})
		return nil
	}

	summary := ChatSummary{
		Message:      resp.Message,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if resp.Turn != nil {
		summary.Credits = resp.Turn.CreditsCharged
	}
	c.SSEvent("done", summary)
	return nil
}

func historyMessages(hist []HistoryMessage) []llm.Message {
	if len(hist) == 0 {
		return nil
	}
	msgs := make([]llm.Message, len(hist))
	for i, h := range hist {
		msgs[i] = llm.Message{Role: llm.Role(h.Role), Content: h.Content}
	}
	return msgs
}
