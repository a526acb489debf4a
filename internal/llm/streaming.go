package llm

import "context"

// StreamEvent represents a single event in a streaming model response.
type StreamEvent struct {
	Type    string        // "text", "tool_use_start", "done", "error"
	Content string        // Text content for "text" events.
	ToolUse *ContentBlock // Tool use block for "tool_use_start" events.
	Usage   *Usage        // Final provider-reported usage; set on "done" and, when known, on "error".
	Error   error         // Error for "error" events.
}

// StreamingProvider extends Provider with streaming support.
//
// StreamMessage emits events as tokens arrive and returns the fully assembled
// response once the stream resolves, so the agent loop can both forward
// deltas in real time and append the complete assistant turn to history.
// The returned response's Usage is provider-reported; on a mid-stream error
// it reflects whatever the provider delivered before failing (possibly zero).
// Providers without native streaming can be wrapped with NonStreamingAdapter.
type StreamingProvider interface {
	Provider
	StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) (*Response, error)
}

// NonStreamingAdapter wraps a regular Provider to implement StreamingProvider
// by buffering the full response and sending it as coarse events.
type NonStreamingAdapter struct {
	Provider
}

// StreamMessage calls SendMessage and sends the result as buffered events.
func (a *NonStreamingAdapter) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) (*Response, error) {
	resp, err := a.SendMessage(ctx, req)
	if err != nil {
		events <- StreamEvent{Type: "error", Error: err}
		return nil, err
	}

	if resp.Content != "" {
		events <- StreamEvent{Type: "text", Content: resp.Content}
	}
	for _, block := range resp.ToolUseBlocks() {
		b := block
		events <- StreamEvent{Type: "tool_use_start", ToolUse: &b}
	}

	usage := resp.Usage
	events <- StreamEvent{Type: "done", Usage: &usage}
	return resp, nil
}
