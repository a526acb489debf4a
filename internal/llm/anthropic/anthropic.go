// Package anthropic implements the LLM provider interface for the Anthropic Messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/kiwanda/internal/llm"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	messagesPath    = "/v1/messages"
	apiVersion      = "2023-06-01"
	defaultMaxToken = 8192
)

// Client implements llm.Provider using the Anthropic Messages API.
// The model is chosen per request (tier routing happens upstream);
// defaultModel is used only when a request leaves Model empty.
type Client struct {
	apiKey       string
	defaultModel string
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, defaultModel string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		defaultModel: defaultModel,
		baseURL:      defaultBaseURL,
		httpClient:   http.DefaultClient,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) model(req *llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

// SendMessage sends the conversation to the Anthropic Messages API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	apiReq := c.buildRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := c.toResponse(&apiResp, apiReq.Model)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "anthropic"),
		slog.String("model", apiReq.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)

	return resp, nil
}

// StreamMessage implements llm.StreamingProvider using Anthropic's SSE stream.
// Text deltas and tool-use starts are emitted as they arrive; tool input JSON
// is accumulated per block and materialized on the assembled response. The
// returned response carries the provider-reported usage, or whatever partial
// usage arrived before a mid-stream error.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) (*llm.Response, error) {
	apiReq := c.buildRequest(req)
	apiReq.Stream = true

	body, err := json.Marshal(apiReq)
	if err != nil {
		events <- llm.StreamEvent{Type: "error", Error: err}
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		events <- llm.StreamEvent{Type: "error", Error: err}
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		events <- llm.StreamEvent{Type: "error", Error: err}
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		err := fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
		events <- llm.StreamEvent{Type: "error", Error: err}
		return nil, err
	}

	asm := newAssembler(apiReq.Model)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev apiStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				asm.usage.InputTokens = ev.Message.Usage.InputTokens
				asm.usage.OutputTokens = ev.Message.Usage.OutputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil {
				asm.startBlock(ev.Index, ev.ContentBlock)
				if ev.ContentBlock.Type == "tool_use" {
					events <- llm.StreamEvent{
						Type: "tool_use_start",
						ToolUse: &llm.ContentBlock{
							Type: "tool_use",
							ID:   ev.ContentBlock.ID,
							Name: ev.ContentBlock.Name,
						},
					}
				}
			}
		case "content_block_delta":
			if ev.Delta != nil {
				switch ev.Delta.Type {
				case "text_delta":
					asm.appendText(ev.Index, ev.Delta.Text)
					events <- llm.StreamEvent{Type: "text", Content: ev.Delta.Text}
				case "input_json_delta":
					asm.appendInputJSON(ev.Index, ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				asm.stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				asm.usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			resp := asm.response()
			usage := resp.Usage
			events <- llm.StreamEvent{Type: "done", Usage: &usage}
			return resp, nil
		case "error":
			err := fmt.Errorf("stream error: %s", data)
			usage := asm.usage
			events <- llm.StreamEvent{Type: "error", Usage: &usage, Error: err}
			return asm.response(), err
		}
	}

	if err := scanner.Err(); err != nil {
		// Stream cut mid-flight: report partial usage alongside the error.
		usage := asm.usage
		events <- llm.StreamEvent{Type: "error", Usage: &usage, Error: err}
		return asm.response(), err
	}

	resp := asm.response()
	usage := resp.Usage
	events <- llm.StreamEvent{Type: "done", Usage: &usage}
	return resp, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)
	return httpReq, nil
}

func (c *Client) buildRequest(req *llm.Request) apiRequest {
	messages := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		if len(m.ContentBlocks) > 0 {
			blocks := make([]apiContentBlock, len(m.ContentBlocks))
			for j, b := range m.ContentBlocks {
				blocks[j] = toAPIContentBlock(b)
			}
			messages[i] = apiMessage{Role: string(m.Role), Content: blocks}
		} else {
			messages[i] = apiMessage{Role: string(m.Role), Content: m.Content}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}

	apiReq := apiRequest{
		Model:     c.model(req),
		System:    req.SystemPrompt,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return apiReq
}

func (c *Client) toResponse(apiResp *apiResponse, model string) *llm.Response {
	var textContent string
	var blocks []llm.ContentBlock

	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			textContent += block.Text
			blocks = append(blocks, llm.TextBlock(block.Text))
		case "tool_use":
			blocks = append(blocks, llm.ToolUseBlock(block.ID, block.Name, block.Input))
		}
	}

	return &llm.Response{
		Content:       textContent,
		ContentBlocks: blocks,
		Model:         model,
		StopReason:    apiResp.StopReason,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
}

// toAPIContentBlock converts an llm.ContentBlock to the Anthropic API format.
func toAPIContentBlock(b llm.ContentBlock) apiContentBlock {
	block := apiContentBlock{Type: b.Type}
	switch b.Type {
	case "text":
		block.Text = b.Text
	case "tool_use":
		block.ID = b.ID
		block.Name = b.Name
		block.Input = b.Input
	case "tool_result":
		block.ToolUseID = b.ToolUseID
		block.Content = b.Text
		block.IsError = b.IsError
	}
	return block
}
