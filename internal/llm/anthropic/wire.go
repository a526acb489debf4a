package anthropic

import (
	"encoding/json"
	"sort"

	"github.com/jkaninda/kiwanda/internal/llm"
)

// Wire types for the Anthropic Messages API.

type apiRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Tools     []apiTool    `json:"tools,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []apiContentBlock
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type apiResponse struct {
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      apiUsage          `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiStreamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *apiStreamStart  `json:"message,omitempty"`
	ContentBlock *apiContentBlock `json:"content_block,omitempty"`
	Delta        *apiStreamDelta  `json:"delta,omitempty"`
	Usage        *apiUsage        `json:"usage,omitempty"`
}

type apiStreamStart struct {
	Usage apiUsage `json:"usage"`
}

type apiStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// assembler accumulates SSE events into a complete response. Blocks are
// keyed by the stream index so interleaved deltas land on the right block.
type assembler struct {
	model      string
	blocks     map[int]*partialBlock
	usage      llm.Usage
	stopReason string
}

type partialBlock struct {
	kind      string
	id        string
	name      string
	text      string
	inputJSON string
}

func newAssembler(model string) *assembler {
	return &assembler{model: model, blocks: make(map[int]*partialBlock)}
}

func (a *assembler) startBlock(index int, cb *apiContentBlock) {
	a.blocks[index] = &partialBlock{
		kind: cb.Type,
		id:   cb.ID,
		name: cb.Name,
		text: cb.Text,
	}
}

func (a *assembler) appendText(index int, text string) {
	if b, ok := a.blocks[index]; ok {
		b.text += text
	}
}

func (a *assembler) appendInputJSON(index int, partial string) {
	if b, ok := a.blocks[index]; ok {
		b.inputJSON += partial
	}
}

// response materializes the accumulated blocks into an llm.Response.
// Safe to call after a truncated stream; incomplete tool input parses
// to an empty map.
func (a *assembler) response() *llm.Response {
	indexes := make([]int, 0, len(a.blocks))
	for i := range a.blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var textContent string
	var blocks []llm.ContentBlock
	for _, i := range indexes {
		b := a.blocks[i]
		switch b.kind {
		case "text":
			textContent += b.text
			blocks = append(blocks, llm.TextBlock(b.text))
		case "tool_use":
			input := map[string]any{}
			if b.inputJSON != "" {
				_ = json.Unmarshal([]byte(b.inputJSON), &input)
			}
			blocks = append(blocks, llm.ToolUseBlock(b.id, b.name, input))
		}
	}

	return &llm.Response{
		Content:       textContent,
		ContentBlocks: blocks,
		Model:         a.model,
		StopReason:    a.stopReason,
		Usage:         a.usage,
	}
}
