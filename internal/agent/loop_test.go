package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/llm"
	"github.com/jkaninda/kiwanda/internal/metering"
	"github.com/jkaninda/kiwanda/internal/provider"
	"github.com/jkaninda/kiwanda/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses, one per StreamMessage call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	calls     int
	requests  []*llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return p.StreamMessage(ctx, req, make(chan llm.StreamEvent, 64))
}

func (p *scriptedProvider) StreamMessage(_ context.Context, req *llm.Request, events chan<- llm.StreamEvent) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)

	if i >= len(p.responses) {
		return nil, errors.New("no scripted response left")
	}
	resp := p.responses[i]
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}

	if resp != nil && err == nil {
		events <- llm.StreamEvent{Type: "text", Content: resp.Content}
		usage := resp.Usage
		events <- llm.StreamEvent{Type: "done", Usage: &usage}
	}
	return resp, err
}

type fakeWorkspace struct {
	mu       sync.Mutex
	commands []string
	writes   []string
}

func (f *fakeWorkspace) Exec(_ context.Context, _ string, command string, _ time.Duration) (*provider.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return &provider.CommandResult{Stdout: "ok", ExitCode: 0}, nil
}

func (f *fakeWorkspace) WriteFile(_ context.Context, _, path, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, path)
	return nil
}

func (f *fakeWorkspace) StartDevServer(_ context.Context, _, _ string) (int, error) {
	return 1234, nil
}

// countingStore wraps the in-memory metering store to count commits.
type countingStore struct {
	mu      sync.Mutex
	counter metering.Counter
	commits []*domain.UsageTurn
	fail    error
}

func (s *countingStore) Counter(_ context.Context, userID string) (*metering.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counter
	c.UserID = userID
	return &c, nil
}

func (s *countingStore) Commit(_ context.Context, turn *domain.UsageTurn, _ bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.commits = append(s.commits, turn)
	return nil
}

func (s *countingStore) Turns(_ context.Context, _ string, _ int) ([]*domain.UsageTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testModels() map[domain.Tier]string {
	return map[domain.Tier]string{
		domain.TierFast:   "model-fast",
		domain.TierExpert: "model-expert",
	}
}

func newTestLoop(p llm.StreamingProvider, store metering.Store, ws tools.Workspace) *Loop {
	logger := testLogger()
	reg := tools.NewRegistry()
	reg.Register(tools.NewWriteFileTool(ws, logger))
	reg.Register(tools.NewRunCommandTool(ws, logger))
	exec := tools.NewExecutor(reg, logger)
	meter := metering.NewMeter(store, metering.Config{
		Plans:       map[string]float64{"free": 1000},
		DefaultPlan: "free",
		Multipliers: map[string]float64{"model-fast": 1, "model-expert": 5},
	}, logger)
	return NewLoop(p, exec, meter, reg, testModels(), "You build web apps.", logger)
}

func TestRunPlainText(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{{
		Content:    "done!",
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 40},
	}}}
	store := &countingStore{counter: metering.Counter{Plan: "free", PeriodStart: time.Now().UTC()}}
	loop := newTestLoop(p, store, &fakeWorkspace{})

	events := make(chan llm.StreamEvent, 64)
	resp, err := loop.Run(context.Background(), &Input{
		UserID: "u1", ProjectID: "p1", Message: "build it", Tier: domain.TierFast,
	}, events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if resp.Message != "done!" {
		t.Errorf("message = %q", resp.Message)
	}
	if len(store.commits) != 1 {
		t.Fatalf("commits = %d, want exactly 1", len(store.commits))
	}
	turn := store.commits[0]
	if turn.InputTokens != 100 || turn.OutputTokens != 40 {
		t.Errorf("turn tokens = %d/%d", turn.InputTokens, turn.OutputTokens)
	}
	if turn.CreditsCharged != 140 {
		t.Errorf("credits = %v, want 140", turn.CreditsCharged)
	}
	if p.requests[0].Model != "model-fast" {
		t.Errorf("model = %q", p.requests[0].Model)
	}
}

func TestRunExpertTierRouting(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{{
		Content: "ok", StopReason: "end_turn",
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 10},
	}}}
	store := &countingStore{counter: metering.Counter{Plan: "free", PeriodStart: time.Now().UTC()}}
	loop := newTestLoop(p, store, &fakeWorkspace{})

	events := make(chan llm.StreamEvent, 64)
	if _, err := loop.Run(context.Background(), &Input{
		UserID: "u1", ProjectID: "p1", Message: "hard problem", Tier: domain.TierExpert,
	}, events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.requests[0].Model != "model-expert" {
		t.Errorf("model = %q, want model-expert", p.requests[0].Model)
	}
	// Expert tier multiplies credits.
	if store.commits[0].CreditsCharged != 100 {
		t.Errorf("credits = %v, want 100", store.commits[0].CreditsCharged)
	}
}

func TestRunToolUseIteration(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{
		{
			StopReason: "tool_use",
			ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("tu_1", "write_file", map[string]any{"path": "src/app.ts", "content": "x"}),
			},
			Usage: llm.Usage{InputTokens: 50, OutputTokens: 20},
		},
		{
			Content: "file written", StopReason: "end_turn",
			Usage: llm.Usage{InputTokens: 80, OutputTokens: 10},
		},
	}}
	store := &countingStore{counter: metering.Counter{Plan: "free", PeriodStart: time.Now().UTC()}}
	ws := &fakeWorkspace{}
	loop := newTestLoop(p, store, ws)

	events := make(chan llm.StreamEvent, 64)
	resp, err := loop.Run(context.Background(), &Input{
		UserID: "u1", ProjectID: "p1", Message: "write a file", Tier: domain.TierFast,
	}, events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ws.writes) != 1 || ws.writes[0] != "src/app.ts" {
		t.Errorf("writes = %v", ws.writes)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Status != domain.ToolCallSuccess {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	// Usage sums across both iterations, committed once.
	if len(store.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(store.commits))
	}
	if store.commits[0].InputTokens != 130 || store.commits[0].OutputTokens != 30 {
		t.Errorf("turn tokens = %d/%d", store.commits[0].InputTokens, store.commits[0].OutputTokens)
	}
	// The second request must carry the tool result back to the model.
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleUser || len(last.ContentBlocks) != 1 || last.ContentBlocks[0].Type != "tool_result" {
		t.Errorf("feedback message = %+v", last)
	}
}

func TestRunDeniedBeforeModelContact(t *testing.T) {
	p := &scriptedProvider{}
	store := &countingStore{counter: metering.Counter{Plan: "free", Used: 1000, PeriodStart: time.Now().UTC()}}
	loop := newTestLoop(p, store, &fakeWorkspace{})

	events := make(chan llm.StreamEvent, 64)
	_, err := loop.Run(context.Background(), &Input{
		UserID: "u1", ProjectID: "p1", Message: "hi", Tier: domain.TierFast,
	}, events)

	var denied *domain.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times before denial", p.calls)
	}
	if len(store.commits) != 0 {
		t.Errorf("denied turn committed usage")
	}
}

func TestRunMidStreamErrorCommitsPartialUsage(t *testing.T) {
	p := &scriptedProvider{
		responses: []*llm.Response{{
			Content: "part", Usage: llm.Usage{InputTokens: 60, OutputTokens: 7},
		}},
		errs: []error{errors.New("stream cut")},
	}
	store := &countingStore{counter: metering.Counter{Plan: "free", PeriodStart: time.Now().UTC()}}
	loop := newTestLoop(p, store, &fakeWorkspace{})

	events := make(chan llm.StreamEvent, 64)
	_, err := loop.Run(context.Background(), &Input{
		UserID: "u1", ProjectID: "p1", Message: "hi", Tier: domain.TierFast,
	}, events)
	if err == nil {
		t.Fatal("expected stream error to propagate")
	}

	if len(store.commits) != 1 {
		t.Fatalf("commits = %d, want exactly 1 partial commit", len(store.commits))
	}
	if store.commits[0].InputTokens != 60 || store.commits[0].OutputTokens != 7 {
		t.Errorf("partial turn = %d/%d", store.commits[0].InputTokens, store.commits[0].OutputTokens)
	}
}

func TestRunCommitFailureDoesNotFailTurn(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{{
		Content: "ok", StopReason: "end_turn",
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 5},
	}}}
	store := &countingStore{
		counter: metering.Counter{Plan: "free", PeriodStart: time.Now().UTC()},
		fail:    errors.New("db down"),
	}
	loop := newTestLoop(p, store, &fakeWorkspace{})

	events := make(chan llm.StreamEvent, 64)
	resp, err := loop.Run(context.Background(), &Input{
		UserID: "u1", ProjectID: "p1", Message: "hi", Tier: domain.TierFast,
	}, events)
	if err != nil {
		t.Fatalf("commit failure must not fail the turn: %v", err)
	}
	if resp.Turn != nil {
		t.Error("failed commit should leave Turn nil")
	}
	if resp.Message != "ok" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestRunInvalidTier(t *testing.T) {
	p := &scriptedProvider{}
	store := &countingStore{counter: metering.Counter{Plan: "free", PeriodStart: time.Now().UTC()}}
	loop := newTestLoop(p, store, &fakeWorkspace{})

	events := make(chan llm.StreamEvent, 64)
	_, err := loop.Run(context.Background(), &Input{
		UserID: "u1", ProjectID: "p1", Message: "hi", Tier: domain.Tier("ultra"),
	}, events)

	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if p.calls != 0 {
		t.Error("provider reached with invalid tier")
	}
}

func TestRunCanceledClientStillRunsTools(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{
		{
			StopReason: "tool_use",
			ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("tu_1", "run_command", map[string]any{"command": "npm run build"}),
			},
			Usage: llm.Usage{InputTokens: 30, OutputTokens: 15},
		},
		{
			Content: "built", StopReason: "end_turn",
			Usage: llm.Usage{InputTokens: 40, OutputTokens: 5},
		},
	}}
	store := &countingStore{counter: metering.Counter{Plan: "free", PeriodStart: time.Now().UTC()}}
	ws := &fakeWorkspace{}
	loop := newTestLoop(p, store, ws)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Client gone before the turn even starts tool work.

	events := make(chan llm.StreamEvent, 64)
	_, _ = loop.Run(ctx, &Input{
		UserID: "u1", ProjectID: "p1", Message: "build", Tier: domain.TierFast,
	}, events)

	if len(ws.commands) != 1 {
		t.Errorf("commands = %v, tool must run despite canceled context", ws.commands)
	}
	if len(store.commits) != 1 {
		t.Errorf("commits = %d, usage must land despite canceled context", len(store.commits))
	}
}
