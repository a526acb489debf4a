package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/kiwanda/internal/domain"
)

// Per-operation deadlines. RunCommand's deadline is derived from the caller's
// command timeout instead: the provider kills the command at timeout_ms, and
// the extra grace covers response delivery, so a 3-minute install really gets
// 3 minutes while a file write is cut off after seconds.
const (
	createTimeout  = 2 * time.Minute
	writeTimeout   = 30 * time.Second
	controlTimeout = 15 * time.Second
	commandGrace   = 10 * time.Second
)

// Client implements API against the provider's JSON-over-HTTP control plane.
// The http.Client carries no global timeout; every operation bounds itself
// with a context deadline.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	grace      time.Duration // added on top of a command's own timeout
}

// Option configures the provider client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a provider client.
func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     logger,
		grace:      commandGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Create(ctx context.Context, cfg CreateConfig) (*Sandbox, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	var sbx Sandbox
	if err := c.doJSON(ctx, http.MethodPost, "/sandboxes", cfg, &sbx); err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	if sbx.ID == "" {
		return nil, fmt.Errorf("%w: provider returned empty sandbox id", domain.ErrProviderUnavailable)
	}
	c.logger.Info("sandbox created",
		slog.String("sandbox_id", sbx.ID),
		slog.String("project_id", cfg.ProjectID),
	)
	return &sbx, nil
}

type runCommandRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (c *Client) RunCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+c.grace)
	defer cancel()

	req := runCommandRequest{Command: command, TimeoutMs: timeout.Milliseconds()}
	var res CommandResult
	if err := c.doJSON(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/exec", req, &res); err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	return &res, nil
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (c *Client) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	req := writeFileRequest{Path: path, Content: content}
	if err := c.doJSON(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/files", req, nil); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	return nil
}

type extendTimeoutRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

func (c *Client) ExtendTimeout(ctx context.Context, sandboxID string, extension time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req := extendTimeoutRequest{TimeoutMs: extension.Milliseconds()}
	if err := c.doJSON(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/timeout", req, nil); err != nil {
		return fmt.Errorf("extending timeout: %w", err)
	}
	return nil
}

func (c *Client) Destroy(ctx context.Context, sandboxID string) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	if err := c.doJSON(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil); err != nil {
		return fmt.Errorf("destroying sandbox: %w", err)
	}
	return nil
}

// doJSON issues one JSON request and decodes the response into out (if non-nil).
// Network failures and 5xx/429 responses wrap domain.ErrProviderUnavailable.
// Transport errors stay in the chain so callers can still match a context
// deadline against the per-operation timeout.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", domain.ErrProviderUnavailable, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return domain.ErrSandboxNotFound
	case httpResp.StatusCode == http.StatusTooManyRequests,
		httpResp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d: %s", domain.ErrProviderUnavailable, httpResp.StatusCode, respBody)
	case httpResp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("provider error (status %d): %s", httpResp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}
