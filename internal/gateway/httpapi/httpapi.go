// Package httpapi implements the HTTP API gateway for Kiwanda.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kiwanda/internal/agent"
	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/metering"
	"github.com/jkaninda/kiwanda/internal/observability"
	"github.com/jkaninda/kiwanda/internal/ratelimit"
	"github.com/jkaninda/kiwanda/internal/sandbox"
	"github.com/jkaninda/kiwanda/internal/tools"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key to user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	loop      *agent.Loop
	sandboxes *sandbox.Manager
	meter     *metering.Meter
	registry  *tools.Registry
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server
	okapi     *okapi.Okapi
	group     *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, loop *agent.Loop, sandboxes *sandbox.Manager, meter *metering.Meter, reg *tools.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		loop:      loop,
		sandboxes: sandboxes,
		meter:     meter,
		registry:  reg,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kiwanda",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, with metrics/tracing middleware in front.
	var middlewares []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate)
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/chat", g.handleChat,
		okapi.DocSummary("Run a chat turn, streaming the response via SSE"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusPaymentRequired, DeniedResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/usage", g.handleUsage,
		okapi.DocSummary("Get current period usage for the caller"),
		okapi.DocTags("Usage"),
		okapi.DocResponse(UsageResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/sandbox/{projectId}/heartbeat", g.handleHeartbeat,
		okapi.DocSummary("Extend a sandbox's liveness window"),
		okapi.DocTags("Sandbox"),
		okapi.DocPathParam("projectId", "string", "Project ID"),
		okapi.DocResponse(HeartbeatResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/sandbox/{projectId}/install", g.handleInstall,
		okapi.DocSummary("Install npm packages into a project's sandbox"),
		okapi.DocTags("Sandbox"),
		okapi.DocPathParam("projectId", "string", "Project ID"),
		okapi.DocRequestBody(InstallRequest{}),
		okapi.DocResponse(InstallResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Delete("/sandbox/{projectId}", g.handleTeardown,
		okapi.DocSummary("Tear down a project's sandbox and workspace snapshots"),
		okapi.DocTags("Sandbox"),
		okapi.DocPathParam("projectId", "string", "Project ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // chat turns stream for a while
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Sandbox handlers ---

// HeartbeatResponse is the JSON response for sandbox heartbeats.
type HeartbeatResponse struct {
	Extended bool `json:"extended"`
}

// handleHeartbeat extends the sandbox's idle window. Always responds 200:
// a heartbeat that finds no sandbox, or a provider refusing the extension,
// reports extended=false and the next tool call reprovisions.
func (g *Gateway) handleHeartbeat(c *okapi.Context) error {
	projectID := c.Param("projectId")
	if projectID == "" {
		return c.AbortBadRequest("project id is required")
	}

	extended := g.sandboxes.KeepAlive(c.Context(), projectID, 0)

	if g.config.Metrics != nil {
		status := "extended"
		if !extended {
			status = "missed"
		}
		g.config.Metrics.HeartbeatsTotal.WithLabelValues(status).Inc()
	}

	return c.OK(HeartbeatResponse{Extended: extended})
}

// InstallRequest is the JSON body for POST /v1/sandbox/{projectId}/install.
type InstallRequest struct {
	Packages []string `json:"packages"`
}

// InstallResponse reports the partitioned install outcome. Installed lists
// the valid names handed to the package manager; Ok and ExitCode report
// whether that command actually succeeded, so callers never have to parse
// the output to notice a failed run.
type InstallResponse struct {
	Ok        bool     `json:"ok"`
	ExitCode  int      `json:"exit_code"`
	Installed []string `json:"installed"`
	Rejected  []string `json:"rejected"`
	Output    string   `json:"output,omitempty"`
}

func (g *Gateway) handleInstall(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	projectID := c.Param("projectId")
	if projectID == "" {
		return c.AbortBadRequest("project id is required")
	}

	var req InstallRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Packages) == 0 {
		return c.AbortBadRequest("packages is required")
	}

	tool := g.registry.Get("install_dependencies")
	if tool == nil {
		return c.AbortServiceUnavailable("install tool not configured")
	}

	params := map[string]any{"packages": req.Packages}
	if err := tool.Validate(params); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	ctx := tools.ContextWithProjectID(c.Context(), projectID)
	res, err := tool.Execute(ctx, params)
	if err != nil {
		var timeoutErr *domain.TimeoutError
		if errors.As(err, &timeoutErr) {
			return c.JSON(http.StatusGatewayTimeout, ErrorBody{Error: "install timed out"})
		}
		g.logger.Error("install failed",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("install failed")
	}

	return c.OK(InstallResponse{
		Ok:        res.Success,
		ExitCode:  metadataInt(res.Metadata, "exit_code"),
		Installed: metadataStrings(res.Metadata, "installed"),
		Rejected:  metadataStrings(res.Metadata, "rejected"),
		Output:    res.Output,
	})
}

func (g *Gateway) handleTeardown(c *okapi.Context) error {
	projectID := c.Param("projectId")
	if projectID == "" {
		return c.AbortBadRequest("project id is required")
	}

	g.sandboxes.Teardown(c.Context(), projectID)
	return c.OK(map[string]string{"status": "deleted"})
}

// --- Usage handler ---

// UsageResponse is the JSON response for GET /v1/usage.
type UsageResponse struct {
	Used      float64     `json:"used"`
	Limit     float64     `json:"limit"`
	Remaining float64     `json:"remaining"`
	Turns     []UsageTurn `json:"turns"`
}

// UsageTurn is one billed interaction in the usage history.
type UsageTurn struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Credits      float64   `json:"credits"`
	CreatedAt    time.Time `json:"created_at"`
}

func (g *Gateway) handleUsage(c *okapi.Context) error {
	userID := c.GetString("userID")

	av, turns, err := g.meter.Usage(c.Context(), userID, 50)
	if err != nil {
		g.logger.Error("usage lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("usage lookup failed")
	}

	resp := UsageResponse{
		Used:      av.Used,
		Limit:     av.Limit,
		Remaining: av.Remaining,
		Turns:     make([]UsageTurn, len(turns)),
	}
	for i, t := range turns {
		resp.Turns[i] = UsageTurn{
			ID:           t.ID.String(),
			ProjectID:    t.ProjectID,
			Model:        t.Model,
			InputTokens:  t.InputTokens,
			OutputTokens: t.OutputTokens,
			Credits:      t.CreditsCharged,
			CreatedAt:    t.CreatedAt,
		}
	}
	return c.OK(resp)
}

// --- Health handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness runs all registered dependency checks. Degraded still answers
// 200 so optional telemetry outages never pull the service from rotation;
// only a failed required dependency returns 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, uid := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = uid
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

func metadataStrings(md map[string]any, key string) []string {
	if md == nil {
		return nil
	}
	if v, ok := md[key].([]string); ok {
		return v
	}
	return nil
}

func metadataInt(md map[string]any, key string) int {
	if md == nil {
		return 0
	}
	switch v := md[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
