// Package config handles loading and validating Kiwanda configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kiwanda/internal/domain"
	"github.com/jkaninda/kiwanda/internal/metering"
	"github.com/jkaninda/kiwanda/internal/observability"
	"github.com/jkaninda/kiwanda/internal/ratelimit"
	"github.com/jkaninda/kiwanda/internal/sandbox"
	"github.com/jkaninda/kiwanda/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kiwanda.
type Config struct {
	Server        ServerConfig          `yaml:"server"`
	Provider      ProviderConfig        `yaml:"provider"`
	Sandbox       SandboxConfig         `yaml:"sandbox"`
	Models        ModelsConfig          `yaml:"models"`
	Metering      MeteringConfig        `yaml:"metering"`
	RateLimit     *ratelimit.Config     `yaml:"rate_limit,omitempty"`     // nil = unlimited
	Storage       *storage.Config       `yaml:"storage,omitempty"`        // nil = SQLite default
	Observability *observability.Config `yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr    string            `yaml:"addr"`     // Default: ":8080".
	APIKey  string            `yaml:"api_key"`  // Single-key setup, maps to user "default". Override: KIWANDA_API_KEY.
	APIKeys map[string]string `yaml:"api_keys"` // API key to user ID mapping for multi-user setups.
	Docs    bool              `yaml:"docs"`     // Serve OpenAPI docs.
}

// KeyMap returns the combined API key to user ID mapping.
func (s ServerConfig) KeyMap() map[string]string {
	keys := make(map[string]string, len(s.APIKeys)+1)
	for k, v := range s.APIKeys {
		keys[k] = v
	}
	if s.APIKey != "" {
		keys[s.APIKey] = "default"
	}
	return keys
}

// ListenAddr returns the bind address, defaulting to ":8080".
func (s ServerConfig) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// ProviderConfig configures the model API.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`  // Override: ANTHROPIC_API_KEY env var.
	BaseURL string `yaml:"base_url"` // Empty = provider default endpoint.
}

// SandboxConfig configures the sandbox control plane and lifecycle timings.
type SandboxConfig struct {
	BaseURL                  string `yaml:"base_url"` // Control plane endpoint. Override: SANDBOX_API_URL.
	APIKey                   string `yaml:"api_key"`  // Override: SANDBOX_API_KEY env var.
	Template                 string `yaml:"template"` // Provider template for new sandboxes.
	IdleTimeoutSeconds       int    `yaml:"idle_timeout_seconds"`       // Default: 600.
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"` // Default: 300.
}

// IdleTimeout returns the provider-side idle window. Default: 10 minutes.
func (s SandboxConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// HeartbeatInterval returns the expected client heartbeat cadence. Default: 5 minutes.
func (s SandboxConfig) HeartbeatInterval() time.Duration {
	if s.HeartbeatIntervalSeconds > 0 {
		return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ManagerConfig converts to the lifecycle manager's configuration.
func (s SandboxConfig) ManagerConfig() sandbox.Config {
	return sandbox.Config{
		IdleTimeout:       s.IdleTimeout(),
		HeartbeatInterval: s.HeartbeatInterval(),
		Template:          s.Template,
	}
}

// ModelsConfig maps user-facing tiers to provider model identifiers.
type ModelsConfig struct {
	Fast   string `yaml:"fast"`
	Expert string `yaml:"expert"`
}

// TierMap returns the tier-to-model routing table.
func (m ModelsConfig) TierMap() map[domain.Tier]string {
	return map[domain.Tier]string{
		domain.TierFast:   m.Fast,
		domain.TierExpert: m.Expert,
	}
}

// MeteringConfig configures plans and credit pricing.
type MeteringConfig struct {
	PeriodDays  int                `yaml:"period_days"`  // Billing period length. Default: 30.
	DefaultPlan string             `yaml:"default_plan"` // Plan for users without an assignment.
	Plans       map[string]float64 `yaml:"plans"`        // Plan name to credit limit per period.
	Multipliers map[string]float64 `yaml:"multipliers"`  // Model to credit multiplier. Absent = 1.0.
}

// MeterConfig converts to the meter's configuration.
func (m MeteringConfig) MeterConfig() metering.Config {
	var period time.Duration
	if m.PeriodDays > 0 {
		period = time.Duration(m.PeriodDays) * 24 * time.Hour
	}
	return metering.Config{
		Period:      period,
		Plans:       m.Plans,
		DefaultPlan: m.DefaultPlan,
		Multipliers: m.Multipliers,
	}
}

// DefaultConfigPath returns the standard config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kiwanda.yml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kiwanda", "config.yml")
}

// Load reads a YAML config file and returns a validated Config.
// API keys can be set in the config file or overridden by environment
// variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("KIWANDA_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("KIWANDA_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SANDBOX_API_URL"); v != "" {
		c.Sandbox.BaseURL = v
	}
	if v := os.Getenv("SANDBOX_API_KEY"); v != "" {
		c.Sandbox.APIKey = v
	}
	if v := os.Getenv("KIWANDA_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{Driver: storage.DriverPostgres}
		}
		c.Storage.Postgres.DSN = v
	}
}

// Validate checks required fields and cross-field invariants.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required (set ANTHROPIC_API_KEY env var)")
	}
	if len(c.Server.KeyMap()) == 0 {
		return fmt.Errorf("server.api_key or server.api_keys is required (set KIWANDA_API_KEY env var)")
	}
	if c.Sandbox.BaseURL == "" {
		return fmt.Errorf("sandbox.base_url is required (set SANDBOX_API_URL env var)")
	}
	if c.Models.Fast == "" || c.Models.Expert == "" {
		return fmt.Errorf("models.fast and models.expert are required")
	}

	// Heartbeats must land well inside the idle window: one missed beat plus
	// delivery jitter still keeps an active sandbox alive.
	if c.Sandbox.HeartbeatInterval() >= c.Sandbox.IdleTimeout()/2 {
		return fmt.Errorf("sandbox.heartbeat_interval_seconds (%v) must be less than half of idle_timeout_seconds (%v)",
			c.Sandbox.HeartbeatInterval(), c.Sandbox.IdleTimeout())
	}

	for name, limit := range c.Metering.Plans {
		if limit <= 0 {
			return fmt.Errorf("metering.plans.%s must be positive", name)
		}
	}
	if c.Metering.DefaultPlan != "" && len(c.Metering.Plans) > 0 {
		if _, ok := c.Metering.Plans[c.Metering.DefaultPlan]; !ok {
			return fmt.Errorf("metering.default_plan %q not found in plans", c.Metering.DefaultPlan)
		}
	}
	for model, mult := range c.Metering.Multipliers {
		if mult <= 0 {
			return fmt.Errorf("metering.multipliers.%s must be positive", model)
		}
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case storage.DriverSQLite, storage.DriverPostgres:
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.Driver == storage.DriverPostgres && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}
	return nil
}

// EffectiveStorage returns storage settings with defaults applied: SQLite
// under ~/.kiwanda/data when no driver or path is configured.
func (c *Config) EffectiveStorage() storage.Config {
	cfg := storage.Config{}
	if c.Storage != nil {
		cfg = *c.Storage
	}
	if cfg.Driver == "" {
		cfg.Driver = storage.DefaultDriver
	}
	if cfg.Driver == storage.DriverSQLite && cfg.SQLite.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.SQLite.Path = filepath.Join(home, ".kiwanda", "data", "kiwanda.db")
		} else {
			cfg.SQLite.Path = "kiwanda.db"
		}
	}
	return cfg
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
