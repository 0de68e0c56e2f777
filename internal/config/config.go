package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/protocol"
	"github.com/basket/go-dispatch/internal/selector"
	"gopkg.in/yaml.v3"
)

const (
	defaultBindAddr = "127.0.0.1:18790"
	// HardMaxTimeoutMs caps max_timeout_ms.
	HardMaxTimeoutMs = int64(10 * time.Minute / time.Millisecond)
)

type ShellConfig struct {
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
	WorkDir        string `yaml:"work_dir"`
}

// ConnectorConfig maps a connector id to an HTTP endpoint the worker calls
// for connector.action work.
type ConnectorConfig struct {
	ID      string            `yaml:"id"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
}

// WorkerConfig configures cmd/dispatch-worker.
type WorkerConfig struct {
	GatewayURL        string            `yaml:"gateway_url"`
	Token             string            `yaml:"token"`
	WorkerID          string            `yaml:"worker_id"`
	Kinds             []string          `yaml:"kinds"`
	MaxInFlight       int               `yaml:"max_in_flight"`
	Labels            []string          `yaml:"labels"`
	HeartbeatSeconds  int               `yaml:"heartbeat_seconds"`
	BackoffMaxSeconds int               `yaml:"backoff_max_seconds"`
	Shell             ShellConfig       `yaml:"shell"`
	Connectors        []ConnectorConfig `yaml:"connectors"`
	MemoryPath        string            `yaml:"memory_path"`
	PendingAckMax     int               `yaml:"pending_ack_max"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// ResultsURL selects the results store: memory://, sqlite:// or
	// redis://host:port/db?prefix=...
	ResultsURL string `yaml:"results_url"`
	// ContinuationURL selects the continuation queue, same schemes.
	ContinuationURL string `yaml:"continuation_url"`

	DefaultTimeoutMs   int64  `yaml:"default_timeout_ms"`
	MaxTimeoutMs       int64  `yaml:"max_timeout_ms"`
	ResultTTLSeconds   int    `yaml:"result_ttl_seconds"`
	StaleAfterSeconds  int    `yaml:"stale_after_seconds"`
	SelectionPolicy    string `yaml:"selection_policy"`
	SessionReplayLimit int    `yaml:"session_replay_limit"`

	// ServiceTokens authenticate the control-plane API.
	ServiceTokens []string `yaml:"service_tokens"`
	// FrontendTokens maps a front-end bearer token to its organization.
	FrontendTokens map[string]string `yaml:"frontend_tokens"`
	AllowOrigins   []string          `yaml:"allow_origins"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention (days). 0 keeps forever.
	RetentionSessionEventsDays int `yaml:"retention_session_events_days"`
	RetentionContinuationsDays int `yaml:"retention_continuations_days"`
	RetentionAuditLogDays      int `yaml:"retention_audit_log_days"`

	Telemetry otel.Config  `yaml:"telemetry"`
	Worker    WorkerConfig `yaml:"worker"`
}

func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func (c Config) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMs) * time.Millisecond
}

func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSeconds) * time.Second
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Policy returns the parsed selection policy. Validate has already
// rejected unknown values.
func (c Config) Policy() selector.Policy {
	p, err := selector.ParsePolicy(c.SelectionPolicy)
	if err != nil {
		return selector.PolicyLeastInFlight
	}
	return p
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect routing.
// Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|results=%s|cont=%s|default=%d|max=%d|ttl=%d|stale=%d|policy=%s|replay=%d|origins=%v|rps=%g|burst=%d",
		c.BindAddr, c.LogLevel, c.ResultsURL, c.ContinuationURL, c.DefaultTimeoutMs, c.MaxTimeoutMs,
		c.ResultTTLSeconds, c.StaleAfterSeconds, c.SelectionPolicy, c.SessionReplayLimit, c.AllowOrigins,
		c.RateLimitRPS, c.RateLimitBurst)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Diff names the hot-reloadable settings that differ between c and next.
func (c Config) Diff(next Config) []string {
	var changed []string
	if c.SelectionPolicy != next.SelectionPolicy {
		changed = append(changed, "selection_policy")
	}
	if c.StaleAfterSeconds != next.StaleAfterSeconds {
		changed = append(changed, "stale_after_seconds")
	}
	if c.DefaultTimeoutMs != next.DefaultTimeoutMs {
		changed = append(changed, "default_timeout_ms")
	}
	if c.LogLevel != next.LogLevel {
		changed = append(changed, "log_level")
	}
	return changed
}

func defaultConfig() Config {
	return Config{
		BindAddr:                   defaultBindAddr,
		LogLevel:                   "info",
		ResultsURL:                 "sqlite://",
		ContinuationURL:            "sqlite://",
		DefaultTimeoutMs:           60_000,
		MaxTimeoutMs:               300_000,
		ResultTTLSeconds:           3600,
		StaleAfterSeconds:          45,
		SelectionPolicy:            string(selector.PolicyLeastInFlight),
		SessionReplayLimit:         100,
		RateLimitRPS:               50,
		RateLimitBurst:             100,
		MaxBodyBytes:               1 << 20,
		DrainTimeoutSeconds:        5,
		RetentionSessionEventsDays: 30,
		RetentionContinuationsDays: 7,
		RetentionAuditLogDays:      365,
		Worker: WorkerConfig{
			GatewayURL:        "ws://" + defaultBindAddr + "/v1/workers/connect",
			Kinds:             []string{string(protocol.KindShellExec)},
			MaxInFlight:       4,
			HeartbeatSeconds:  15,
			BackoffMaxSeconds: 30,
			PendingAckMax:     256,
			Shell: ShellConfig{
				SandboxImage:   "alpine:3.20",
				SandboxMemory:  256,
				SandboxNetwork: "none",
			},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GODISPATCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".godispatch")
}

// Load reads config.yaml from HomeDir over the defaults, then applies env
// overrides, normalization and validation.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create godispatch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "dispatch.db")
	}
	if cfg.ResultsURL == "" {
		cfg.ResultsURL = "sqlite://"
	}
	if cfg.ContinuationURL == "" {
		cfg.ContinuationURL = "sqlite://"
	}
	if cfg.MaxTimeoutMs <= 0 {
		cfg.MaxTimeoutMs = 300_000
	}
	if cfg.MaxTimeoutMs > HardMaxTimeoutMs {
		cfg.MaxTimeoutMs = HardMaxTimeoutMs
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = 60_000
	}
	if cfg.DefaultTimeoutMs > cfg.MaxTimeoutMs {
		cfg.DefaultTimeoutMs = cfg.MaxTimeoutMs
	}
	// Results must outlive the longest deadline so a late reply still finds
	// the synthetic timeout.
	if minTTL := int((cfg.MaxTimeoutMs + 999) / 1000); cfg.ResultTTLSeconds < minTTL {
		cfg.ResultTTLSeconds = minTTL
	}
	if cfg.StaleAfterSeconds < 0 {
		cfg.StaleAfterSeconds = 0
	}
	if cfg.SessionReplayLimit <= 0 {
		cfg.SessionReplayLimit = 100
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	cfg.SelectionPolicy = strings.ToLower(strings.TrimSpace(cfg.SelectionPolicy))

	w := &cfg.Worker
	if w.MaxInFlight <= 0 {
		w.MaxInFlight = 1
	}
	if w.HeartbeatSeconds <= 0 {
		w.HeartbeatSeconds = 15
	}
	if w.BackoffMaxSeconds <= 0 {
		w.BackoffMaxSeconds = 30
	}
	if w.PendingAckMax <= 0 {
		w.PendingAckMax = 256
	}
	if w.MemoryPath == "" {
		w.MemoryPath = filepath.Join(cfg.HomeDir, "worker-memory.db")
	}
	if len(w.Kinds) == 0 {
		w.Kinds = []string{string(protocol.KindShellExec)}
	}
}

// Validate rejects settings that cannot be normalized into something safe.
func (c Config) Validate() error {
	var errs []error
	if _, err := selector.ParsePolicy(c.SelectionPolicy); err != nil {
		errs = append(errs, fmt.Errorf("selection_policy: %w", err))
	}
	for _, k := range c.Worker.Kinds {
		if _, err := protocol.ParseWorkKind(k); err != nil {
			errs = append(errs, fmt.Errorf("worker.kinds: %w", err))
		}
	}
	for _, conn := range c.Worker.Connectors {
		if conn.ID == "" || conn.URL == "" {
			errs = append(errs, errors.New("worker.connectors: id and url are required"))
		}
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	for _, orgID := range c.FrontendTokens {
		if err := protocol.ValidateOrgID(orgID); err != nil {
			errs = append(errs, fmt.Errorf("frontend_tokens: %w", err))
		}
	}
	if slices.Contains(c.ServiceTokens, "") {
		errs = append(errs, errors.New("service_tokens must not contain empty tokens"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GODISPATCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GODISPATCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GODISPATCH_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GODISPATCH_RESULTS_URL"); raw != "" {
		cfg.ResultsURL = raw
	}
	if raw := os.Getenv("GODISPATCH_CONTINUATION_URL"); raw != "" {
		cfg.ContinuationURL = raw
	}
	if raw := os.Getenv("GODISPATCH_DEFAULT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.DefaultTimeoutMs = v
		}
	}
	if raw := os.Getenv("GODISPATCH_MAX_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.MaxTimeoutMs = v
		}
	}
	if raw := os.Getenv("GODISPATCH_STALE_AFTER_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StaleAfterSeconds = v
		}
	}
	if raw := os.Getenv("GODISPATCH_SELECTION_POLICY"); raw != "" {
		cfg.SelectionPolicy = raw
	}
	if raw := os.Getenv("GODISPATCH_SERVICE_TOKEN"); raw != "" {
		cfg.ServiceTokens = append(cfg.ServiceTokens, raw)
	}
	if raw := os.Getenv("GODISPATCH_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GODISPATCH_GATEWAY_URL"); raw != "" {
		cfg.Worker.GatewayURL = raw
	}
	if raw := os.Getenv("GODISPATCH_WORKER_TOKEN"); raw != "" {
		cfg.Worker.Token = raw
	}
	if raw := os.Getenv("GODISPATCH_WORKER_ID"); raw != "" {
		cfg.Worker.WorkerID = raw
	}
	if raw := os.Getenv("GODISPATCH_WORKER_MAX_IN_FLIGHT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.MaxInFlight = v
		}
	}
	if raw := os.Getenv("GODISPATCH_WORKER_KINDS"); raw != "" {
		cfg.Worker.Kinds = splitList(raw)
	}
	if raw := os.Getenv("GODISPATCH_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		cfg.Telemetry.Endpoint = raw
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
