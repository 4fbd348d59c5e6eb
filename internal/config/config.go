package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/floorwatch/internal/otel"
)

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite3 or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

type SourceConfig struct {
	// Transport selects how floor prices are read: "api" or "scrape".
	// Events always use the API.
	Transport      string        `yaml:"transport"`
	APIBaseURL     string        `yaml:"api_base_url"`
	WebBaseURL     string        `yaml:"web_base_url"`
	APIKey         string        `yaml:"api_key"`
	UserAgent      string        `yaml:"user_agent"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	Concurrency    int           `yaml:"concurrency"`
	MaxQueueDelay  time.Duration `yaml:"max_queue_delay"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ScrapeSelector string        `yaml:"scrape_selector"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// Endpoint overrides the Bot API URL format, e.g. for a local Bot API server.
	Endpoint string `yaml:"endpoint"`
}

type SyncConfig struct {
	ValueSchedule     string        `yaml:"value_schedule"`
	EventSchedule     string        `yaml:"event_schedule"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
	ExpiryMargin      time.Duration `yaml:"expiry_margin"`
	Workers           int           `yaml:"workers"`
	SinkConcurrency   int           `yaml:"sink_concurrency"`
	SinkTimeout       time.Duration `yaml:"sink_timeout"`
	EventCap          int           `yaml:"event_cap"`
	CurrencySymbol    string        `yaml:"currency_symbol"`
	// SyncOnStart runs a value pass right after startup.
	SyncOnStart bool `yaml:"sync_on_start"`
	// HistoryRetentionDays purges older samples during reconciliation. 0 = keep forever.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

type GatewayConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins,omitempty"`
	// SyncPerMinute limits manual sync triggers per client.
	SyncPerMinute int `yaml:"sync_per_minute"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Database  DatabaseConfig `yaml:"database"`
	Source    SourceConfig   `yaml:"source"`
	Telegram  TelegramConfig `yaml:"telegram"`
	Sync      SyncConfig     `yaml:"sync"`
	Gateway   GatewayConfig  `yaml:"gateway"`
	Telemetry otel.Config    `yaml:"telemetry"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

// Schedules maps pass names to their cron specs.
func (c Config) Schedules() map[string]string {
	return map[string]string{
		"value":     c.Sync.ValueSchedule,
		"events":    c.Sync.EventSchedule,
		"reconcile": c.Sync.ReconcileSchedule,
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape sync behaviour.
// Secrets are left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|transport=%s|rate=%g/%d/%d|sched=%s,%s,%s|margin=%s|workers=%d/%d|cap=%d|log=%s",
		c.Database.Driver, c.Source.Transport,
		c.Source.RatePerSecond, c.Source.Burst, c.Source.Concurrency,
		c.Sync.ValueSchedule, c.Sync.EventSchedule, c.Sync.ReconcileSchedule,
		c.Sync.ExpiryMargin, c.Sync.Workers, c.Sync.SinkConcurrency, c.Sync.EventCap, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Database: DatabaseConfig{Driver: "sqlite3"},
		Source: SourceConfig{
			Transport:      "api",
			APIBaseURL:     "https://api.opensea.io",
			WebBaseURL:     "https://opensea.io",
			UserAgent:      "floorwatch/0.3",
			RatePerSecond:  4,
			Burst:          1,
			Concurrency:    4,
			MaxQueueDelay:  30 * time.Second,
			CallTimeout:    15 * time.Second,
			ScrapeSelector: ".fqMVjm",
		},
		Sync: SyncConfig{
			ValueSchedule:     "@every 15m",
			EventSchedule:     "@every 10s",
			ReconcileSchedule: "@every 6h",
			ExpiryMargin:      96 * time.Hour,
			Workers:           8,
			SinkConcurrency:   4,
			SinkTimeout:       10 * time.Second,
			EventCap:          5,
			CurrencySymbol:    "Ξ",
		},
		Gateway: GatewayConfig{BindAddr: "127.0.0.1:18790", SyncPerMinute: 6},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "floorwatch",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FLOORWATCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".floorwatch")
}

// Load reads config.yaml from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applies env overrides, fills
// defaults and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create floorwatch home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	switch cfg.Database.Driver {
	case "", "sqlite":
		cfg.Database.Driver = "sqlite3"
	case "postgresql", "pgx":
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = filepath.Join(cfg.HomeDir, "floorwatch.db")
	}

	s := &cfg.Source
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	if s.Transport == "" {
		s.Transport = d.Source.Transport
	}
	s.APIBaseURL = strings.TrimRight(s.APIBaseURL, "/")
	if s.APIBaseURL == "" {
		s.APIBaseURL = d.Source.APIBaseURL
	}
	s.WebBaseURL = strings.TrimRight(s.WebBaseURL, "/")
	if s.WebBaseURL == "" {
		s.WebBaseURL = d.Source.WebBaseURL
	}
	if s.UserAgent == "" {
		s.UserAgent = d.Source.UserAgent
	}
	if s.RatePerSecond <= 0 {
		s.RatePerSecond = d.Source.RatePerSecond
	}
	if s.Burst <= 0 {
		s.Burst = d.Source.Burst
	}
	if s.Concurrency <= 0 {
		s.Concurrency = d.Source.Concurrency
	}
	if s.MaxQueueDelay <= 0 {
		s.MaxQueueDelay = d.Source.MaxQueueDelay
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = d.Source.CallTimeout
	}
	if s.ScrapeSelector == "" {
		s.ScrapeSelector = d.Source.ScrapeSelector
	}

	y := &cfg.Sync
	if y.ValueSchedule == "" {
		y.ValueSchedule = d.Sync.ValueSchedule
	}
	if y.EventSchedule == "" {
		y.EventSchedule = d.Sync.EventSchedule
	}
	if y.ReconcileSchedule == "" {
		y.ReconcileSchedule = d.Sync.ReconcileSchedule
	}
	if y.ExpiryMargin <= 0 {
		y.ExpiryMargin = d.Sync.ExpiryMargin
	}
	if y.Workers <= 0 {
		y.Workers = d.Sync.Workers
	}
	if y.SinkConcurrency <= 0 {
		y.SinkConcurrency = d.Sync.SinkConcurrency
	}
	if y.SinkTimeout <= 0 {
		y.SinkTimeout = d.Sync.SinkTimeout
	}
	if y.EventCap <= 0 {
		y.EventCap = d.Sync.EventCap
	}
	if y.CurrencySymbol == "" {
		y.CurrencySymbol = d.Sync.CurrencySymbol
	}
	if y.HistoryRetentionDays < 0 {
		y.HistoryRetentionDays = 0
	}

	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = d.Gateway.BindAddr
	}
	if cfg.Gateway.SyncPerMinute <= 0 {
		cfg.Gateway.SyncPerMinute = d.Gateway.SyncPerMinute
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel))
	}
	switch cfg.Database.Driver {
	case "sqlite3":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported (sqlite3, postgres)", cfg.Database.Driver))
	}
	switch cfg.Source.Transport {
	case "api", "scrape":
	default:
		errs = append(errs, fmt.Errorf("source.transport %q is not supported (api, scrape)", cfg.Source.Transport))
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
	}
	if cfg.Gateway.Enabled && cfg.Gateway.AuthToken == "" && !isLoopback(cfg.Gateway.BindAddr) {
		errs = append(errs, fmt.Errorf("gateway.auth_token is required to bind %s", cfg.Gateway.BindAddr))
	}
	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLOORWATCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLOORWATCH_DB_DRIVER"); raw != "" {
		cfg.Database.Driver = raw
	}
	if raw := os.Getenv("FLOORWATCH_DB_DSN"); raw != "" {
		cfg.Database.DSN = raw
	}
	if raw := os.Getenv("OPENSEA_API_KEY"); raw != "" {
		cfg.Source.APIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
	if raw := os.Getenv("FLOORWATCH_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("FLOORWATCH_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("FLOORWATCH_SYNC_ON_START"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Sync.SyncOnStart = v
		}
	}
}
