package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/floorwatch/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromFloorwatchHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".floorwatch"), "sync:\n  workers: 3\n  value_schedule: \"*/5 * * * *\"\n  sink_timeout: 2s\n")
	t.Setenv("HOME", home)
	t.Setenv("FLOORWATCH_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Sync.Workers != 3 {
		t.Fatalf("expected workers=3 got %d", cfg.Sync.Workers)
	}
	if cfg.Sync.ValueSchedule != "*/5 * * * *" {
		t.Fatalf("unexpected value schedule %q", cfg.Sync.ValueSchedule)
	}
	if cfg.Sync.SinkTimeout != 2*time.Second {
		t.Fatalf("expected sink_timeout=2s got %s", cfg.Sync.SinkTimeout)
	}
	if cfg.NeedsInit {
		t.Fatal("config exists, NeedsInit should be false")
	}
}

func TestLoad_NeedsInitWhenNoConfig(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit when config.yaml is missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Database.DSN != filepath.Join(home, "floorwatch.db") {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Sync.ValueSchedule != "@every 15m" || cfg.Sync.EventSchedule != "@every 10s" || cfg.Sync.ReconcileSchedule != "@every 6h" {
		t.Fatalf("unexpected schedules: %+v", cfg.Schedules())
	}
	if cfg.Sync.ExpiryMargin != 96*time.Hour {
		t.Fatalf("expected 96h margin, got %s", cfg.Sync.ExpiryMargin)
	}
	if cfg.Sync.EventCap != 5 || cfg.Sync.CurrencySymbol != "Ξ" {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Source.Transport != "api" || cfg.Source.MaxQueueDelay != 30*time.Second {
		t.Fatalf("unexpected source defaults: %+v", cfg.Source)
	}
	if cfg.LogLevel != "info" || cfg.Gateway.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected defaults: level=%s bind=%s", cfg.LogLevel, cfg.Gateway.BindAddr)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: warn\ndatabase:\n  driver: sqlite3\n")
	t.Setenv("FLOORWATCH_LOG_LEVEL", "debug")
	t.Setenv("FLOORWATCH_DB_DRIVER", "postgres")
	t.Setenv("FLOORWATCH_DB_DSN", "postgres://fw@localhost/fw")
	t.Setenv("OPENSEA_API_KEY", "os-key")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("FLOORWATCH_BIND_ADDR", "127.0.0.1:9999")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env log level, got %s", cfg.LogLevel)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://fw@localhost/fw" {
		t.Fatalf("unexpected database: %+v", cfg.Database)
	}
	if cfg.Source.APIKey != "os-key" {
		t.Fatalf("api key not overridden")
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram env not applied: %+v", cfg.Telegram)
	}
	if cfg.Gateway.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr not overridden: %s", cfg.Gateway.BindAddr)
	}
}

func TestLoad_NormalizesDriverAliases(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "database:\n  driver: PostgreSQL\n  dsn: postgres://x\nsource:\n  api_base_url: https://example.test/\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver alias not normalized: %s", cfg.Database.Driver)
	}
	if cfg.Source.APIBaseURL != "https://example.test" {
		t.Fatalf("trailing slash kept: %s", cfg.Source.APIBaseURL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad level", "log_level: loud\n", "log_level"},
		{"bad driver", "database:\n  driver: mysql\n", "database.driver"},
		{"postgres without dsn", "database:\n  driver: postgres\n", "database.dsn"},
		{"bad transport", "source:\n  transport: carrier-pigeon\n", "source.transport"},
		{"telegram without token", "telegram:\n  enabled: true\n", "telegram.token"},
		{"public gateway without token", "gateway:\n  enabled: true\n  bind_addr: 0.0.0.0:8080\n", "auth_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tt.body)
			t.Setenv("TELEGRAM_TOKEN", "")
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "sync: [unclosed\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := config.LoadFrom(home)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.Sync.EventSchedule = "@every 30s"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores schedule changes")
	}
	b = a
	b.Source.APIKey = "secret"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must not depend on secrets")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint %s", a.Fingerprint())
	}
}

func TestWriteStarter(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	wrote, err := config.WriteStarter(home)
	if err != nil || !wrote {
		t.Fatalf("first write: wrote=%v err=%v", wrote, err)
	}
	wrote, err = config.WriteStarter(home)
	if err != nil || wrote {
		t.Fatalf("second write must not overwrite: wrote=%v err=%v", wrote, err)
	}

	// The starter file loads cleanly and matches the defaults.
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load starter: %v", err)
	}
	def, _ := config.LoadFrom(t.TempDir())
	if cfg.NeedsInit || cfg.Fingerprint() != def.Fingerprint() {
		t.Fatalf("starter config drifted from defaults: %s vs %s", cfg.Fingerprint(), def.Fingerprint())
	}
}
