package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/floorwatch/internal/channels"
	"github.com/basket/floorwatch/internal/config"
	"github.com/basket/floorwatch/internal/persistence"
	"github.com/basket/floorwatch/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkSourceKey,
		checkTelegram,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, defaults in use",
			Detail: "Run `floorwatch run` once to write a starter config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create home dir: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: "Open failed: " + shared.Redact(err.Error())}
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: "Ping failed: " + shared.Redact(err.Error())}
	}
	guilds, err := store.LicensedGuilds(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("%s reachable, schema valid", cfg.Database.Driver),
		Detail: fmt.Sprintf("%d licensed guilds", len(guilds))}
}

func checkSourceKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Source Key", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Source.APIKey != "" {
		return CheckResult{Name: "Source Key", Status: StatusPass, Message: "API key configured"}
	}
	return CheckResult{
		Name:    "Source Key",
		Status:  StatusWarn,
		Message: "No API key; requests will be heavily rate limited",
		Detail:  "Set OPENSEA_API_KEY or source.api_key",
	}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Disabled; side effects go to the log"}
	}
	if cfg.Telegram.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled but no token", Detail: "Set TELEGRAM_TOKEN"}
	}
	// getMe validates the token.
	if _, err := channels.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.Endpoint, cfg.Sync.SinkTimeout, slog.New(slog.DiscardHandler)); err != nil {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: "Bot token accepted"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	base := cfg.Source.APIBaseURL
	if strings.EqualFold(cfg.Source.Transport, "scrape") {
		base = cfg.Source.WebBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: StatusFail, Message: fmt.Sprintf("Bad source URL %q", base)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
