package doctor

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/floorwatch/internal/config"
)

func loadTestConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("OPENSEA_API_KEY", "")
	t.Setenv("TELEGRAM_TOKEN", "")
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestChecks_NilConfig(t *testing.T) {
	for _, check := range []func(context.Context, *config.Config) CheckResult{
		checkPermissions, checkDatabase, checkSourceKey, checkTelegram, checkNetwork,
	} {
		if res := check(context.Background(), nil); res.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", res.Name, res.Status)
		}
	}
	if res := checkConfig(context.Background(), nil); res.Status != StatusFail {
		t.Fatalf("expected FAIL for nil config, got %s", res.Status)
	}
}

func TestCheckConfig_MissingFileWarns(t *testing.T) {
	cfg := loadTestConfig(t)
	if res := checkConfig(context.Background(), &cfg); res.Status != StatusWarn {
		t.Fatalf("expected WARN before first run, got %+v", res)
	}
	cfg.NeedsInit = false
	if res := checkConfig(context.Background(), &cfg); res.Status != StatusPass || !strings.Contains(res.Detail, "cfg-") {
		t.Fatalf("expected PASS with fingerprint, got %+v", res)
	}
}

func TestCheckDatabase_SQLite(t *testing.T) {
	cfg := loadTestConfig(t)
	res := checkDatabase(context.Background(), &cfg)
	if res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}
}

func TestCheckDatabase_BadDriver(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Database.Driver = "oracle"
	if res := checkDatabase(context.Background(), &cfg); res.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", res)
	}
}

func TestCheckSourceKey(t *testing.T) {
	cfg := loadTestConfig(t)
	if res := checkSourceKey(context.Background(), &cfg); res.Status != StatusWarn {
		t.Fatalf("expected WARN without key, got %s", res.Status)
	}
	cfg.Source.APIKey = "k"
	if res := checkSourceKey(context.Background(), &cfg); res.Status != StatusPass {
		t.Fatalf("expected PASS with key, got %s", res.Status)
	}
}

func TestCheckTelegram(t *testing.T) {
	cfg := loadTestConfig(t)
	if res := checkTelegram(context.Background(), &cfg); res.Status != StatusSkip {
		t.Fatalf("disabled telegram should SKIP, got %s", res.Status)
	}

	cfg.Telegram.Enabled = true
	if res := checkTelegram(context.Background(), &cfg); res.Status != StatusFail {
		t.Fatalf("missing token should FAIL, got %s", res.Status)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "good-token") {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"fw","username":"fw_bot"}}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()
	cfg.Telegram.Endpoint = srv.URL + "/bot%s/%s"

	cfg.Telegram.Token = "good-token"
	if res := checkTelegram(context.Background(), &cfg); res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}
	cfg.Telegram.Token = "bad-token"
	if res := checkTelegram(context.Background(), &cfg); res.Status != StatusFail {
		t.Fatalf("expected FAIL for rejected token, got %+v", res)
	}
}

func TestCheckNetwork_UsesTransportHost(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Source.APIBaseURL = "http://127.0.0.1:9"
	res := checkNetwork(context.Background(), &cfg)
	if res.Status != StatusPass || !strings.Contains(res.Message, "127.0.0.1") {
		t.Fatalf("expected PASS for IP literal, got %+v", res)
	}

	cfg.Source.Transport = "scrape"
	cfg.Source.WebBaseURL = "::not a url"
	if res := checkNetwork(context.Background(), &cfg); res.Status != StatusFail {
		t.Fatalf("expected FAIL for bad URL, got %+v", res)
	}
}

func TestRun_AndRender(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Source.APIBaseURL = "http://127.0.0.1:9"
	d := Run(context.Background(), &cfg, "v-test")
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(d.Results))
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}

	var buf bytes.Buffer
	Render(&buf, d)
	out := buf.String()
	for _, want := range []string{"floorwatch doctor", "v-test", "Database", "all checks passed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}

	d.Results = append(d.Results, CheckResult{Name: "X", Status: StatusFail, Message: "broken"})
	buf.Reset()
	Render(&buf, d)
	if !strings.Contains(buf.String(), "1 check(s) failed") {
		t.Fatalf("expected failure summary:\n%s", buf.String())
	}
}
