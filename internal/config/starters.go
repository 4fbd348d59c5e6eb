package config

import (
	"fmt"
	"os"
)

// starterConfig is written on first run. Every value shown is the default.
const starterConfig = `# floorwatch configuration
log_level: info

database:
  driver: sqlite3        # or postgres
  # dsn: postgres://floorwatch@localhost/floorwatch?sslmode=disable

source:
  transport: api         # api or scrape (floor price only)
  api_base_url: https://api.opensea.io
  # api_key: set OPENSEA_API_KEY instead
  rate_per_second: 4
  burst: 1
  concurrency: 4
  max_queue_delay: 30s
  call_timeout: 15s

telegram:
  enabled: false
  # token: set TELEGRAM_TOKEN instead

sync:
  value_schedule: "@every 15m"
  event_schedule: "@every 10s"
  reconcile_schedule: "@every 6h"
  expiry_margin: 96h
  workers: 8
  sink_concurrency: 4
  sink_timeout: 10s
  event_cap: 5
  currency_symbol: "Ξ"
  sync_on_start: false
  history_retention_days: 0

gateway:
  enabled: false
  bind_addr: 127.0.0.1:18790
  sync_per_minute: 6

telemetry:
  enabled: false
  exporter: none
  prometheus: false
`

// WriteStarter creates config.yaml in homeDir unless one already exists.
// It reports whether a file was written.
func WriteStarter(homeDir string) (bool, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create floorwatch home: %w", err)
	}
	f, err := os.OpenFile(ConfigPath(homeDir), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create config.yaml: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(starterConfig); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
