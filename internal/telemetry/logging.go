package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/floorwatch/internal/shared"
)

// LogFileName is the JSON-lines log written under <home>/logs.
const LogFileName = "floorwatch.jsonl"

const redacted = "[REDACTED]"

// Attribute keys whose values are never written, matched as substrings of
// the lower-cased key.
var secretKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "dsn"}

// Substrings that mark a whole string value as a credential line.
var credentialMarkers = []string{"bearer ", "x-api-key", "authorization:"}

// Logger is the process logger. Its level can be changed at runtime.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// NewLogger logs JSON to <homeDir>/logs/floorwatch.jsonl and, unless quiet,
// to stdout as well.
func NewLogger(homeDir, level string, quiet bool) (*Logger, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	out := io.Writer(file)
	if !quiet {
		out = io.MultiWriter(os.Stdout, file)
	}
	l := &Logger{level: new(slog.LevelVar), file: file}
	l.SetLevel(level)
	l.Logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       l.level,
		ReplaceAttr: scrubAttr,
	})).With("component", "floorwatch")
	return l, nil
}

// SetLevel changes the minimum level of every logger derived from l.
// Unknown names fall back to info.
func (l *Logger) SetLevel(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		lvl = slog.LevelInfo
	}
	l.level.Set(lvl)
}

func (l *Logger) Close() error {
	return l.file.Close()
}

// scrubAttr renames the time key and masks secrets by key or by content.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if isSecretKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	lower := strings.ToLower(v)
	for _, m := range credentialMarkers {
		if strings.Contains(lower, m) {
			return slog.String(a.Key, redacted)
		}
	}
	if masked := shared.Redact(v); masked != v {
		return slog.String(a.Key, masked)
	}
	return a
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
