package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Reload is one settled change of config.yaml. Err is set when the new
// file does not load; Config is then the zero value.
type Reload struct {
	Config Config
	Err    error
}

// Watcher re-reads config.yaml when it changes. The home directory is
// watched instead of the file so editors that replace the file on save
// are seen. Bursts of events inside the debounce window become one
// reload, and saves that leave the bytes unchanged are ignored.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	out      chan Reload
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: DefaultDebounce,
		out:      make(chan Reload, 4),
	}
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Reloads is closed when the context given to Start ends.
func (w *Watcher) Reloads() <-chan Reload {
	return w.out
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))
	last := fileSum(target)

	go func() {
		defer fsw.Close()
		defer close(w.out)

		timer := time.NewTimer(time.Hour)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(w.debounce)
			case <-timer.C:
				sum := fileSum(target)
				if sum == nil || bytes.Equal(sum, last) {
					continue
				}
				last = sum
				cfg, err := LoadFrom(w.homeDir)
				if err != nil {
					cfg = Config{}
				}
				w.logger.Info("config file changed", "path", target, "valid", err == nil)
				select {
				case w.out <- Reload{Config: cfg, Err: err}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// fileSum hashes path, or returns nil when it cannot be read.
func fileSum(path string) []byte {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}
