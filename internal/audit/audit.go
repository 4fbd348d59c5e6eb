// Package audit keeps an append-only JSONL record of operator actions:
// watch and license changes and manually triggered passes.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/floorwatch/internal/shared"
)

// Outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Entry is one line of audit.jsonl.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

// Log appends entries to <home>/logs/audit.jsonl. A nil *Log drops
// everything, so callers need not check whether auditing is on.
type Log struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// Path returns the audit file location for a home directory.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

// Open creates the log directory if needed and opens the file for append.
func Open(homeDir string) (*Log, error) {
	path := Path(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

// Record appends one entry. Subject and detail are redacted first; write
// errors are dropped.
func (l *Log) Record(actor, action, subject, outcome, detail string) {
	if l == nil {
		return
	}
	e := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Action:    action,
		Subject:   shared.Redact(subject),
		Outcome:   outcome,
		Detail:    shared.Redact(detail),
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}

// RecordErr records OutcomeOK for a nil err and OutcomeError with the
// message otherwise.
func (l *Log) RecordErr(actor, action, subject string, err error) {
	if err != nil {
		l.Record(actor, action, subject, OutcomeError, err.Error())
		return
	}
	l.Record(actor, action, subject, OutcomeOK, "")
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
