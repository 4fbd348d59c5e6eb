package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "fw-v1-2026-09-30-watches-licenses-history"

	// v2: adds watches.cancelled_at and history.item_count.
	schemaVersionV2  = 2
	schemaChecksumV2 = "fw-v2-2026-10-08-cancel-item-count"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".floorwatch", "floorwatch.db")
}

// Open connects to the configured database and brings the schema up to date.
// driver is "sqlite3" (dsn is a file path) or "postgres" (dsn is a libpq URL).
func Open(driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case DialectSQLite:
		path := dsn
		if path == "" {
			path = DefaultDBPath()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		if !strings.Contains(path, "?") {
			path = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
		}
		db, err = sql.Open("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DialectPostgres:
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	store := New(db, dialect)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		if err := store.configurePragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already-open handle. Callers are responsible for Migrate.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// exec runs a write with BUSY/LOCKED retry. Postgres errors never match the
// busy check, so the wrapper is a single attempt there.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
		return err
	})
	return res, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED. Errors
// that lost their type on the way up are matched by message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// Migrate creates or upgrades the schema inside one transaction and records
// the result in the schema_migrations ledger.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion > 0 {
		var existing string
		q := s.dialect.Rebind(`SELECT checksum FROM schema_migrations WHERE version = ?;`)
		if err := tx.QueryRowContext(ctx, q, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existing != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if maxVersion < schemaVersionV1 {
		for _, stmt := range s.schemaV1() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate v1: %w", err)
			}
		}
	}
	if maxVersion < schemaVersionV2 {
		for _, stmt := range schemaV2 {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate v2: %w", err)
			}
		}
	}

	appliedAt := toMillis(s.now())
	insert := s.dialect.Rebind(`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?) ON CONFLICT (version) DO NOTHING;`)
	for v := maxVersion + 1; v <= schemaVersionLatest; v++ {
		if _, err := tx.ExecContext(ctx, insert, v, versionChecksums[v], appliedAt); err != nil {
			return fmt.Errorf("record schema migration v%d: %w", v, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) schemaV1() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS licenses (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			guild_ref TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			claimed_at BIGINT
		);`,
		`CREATE TABLE IF NOT EXISTS watches (
			id TEXT PRIMARY KEY,
			guild_ref TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('value', 'event')),
			event_type TEXT NOT NULL DEFAULT '',
			lookup_key TEXT NOT NULL,
			target_ref TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			expires_at BIGINT
		);`,
		`CREATE TABLE IF NOT EXISTS cursors (
			watch_id TEXT PRIMARY KEY REFERENCES watches(id) ON DELETE CASCADE,
			last_sync_at BIGINT NOT NULL
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS history (
			id %s,
			lookup_key TEXT NOT NULL,
			floor_price DOUBLE PRECISION NOT NULL,
			owner_count BIGINT NOT NULL DEFAULT 0,
			volume DOUBLE PRECISION NOT NULL DEFAULT 0,
			observed_at BIGINT NOT NULL,
			UNIQUE (lookup_key, observed_at)
		);`, s.dialect.autoIncrementPK()),
		`CREATE INDEX IF NOT EXISTS idx_watches_active_kind ON watches(active, kind);`,
		`CREATE INDEX IF NOT EXISTS idx_watches_guild ON watches(guild_ref);`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_active_expiry ON licenses(active, expires_at);`,
	}
}

var schemaV2 = []string{
	`ALTER TABLE watches ADD COLUMN cancelled_at BIGINT;`,
	`ALTER TABLE history ADD COLUMN item_count BIGINT NOT NULL DEFAULT 0;`,
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
