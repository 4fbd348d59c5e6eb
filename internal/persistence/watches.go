package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WatchKind discriminates the two watch flavours.
type WatchKind string

const (
	// KindValue renames the target to the latest floor price.
	KindValue WatchKind = "value"
	// KindEvent posts listing or sale notifications to the target.
	KindEvent WatchKind = "event"
)

func (k WatchKind) Valid() bool {
	switch k {
	case KindValue, KindEvent:
		return true
	}
	return false
}

// EventType is the marketplace event an event watch follows.
type EventType string

const (
	EventCreated EventType = "created"
	EventSold    EventType = "sold"
)

func (e EventType) Valid() bool {
	switch e {
	case EventCreated, EventSold:
		return true
	}
	return false
}

// Watch is a per-guild request to follow one lookup key.
type Watch struct {
	ID          string     `json:"id"`
	GuildRef    string     `json:"guild_ref"`
	Kind        WatchKind  `json:"kind"`
	EventType   EventType  `json:"event_type,omitempty"`
	LookupKey   string     `json:"lookup_key"`
	TargetRef   string     `json:"target_ref"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

const watchColumns = `id, guild_ref, kind, event_type, lookup_key, target_ref, active, created_at, expires_at, cancelled_at`

func scanWatch(scanFn func(dest ...any) error, w *Watch) error {
	var (
		active      int
		eventType   string
		createdAt   int64
		expiresAt   sql.NullInt64
		cancelledAt sql.NullInt64
	)
	if err := scanFn(&w.ID, &w.GuildRef, &w.Kind, &eventType, &w.LookupKey, &w.TargetRef, &active, &createdAt, &expiresAt, &cancelledAt); err != nil {
		return err
	}
	w.EventType = EventType(eventType)
	w.Active = active != 0
	w.CreatedAt = fromMillis(createdAt)
	w.ExpiresAt = millisPtr(expiresAt)
	w.CancelledAt = millisPtr(cancelledAt)
	return nil
}

// CreateWatch inserts a new active watch and returns it with ID and
// CreatedAt filled in.
func (s *Store) CreateWatch(ctx context.Context, w Watch) (Watch, error) {
	if !w.Kind.Valid() {
		return Watch{}, fmt.Errorf("invalid watch kind %q", w.Kind)
	}
	switch w.Kind {
	case KindEvent:
		if !w.EventType.Valid() {
			return Watch{}, fmt.Errorf("invalid event type %q", w.EventType)
		}
	case KindValue:
		w.EventType = ""
	}
	w.LookupKey = strings.TrimSpace(w.LookupKey)
	if w.LookupKey == "" || w.GuildRef == "" || w.TargetRef == "" {
		return Watch{}, errors.New("watch requires lookup key, guild and target")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Active = true
	w.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	_, err := s.exec(ctx, `
		INSERT INTO watches (id, guild_ref, kind, event_type, lookup_key, target_ref, active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?);
	`, w.ID, w.GuildRef, string(w.Kind), string(w.EventType), w.LookupKey, w.TargetRef, toMillis(w.CreatedAt), nullMillis(w.ExpiresAt))
	if err != nil {
		return Watch{}, fmt.Errorf("insert watch: %w", err)
	}
	return w, nil
}

// GetWatch returns a watch by ID or ErrNotFound.
func (s *Store) GetWatch(ctx context.Context, id string) (*Watch, error) {
	row := s.queryRow(ctx, `SELECT `+watchColumns+` FROM watches WHERE id = ?;`, id)
	var w Watch
	if err := scanWatch(row.Scan, &w); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get watch: %w", err)
	}
	return &w, nil
}

// ListActive returns every active watch of the given kind, oldest first.
func (s *Store) ListActive(ctx context.Context, kind WatchKind) ([]Watch, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid watch kind %q", kind)
	}
	rows, err := s.query(ctx, `
		SELECT `+watchColumns+`
		FROM watches WHERE active = 1 AND kind = ?
		ORDER BY created_at ASC, id ASC;
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list active watches: %w", err)
	}
	return collectWatches(rows)
}

// ListWatchesByGuild returns all watches, active or not, owned by a guild.
func (s *Store) ListWatchesByGuild(ctx context.Context, guildRef string) ([]Watch, error) {
	rows, err := s.query(ctx, `
		SELECT `+watchColumns+`
		FROM watches WHERE guild_ref = ?
		ORDER BY created_at ASC, id ASC;
	`, guildRef)
	if err != nil {
		return nil, fmt.Errorf("list guild watches: %w", err)
	}
	return collectWatches(rows)
}

func collectWatches(rows *sql.Rows) ([]Watch, error) {
	defer rows.Close()
	var out []Watch
	for rows.Next() {
		var w Watch
		if err := scanWatch(rows.Scan, &w); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetActive assigns the active flag. Re-applying the same value is a no-op.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := s.exec(ctx, `UPDATE watches SET active = ? WHERE id = ?;`, boolToInt(active), id); err != nil {
		return fmt.Errorf("set watch active: %w", err)
	}
	return nil
}

// CancelWatch deactivates a watch on the owner's request.
func (s *Store) CancelWatch(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `
		UPDATE watches SET active = 0, cancelled_at = COALESCE(cancelled_at, ?) WHERE id = ?;
	`, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("cancel watch: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
