package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor returns the last-consumed-event time for an event watch. ok is
// false when the watch has never been synced.
func (s *Store) GetCursor(ctx context.Context, watchID string) (at time.Time, ok bool, err error) {
	var ms int64
	err = s.queryRow(ctx, `SELECT last_sync_at FROM cursors WHERE watch_id = ?;`, watchID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get cursor: %w", err)
	}
	return fromMillis(ms), true, nil
}

// SetCursor records at as the watch's cursor. The stored value never moves
// backwards: an older at leaves the row untouched.
func (s *Store) SetCursor(ctx context.Context, watchID string, at time.Time) error {
	q := fmt.Sprintf(`
		INSERT INTO cursors (watch_id, last_sync_at) VALUES (?, ?)
		ON CONFLICT (watch_id) DO UPDATE SET last_sync_at = %s(cursors.last_sync_at, excluded.last_sync_at);
	`, s.dialect.greatest())
	if _, err := s.exec(ctx, q, watchID, toMillis(at)); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
