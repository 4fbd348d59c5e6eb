package persistence

import (
	"context"
	"fmt"
	"time"
)

// PurgeHistory deletes samples observed strictly before the cutoff.
func (s *Store) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM history WHERE observed_at < ?;`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
