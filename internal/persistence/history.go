package persistence

import (
	"context"
	"fmt"
	"time"
)

// HistoryRecord is one floor-price sample for a lookup key.
type HistoryRecord struct {
	Key        string    `json:"key"`
	FloorPrice float64   `json:"floor_price"`
	OwnerCount int64     `json:"owner_count"`
	ItemCount  int64     `json:"item_count"`
	Volume     float64   `json:"volume"`
	ObservedAt time.Time `json:"observed_at"`
}

// DailyAverage is the mean floor price over one UTC calendar day.
type DailyAverage struct {
	Day     time.Time `json:"day"`
	Average float64   `json:"average"`
	Samples int       `json:"samples"`
}

// AppendHistory stores a sample. A second write for the same key and
// observation time is ignored, so replaying a cycle is harmless.
func (s *Store) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO history (lookup_key, floor_price, owner_count, item_count, volume, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (lookup_key, observed_at) DO NOTHING;
	`, rec.Key, rec.FloorPrice, rec.OwnerCount, rec.ItemCount, rec.Volume, toMillis(rec.ObservedAt))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns samples for key observed at or after since, oldest first.
func (s *Store) ListHistory(ctx context.Context, key string, since time.Time) ([]HistoryRecord, error) {
	rows, err := s.query(ctx, `
		SELECT lookup_key, floor_price, owner_count, item_count, volume, observed_at
		FROM history WHERE lookup_key = ? AND observed_at >= ?
		ORDER BY observed_at ASC;
	`, key, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var observed int64
		if err := rows.Scan(&rec.Key, &rec.FloorPrice, &rec.OwnerCount, &rec.ItemCount, &rec.Volume, &observed); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.ObservedAt = fromMillis(observed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DailyAverages buckets the samples since the given time by UTC day.
// Days without samples are omitted.
func (s *Store) DailyAverages(ctx context.Context, key string, since time.Time) ([]DailyAverage, error) {
	records, err := s.ListHistory(ctx, key, since)
	if err != nil {
		return nil, err
	}
	var out []DailyAverage
	var sum float64
	for _, rec := range records {
		day := rec.ObservedAt.UTC().Truncate(24 * time.Hour)
		if len(out) == 0 || !out[len(out)-1].Day.Equal(day) {
			if len(out) > 0 {
				last := &out[len(out)-1]
				last.Average = sum / float64(last.Samples)
			}
			out = append(out, DailyAverage{Day: day})
			sum = 0
		}
		sum += rec.FloorPrice
		out[len(out)-1].Samples++
	}
	if len(out) > 0 {
		last := &out[len(out)-1]
		last.Average = sum / float64(last.Samples)
	}
	return out, nil
}
