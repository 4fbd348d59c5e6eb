package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLicenseUnavailable is returned when a license is inactive or already
// claimed by another guild.
var ErrLicenseUnavailable = errors.New("license inactive or already claimed")

// License authorizes a guild to hold watches until ExpiresAt.
type License struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	GuildRef  string     `json:"guild_ref,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// CreateLicense inserts an active, possibly unclaimed license.
func (s *Store) CreateLicense(ctx context.Context, l License) (License, error) {
	if l.ExpiresAt.IsZero() {
		return License{}, errors.New("license requires an expiry")
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Kind == "" {
		l.Kind = "manual"
	}
	l.Active = true
	l.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	l.ExpiresAt = l.ExpiresAt.UTC().Truncate(time.Millisecond)

	guild := sql.NullString{String: l.GuildRef, Valid: l.GuildRef != ""}
	var claimedAt sql.NullInt64
	if guild.Valid {
		t := l.CreatedAt
		l.ClaimedAt = &t
		claimedAt = nullMillis(&t)
	}
	_, err := s.exec(ctx, `
		INSERT INTO licenses (id, kind, guild_ref, active, created_at, expires_at, claimed_at)
		VALUES (?, ?, ?, 1, ?, ?, ?);
	`, l.ID, l.Kind, guild, toMillis(l.CreatedAt), toMillis(l.ExpiresAt), claimedAt)
	if err != nil {
		return License{}, fmt.Errorf("insert license: %w", err)
	}
	return l, nil
}

// ClaimLicense binds an unclaimed active license to a guild.
func (s *Store) ClaimLicense(ctx context.Context, id, guildRef string) error {
	if guildRef == "" {
		return errors.New("guild is required")
	}
	res, err := s.exec(ctx, `
		UPDATE licenses SET guild_ref = ?, claimed_at = ?
		WHERE id = ? AND active = 1 AND (guild_ref IS NULL OR guild_ref = '');
	`, guildRef, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("claim license: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrLicenseUnavailable
	}
	return nil
}

// ListLicenses returns all licenses ordered by expiry.
func (s *Store) ListLicenses(ctx context.Context) ([]License, error) {
	rows, err := s.query(ctx, `
		SELECT id, kind, guild_ref, active, created_at, expires_at, claimed_at
		FROM licenses ORDER BY expires_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()
	var out []License
	for rows.Next() {
		var (
			l         License
			guild     sql.NullString
			active    int
			createdAt int64
			expiresAt int64
			claimedAt sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.Kind, &guild, &active, &createdAt, &expiresAt, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		l.GuildRef = guild.String
		l.Active = active != 0
		l.CreatedAt = fromMillis(createdAt)
		l.ExpiresAt = fromMillis(expiresAt)
		l.ClaimedAt = millisPtr(claimedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ExpireLicenses deactivates every active license with expires_at <= horizon
// and returns how many rows changed.
func (s *Store) ExpireLicenses(ctx context.Context, horizon time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE licenses SET active = 0 WHERE active = 1 AND expires_at <= ?;
	`, toMillis(horizon))
	if err != nil {
		return 0, fmt.Errorf("expire licenses: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LicensedGuilds returns the set of guilds holding at least one active
// claimed license.
func (s *Store) LicensedGuilds(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.query(ctx, `
		SELECT DISTINCT guild_ref FROM licenses
		WHERE active = 1 AND guild_ref IS NOT NULL AND guild_ref <> '';
	`)
	if err != nil {
		return nil, fmt.Errorf("licensed guilds: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var guild string
		if err := rows.Scan(&guild); err != nil {
			return nil, fmt.Errorf("scan licensed guild: %w", err)
		}
		out[guild] = struct{}{}
	}
	return out, rows.Err()
}
