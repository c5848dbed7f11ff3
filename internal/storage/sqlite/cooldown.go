package sqlite

import (
	"context"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// LoadCooldowns returns every persisted cooldown entry.
func (s *Store) LoadCooldowns(ctx context.Context) ([]plexus.CooldownEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT key, expiry, reason, consecutive_failures FROM cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plexus.CooldownEntry
	for rows.Next() {
		var e plexus.CooldownEntry
		var expiry string
		if err := rows.Scan(&e.Key, &expiry, &e.Reason, &e.ConsecutiveFailures); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, expiry); perr == nil {
			e.Expiry = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertCooldown writes or replaces the entry for its key.
func (s *Store) UpsertCooldown(ctx context.Context, e plexus.CooldownEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cooldowns (key, expiry, reason, consecutive_failures)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		 expiry = excluded.expiry,
		 reason = excluded.reason,
		 consecutive_failures = excluded.consecutive_failures`,
		e.Key, e.Expiry.UTC().Format(time.RFC3339Nano), e.Reason, e.ConsecutiveFailures)
	return err
}

// DeleteCooldown removes the entry for key. Deleting a missing key is not
// an error.
func (s *Store) DeleteCooldown(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cooldowns WHERE key = ?`, key)
	return err
}
