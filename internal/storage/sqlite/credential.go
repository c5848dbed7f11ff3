package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// LoadCredentials returns every persisted credential.
func (s *Store) LoadCredentials(ctx context.Context) ([]plexus.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider_kind, user_id, access_token, refresh_token, expires_at, metadata
		 FROM credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plexus.Credential
	for rows.Next() {
		c, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCredential returns the credential for (providerKind, userID), or nil
// when absent.
func (s *Store) GetCredential(ctx context.Context, providerKind, userID string) (*plexus.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT provider_kind, user_id, access_token, refresh_token, expires_at, metadata
		 FROM credentials WHERE provider_kind = ? AND user_id = ?`,
		providerKind, userID)
	c, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCredential writes or replaces the credential for its
// (provider_kind, user_id) key.
func (s *Store) UpsertCredential(ctx context.Context, c plexus.Credential) error {
	metadata := c.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credentials (provider_kind, user_id, access_token, refresh_token, expires_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_kind, user_id) DO UPDATE SET
		 access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token,
		 expires_at = excluded.expires_at,
		 metadata = excluded.metadata`,
		c.ProviderKind, c.UserID, c.AccessToken, c.RefreshToken,
		c.ExpiresAt.UTC().Format(time.RFC3339Nano), string(metadata))
	return err
}

// DeleteCredential removes the credential for (providerKind, userID).
func (s *Store) DeleteCredential(ctx context.Context, providerKind, userID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider_kind = ? AND user_id = ?`,
		providerKind, userID)
	return err
}

func scanCredential(scan func(...any) error) (plexus.Credential, error) {
	var c plexus.Credential
	var expires, metadata string
	if err := scan(&c.ProviderKind, &c.UserID, &c.AccessToken, &c.RefreshToken, &expires, &metadata); err != nil {
		return plexus.Credential{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, expires); err == nil {
		c.ExpiresAt = t
	}
	if metadata != "" && metadata != "{}" {
		c.Metadata = json.RawMessage(metadata)
	}
	return c, nil
}
