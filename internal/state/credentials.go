package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credentials are the OAuth tokens stored for one destination.
type Credentials struct {
	DestinationID string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
}

// GetCredentials returns the destination's tokens, or (nil, nil) if none are
// stored.
func (s *Store) GetCredentials(ctx context.Context, destinationID string) (*Credentials, error) {
	const q = `
		SELECT destination_id, access_token, refresh_token, expires_at
		FROM oauth_credentials WHERE destination_id = ?`

	var c Credentials
	var expires string
	err := s.db.QueryRowContext(ctx, q, destinationID).Scan(&c.DestinationID, &c.AccessToken, &c.RefreshToken, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials for %q: %w", destinationID, err)
	}
	c.ExpiresAt, _ = parseTime(expires)

	if c.AccessToken, err = s.open(c.AccessToken); err != nil {
		return nil, fmt.Errorf("opening access token for %q: %w", destinationID, err)
	}
	if c.RefreshToken, err = s.open(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("opening refresh token for %q: %w", destinationID, err)
	}
	return &c, nil
}

// SaveCredentials inserts or replaces the destination's tokens.
func (s *Store) SaveCredentials(ctx context.Context, c *Credentials) error {
	access, err := s.seal(c.AccessToken)
	if err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}
	refresh, err := s.seal(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("sealing refresh token: %w", err)
	}

	const q = `
		INSERT INTO oauth_credentials (destination_id, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(destination_id) DO UPDATE SET
		    access_token  = excluded.access_token,
		    refresh_token = excluded.refresh_token,
		    expires_at    = excluded.expires_at,
		    updated_at    = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, q, c.DestinationID, access, refresh, formatTime(c.ExpiresAt), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("saving credentials for %q: %w", c.DestinationID, err)
	}
	return nil
}

func (s *Store) seal(v string) (string, error) {
	if s.sealer == nil {
		return v, nil
	}
	return s.sealer.Seal(v)
}

func (s *Store) open(v string) (string, error) {
	if s.sealer == nil {
		return v, nil
	}
	return s.sealer.Open(v)
}
