package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// UpsertDestination inserts the destination or updates its provider and
// calendar. The reauthentication flag of an existing row is preserved.
func (s *Store) UpsertDestination(ctx context.Context, d model.Destination) error {
	now := formatTime(s.now())
	const q = `
		INSERT INTO destinations (id, user_id, provider, calendar_id, needs_reauthentication, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    user_id     = excluded.user_id,
		    provider    = excluded.provider,
		    calendar_id = excluded.calendar_id,
		    updated_at  = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, d.ID, d.UserID, d.Provider, d.CalendarID, now, now); err != nil {
		return fmt.Errorf("upserting destination %q: %w", d.ID, err)
	}
	return nil
}

// GetDestination returns the destination with the given id, or (nil, nil)
// if no such destination exists.
func (s *Store) GetDestination(ctx context.Context, id string) (*model.Destination, error) {
	const q = `
		SELECT id, user_id, provider, calendar_id, needs_reauthentication
		FROM destinations WHERE id = ?`
	d, err := scanDestination(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDestinationsForUser returns the user's destinations ordered by id.
func (s *Store) ListDestinationsForUser(ctx context.Context, userID string) ([]model.Destination, error) {
	const q = `
		SELECT id, user_id, provider, calendar_id, needs_reauthentication
		FROM destinations WHERE user_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("querying destinations for user %q: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDestinationsExcept removes every destination whose id is not in keep,
// together with its credentials and event mappings, and returns how many
// destinations were removed. An empty keep removes them all.
func (s *Store) DeleteDestinationsExcept(ctx context.Context, keep []string) (int64, error) {
	q := `DELETE FROM destinations`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		q += ` WHERE id NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("pruning destinations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning destinations: %w", err)
	}
	return n, nil
}

// SetNeedsReauthentication sets or clears the destination's reauthentication flag.
func (s *Store) SetNeedsReauthentication(ctx context.Context, destinationID string, needs bool) error {
	const q = `UPDATE destinations SET needs_reauthentication = ?, updated_at = ? WHERE id = ?`
	flag := 0
	if needs {
		flag = 1
	}
	if _, err := s.db.ExecContext(ctx, q, flag, formatTime(s.now()), destinationID); err != nil {
		return fmt.Errorf("updating reauthentication flag for %q: %w", destinationID, err)
	}
	return nil
}

func scanDestination(s scanner) (model.Destination, error) {
	var d model.Destination
	var needs int
	err := s.Scan(&d.ID, &d.UserID, &d.Provider, &d.CalendarID, &needs)
	if errors.Is(err, sql.ErrNoRows) {
		return d, err
	}
	if err != nil {
		return d, fmt.Errorf("scanning destination row: %w", err)
	}
	d.NeedsReauthentication = needs != 0
	return d, nil
}
