package state

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// GetEventMappingsForDestination returns every mapping recorded for the
// destination, ordered by start time.
func (s *Store) GetEventMappingsForDestination(ctx context.Context, destinationID string) ([]model.EventMapping, error) {
	const q = `
		SELECT id, event_state_id, destination_id, destination_event_uid,
		       delete_identifier, start_time, end_time
		FROM event_mappings WHERE destination_id = ?
		ORDER BY start_time, id`
	rows, err := s.db.QueryContext(ctx, q, destinationID)
	if err != nil {
		return nil, fmt.Errorf("querying mappings for destination %q: %w", destinationID, err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []model.EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// CreateEventMapping records a pushed event. A mapping that already exists
// for the same (destination, event) pair is left untouched. An empty ID is
// filled with a new UUID and an empty DeleteIdentifier defaults to the
// destination UID.
func (s *Store) CreateEventMapping(ctx context.Context, m *model.EventMapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.DeleteIdentifier == "" {
		m.DeleteIdentifier = m.DestinationEventUID
	}

	const q = `
		INSERT INTO event_mappings
		    (id, event_state_id, destination_id, destination_event_uid,
		     delete_identifier, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(destination_id, event_state_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q,
		m.ID,
		m.EventStateID,
		m.DestinationID,
		m.DestinationEventUID,
		m.DeleteIdentifier,
		formatTime(m.StartTime),
		formatTime(m.EndTime),
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("creating mapping for event %q: %w", m.EventStateID, err)
	}
	return nil
}

// DeleteEventMapping removes the mapping with the given id.
func (s *Store) DeleteEventMapping(ctx context.Context, id string) error {
	const q = `DELETE FROM event_mappings WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting mapping id=%s: %w", id, err)
	}
	return nil
}

// DeleteEventMappingByDestinationUID removes the mapping pointing at the given
// remote event.
func (s *Store) DeleteEventMappingByDestinationUID(ctx context.Context, destinationID, uid string) error {
	const q = `DELETE FROM event_mappings WHERE destination_id = ? AND destination_event_uid = ?`
	if _, err := s.db.ExecContext(ctx, q, destinationID, uid); err != nil {
		return fmt.Errorf("deleting mapping for remote uid %q: %w", uid, err)
	}
	return nil
}

// CountMappingsForDestination returns the number of mappings recorded for the
// destination, which equals the number of remote events this system owns there.
func (s *Store) CountMappingsForDestination(ctx context.Context, destinationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_mappings WHERE destination_id = ?`, destinationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting mappings for destination %q: %w", destinationID, err)
	}
	return count, nil
}

func scanMapping(s scanner) (model.EventMapping, error) {
	var m model.EventMapping
	var start, end string
	if err := s.Scan(
		&m.ID,
		&m.EventStateID,
		&m.DestinationID,
		&m.DestinationEventUID,
		&m.DeleteIdentifier,
		&start,
		&end,
	); err != nil {
		return m, fmt.Errorf("scanning mapping row: %w", err)
	}
	m.StartTime, _ = parseTime(start)
	m.EndTime, _ = parseTime(end)
	return m, nil
}
