package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helixchat/replica/worker"
)

const eventColumns = `
	id, event_id, stream_id, event_type, room_id, sender, event_data,
	created_ts, processed_by`

// AddEvent inserts an event; the stream id is drawn from the database
// sequence, so it is strictly increasing across writers.
func (s *Store) AddEvent(ctx context.Context, eventID, eventType, roomID, sender string, data json.RawMessage) (worker.Event, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO replica_worker_events (
			event_id, event_type, room_id, sender, event_data, created_ts
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+eventColumns,
		eventID, eventType, roomID, sender, data, time.Now().UnixMilli(),
	)

	event, err := scanEvent(row)
	if err != nil {
		return worker.Event{}, fmt.Errorf("replica/postgres: add event: %w", err)
	}
	return event, nil
}

// GetEventsSince returns events with a stream id strictly greater than the
// given position, in stream order.
func (s *Store) GetEventsSince(ctx context.Context, streamID int64, limit int) ([]worker.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM replica_worker_events
		WHERE stream_id > $1
		ORDER BY stream_id ASC
		LIMIT NULLIF($2, 0)`,
		streamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: events since: %w", err)
	}
	defer rows.Close()

	var out []worker.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("replica/postgres: scan event row: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica/postgres: iterate event rows: %w", err)
	}
	return out, nil
}

// MarkEventProcessed appends the worker to the event's processed set.
// Idempotent per worker.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replica_worker_events
		SET processed_by = array_append(processed_by, $2)
		WHERE event_id = $1 AND NOT ($2 = ANY(processed_by))`,
		eventID, workerID,
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already marked; only the former is an error.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM replica_worker_events WHERE event_id = $1)`,
			eventID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("replica/postgres: mark event processed: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", worker.ErrEventNotFound, eventID)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Replication positions
// ──────────────────────────────────────────────────

// UpdateReplicationPosition upserts the worker's position on one stream.
func (s *Store) UpdateReplicationPosition(ctx context.Context, workerID, streamName string, position int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replica_replication_positions (worker_id, stream_name, stream_position, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id, stream_name) DO UPDATE SET
			stream_position = EXCLUDED.stream_position,
			updated_ts = EXCLUDED.updated_ts`,
		workerID, streamName, position, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: update position: %w", err)
	}
	return nil
}

// GetReplicationPosition returns the worker's position on one stream. The
// bool reports whether a position has been recorded.
func (s *Store) GetReplicationPosition(ctx context.Context, workerID, streamName string) (int64, bool, error) {
	var position int64
	err := s.pool.QueryRow(ctx, `
		SELECT stream_position FROM replica_replication_positions
		WHERE worker_id = $1 AND stream_name = $2`,
		workerID, streamName,
	).Scan(&position)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("replica/postgres: get position: %w", err)
	}
	return position, true, nil
}

// GetAllReplicationPositions returns every recorded position for a worker.
func (s *Store) GetAllReplicationPositions(ctx context.Context, workerID string) ([]worker.ReplicationPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, worker_id, stream_name, stream_position, updated_ts
		FROM replica_replication_positions
		WHERE worker_id = $1
		ORDER BY stream_name`,
		workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: all positions: %w", err)
	}
	defer rows.Close()

	var out []worker.ReplicationPosition
	for rows.Next() {
		var p worker.ReplicationPosition
		if err := rows.Scan(&p.ID, &p.WorkerID, &p.StreamName, &p.StreamPosition, &p.UpdatedTS); err != nil {
			return nil, fmt.Errorf("replica/postgres: scan position row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica/postgres: iterate position rows: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (worker.Event, error) {
	var event worker.Event
	err := row.Scan(
		&event.ID, &event.EventID, &event.StreamID, &event.EventType,
		&event.RoomID, &event.Sender, &event.EventData,
		&event.CreatedTS, &event.ProcessedBy,
	)
	if err != nil {
		return worker.Event{}, err
	}
	return event, nil
}
