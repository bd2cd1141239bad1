package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/helixchat/replica/worker"
)

// AddEvent draws the next stream id from the shared counter and stores the
// event, indexed by stream id.
func (s *Store) AddEvent(ctx context.Context, eventID, eventType, roomID, sender string, data json.RawMessage) (worker.Event, error) {
	streamID, err := s.client.Incr(ctx, streamSeqKey).Result()
	if err != nil {
		return worker.Event{}, fmt.Errorf("replica/redis: add event: %w", err)
	}
	rowID, err := s.client.Incr(ctx, rowSeqKey).Result()
	if err != nil {
		return worker.Event{}, fmt.Errorf("replica/redis: add event: %w", err)
	}

	event := worker.Event{
		ID:        rowID,
		EventID:   eventID,
		StreamID:  streamID,
		EventType: eventType,
		RoomID:    roomID,
		Sender:    sender,
		EventData: data,
		CreatedTS: time.Now().UnixMilli(),
	}

	blob, err := encode(eventToRecord(event))
	if err != nil {
		return worker.Event{}, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKey(eventID), blob, 0)
	pipe.ZAdd(ctx, eventStreamKey, goredis.Z{Score: float64(streamID), Member: eventID})
	if _, err := pipe.Exec(ctx); err != nil {
		return worker.Event{}, fmt.Errorf("replica/redis: add event: %w", err)
	}
	return event, nil
}

// GetEventsSince returns events with a stream id strictly greater than the
// given position, in stream order.
func (s *Store) GetEventsSince(ctx context.Context, streamID int64, limit int) ([]worker.Event, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(streamID, 10),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, eventStreamKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("replica/redis: events since: %w", err)
	}

	var out []worker.Event
	for _, eventID := range ids {
		event, err := s.getEvent(ctx, eventID)
		if err != nil {
			if errors.Is(err, worker.ErrEventNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func (s *Store) getEvent(ctx context.Context, eventID string) (worker.Event, error) {
	blob, err := s.client.Get(ctx, eventKey(eventID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return worker.Event{}, fmt.Errorf("%w: %s", worker.ErrEventNotFound, eventID)
		}
		return worker.Event{}, fmt.Errorf("replica/redis: get event: %w", err)
	}

	var rec eventRecord
	if err := decode(blob, &rec); err != nil {
		return worker.Event{}, err
	}
	return rec.toEvent(), nil
}

// MarkEventProcessed records the worker in the event's processed set.
// Idempotent per worker.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, workerID string) error {
	event, err := s.getEvent(ctx, eventID)
	if err != nil {
		return err
	}
	for _, p := range event.ProcessedBy {
		if p == workerID {
			return nil
		}
	}
	event.ProcessedBy = append(event.ProcessedBy, workerID)

	blob, err := encode(eventToRecord(event))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, eventKey(eventID), blob, 0).Err(); err != nil {
		return fmt.Errorf("replica/redis: mark event processed: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Replication positions
// ──────────────────────────────────────────────────

// UpdateReplicationPosition stores the worker's position on one stream in
// its positions Hash.
func (s *Store) UpdateReplicationPosition(ctx context.Context, workerID, streamName string, position int64) error {
	blob, err := encode(positionRecord{
		WorkerID:       workerID,
		StreamName:     streamName,
		StreamPosition: position,
		UpdatedTS:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, positionsKey(workerID), streamName, blob).Err(); err != nil {
		return fmt.Errorf("replica/redis: update position: %w", err)
	}
	return nil
}

// GetReplicationPosition returns the worker's position on one stream. The
// bool reports whether a position has been recorded.
func (s *Store) GetReplicationPosition(ctx context.Context, workerID, streamName string) (int64, bool, error) {
	blob, err := s.client.HGet(ctx, positionsKey(workerID), streamName).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("replica/redis: get position: %w", err)
	}

	var rec positionRecord
	if err := decode(blob, &rec); err != nil {
		return 0, false, err
	}
	return rec.StreamPosition, true, nil
}

// GetAllReplicationPositions returns every recorded position for a worker.
func (s *Store) GetAllReplicationPositions(ctx context.Context, workerID string) ([]worker.ReplicationPosition, error) {
	vals, err := s.client.HGetAll(ctx, positionsKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("replica/redis: all positions: %w", err)
	}

	var out []worker.ReplicationPosition
	for _, blob := range vals {
		var rec positionRecord
		if err := decode(blob, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec.toPosition())
	}
	return out, nil
}
