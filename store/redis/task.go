package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/helixchat/replica/id"
	"github.com/helixchat/replica/worker"
)

// AssignTask stores the task blob and queues it on the pending Sorted Set.
func (s *Store) AssignTask(ctx context.Context, req worker.AssignTaskRequest) (worker.TaskAssignment, error) {
	rowID, err := s.client.Incr(ctx, rowSeqKey).Result()
	if err != nil {
		return worker.TaskAssignment{}, fmt.Errorf("replica/redis: assign task: %w", err)
	}

	task := worker.TaskAssignment{
		ID:        rowID,
		TaskID:    id.NewTaskID(),
		TaskType:  req.TaskType,
		TaskData:  req.TaskData,
		Status:    worker.TaskPending,
		Priority:  req.Priority,
		CreatedTS: time.Now().UnixMilli(),
	}

	blob, err := encode(taskToRecord(task))
	if err != nil {
		return worker.TaskAssignment{}, err
	}

	taskID := task.TaskID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(taskID), blob, 0)
	pipe.SAdd(ctx, taskIDsKey, taskID)
	pipe.ZAdd(ctx, pendingTasksKey, goredis.Z{
		Score:  commandScore(task.Priority, task.CreatedTS),
		Member: taskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return worker.TaskAssignment{}, fmt.Errorf("replica/redis: assign task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (worker.TaskAssignment, error) {
	return s.getTask(ctx, taskID.String())
}

func (s *Store) getTask(ctx context.Context, taskID string) (worker.TaskAssignment, error) {
	blob, err := s.client.Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return worker.TaskAssignment{}, fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
		}
		return worker.TaskAssignment{}, fmt.Errorf("replica/redis: get task: %w", err)
	}

	var rec taskRecord
	if err := decode(blob, &rec); err != nil {
		return worker.TaskAssignment{}, err
	}
	return rec.toTask()
}

// GetPendingTasks returns up to limit unclaimed tasks, highest priority
// first.
func (s *Store) GetPendingTasks(ctx context.Context, limit int) ([]worker.TaskAssignment, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, pendingTasksKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("replica/redis: pending tasks: %w", err)
	}

	var out []worker.TaskAssignment
	for _, taskID := range ids {
		task, err := s.getTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, worker.ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// ClaimTask atomically claims a pending task for one worker. The claim
// marker is written with SETNX, so exactly one claimer wins even across
// processes.
func (s *Store) ClaimTask(ctx context.Context, taskID id.TaskID, workerID string) error {
	task, err := s.getTask(ctx, taskID.String())
	if err != nil {
		return err
	}
	if task.Status != worker.TaskPending {
		return fmt.Errorf("%w: %s (status %s)", worker.ErrTaskAlreadyClaimed, taskID, task.Status)
	}

	won, err := s.client.SetNX(ctx, taskClaimKey(taskID.String()), workerID, 0).Result()
	if err != nil {
		return fmt.Errorf("replica/redis: claim task: %w", err)
	}
	if !won {
		return fmt.Errorf("%w: %s", worker.ErrTaskAlreadyClaimed, taskID)
	}

	task.AssignedWorkerID = workerID
	task.Status = worker.TaskRunning
	task.AssignedTS = time.Now().UnixMilli()
	return s.writeTask(ctx, task)
}

func (s *Store) writeTask(ctx context.Context, task worker.TaskAssignment) error {
	blob, err := encode(taskToRecord(task))
	if err != nil {
		return err
	}

	taskID := task.TaskID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(taskID), blob, 0)
	if task.Status != worker.TaskPending {
		pipe.ZRem(ctx, pendingTasksKey, taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replica/redis: write task: %w", err)
	}
	return nil
}

// CompleteTask marks the task completed with its result.
func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID, result json.RawMessage) error {
	task, err := s.getTask(ctx, taskID.String())
	if err != nil {
		return err
	}
	task.Status = worker.TaskCompleted
	task.Result = result
	task.CompletedTS = time.Now().UnixMilli()
	return s.writeTask(ctx, task)
}

// FailTask marks the task failed with the error message.
func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, errorMessage string) error {
	task, err := s.getTask(ctx, taskID.String())
	if err != nil {
		return err
	}
	task.Status = worker.TaskFailed
	task.ErrorMessage = errorMessage
	task.CompletedTS = time.Now().UnixMilli()
	return s.writeTask(ctx, task)
}

// RecordLoadStats appends a load sample to the worker's bounded sample
// list. Only the most recent 100 samples are kept.
func (s *Store) RecordLoadStats(ctx context.Context, workerID string, update worker.LoadStatsUpdate) error {
	rowID, err := s.client.Incr(ctx, rowSeqKey).Result()
	if err != nil {
		return fmt.Errorf("replica/redis: record load stats: %w", err)
	}

	blob, err := encode(loadStatsRecord{
		ID:                rowID,
		WorkerID:          workerID,
		CPUUsage:          update.CPUUsage,
		MemoryUsage:       update.MemoryUsage,
		ActiveConnections: update.ActiveConnections,
		RequestsPerSecond: update.RequestsPerSecond,
		AverageLatencyMS:  update.AverageLatencyMS,
		QueueDepth:        update.QueueDepth,
		RecordedTS:        time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	key := loadStatsKey(workerID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, blob)
	pipe.LTrim(ctx, key, 0, 99)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replica/redis: record load stats: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Connections
// ──────────────────────────────────────────────────

// RecordConnection stores a replication link record keyed by the worker
// pair.
func (s *Store) RecordConnection(ctx context.Context, sourceWorkerID, targetWorkerID, connectionType string) (worker.Connection, error) {
	rowID, err := s.client.Incr(ctx, rowSeqKey).Result()
	if err != nil {
		return worker.Connection{}, fmt.Errorf("replica/redis: record connection: %w", err)
	}

	conn := worker.Connection{
		ID:             rowID,
		SourceWorkerID: sourceWorkerID,
		TargetWorkerID: targetWorkerID,
		ConnectionType: connectionType,
		Status:         "active",
		EstablishedTS:  time.Now().UnixMilli(),
	}

	blob, err := encode(connectionRecord{
		ID:             conn.ID,
		SourceWorkerID: conn.SourceWorkerID,
		TargetWorkerID: conn.TargetWorkerID,
		ConnectionType: conn.ConnectionType,
		Status:         conn.Status,
		EstablishedTS:  conn.EstablishedTS,
	})
	if err != nil {
		return worker.Connection{}, err
	}
	if err := s.client.Set(ctx, connectionKey(sourceWorkerID, targetWorkerID), blob, 0).Err(); err != nil {
		return worker.Connection{}, fmt.Errorf("replica/redis: record connection: %w", err)
	}
	return conn, nil
}

// UpdateConnectionStats adds transfer counters to the connection record.
func (s *Store) UpdateConnectionStats(ctx context.Context, sourceWorkerID, targetWorkerID string, bytesSent, bytesReceived, messagesSent, messagesReceived int64) error {
	key := connectionKey(sourceWorkerID, targetWorkerID)
	blob, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("replica/redis: connection %s -> %s not recorded", sourceWorkerID, targetWorkerID)
		}
		return fmt.Errorf("replica/redis: connection stats: %w", err)
	}

	var rec connectionRecord
	if err := decode(blob, &rec); err != nil {
		return err
	}
	rec.BytesSent += bytesSent
	rec.BytesReceived += bytesReceived
	rec.MessagesSent += messagesSent
	rec.MessagesReceived += messagesReceived
	rec.LastActivityTS = time.Now().UnixMilli()

	updated, err := encode(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, updated, 0).Err(); err != nil {
		return fmt.Errorf("replica/redis: connection stats: %w", err)
	}
	return nil
}
