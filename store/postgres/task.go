package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helixchat/replica/id"
	"github.com/helixchat/replica/worker"
)

const taskColumns = `
	id, task_id, task_type, task_data, assigned_worker_id, status,
	priority, created_ts, assigned_ts, completed_ts, result, error_message`

// AssignTask inserts a pending task.
func (s *Store) AssignTask(ctx context.Context, req worker.AssignTaskRequest) (worker.TaskAssignment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO replica_task_assignments (
			task_id, task_type, task_data, status, priority, created_ts
		) VALUES ($1, $2, $3, 'pending', $4, $5)
		RETURNING `+taskColumns,
		id.NewTaskID().String(), req.TaskType, req.TaskData, req.Priority, time.Now().UnixMilli(),
	)

	task, err := scanTask(row)
	if err != nil {
		return worker.TaskAssignment{}, fmt.Errorf("replica/postgres: assign task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (worker.TaskAssignment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM replica_task_assignments WHERE task_id = $1`,
		taskID.String(),
	)

	task, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return worker.TaskAssignment{}, fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
		}
		return worker.TaskAssignment{}, fmt.Errorf("replica/postgres: get task: %w", err)
	}
	return task, nil
}

// GetPendingTasks returns up to limit unclaimed tasks, highest priority
// first.
func (s *Store) GetPendingTasks(ctx context.Context, limit int) ([]worker.TaskAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM replica_task_assignments
		WHERE status = 'pending'
		ORDER BY priority DESC, created_ts ASC
		LIMIT NULLIF($1, 0)`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: pending tasks: %w", err)
	}
	defer rows.Close()

	var out []worker.TaskAssignment
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("replica/postgres: scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica/postgres: iterate task rows: %w", err)
	}
	return out, nil
}

// ClaimTask atomically claims a pending task. The conditional UPDATE makes
// exactly one claimer win; losers get ErrTaskAlreadyClaimed.
func (s *Store) ClaimTask(ctx context.Context, taskID id.TaskID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replica_task_assignments
		SET assigned_worker_id = $2, status = 'running', assigned_ts = $3
		WHERE task_id = $1 AND status = 'pending'`,
		taskID.String(), workerID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: claim task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM replica_task_assignments WHERE task_id = $1)`,
			taskID.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("replica/postgres: claim task: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("%w: %s", worker.ErrTaskAlreadyClaimed, taskID)
	}
	return nil
}

// CompleteTask marks the task completed with its result.
func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replica_task_assignments
		SET status = 'completed', result = $2, completed_ts = $3
		WHERE task_id = $1`,
		taskID.String(), result, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
	}
	return nil
}

// FailTask marks the task failed with the error message.
func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replica_task_assignments
		SET status = 'failed', error_message = $2, completed_ts = $3
		WHERE task_id = $1`,
		taskID.String(), errorMessage, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
	}
	return nil
}

// RecordLoadStats appends a load sample for the worker.
func (s *Store) RecordLoadStats(ctx context.Context, workerID string, update worker.LoadStatsUpdate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replica_worker_load_stats (
			worker_id, cpu_usage, memory_usage, active_connections,
			requests_per_second, average_latency_ms, queue_depth, recorded_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		workerID, update.CPUUsage, update.MemoryUsage, update.ActiveConnections,
		update.RequestsPerSecond, update.AverageLatencyMS, update.QueueDepth,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: record load stats: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Connections
// ──────────────────────────────────────────────────

// RecordConnection upserts the replication link record for a worker pair.
func (s *Store) RecordConnection(ctx context.Context, sourceWorkerID, targetWorkerID, connectionType string) (worker.Connection, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO replica_worker_connections (
			source_worker_id, target_worker_id, connection_type, status, established_ts
		) VALUES ($1, $2, $3, 'active', $4)
		ON CONFLICT (source_worker_id, target_worker_id) DO UPDATE SET
			connection_type = EXCLUDED.connection_type,
			status = 'active',
			established_ts = EXCLUDED.established_ts
		RETURNING
			id, source_worker_id, target_worker_id, connection_type, status,
			established_ts, last_activity_ts, bytes_sent, bytes_received,
			messages_sent, messages_received`,
		sourceWorkerID, targetWorkerID, connectionType, time.Now().UnixMilli(),
	)

	var conn worker.Connection
	err := row.Scan(
		&conn.ID, &conn.SourceWorkerID, &conn.TargetWorkerID, &conn.ConnectionType, &conn.Status,
		&conn.EstablishedTS, &conn.LastActivityTS, &conn.BytesSent, &conn.BytesReceived,
		&conn.MessagesSent, &conn.MessagesReceived,
	)
	if err != nil {
		return worker.Connection{}, fmt.Errorf("replica/postgres: record connection: %w", err)
	}
	return conn, nil
}

// UpdateConnectionStats adds transfer counters to the connection record.
func (s *Store) UpdateConnectionStats(ctx context.Context, sourceWorkerID, targetWorkerID string, bytesSent, bytesReceived, messagesSent, messagesReceived int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replica_worker_connections SET
			bytes_sent = bytes_sent + $3,
			bytes_received = bytes_received + $4,
			messages_sent = messages_sent + $5,
			messages_received = messages_received + $6,
			last_activity_ts = $7
		WHERE source_worker_id = $1 AND target_worker_id = $2`,
		sourceWorkerID, targetWorkerID, bytesSent, bytesReceived, messagesSent, messagesReceived,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: connection stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replica/postgres: connection %s -> %s not recorded", sourceWorkerID, targetWorkerID)
	}
	return nil
}

func scanTask(row pgx.Row) (worker.TaskAssignment, error) {
	var (
		task  worker.TaskAssignment
		idStr string
	)
	err := row.Scan(
		&task.ID, &idStr, &task.TaskType, &task.TaskData, &task.AssignedWorkerID, &task.Status,
		&task.Priority, &task.CreatedTS, &task.AssignedTS, &task.CompletedTS,
		&task.Result, &task.ErrorMessage,
	)
	if err != nil {
		return worker.TaskAssignment{}, err
	}

	parsed, parseErr := id.ParseTaskID(idStr)
	if parseErr != nil {
		return worker.TaskAssignment{}, fmt.Errorf("parse task id %q: %w", idStr, parseErr)
	}
	task.TaskID = parsed
	return task, nil
}
