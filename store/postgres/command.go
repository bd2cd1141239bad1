package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helixchat/replica/id"
	"github.com/helixchat/replica/worker"
)

const commandColumns = `
	id, command_id, target_worker_id, source_worker_id, command_type,
	command_data, priority, status, created_ts, sent_ts, completed_ts,
	error_message, retry_count, max_retries`

// CreateCommand inserts a pending command for the target worker.
func (s *Store) CreateCommand(ctx context.Context, req worker.SendCommandRequest) (worker.Command, error) {
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO replica_worker_commands (
			command_id, target_worker_id, source_worker_id, command_type,
			command_data, priority, status, created_ts, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
		RETURNING `+commandColumns,
		id.NewCommandID().String(), req.TargetWorkerID, req.SourceWorkerID, req.CommandType,
		req.CommandData, req.Priority, time.Now().UnixMilli(), maxRetries,
	)

	cmd, err := scanCommand(row)
	if err != nil {
		return worker.Command{}, fmt.Errorf("replica/postgres: create command: %w", err)
	}
	return cmd, nil
}

// GetPendingCommands returns up to limit pending commands for the worker,
// highest priority first.
func (s *Store) GetPendingCommands(ctx context.Context, workerID string, limit int) ([]worker.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commandColumns+`
		FROM replica_worker_commands
		WHERE target_worker_id = $1 AND status = 'pending'
		ORDER BY priority DESC, created_ts ASC
		LIMIT NULLIF($2, 0)`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: pending commands: %w", err)
	}
	defer rows.Close()

	var out []worker.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("replica/postgres: scan command row: %w", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica/postgres: iterate command rows: %w", err)
	}
	return out, nil
}

// MarkCommandSent transitions the command to sent.
func (s *Store) MarkCommandSent(ctx context.Context, commandID id.CommandID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replica_worker_commands SET status = 'sent', sent_ts = $2 WHERE command_id = $1`,
		commandID.String(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: mark command sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrCommandNotFound, commandID)
	}
	return nil
}

// CompleteCommand marks the command completed.
func (s *Store) CompleteCommand(ctx context.Context, commandID id.CommandID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replica_worker_commands SET status = 'completed', completed_ts = $2 WHERE command_id = $1`,
		commandID.String(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: complete command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrCommandNotFound, commandID)
	}
	return nil
}

// FailCommand increments the retry count and cycles the command back to
// pending until retries are exhausted, then marks it failed terminally.
// The CASE evaluates against the pre-increment count.
func (s *Store) FailCommand(ctx context.Context, commandID id.CommandID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replica_worker_commands SET
			status = CASE WHEN retry_count >= max_retries THEN 'failed' ELSE 'pending' END,
			completed_ts = CASE WHEN retry_count >= max_retries THEN $3 ELSE completed_ts END,
			retry_count = retry_count + 1,
			error_message = $2
		WHERE command_id = $1`,
		commandID.String(), errorMessage, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: fail command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrCommandNotFound, commandID)
	}
	return nil
}

func scanCommand(row pgx.Row) (worker.Command, error) {
	var (
		cmd   worker.Command
		idStr string
	)
	err := row.Scan(
		&cmd.ID, &idStr, &cmd.TargetWorkerID, &cmd.SourceWorkerID, &cmd.CommandType,
		&cmd.CommandData, &cmd.Priority, &cmd.Status, &cmd.CreatedTS, &cmd.SentTS,
		&cmd.CompletedTS, &cmd.ErrorMessage, &cmd.RetryCount, &cmd.MaxRetries,
	)
	if err != nil {
		return worker.Command{}, err
	}

	parsed, parseErr := id.ParseCommandID(idStr)
	if parseErr != nil {
		return worker.Command{}, fmt.Errorf("parse command id %q: %w", idStr, parseErr)
	}
	cmd.CommandID = parsed
	return cmd, nil
}
