package postgres

import (
	"context"
	"fmt"

	"github.com/helixchat/replica/worker"
)

// GetStatistics reads the per-worker aggregate view.
func (s *Store) GetStatistics(ctx context.Context) ([]worker.Statistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, worker_name, worker_type, status, last_heartbeat_ts,
			pending_commands, pending_tasks, running_tasks
		FROM replica_worker_statistics
		ORDER BY worker_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: statistics: %w", err)
	}
	defer rows.Close()

	var out []worker.Statistics
	for rows.Next() {
		var (
			stat      worker.Statistics
			typeStr   string
			statusStr string
		)
		err := rows.Scan(
			&stat.WorkerID, &stat.WorkerName, &typeStr, &statusStr, &stat.LastHeartbeatTS,
			&stat.PendingCommands, &stat.PendingTasks, &stat.RunningTasks,
		)
		if err != nil {
			return nil, fmt.Errorf("replica/postgres: scan statistics row: %w", err)
		}
		stat.WorkerType = worker.Type(typeStr)
		stat.Status = worker.Status(statusStr)
		out = append(out, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica/postgres: iterate statistics rows: %w", err)
	}
	return out, nil
}

// GetTypeStatistics reads the per-type aggregate view.
func (s *Store) GetTypeStatistics(ctx context.Context) ([]worker.TypeStatistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_type, worker_count, running_count
		FROM replica_worker_type_statistics
		ORDER BY worker_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: type statistics: %w", err)
	}
	defer rows.Close()

	var out []worker.TypeStatistics
	for rows.Next() {
		var (
			stat    worker.TypeStatistics
			typeStr string
		)
		if err := rows.Scan(&typeStr, &stat.WorkerCount, &stat.RunningCount); err != nil {
			return nil, fmt.Errorf("replica/postgres: scan type statistics row: %w", err)
		}
		stat.WorkerType = worker.Type(typeStr)
		out = append(out, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica/postgres: iterate type statistics rows: %w", err)
	}
	return out, nil
}
