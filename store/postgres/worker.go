package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helixchat/replica/worker"
)

const workerColumns = `
	id, worker_id, worker_name, worker_type, host, port, status,
	last_heartbeat_ts, started_ts, stopped_ts, config, metadata, version`

// RegisterWorker upserts the worker row in the starting state.
func (s *Store) RegisterWorker(ctx context.Context, req worker.RegisterRequest) (worker.Info, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO replica_workers (
			worker_id, worker_name, worker_type, host, port,
			status, started_ts, config, metadata, version
		) VALUES ($1, $2, $3, $4, $5, 'starting', $6, $7, $8, $9)
		ON CONFLICT (worker_id) DO UPDATE SET
			worker_name = EXCLUDED.worker_name,
			worker_type = EXCLUDED.worker_type,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			status = 'starting',
			started_ts = EXCLUDED.started_ts,
			stopped_ts = 0,
			config = EXCLUDED.config,
			metadata = EXCLUDED.metadata,
			version = EXCLUDED.version
		RETURNING `+workerColumns,
		req.WorkerID, req.WorkerName, string(req.WorkerType), req.Host, req.Port,
		time.Now().UnixMilli(), req.Config, req.Metadata, req.Version,
	)

	info, err := scanWorker(row)
	if err != nil {
		return worker.Info{}, fmt.Errorf("replica/postgres: register worker: %w", err)
	}
	return info, nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (worker.Info, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM replica_workers WHERE worker_id = $1`,
		workerID,
	)

	info, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return worker.Info{}, fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
		}
		return worker.Info{}, fmt.Errorf("replica/postgres: get worker: %w", err)
	}
	return info, nil
}

// GetWorkersByType returns all workers of one type, ordered by worker id.
func (s *Store) GetWorkersByType(ctx context.Context, workerType worker.Type) ([]worker.Info, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM replica_workers WHERE worker_type = $1 ORDER BY worker_id`,
		string(workerType),
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: workers by type: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// GetActiveWorkers returns all running workers, ordered by worker id.
func (s *Store) GetActiveWorkers(ctx context.Context) ([]worker.Info, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM replica_workers WHERE status = 'running' ORDER BY worker_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: active workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// UpdateWorkerStatus sets the worker's lifecycle status.
func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID string, status worker.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replica_workers SET status = $2 WHERE worker_id = $1`,
		workerID, string(status),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: update worker status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
	}
	return nil
}

// UpdateHeartbeat stamps the worker's last heartbeat.
func (s *Store) UpdateHeartbeat(ctx context.Context, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replica_workers SET last_heartbeat_ts = $2 WHERE worker_id = $1`,
		workerID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
	}
	return nil
}

// UnregisterWorker marks the worker stopped. The row is kept for
// statistics.
func (s *Store) UnregisterWorker(ctx context.Context, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replica_workers SET status = 'stopped', stopped_ts = $2 WHERE worker_id = $1`,
		workerID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("replica/postgres: unregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
	}
	return nil
}

func scanWorker(row pgx.Row) (worker.Info, error) {
	var (
		info      worker.Info
		typeStr   string
		statusStr string
	)
	err := row.Scan(
		&info.ID, &info.WorkerID, &info.WorkerName, &typeStr, &info.Host, &info.Port, &statusStr,
		&info.LastHeartbeatTS, &info.StartedTS, &info.StoppedTS,
		&info.Config, &info.Metadata, &info.Version,
	)
	if err != nil {
		return worker.Info{}, err
	}
	info.WorkerType = worker.Type(typeStr)
	info.Status = worker.Status(statusStr)
	return info, nil
}

func collectWorkers(rows pgx.Rows) ([]worker.Info, error) {
	var out []worker.Info
	for rows.Next() {
		info, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("replica/postgres: scan worker row: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica/postgres: iterate worker rows: %w", err)
	}
	return out, nil
}
