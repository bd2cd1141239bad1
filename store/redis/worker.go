package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/helixchat/replica/worker"
)

// RegisterWorker upserts the worker record and adds it to the enumeration
// set.
func (s *Store) RegisterWorker(ctx context.Context, req worker.RegisterRequest) (worker.Info, error) {
	rowID, err := s.client.Incr(ctx, rowSeqKey).Result()
	if err != nil {
		return worker.Info{}, fmt.Errorf("replica/redis: register worker: %w", err)
	}

	info := worker.Info{
		ID:         rowID,
		WorkerID:   req.WorkerID,
		WorkerName: req.WorkerName,
		WorkerType: req.WorkerType,
		Host:       req.Host,
		Port:       req.Port,
		Status:     worker.StatusStarting,
		StartedTS:  time.Now().UnixMilli(),
		Config:     req.Config,
		Metadata:   req.Metadata,
		Version:    req.Version,
	}

	blob, err := encode(workerToRecord(info))
	if err != nil {
		return worker.Info{}, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workerKey(req.WorkerID), blob, 0)
	pipe.SAdd(ctx, workerIDsKey, req.WorkerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return worker.Info{}, fmt.Errorf("replica/redis: register worker: %w", err)
	}
	return info, nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (worker.Info, error) {
	blob, err := s.client.Get(ctx, workerKey(workerID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return worker.Info{}, fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
		}
		return worker.Info{}, fmt.Errorf("replica/redis: get worker: %w", err)
	}

	var rec workerRecord
	if err := decode(blob, &rec); err != nil {
		return worker.Info{}, err
	}
	return rec.toInfo(), nil
}

// GetWorkersByType returns all workers of one type, ordered by worker id.
func (s *Store) GetWorkersByType(ctx context.Context, workerType worker.Type) ([]worker.Info, error) {
	return s.listWorkers(ctx, func(info worker.Info) bool {
		return info.WorkerType == workerType
	})
}

// GetActiveWorkers returns all running workers, ordered by worker id.
func (s *Store) GetActiveWorkers(ctx context.Context) ([]worker.Info, error) {
	return s.listWorkers(ctx, func(info worker.Info) bool {
		return info.Status == worker.StatusRunning
	})
}

func (s *Store) listWorkers(ctx context.Context, keep func(worker.Info) bool) ([]worker.Info, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("replica/redis: list workers: %w", err)
	}

	var out []worker.Info
	for _, workerID := range ids {
		info, err := s.GetWorker(ctx, workerID)
		if err != nil {
			if errors.Is(err, worker.ErrWorkerNotFound) {
				continue
			}
			return nil, err
		}
		if keep(info) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *Store) updateWorker(ctx context.Context, workerID string, mutate func(*worker.Info)) error {
	info, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	mutate(&info)

	blob, err := encode(workerToRecord(info))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, workerKey(workerID), blob, 0).Err(); err != nil {
		return fmt.Errorf("replica/redis: update worker: %w", err)
	}
	return nil
}

// UpdateWorkerStatus sets the worker's lifecycle status.
func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID string, status worker.Status) error {
	return s.updateWorker(ctx, workerID, func(info *worker.Info) {
		info.Status = status
	})
}

// UpdateHeartbeat stamps the worker's last heartbeat.
func (s *Store) UpdateHeartbeat(ctx context.Context, workerID string) error {
	return s.updateWorker(ctx, workerID, func(info *worker.Info) {
		info.LastHeartbeatTS = time.Now().UnixMilli()
	})
}

// UnregisterWorker marks the worker stopped. The record is kept for
// statistics.
func (s *Store) UnregisterWorker(ctx context.Context, workerID string) error {
	return s.updateWorker(ctx, workerID, func(info *worker.Info) {
		info.Status = worker.StatusStopped
		info.StoppedTS = time.Now().UnixMilli()
	})
}
