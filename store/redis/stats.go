package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/helixchat/replica/worker"
)

// GetStatistics builds the per-worker aggregate view by enumeration.
func (s *Store) GetStatistics(ctx context.Context) ([]worker.Statistics, error) {
	workers, err := s.listWorkers(ctx, func(worker.Info) bool { return true })
	if err != nil {
		return nil, err
	}

	taskIDs, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("replica/redis: statistics: %w", err)
	}
	pendingTasks := make(map[string]int)
	runningTasks := make(map[string]int)
	for _, taskID := range taskIDs {
		task, err := s.getTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, worker.ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		switch task.Status {
		case worker.TaskPending:
			pendingTasks[task.AssignedWorkerID]++
		case worker.TaskRunning:
			runningTasks[task.AssignedWorkerID]++
		}
	}

	out := make([]worker.Statistics, 0, len(workers))
	for _, info := range workers {
		pendingCommands, err := s.client.ZCard(ctx, pendingCommandsKey(info.WorkerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("replica/redis: statistics: %w", err)
		}
		out = append(out, worker.Statistics{
			WorkerID:        info.WorkerID,
			WorkerName:      info.WorkerName,
			WorkerType:      info.WorkerType,
			Status:          info.Status,
			LastHeartbeatTS: info.LastHeartbeatTS,
			PendingCommands: int(pendingCommands),
			PendingTasks:    pendingTasks[info.WorkerID],
			RunningTasks:    runningTasks[info.WorkerID],
		})
	}
	return out, nil
}

// GetTypeStatistics builds the per-type aggregate view.
func (s *Store) GetTypeStatistics(ctx context.Context) ([]worker.TypeStatistics, error) {
	workers, err := s.listWorkers(ctx, func(worker.Info) bool { return true })
	if err != nil {
		return nil, err
	}

	byType := make(map[worker.Type]*worker.TypeStatistics)
	for _, info := range workers {
		stat, ok := byType[info.WorkerType]
		if !ok {
			stat = &worker.TypeStatistics{WorkerType: info.WorkerType}
			byType[info.WorkerType] = stat
		}
		stat.WorkerCount++
		if info.Status == worker.StatusRunning {
			stat.RunningCount++
		}
	}

	out := make([]worker.TypeStatistics, 0, len(byType))
	for _, stat := range byType {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerType < out[j].WorkerType })
	return out, nil
}
