package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/helixchat/replica/id"
	"github.com/helixchat/replica/worker"
)

// commandScore orders the pending queue by priority then age. Lower score
// pops first, so priority is negated.
func commandScore(priority int, createdTS int64) float64 {
	return float64(-priority) + float64(createdTS)/1e15
}

// CreateCommand stores the command blob and queues it on the target's
// pending Sorted Set.
func (s *Store) CreateCommand(ctx context.Context, req worker.SendCommandRequest) (worker.Command, error) {
	rowID, err := s.client.Incr(ctx, rowSeqKey).Result()
	if err != nil {
		return worker.Command{}, fmt.Errorf("replica/redis: create command: %w", err)
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	cmd := worker.Command{
		ID:             rowID,
		CommandID:      id.NewCommandID(),
		TargetWorkerID: req.TargetWorkerID,
		SourceWorkerID: req.SourceWorkerID,
		CommandType:    req.CommandType,
		CommandData:    req.CommandData,
		Priority:       req.Priority,
		Status:         worker.CommandPending,
		CreatedTS:      time.Now().UnixMilli(),
		MaxRetries:     maxRetries,
	}

	blob, err := encode(commandToRecord(cmd))
	if err != nil {
		return worker.Command{}, err
	}

	cmdID := cmd.CommandID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, commandKey(cmdID), blob, 0)
	pipe.ZAdd(ctx, pendingCommandsKey(req.TargetWorkerID), goredis.Z{
		Score:  commandScore(cmd.Priority, cmd.CreatedTS),
		Member: cmdID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return worker.Command{}, fmt.Errorf("replica/redis: create command: %w", err)
	}
	return cmd, nil
}

// GetPendingCommands returns up to limit pending commands for the worker,
// highest priority first.
func (s *Store) GetPendingCommands(ctx context.Context, workerID string, limit int) ([]worker.Command, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, pendingCommandsKey(workerID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("replica/redis: pending commands: %w", err)
	}

	var out []worker.Command
	for _, cmdID := range ids {
		cmd, err := s.getCommand(ctx, cmdID)
		if err != nil {
			if errors.Is(err, worker.ErrCommandNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, nil
}

func (s *Store) getCommand(ctx context.Context, commandID string) (worker.Command, error) {
	blob, err := s.client.Get(ctx, commandKey(commandID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return worker.Command{}, fmt.Errorf("%w: %s", worker.ErrCommandNotFound, commandID)
		}
		return worker.Command{}, fmt.Errorf("replica/redis: get command: %w", err)
	}

	var rec commandRecord
	if err := decode(blob, &rec); err != nil {
		return worker.Command{}, err
	}
	return rec.toCommand()
}

func (s *Store) updateCommand(ctx context.Context, commandID id.CommandID, mutate func(*worker.Command)) error {
	cmd, err := s.getCommand(ctx, commandID.String())
	if err != nil {
		return err
	}
	mutate(&cmd)

	blob, err := encode(commandToRecord(cmd))
	if err != nil {
		return err
	}

	cmdID := commandID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, commandKey(cmdID), blob, 0)
	if cmd.Status == worker.CommandPending {
		pipe.ZAdd(ctx, pendingCommandsKey(cmd.TargetWorkerID), goredis.Z{
			Score:  commandScore(cmd.Priority, cmd.CreatedTS),
			Member: cmdID,
		})
	} else {
		pipe.ZRem(ctx, pendingCommandsKey(cmd.TargetWorkerID), cmdID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replica/redis: update command: %w", err)
	}
	return nil
}

// MarkCommandSent transitions the command to sent and removes it from the
// pending queue.
func (s *Store) MarkCommandSent(ctx context.Context, commandID id.CommandID) error {
	return s.updateCommand(ctx, commandID, func(cmd *worker.Command) {
		cmd.Status = worker.CommandSent
		cmd.SentTS = time.Now().UnixMilli()
	})
}

// CompleteCommand marks the command completed.
func (s *Store) CompleteCommand(ctx context.Context, commandID id.CommandID) error {
	return s.updateCommand(ctx, commandID, func(cmd *worker.Command) {
		cmd.Status = worker.CommandCompleted
		cmd.CompletedTS = time.Now().UnixMilli()
	})
}

// FailCommand increments the retry count and cycles the command back to
// pending until retries are exhausted, then marks it failed terminally.
func (s *Store) FailCommand(ctx context.Context, commandID id.CommandID, errorMessage string) error {
	return s.updateCommand(ctx, commandID, func(cmd *worker.Command) {
		if cmd.RetryCount >= cmd.MaxRetries {
			cmd.Status = worker.CommandFailed
			cmd.CompletedTS = time.Now().UnixMilli()
		} else {
			cmd.Status = worker.CommandPending
		}
		cmd.RetryCount++
		cmd.ErrorMessage = errorMessage
	})
}
