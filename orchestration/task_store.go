// Package orchestration executes asynchronous generation tasks.
//
// The task store in this file is the source of truth for task state.
// Records live as JSON blobs with two secondary indexes: a pending zset
// scored by ready time (NextRetryAt when set, else UpdatedAt) feeding
// the sweeper, and a terminal zset scored by completion time feeding
// archival. All mutation goes through Update, which runs the caller's
// mutator under WATCH so concurrent writers serialize per task id and
// the transition DAG cannot be bypassed.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/asyncforge/mediagate/core"
)

const (
	taskKeyPrefix  = "mediagate:task:"
	pendingIndex   = "mediagate:tasks:pending"
	terminalIndex  = "mediagate:tasks:terminal"
	archivePrefix  = "mediagate:task:archive:"
	archiveIndex   = "mediagate:tasks:archived"
	updateAttempts = 5
)

// TaskStore is the durable task state contract.
type TaskStore interface {
	Create(ctx context.Context, task *core.Task) error
	Get(ctx context.Context, id string) (*core.Task, error)
	Update(ctx context.Context, id string, mutate func(*core.Task) error) (*core.Task, error)
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context, taskType core.TaskType, limit int) ([]*core.Task, error)
	ListProcessingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*core.Task, error)
	ArchiveOlderThan(ctx context.Context, retention time.Duration, limit int) (int, error)
	BulkDeleteArchivedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// RedisTaskStore implements TaskStore on a single Redis instance.
type RedisTaskStore struct {
	client *redis.Client
	logger core.Logger
	clock  core.Clock
}

// NewRedisTaskStore creates the store. The client should already be
// connected.
func NewRedisTaskStore(client *redis.Client, logger core.Logger) *RedisTaskStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/taskstore")
	}
	return &RedisTaskStore{
		client: client,
		logger: logger,
		clock:  core.RealClock{},
	}
}

// SetClock substitutes the time source. Intended for tests.
func (s *RedisTaskStore) SetClock(clock core.Clock) {
	s.clock = clock
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

// readyScore is the pending index score: the earliest instant the task
// may be dispatched.
func readyScore(task *core.Task) float64 {
	if task.NextRetryAt != nil {
		return float64(task.NextRetryAt.UnixMilli())
	}
	return float64(task.UpdatedAt.UnixMilli())
}

// Create persists a new task. Returns ErrDuplicateTask when the id
// already exists; creation is first-writer-wins.
func (s *RedisTaskStore) Create(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id cannot be empty")
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task %s: %w", task.ID, err)
	}

	ok, err := s.client.SetNX(ctx, taskKey(task.ID), data, 0).Result()
	if err != nil {
		return core.NewGatewayError("taskstore.create", core.KindStorageTransient, err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", task.ID, core.ErrDuplicateTask)
	}

	if task.State == core.TaskStatePending {
		if err := s.client.ZAdd(ctx, pendingIndex, &redis.Z{
			Score:  readyScore(task),
			Member: task.ID,
		}).Err(); err != nil {
			s.logger.Error("Failed to index pending task", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
	}

	s.logger.Debug("Task created", map[string]interface{}{
		"task_id": task.ID,
		"type":    string(task.Type),
	})
	return nil
}

// Get loads one task. Returns ErrTaskNotFound for unknown ids.
func (s *RedisTaskStore) Get(ctx context.Context, id string) (*core.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrTaskNotFound)
	}
	if err != nil {
		return nil, core.NewGatewayError("taskstore.get", core.KindStorageTransient, err)
	}

	var task core.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize task %s: %w", id, err)
	}
	return &task, nil
}

// Update applies the mutator to the current record under WATCH and
// retries on contention. The store enforces the transition DAG, the
// NextRetryAt requirement on retry edges, and write-once CompletedAt.
func (s *RedisTaskStore) Update(ctx context.Context, id string, mutate func(*core.Task) error) (*core.Task, error) {
	var updated *core.Task

	for attempt := 0; attempt < updateAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, taskKey(id)).Result()
			if err == redis.Nil {
				return fmt.Errorf("task %s: %w", id, core.ErrTaskNotFound)
			}
			if err != nil {
				return err
			}

			var task core.Task
			if err := json.Unmarshal([]byte(data), &task); err != nil {
				return fmt.Errorf("failed to deserialize task %s: %w", id, err)
			}
			prevState := task.State

			if err := mutate(&task); err != nil {
				return err
			}

			if !core.CanTransition(prevState, task.State) {
				return fmt.Errorf("task %s: %s -> %s: %w", id, prevState, task.State, core.ErrIllegalTransition)
			}
			// Retry edges reschedule; a retry without a ready time would
			// strand the task.
			if task.State == core.TaskStatePending && prevState != core.TaskStatePending && task.NextRetryAt == nil {
				return fmt.Errorf("task %s: retry transition without next_retry_at: %w", id, core.ErrIllegalTransition)
			}

			now := s.clock.Now()
			task.UpdatedAt = now
			if task.State.IsTerminal() && task.CompletedAt == nil {
				task.CompletedAt = &now
			}

			out, err := json.Marshal(&task)
			if err != nil {
				return fmt.Errorf("failed to serialize task %s: %w", id, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, taskKey(id), out, 0)
				s.reindex(ctx, pipe, &task, prevState)
				return nil
			})
			if err != nil {
				return err
			}

			updated = &task
			return nil
		}, taskKey(id))

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, core.NewGatewayError("taskstore.update", core.KindStorageTransient,
		fmt.Errorf("task %s: update contention exceeded %d attempts", id, updateAttempts))
}

// reindex maintains the secondary indexes inside the update pipeline.
func (s *RedisTaskStore) reindex(ctx context.Context, pipe redis.Pipeliner, task *core.Task, prevState core.TaskState) {
	switch {
	case task.State == core.TaskStatePending:
		pipe.ZAdd(ctx, pendingIndex, &redis.Z{Score: readyScore(task), Member: task.ID})
	case prevState == core.TaskStatePending:
		pipe.ZRem(ctx, pendingIndex, task.ID)
	}

	if task.State.IsTerminal() {
		score := float64(s.clock.Now().UnixMilli())
		if task.CompletedAt != nil {
			score = float64(task.CompletedAt.UnixMilli())
		}
		pipe.ZRem(ctx, pendingIndex, task.ID)
		pipe.ZAdd(ctx, terminalIndex, &redis.Z{Score: score, Member: task.ID})
	}
}

// Delete removes a task and its index entries. Deleting an unknown id
// is not an error.
func (s *RedisTaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, taskKey(id))
		pipe.ZRem(ctx, pendingIndex, id)
		pipe.ZRem(ctx, terminalIndex, id)
		return nil
	})
	if err != nil {
		return core.NewGatewayError("taskstore.delete", core.KindStorageTransient, err)
	}
	return nil
}

// ListPending returns up to limit pending tasks whose ready time has
// arrived, oldest first. taskType "" matches both modalities. Index
// entries whose record has vanished are pruned as they are found.
func (s *RedisTaskStore) ListPending(ctx context.Context, taskType core.TaskType, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 100
	}

	now := s.clock.Now().UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, pendingIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, core.NewGatewayError("taskstore.list_pending", core.KindStorageTransient, err)
	}

	tasks := make([]*core.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			// Stale index entry; drop it and move on.
			s.client.ZRem(ctx, pendingIndex, id)
			continue
		}
		if task.State != core.TaskStatePending {
			s.client.ZRem(ctx, pendingIndex, id)
			continue
		}
		if taskType != "" && task.Type != taskType {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ListProcessingOlderThan returns Processing tasks whose last update is
// older than age. Used by the reaper to time out abandoned work. This
// scans the task keyspace; the limit bounds the scan cost per sweep.
func (s *RedisTaskStore) ListProcessingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock.Now().Add(-age)

	var tasks []*core.Task
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, taskKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, core.NewGatewayError("taskstore.list_processing", core.KindStorageTransient, err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var task core.Task
			if err := json.Unmarshal([]byte(data), &task); err != nil {
				continue
			}
			if task.State == core.TaskStateProcessing && task.UpdatedAt.Before(cutoff) {
				t := task
				tasks = append(tasks, &t)
				if len(tasks) >= limit {
					return tasks, nil
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return tasks, nil
}

// ArchiveOlderThan moves terminal tasks older than retention to the
// archive keyspace and returns how many were moved.
func (s *RedisTaskStore) ArchiveOlderThan(ctx context.Context, retention time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock.Now().Add(-retention).UnixMilli()

	ids, err := s.client.ZRangeByScore(ctx, terminalIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, core.NewGatewayError("taskstore.archive", core.KindStorageTransient, err)
	}

	archived := 0
	for _, id := range ids {
		data, err := s.client.Get(ctx, taskKey(id)).Result()
		if err == redis.Nil {
			s.client.ZRem(ctx, terminalIndex, id)
			continue
		}
		if err != nil {
			return archived, core.NewGatewayError("taskstore.archive", core.KindStorageTransient, err)
		}

		score, err := s.client.ZScore(ctx, terminalIndex, id).Result()
		if err != nil {
			score = float64(s.clock.Now().UnixMilli())
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, archivePrefix+id, data, 0)
			pipe.ZAdd(ctx, archiveIndex, &redis.Z{Score: score, Member: id})
			pipe.Del(ctx, taskKey(id))
			pipe.ZRem(ctx, terminalIndex, id)
			return nil
		})
		if err != nil {
			return archived, core.NewGatewayError("taskstore.archive", core.KindStorageTransient, err)
		}
		archived++
	}

	if archived > 0 {
		s.logger.Info("Archived terminal tasks", map[string]interface{}{
			"count": archived,
		})
	}
	return archived, nil
}

// BulkDeleteArchivedBefore prunes archived tasks completed before the
// cutoff and returns how many were removed.
func (s *RedisTaskStore) BulkDeleteArchivedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.client.ZRangeByScore(ctx, archiveIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, core.NewGatewayError("taskstore.bulk_delete", core.KindStorageTransient, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, archivePrefix+id)
			pipe.ZRem(ctx, archiveIndex, id)
		}
		return nil
	})
	if err != nil {
		return 0, core.NewGatewayError("taskstore.bulk_delete", core.KindStorageTransient, err)
	}
	return len(ids), nil
}
