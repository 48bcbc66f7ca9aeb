package orchestration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/telemetry"
)

// statusKeyPrefix namespaces status cache entries away from the durable
// task records.
const statusKeyPrefix = "async:task:"

// StatusCache is the fast-path read layer for task status polling.
// The store stays authoritative: every write lands in the store first,
// cache failures are logged and swallowed, and a miss or corrupt entry
// self-heals by reloading from the store.
type StatusCache struct {
	client *redis.Client
	store  TaskStore
	config core.CacheConfig
	logger core.Logger
}

// NewStatusCache creates the cache layer over the given store.
func NewStatusCache(client *redis.Client, store TaskStore, config core.CacheConfig, logger core.Logger) *StatusCache {
	if config.ActiveTTL <= 0 {
		config.ActiveTTL = 24 * time.Hour
	}
	if config.TerminalTTL <= 0 {
		config.TerminalTTL = 2 * time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/statuscache")
	}
	return &StatusCache{
		client: client,
		store:  store,
		config: config,
		logger: logger,
	}
}

func statusKey(id string) string {
	return statusKeyPrefix + id
}

// GetOrLoad returns the task from the cache, falling back to the store
// and repopulating on a miss. Store errors (including ErrTaskNotFound)
// propagate; cache errors never do.
func (c *StatusCache) GetOrLoad(ctx context.Context, id string) (*core.Task, error) {
	data, err := c.client.Get(ctx, statusKey(id)).Result()
	if err == nil {
		var task core.Task
		if jsonErr := json.Unmarshal([]byte(data), &task); jsonErr == nil {
			telemetry.Counter("gateway.status_cache.hits")
			return &task, nil
		}
		// Corrupt entry: fall through and overwrite from the store.
		c.logger.Warn("Corrupt status cache entry", map[string]interface{}{
			"task_id": id,
		})
	} else if err != redis.Nil {
		c.logger.Warn("Status cache read failed", map[string]interface{}{
			"task_id": id,
			"error":   err.Error(),
		})
	}

	telemetry.Counter("gateway.status_cache.misses")

	task, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Put(ctx, task)
	return task, nil
}

// Put writes the task into the cache with the state-appropriate TTL.
// Failures are swallowed; the next read self-heals from the store.
func (c *StatusCache) Put(ctx context.Context, task *core.Task) {
	data, err := json.Marshal(task)
	if err != nil {
		c.logger.Error("Failed to serialize task for cache", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return
	}

	ttl := c.config.ActiveTTL
	if task.State.IsTerminal() {
		ttl = c.config.TerminalTTL
	}

	if err := c.client.Set(ctx, statusKey(task.ID), data, ttl).Err(); err != nil {
		c.logger.Warn("Status cache write failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

// Invalidate drops one cache entry. Missing entries are fine.
func (c *StatusCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, statusKey(id)).Err()
}

// Key exposes the cache key for one task id, for invalidation enqueues.
func (c *StatusCache) Key(id string) string {
	return statusKey(id)
}
