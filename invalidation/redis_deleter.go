package invalidation

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisDeleter deletes cache entries with a single DEL per batch.
type RedisDeleter struct {
	client *redis.Client
}

// NewRedisDeleter wraps an existing Redis client.
func NewRedisDeleter(client *redis.Client) *RedisDeleter {
	return &RedisDeleter{client: client}
}

// Delete removes the keys in one round trip. Missing keys are not an
// error; DEL is naturally idempotent.
func (d *RedisDeleter) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete %d cache keys: %w", len(keys), err)
	}
	return nil
}
