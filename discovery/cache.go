// Package discovery resolves caller-facing model aliases to concrete
// provider dispatch targets and keeps provider capability knowledge
// fresh in the background.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/asyncforge/mediagate/core"
)

// providerCacheKey is the cached descriptor location for one provider.
func providerCacheKey(providerID string) string {
	return "discovery_cache:provider:" + providerID
}

// capabilityCacheKey is the cached model list location for one
// provider and task type.
func capabilityCacheKey(providerID string, taskType core.TaskType) string {
	return fmt.Sprintf("provider_capabilities_%s_%s", providerID, taskType)
}

// Cache is the read-through cache used by the resolver and refresher.
// All methods degrade: errors are returned but callers treat them as a
// miss and fall through to the source of truth.
type Cache interface {
	GetProvider(ctx context.Context, providerID string) (*core.ProviderDescriptor, error)
	PutProvider(ctx context.Context, desc *core.ProviderDescriptor) error

	GetCapabilityModels(ctx context.Context, providerID string, taskType core.TaskType) ([]string, error)
	PutCapabilityModels(ctx context.Context, providerID string, taskType core.TaskType, models []string) error

	InvalidateProvider(ctx context.Context, providerID string) error
}

// RedisCache implements Cache as JSON blobs with a shared TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewRedisCache creates the discovery cache. ttl <= 0 defaults to 24h.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger core.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/discovery")
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// GetProvider returns the cached descriptor, or nil, nil on a miss.
func (c *RedisCache) GetProvider(ctx context.Context, providerID string) (*core.ProviderDescriptor, error) {
	data, err := c.client.Get(ctx, providerCacheKey(providerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read provider cache: %w", err)
	}

	var desc core.ProviderDescriptor
	if err := json.Unmarshal([]byte(data), &desc); err != nil {
		// A corrupt entry behaves like a miss; the resolver reloads it.
		c.logger.Warn("Corrupt provider cache entry", map[string]interface{}{
			"provider": providerID,
			"error":    err.Error(),
		})
		return nil, nil
	}
	return &desc, nil
}

// PutProvider stores the descriptor under the cache TTL.
func (c *RedisCache) PutProvider(ctx context.Context, desc *core.ProviderDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to serialize provider descriptor: %w", err)
	}
	if err := c.client.Set(ctx, providerCacheKey(desc.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write provider cache: %w", err)
	}
	return nil
}

// GetCapabilityModels returns the cached model ids supporting one
// capability, or nil, nil on a miss.
func (c *RedisCache) GetCapabilityModels(ctx context.Context, providerID string, taskType core.TaskType) ([]string, error) {
	data, err := c.client.Get(ctx, capabilityCacheKey(providerID, taskType)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read capability cache: %w", err)
	}

	var models []string
	if err := json.Unmarshal([]byte(data), &models); err != nil {
		return nil, nil
	}
	return models, nil
}

// PutCapabilityModels stores the model list under the cache TTL.
func (c *RedisCache) PutCapabilityModels(ctx context.Context, providerID string, taskType core.TaskType, models []string) error {
	data, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("failed to serialize capability models: %w", err)
	}
	if err := c.client.Set(ctx, capabilityCacheKey(providerID, taskType), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write capability cache: %w", err)
	}
	return nil
}

// InvalidateProvider drops every cached entry for the provider.
func (c *RedisCache) InvalidateProvider(ctx context.Context, providerID string) error {
	keys := []string{
		providerCacheKey(providerID),
		capabilityCacheKey(providerID, core.TaskTypeImage),
		capabilityCacheKey(providerID, core.TaskTypeVideo),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate provider cache: %w", err)
	}
	return nil
}
