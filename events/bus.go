// Redis bus implementation.
//
// The Redis bus keeps one list per event type under a common prefix and
// uses LPUSH for publish and BRPOP for consume, giving FIFO delivery
// with blocking wait. Publishing retries a few times before giving up;
// consuming tolerates timeouts by returning nil, nil.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/asyncforge/mediagate/core"
)

// Publisher emits events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Consumer receives events from the bus.
type Consumer interface {
	// Consume blocks until an event on one of the subscribed streams is
	// available or the timeout expires. Returns nil, nil on timeout.
	Consume(ctx context.Context, timeout time.Duration) (*Envelope, error)
}

// Bus combines both halves of the contract.
type Bus interface {
	Publisher
	Consumer
}

// RedisBusConfig configures the Redis-backed bus.
type RedisBusConfig struct {
	// KeyPrefix is the prefix for all event list keys
	// Default: "mediagate:events"
	KeyPrefix string `json:"key_prefix"`

	// ConsumeTypes are the event streams Consume blocks on
	ConsumeTypes []EventType `json:"consume_types"`

	// Logger is an optional logger for bus operations
	Logger core.Logger `json:"-"`

	// RetryAttempts is the number of retries for failed publishes
	// Default: 3
	RetryAttempts int `json:"retry_attempts"`

	// RetryDelay is the delay between retry attempts
	// Default: 100ms
	RetryDelay time.Duration `json:"retry_delay"`
}

// DefaultRedisBusConfig returns default configuration.
func DefaultRedisBusConfig() RedisBusConfig {
	return RedisBusConfig{
		KeyPrefix:     "mediagate:events",
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// RedisBus implements Bus on Redis lists.
type RedisBus struct {
	client *redis.Client
	config RedisBusConfig
	logger core.Logger
}

// NewRedisBus creates a new Redis-backed bus.
// The client should already be connected to Redis.
func NewRedisBus(client *redis.Client, config *RedisBusConfig) *RedisBus {
	if config == nil {
		defaultConfig := DefaultRedisBusConfig()
		config = &defaultConfig
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "mediagate:events"
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 100 * time.Millisecond
	}

	b := &RedisBus{
		client: client,
		config: *config,
		logger: config.Logger,
	}

	if b.logger != nil {
		if cal, ok := b.logger.(core.ComponentAwareLogger); ok {
			b.logger = cal.WithComponent("gateway/events")
		}
	}

	return b
}

// streamKey returns the Redis list key for an event type.
func (b *RedisBus) streamKey(t EventType) string {
	return fmt.Sprintf("%s:%s", b.config.KeyPrefix, t)
}

// Publish serializes the event and pushes it onto its stream.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if evt == nil {
		return fmt.Errorf("event cannot be nil")
	}

	env, err := Wrap(evt)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	key := b.streamKey(env.Type)

	var lastErr error
	for attempt := 0; attempt < b.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(b.config.RetryDelay)
		}

		if err := b.client.LPush(ctx, key, data).Err(); err == nil {
			if b.logger != nil {
				b.logger.Debug("Event published", map[string]interface{}{
					"event_type":     env.Type,
					"correlation_id": env.CorrelationID,
				})
			}
			return nil
		} else {
			lastErr = err
		}
	}

	if b.logger != nil {
		b.logger.Error("Failed to publish event after retries", map[string]interface{}{
			"event_type": env.Type,
			"attempts":   b.config.RetryAttempts,
			"error":      lastErr.Error(),
		})
	}

	return fmt.Errorf("failed to publish %s event after %d attempts: %w", env.Type, b.config.RetryAttempts, lastErr)
}

// Consume blocks on the configured streams with BRPOP.
// Returns nil, nil when the timeout expires with no event.
func (b *RedisBus) Consume(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	if len(b.config.ConsumeTypes) == 0 {
		return nil, fmt.Errorf("bus has no consume streams configured")
	}

	keys := make([]string, len(b.config.ConsumeTypes))
	for i, t := range b.config.ConsumeTypes {
		keys[i] = b.streamKey(t)
	}

	result, err := b.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if b.logger != nil {
			b.logger.Error("Failed to consume event", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, fmt.Errorf("failed to consume event: %w", err)
	}

	// BRPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected BRPOP result format")
	}

	var env Envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		if b.logger != nil {
			b.logger.Error("Failed to deserialize event envelope", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, fmt.Errorf("failed to deserialize envelope: %w", err)
	}

	return &env, nil
}

// StreamDepth returns the number of queued events on one stream.
// Useful for monitoring and backpressure reporting.
func (b *RedisBus) StreamDepth(ctx context.Context, t EventType) (int64, error) {
	depth, err := b.client.LLen(ctx, b.streamKey(t)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get stream depth: %w", err)
	}
	return depth, nil
}
