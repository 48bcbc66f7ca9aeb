package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asyncforge/mediagate/core"
)

func TestStatusCacheGetOrLoad(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	cache := NewStatusCache(client, store, core.CacheConfig{}, nil)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)

	// Miss: loaded from the store and repopulated.
	got, err := cache.GetOrLoad(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetOrLoad() error = %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("ID = %s, want %s", got.ID, task.ID)
	}
	if exists, _ := client.Exists(ctx, statusKey(task.ID)).Result(); exists != 1 {
		t.Error("cache entry not repopulated after miss")
	}

	// Hit: served even after the store record is gone.
	if err := store.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err = cache.GetOrLoad(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetOrLoad() from cache error = %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("cached ID = %s, want %s", got.ID, task.ID)
	}
}

func TestStatusCacheUnknownTask(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	cache := NewStatusCache(client, store, core.CacheConfig{}, nil)

	_, err := cache.GetOrLoad(context.Background(), "missing")
	if !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("GetOrLoad() error = %v, want ErrTaskNotFound", err)
	}
}

func TestStatusCacheCorruptEntrySelfHeals(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	cache := NewStatusCache(client, store, core.CacheConfig{}, nil)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)
	if err := client.Set(ctx, statusKey(task.ID), "{not json", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := cache.GetOrLoad(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetOrLoad() error = %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("ID = %s, want %s", got.ID, task.ID)
	}

	// The corrupt entry was overwritten with the store record.
	data, err := client.Get(ctx, statusKey(task.ID)).Result()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if data == "{not json" {
		t.Error("corrupt cache entry was not overwritten")
	}
}

func TestStatusCacheTTLByState(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	cache := NewStatusCache(client, store, core.CacheConfig{
		ActiveTTL:   time.Hour,
		TerminalTTL: time.Minute,
	}, nil)
	ctx := context.Background()

	active := newImageTask(t, store, "prompt", 1)
	cache.Put(ctx, active)
	ttl, err := client.TTL(ctx, statusKey(active.ID)).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl != time.Hour {
		t.Errorf("active TTL = %v, want 1h", ttl)
	}

	done := newImageTask(t, store, "prompt", 1)
	done.State = core.TaskStateCompleted
	cache.Put(ctx, done)
	ttl, err = client.TTL(ctx, statusKey(done.ID)).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl != time.Minute {
		t.Errorf("terminal TTL = %v, want 1m", ttl)
	}
}

func TestStatusCacheInvalidate(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	cache := NewStatusCache(client, store, core.CacheConfig{}, nil)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)
	cache.Put(ctx, task)

	if err := cache.Invalidate(ctx, task.ID); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if exists, _ := client.Exists(ctx, statusKey(task.ID)).Result(); exists != 0 {
		t.Error("cache entry survived invalidation")
	}
	// Invalidating again is fine.
	if err := cache.Invalidate(ctx, task.ID); err != nil {
		t.Fatalf("second Invalidate() error = %v", err)
	}
}
