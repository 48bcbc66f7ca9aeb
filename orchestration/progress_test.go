package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
)

func newTrackerFixture(t *testing.T) (*progressTracker, *RedisTaskStore, *events.MemoryBus, *fakeClock, *core.Task) {
	t.Helper()
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	clock := newFakeClock()
	store.SetClock(clock)
	cache := NewStatusCache(client, store, core.CacheConfig{}, nil)
	bus := events.NewMemoryBus()

	task := newImageTask(t, store, "progress prompt", 1)
	if _, err := store.Update(context.Background(), task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	return newProgressTracker(task, store, cache, bus, clock, nil), store, bus, clock, task
}

func TestProgressTrackerMonotonic(t *testing.T) {
	tracker, store, bus, clock, task := newTrackerFixture(t)
	ctx := context.Background()

	tracker.Report(ctx, 40, "warming up", false)
	// Regressions and repeats are dropped.
	tracker.Report(ctx, 20, "stale update", false)
	clock.Advance(time.Second)
	tracker.Report(ctx, 40, "repeat", false)
	tracker.Report(ctx, 60, "rendering", false)

	if n := bus.RecordedCount(events.TypeGenerationProgress); n != 2 {
		t.Errorf("GenerationProgress events = %d, want 2", n)
	}
	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ProgressPercent != 60 {
		t.Errorf("ProgressPercent = %d, want 60", got.ProgressPercent)
	}
}

func TestProgressTrackerDebounce(t *testing.T) {
	tracker, store, bus, _, task := newTrackerFixture(t)
	ctx := context.Background()

	tracker.Report(ctx, 10, "first", false)
	// Inside the debounce window without force: dropped.
	tracker.Report(ctx, 50, "burst", false)
	if n := bus.RecordedCount(events.TypeGenerationProgress); n != 1 {
		t.Errorf("GenerationProgress events = %d inside debounce window, want 1", n)
	}

	// Forced updates bypass the window.
	tracker.Report(ctx, 100, "done", true)
	if n := bus.RecordedCount(events.TypeGenerationProgress); n != 2 {
		t.Errorf("GenerationProgress events = %d after forced update, want 2", n)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %d, want 100", got.ProgressPercent)
	}
}

func TestProgressTrackerClampsPercent(t *testing.T) {
	tracker, store, _, _, task := newTrackerFixture(t)
	ctx := context.Background()

	tracker.Report(ctx, 250, "overshoot", true)

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %d, want clamped to 100", got.ProgressPercent)
	}
}
