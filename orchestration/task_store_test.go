package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asyncforge/mediagate/core"
)

func TestTaskStoreCreateAndGet(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	ctx := context.Background()

	task := newImageTask(t, store, "a red fox", 2)

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != core.TaskStatePending {
		t.Errorf("State = %s, want pending", got.State)
	}
	if got.Metadata.Generation().Request.Prompt != "a red fox" {
		t.Errorf("Prompt = %q, want %q", got.Metadata.Generation().Request.Prompt, "a red fox")
	}
}

func TestTaskStoreDuplicateCreate(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)
	err := store.Create(ctx, task)
	if !errors.Is(err, core.ErrDuplicateTask) {
		t.Fatalf("Create() error = %v, want ErrDuplicateTask", err)
	}
}

func TestTaskStoreGetUnknown(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("Get() error = %v, want ErrTaskNotFound", err)
	}
}

func TestTaskStoreUpdateTransitions(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	ctx := context.Background()
	task := newImageTask(t, store, "prompt", 1)

	updated, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	})
	if err != nil {
		t.Fatalf("Update(pending->processing) error = %v", err)
	}
	if updated.State != core.TaskStateProcessing {
		t.Errorf("State = %s, want processing", updated.State)
	}

	updated, err = store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("Update(processing->completed) error = %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt not stamped on terminal transition")
	}

	// Terminal states are sinks.
	_, err = store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	})
	if !errors.Is(err, core.ErrIllegalTransition) {
		t.Fatalf("Update(completed->processing) error = %v, want ErrIllegalTransition", err)
	}
}

func TestTaskStoreRejectsIllegalEdge(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	task := newImageTask(t, store, "prompt", 1)

	_, err := store.Update(context.Background(), task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateCompleted
		return nil
	})
	if !errors.Is(err, core.ErrIllegalTransition) {
		t.Fatalf("Update(pending->completed) error = %v, want ErrIllegalTransition", err)
	}
}

func TestTaskStoreRetryEdgeRequiresSchedule(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	ctx := context.Background()
	task := newImageTask(t, store, "prompt", 1)

	if _, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	_, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStatePending
		return nil
	})
	if !errors.Is(err, core.ErrIllegalTransition) {
		t.Fatalf("retry without next_retry_at: error = %v, want ErrIllegalTransition", err)
	}

	at := time.Now().Add(time.Minute)
	updated, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStatePending
		tk.NextRetryAt = &at
		tk.RetryCount++
		return nil
	})
	if err != nil {
		t.Fatalf("retry with next_retry_at: error = %v", err)
	}
	if updated.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", updated.RetryCount)
	}
}

func TestTaskStoreCompletedAtWriteOnce(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	clock := newFakeClock()
	store.SetClock(clock)
	ctx := context.Background()
	task := newImageTask(t, store, "prompt", 1)

	if _, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	first, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	clock.Advance(time.Hour)
	second, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.ProgressMessage = "touched"
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("CompletedAt changed on later update: %v -> %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestTaskStoreListPending(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	ctx := context.Background()

	img := newImageTask(t, store, "image prompt", 1)
	vid := newVideoTask(t, store, "video prompt")

	tasks, err := store.ListPending(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("ListPending() returned %d tasks, want 2", len(tasks))
	}

	// Type filter matches one modality.
	tasks, err = store.ListPending(ctx, core.TaskTypeVideo, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != vid.ID {
		t.Fatalf("ListPending(video) = %v, want only %s", taskIDs(tasks), vid.ID)
	}

	// A retry scheduled in the future is not ready.
	if _, err := store.Update(ctx, img.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	future := time.Now().Add(time.Hour)
	if _, err := store.Update(ctx, img.ID, func(tk *core.Task) error {
		tk.State = core.TaskStatePending
		tk.NextRetryAt = &future
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	tasks, err = store.ListPending(ctx, core.TaskTypeImage, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("ListPending(image) = %v, want none before the retry instant", taskIDs(tasks))
	}
}

func TestTaskStoreListPendingPrunesStaleEntries(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)

	// Drop the record but leave the index entry behind.
	if err := client.Del(ctx, taskKey(task.ID)).Err(); err != nil {
		t.Fatalf("Del() error = %v", err)
	}

	tasks, err := store.ListPending(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("ListPending() = %v, want none", taskIDs(tasks))
	}
	if n, _ := client.ZCard(ctx, pendingIndex).Result(); n != 0 {
		t.Errorf("pending index has %d entries after prune, want 0", n)
	}
}

func TestTaskStoreListProcessingOlderThan(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	clock := newFakeClock()
	store.SetClock(clock)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)
	if _, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Not yet old enough.
	tasks, err := store.ListProcessingOlderThan(ctx, time.Hour, 10)
	if err != nil {
		t.Fatalf("ListProcessingOlderThan() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("found %d abandoned tasks, want 0", len(tasks))
	}

	clock.Advance(2 * time.Hour)
	tasks, err = store.ListProcessingOlderThan(ctx, time.Hour, 10)
	if err != nil {
		t.Fatalf("ListProcessingOlderThan() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("abandoned tasks = %v, want [%s]", taskIDs(tasks), task.ID)
	}
}

func TestTaskStoreArchiveFlow(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisTaskStore(client, nil)
	clock := newFakeClock()
	store.SetClock(clock)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)
	if _, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := store.Update(ctx, task.ID, func(tk *core.Task) error {
		tk.State = core.TaskStateCompleted
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Too fresh to archive.
	n, err := store.ArchiveOlderThan(ctx, 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("ArchiveOlderThan() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("archived %d tasks, want 0", n)
	}

	clock.Advance(48 * time.Hour)
	n, err = store.ArchiveOlderThan(ctx, 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("ArchiveOlderThan() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("archived %d tasks, want 1", n)
	}

	// The hot record is gone, the archive copy exists.
	if _, err := store.Get(ctx, task.ID); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("Get() after archive error = %v, want ErrTaskNotFound", err)
	}
	if exists, _ := client.Exists(ctx, archivePrefix+task.ID).Result(); exists != 1 {
		t.Fatal("archive record missing")
	}

	// Prune the archive once past its own retention.
	clock.Advance(30 * 24 * time.Hour)
	pruned, err := store.BulkDeleteArchivedBefore(ctx, clock.Now(), 10)
	if err != nil {
		t.Fatalf("BulkDeleteArchivedBefore() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d tasks, want 1", pruned)
	}
	if exists, _ := client.Exists(ctx, archivePrefix+task.ID).Result(); exists != 0 {
		t.Fatal("archive record still present after prune")
	}
}

func TestTaskStoreDeleteIdempotent(t *testing.T) {
	store := NewRedisTaskStore(newTestRedis(t), nil)
	ctx := context.Background()

	task := newImageTask(t, store, "prompt", 1)
	if err := store.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, task.ID); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, task.ID); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrTaskNotFound", err)
	}
}

func taskIDs(tasks []*core.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}
