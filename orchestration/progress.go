package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
)

// progressDebounceInterval is the minimum gap between emitted progress
// updates for one task. Completion updates always pass.
const progressDebounceInterval = 500 * time.Millisecond

// progressTracker debounces and monotonizes progress for one dispatch.
// Providers may report progress out of order or in bursts; consumers
// see an update at most every half second and percentages never move
// backwards.
type progressTracker struct {
	task      *core.Task
	store     TaskStore
	cache     *StatusCache
	publisher events.Publisher
	clock     core.Clock
	logger    core.Logger

	mu          sync.Mutex
	lastPercent int
	lastEmit    time.Time
}

func newProgressTracker(task *core.Task, store TaskStore, cache *StatusCache, publisher events.Publisher, clock core.Clock, logger core.Logger) *progressTracker {
	return &progressTracker{
		task:        task,
		store:       store,
		cache:       cache,
		publisher:   publisher,
		clock:       clock,
		logger:      logger,
		lastPercent: task.ProgressPercent,
	}
}

// Report records a progress update. Regressions are ignored; updates
// inside the debounce window are dropped unless force is set (used for
// the 100% completion update).
func (p *progressTracker) Report(ctx context.Context, percent int, message string, force bool) {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	p.mu.Lock()
	if percent < p.lastPercent {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	if !force && percent == p.lastPercent {
		p.mu.Unlock()
		return
	}
	if !force && now.Sub(p.lastEmit) < progressDebounceInterval {
		p.mu.Unlock()
		return
	}
	p.lastPercent = percent
	p.lastEmit = now
	p.mu.Unlock()

	updated, err := p.store.Update(ctx, p.task.ID, func(t *core.Task) error {
		if t.State != core.TaskStateProcessing {
			// The task moved on (cancelled, timed out); drop the update.
			return nil
		}
		if percent > t.ProgressPercent {
			t.ProgressPercent = percent
		}
		t.ProgressMessage = message
		return nil
	})
	if err != nil {
		p.logger.Debug("Progress update dropped", map[string]interface{}{
			"task_id": p.task.ID,
			"error":   err.Error(),
		})
		return
	}
	p.cache.Put(ctx, updated)

	if p.publisher == nil {
		return
	}
	meta := p.task.Metadata.Generation()
	correlation := ""
	if meta != nil {
		correlation = meta.Request.CorrelationID
	}
	evt := &events.GenerationProgress{
		TaskID:        p.task.ID,
		Status:        string(core.TaskStateProcessing),
		Completed:     percent,
		Total:         100,
		Message:       message,
		CorrelationID: correlation,
	}
	if err := p.publisher.Publish(ctx, evt); err != nil {
		p.logger.Debug("Failed to publish progress event", map[string]interface{}{
			"task_id": p.task.ID,
			"error":   err.Error(),
		})
	}
}

// syntheticProgress emits increasing-interval progress for providers
// that cannot push progress. Intervals stretch as the task ages so
// long-running videos do not flood the bus. Stops at ctx cancellation.
func syntheticProgress(ctx context.Context, tracker *progressTracker) {
	intervals := []time.Duration{
		2 * time.Second, 3 * time.Second, 5 * time.Second,
		8 * time.Second, 13 * time.Second, 21 * time.Second,
	}
	percents := []int{10, 25, 40, 55, 70, 85}

	for i := range intervals {
		select {
		case <-ctx.Done():
			return
		case <-time.After(intervals[i]):
			tracker.Report(ctx, percents[i], "generation in progress", false)
		}
	}
	// Hold at 90 until the real completion lands.
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
			tracker.Report(ctx, 90, "generation in progress", false)
		}
	}
}
