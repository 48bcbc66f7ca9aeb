package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
)

// Sweeper is the crash recovery and retention loop. Each sweep:
//
//  1. republishes due Pending tasks (scheduled retries whose time has
//     arrived, and stale tasks stranded by a crashed worker)
//  2. times out Processing tasks abandoned past the processing deadline
//  3. archives old terminal tasks and prunes the archive
//
// The sweeper is safe to run on every instance: dispatch idempotency
// in the orchestrator absorbs duplicate republishes.
type Sweeper struct {
	store     TaskStore
	cache     *StatusCache
	publisher events.Publisher
	config    core.SweeperConfig
	clock     core.Clock
	logger    core.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper creates the sweeper. cache may be nil.
func NewSweeper(store TaskStore, cache *StatusCache, publisher events.Publisher, config core.SweeperConfig, logger core.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.PendingBatch <= 0 {
		config.PendingBatch = 100
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	if config.ArchiveRetention <= 0 {
		config.ArchiveRetention = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/sweeper")
	}
	return &Sweeper{
		store:     store,
		cache:     cache,
		publisher: publisher,
		config:    config,
		clock:     core.RealClock{},
		logger:    logger,
	}
}

// SetClock substitutes the time source. Intended for tests.
func (s *Sweeper) SetClock(clock core.Clock) {
	s.clock = clock
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	s.logger.Info("Sweeper started", map[string]interface{}{
		"interval": s.config.Interval.String(),
	})
	return nil
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// Sweep runs one full pass. Exported so tests and operators can sweep
// on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.redispatchPending(ctx)
	s.reapProcessing(ctx)
	s.archive(ctx)
}

// redispatchPending republishes pending tasks whose ready time has
// arrived. Fresh tasks get a grace period of one sweep interval so the
// normal event-driven path handles them first.
func (s *Sweeper) redispatchPending(ctx context.Context) {
	tasks, err := s.store.ListPending(ctx, "", s.config.PendingBatch)
	if err != nil {
		s.logger.Error("Pending sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	now := s.clock.Now()
	republished := 0
	for _, task := range tasks {
		if task.NextRetryAt == nil && now.Sub(task.UpdatedAt) < s.config.Interval {
			continue
		}

		meta := task.Metadata.Generation()
		if meta == nil {
			continue
		}
		evt := &events.GenerationRequested{
			TaskID:        task.ID,
			Request:       meta.Request,
			CallerKeyID:   meta.CallerKeyID,
			CallerKeyHash: meta.CallerKeyHash,
			WebhookURL:    meta.Request.WebhookURL,
			CorrelationID: meta.Request.CorrelationID,
		}
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Error("Failed to republish pending task", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
			continue
		}
		republished++
	}

	if republished > 0 {
		emitSweep("pending_redispatch", republished)
		s.logger.Info("Republished pending tasks", map[string]interface{}{
			"count": republished,
		})
	}
}

// reapProcessing times out tasks abandoned in Processing, typically by
// a crashed worker.
func (s *Sweeper) reapProcessing(ctx context.Context) {
	tasks, err := s.store.ListProcessingOlderThan(ctx, s.config.ProcessingTimeout, s.config.PendingBatch)
	if err != nil {
		s.logger.Error("Processing reap failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	reaped := 0
	for _, task := range tasks {
		updated, err := s.store.Update(ctx, task.ID, func(t *core.Task) error {
			if t.State != core.TaskStateProcessing {
				return errAbortDispatch
			}
			t.State = core.TaskStateTimedOut
			t.Error = &core.TaskError{
				Code:    string(core.KindInternal),
				Message: "task exceeded processing deadline",
			}
			return nil
		})
		if err != nil {
			continue
		}
		if s.cache != nil {
			s.cache.Put(ctx, updated)
		}
		reaped++
		s.logger.Warn("Timed out abandoned task", map[string]interface{}{
			"task_id": task.ID,
			"age":     s.clock.Now().Sub(task.UpdatedAt).String(),
		})
	}

	if reaped > 0 {
		emitSweep("processing_reaped", reaped)
	}
}

// archive moves old terminal tasks out of the hot keyspace and prunes
// the archive itself.
func (s *Sweeper) archive(ctx context.Context) {
	archived, err := s.store.ArchiveOlderThan(ctx, s.config.Retention, s.config.PendingBatch)
	if err != nil {
		s.logger.Error("Archive sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if archived > 0 {
		emitSweep("archived", archived)
	}

	cutoff := s.clock.Now().Add(-s.config.ArchiveRetention)
	pruned, err := s.store.BulkDeleteArchivedBefore(ctx, cutoff, s.config.PendingBatch)
	if err != nil {
		s.logger.Error("Archive prune failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if pruned > 0 {
		emitSweep("archive_pruned", pruned)
	}
}
