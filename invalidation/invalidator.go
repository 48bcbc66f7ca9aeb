// Package invalidation batches cache invalidation requests so bursts of
// task updates do not translate into bursts of cache round trips.
//
// Requests are queued per key family, coalesced by key, and flushed on a
// short interval. Critical requests and deep queues flush immediately.
// A failed batch is requeued at the head so keys are never silently
// dropped; at-least-once deletion is the contract.
package invalidation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/telemetry"
)

// Priority orders invalidation urgency.
type Priority int

const (
	// PriorityNormal waits for the flush window
	PriorityNormal Priority = iota
	// PriorityCritical flushes the whole queue immediately
	PriorityCritical
)

// Deleter removes cache entries. Implementations should delete the
// whole batch in one round trip where the backend allows it.
type Deleter interface {
	Delete(ctx context.Context, keys ...string) error
}

// errorWindow is the sliding window for the failure count in Stats.
const errorWindow = time.Hour

// request is one queued invalidation.
type request struct {
	key      string
	family   string
	queuedAt time.Time
}

// Stats is a point-in-time view of invalidator activity.
type Stats struct {
	Enqueued          int64   `json:"enqueued"`
	Coalesced         int64   `json:"coalesced"`
	Processed         int64   `json:"processed"`
	FailedBatches     int64   `json:"failed_batches"`
	QueueDepth        int     `json:"queue_depth"`
	ErrorsLastHour    int     `json:"errors_last_hour"`
	AvgFlushLatencyMs float64 `json:"avg_flush_latency_ms"`
}

// BatchedInvalidator queues and batches cache deletions.
type BatchedInvalidator struct {
	deleter Deleter
	config  *core.InvalidationConfig
	logger  core.Logger
	clock   core.Clock

	mu     sync.Mutex
	queues map[string][]*request
	index  map[string]map[string]*request
	depth  int

	enqueued      int64
	coalesced     int64
	processed     int64
	failedBatches int64
	totalFlushDur time.Duration
	errorTimes    []time.Time

	flushSignal chan struct{}
	running     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBatchedInvalidator creates an invalidator over the given deleter.
// A nil config gets defaults. When the config disables batching, every
// Enqueue deletes synchronously instead.
func NewBatchedInvalidator(deleter Deleter, config *core.InvalidationConfig, logger core.Logger) *BatchedInvalidator {
	if config == nil {
		c := core.DefaultInvalidationConfig()
		config = &c
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 100 * time.Millisecond
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 500
	}
	if config.MaxQueueDepth <= 0 {
		config.MaxQueueDepth = 10000
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/invalidation")
	}

	return &BatchedInvalidator{
		deleter:     deleter,
		config:      config,
		logger:      logger,
		clock:       core.RealClock{},
		queues:      make(map[string][]*request),
		index:       make(map[string]map[string]*request),
		flushSignal: make(chan struct{}, 1),
	}
}

// SetClock substitutes the time source. Intended for tests.
func (b *BatchedInvalidator) SetClock(clock core.Clock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// Start launches the flush loop. Not needed in synchronous mode.
func (b *BatchedInvalidator) Start(ctx context.Context) error {
	if !b.config.Enabled {
		return nil
	}
	if !b.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyRunning
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(ctx)

	b.logger.Info("Batched invalidator started", map[string]interface{}{
		"flush_interval": b.config.FlushInterval.String(),
		"max_batch_size": b.config.MaxBatchSize,
	})
	return nil
}

// Stop flushes remaining requests and halts the loop.
func (b *BatchedInvalidator) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()

	// Final drain so shutdown does not strand queued keys.
	b.FlushAll(context.Background())
	b.logger.Info("Batched invalidator stopped", nil)
}

// Enqueue queues one key for invalidation. Critical priority flushes
// the queue immediately; so does a family queue reaching one full
// batch.
func (b *BatchedInvalidator) Enqueue(ctx context.Context, family, key string, priority Priority) error {
	if !b.config.Enabled {
		return b.deleteNow(ctx, family, key)
	}

	b.mu.Lock()
	b.enqueued++
	now := b.clock.Now()

	if b.config.Coalesce {
		if existing, ok := b.index[family][key]; ok {
			existing.queuedAt = now
			b.coalesced++
			b.mu.Unlock()
			telemetry.Counter("gateway.invalidation.coalesced", "family", family)
			if priority == PriorityCritical {
				b.signalFlush()
			}
			return nil
		}
	}

	req := &request{key: key, family: family, queuedAt: now}
	b.queues[family] = append(b.queues[family], req)
	if b.index[family] == nil {
		b.index[family] = make(map[string]*request)
	}
	b.index[family][key] = req
	b.depth++
	full := len(b.queues[family]) >= b.config.MaxBatchSize || b.depth >= b.config.MaxQueueDepth
	b.mu.Unlock()

	telemetry.Counter("gateway.invalidation.enqueued", "family", family)

	if priority == PriorityCritical || full {
		b.signalFlush()
	}
	return nil
}

// deleteNow is the synchronous path used when batching is disabled.
func (b *BatchedInvalidator) deleteNow(ctx context.Context, family, key string) error {
	start := b.clock.Now()
	err := b.deleter.Delete(ctx, key)
	elapsed := b.clock.Now().Sub(start)

	b.mu.Lock()
	b.enqueued++
	if err != nil {
		b.failedBatches++
		b.recordError()
	} else {
		b.processed++
		b.totalFlushDur += elapsed
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("Synchronous invalidation failed", map[string]interface{}{
			"family": family,
			"key":    key,
			"error":  err.Error(),
		})
	}
	return err
}

// signalFlush nudges the flush loop without blocking.
func (b *BatchedInvalidator) signalFlush() {
	select {
	case b.flushSignal <- struct{}{}:
	default:
	}
}

func (b *BatchedInvalidator) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.FlushAll(ctx)
		case <-b.flushSignal:
			b.FlushAll(ctx)
		}
	}
}

// FlushAll flushes every family once. Exported so tests and shutdown can
// drive flushing without the ticker.
func (b *BatchedInvalidator) FlushAll(ctx context.Context) {
	b.mu.Lock()
	families := make([]string, 0, len(b.queues))
	for f, q := range b.queues {
		if len(q) > 0 {
			families = append(families, f)
		}
	}
	b.mu.Unlock()

	for _, family := range families {
		b.flushFamily(ctx, family)
	}
}

// flushFamily takes one batch off a family queue and deletes it. On
// failure the batch returns to the head of the queue in order.
func (b *BatchedInvalidator) flushFamily(ctx context.Context, family string) {
	b.mu.Lock()
	queue := b.queues[family]
	if len(queue) == 0 {
		b.mu.Unlock()
		return
	}

	n := len(queue)
	if n > b.config.MaxBatchSize {
		n = b.config.MaxBatchSize
	}
	batch := queue[:n]
	b.queues[family] = queue[n:]
	b.depth -= n

	keys := make([]string, n)
	for i, req := range batch {
		keys[i] = req.key
		delete(b.index[family], req.key)
	}
	b.mu.Unlock()

	start := b.clock.Now()
	err := b.deleter.Delete(ctx, keys...)
	elapsed := b.clock.Now().Sub(start)

	if err != nil {
		b.mu.Lock()
		// Head requeue preserves FIFO order for the retried keys.
		b.queues[family] = append(batch, b.queues[family]...)
		for _, req := range batch {
			if b.index[family] == nil {
				b.index[family] = make(map[string]*request)
			}
			b.index[family][req.key] = req
		}
		b.depth += n
		b.failedBatches++
		b.recordError()
		b.mu.Unlock()

		b.logger.Error("Invalidation batch failed, requeued", map[string]interface{}{
			"family": family,
			"keys":   n,
			"error":  err.Error(),
		})
		telemetry.Counter("gateway.invalidation.batch_failures", "family", family)
		return
	}

	b.mu.Lock()
	b.processed += int64(n)
	b.totalFlushDur += elapsed
	b.mu.Unlock()

	b.logger.Debug("Invalidation batch flushed", map[string]interface{}{
		"family": family,
		"keys":   n,
	})
	telemetry.Histogram("gateway.invalidation.batch_size", float64(n), "family", family)
}

// recordError must be called with the mutex held.
func (b *BatchedInvalidator) recordError() {
	now := b.clock.Now()
	b.errorTimes = append(b.errorTimes, now)
	b.pruneErrors(now)
}

// pruneErrors must be called with the mutex held.
func (b *BatchedInvalidator) pruneErrors(now time.Time) {
	cutoff := now.Add(-errorWindow)
	i := 0
	for i < len(b.errorTimes) && b.errorTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.errorTimes = b.errorTimes[i:]
	}
}

// Stats returns a snapshot of invalidator counters.
// Average flush latency is total batch duration over processed keys;
// zero when nothing has been processed.
func (b *BatchedInvalidator) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneErrors(b.clock.Now())

	var avg float64
	if b.processed > 0 {
		avg = float64(b.totalFlushDur.Milliseconds()) / float64(b.processed)
	}

	return Stats{
		Enqueued:          b.enqueued,
		Coalesced:         b.coalesced,
		Processed:         b.processed,
		FailedBatches:     b.failedBatches,
		QueueDepth:        b.depth,
		ErrorsLastHour:    len(b.errorTimes),
		AvgFlushLatencyMs: avg,
	}
}

// QueueDepth returns the current total queued key count.
func (b *BatchedInvalidator) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}
