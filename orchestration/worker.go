package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
	"github.com/asyncforge/mediagate/telemetry"
)

// WorkerPool consumes the event bus and drives the orchestrator. Each
// worker blocks on Consume, dispatches one event at a time, and
// recovers from panics so a poisoned event cannot take the pool down.
type WorkerPool struct {
	consumer     events.Consumer
	orchestrator *Orchestrator
	store        TaskStore
	config       core.WorkerConfig
	logger       core.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerPool creates the pool. The consumer must be subscribed to
// the generation.requested and generation.cancelled streams.
func NewWorkerPool(consumer events.Consumer, orchestrator *Orchestrator, store TaskStore, config core.WorkerConfig, logger core.Logger) *WorkerPool {
	if config.Count <= 0 {
		config.Count = 5
	}
	if config.ConsumeTimeout <= 0 {
		config.ConsumeTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/workers")
	}
	return &WorkerPool{
		consumer:     consumer,
		orchestrator: orchestrator,
		store:        store,
		config:       config,
		logger:       logger,
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyRunning
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Count; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}

	p.logger.Info("Worker pool started", map[string]interface{}{
		"workers": p.config.Count,
	})
	telemetry.Gauge("gateway.workers.count", float64(p.config.Count))
	return nil
}

// Stop signals the workers and waits up to the shutdown timeout for
// in-flight dispatches to finish.
func (p *WorkerPool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", nil)
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out with work in flight", map[string]interface{}{
			"timeout": p.config.ShutdownTimeout.String(),
		})
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := p.consumer.Consume(ctx, p.config.ConsumeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Event consume failed", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
			// Back off briefly so a broken bus does not spin the worker.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if env == nil {
			continue
		}

		p.dispatch(ctx, id, env)
	}
}

// dispatch routes one envelope with panic containment.
func (p *WorkerPool) dispatch(ctx context.Context, workerID int, env *events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			emitWorkerPanic()
			p.logger.Error("Worker recovered from panic", map[string]interface{}{
				"worker":         workerID,
				"event_type":     string(env.Type),
				"correlation_id": env.CorrelationID,
				"panic":          fmt.Sprintf("%v", r),
				"stack":          string(debug.Stack()),
			})
		}
	}()

	emitWorkerEvent(string(env.Type))

	switch env.Type {
	case events.TypeGenerationRequested:
		var evt events.GenerationRequested
		if err := events.Decode(env, events.TypeGenerationRequested, &evt); err != nil {
			p.logger.Error("Failed to decode generation request", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		p.executeWithTrace(ctx, &evt)

	case events.TypeGenerationCancelled:
		var evt events.GenerationCancelled
		if err := events.Decode(env, events.TypeGenerationCancelled, &evt); err != nil {
			p.logger.Error("Failed to decode cancellation", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if err := p.orchestrator.HandleCancellation(ctx, &evt); err != nil {
			p.logger.Error("Cancellation handling failed", map[string]interface{}{
				"task_id": evt.TaskID,
				"error":   err.Error(),
			})
		}

	default:
		p.logger.Debug("Ignoring event type", map[string]interface{}{
			"event_type": string(env.Type),
		})
	}
}

// executeWithTrace restores the submitting request's trace context
// before dispatching, so the async hop shows up linked in tracing
// backends.
func (p *WorkerPool) executeWithTrace(ctx context.Context, evt *events.GenerationRequested) {
	traceID, parentSpanID := "", ""
	if task, err := p.store.Get(ctx, evt.TaskID); err == nil {
		traceID, parentSpanID = task.TraceID, task.ParentSpanID
	}

	spanCtx, end := telemetry.StartLinkedSpan(ctx, "gateway.task.execute", traceID, parentSpanID, map[string]string{
		"task_id":        evt.TaskID,
		"correlation_id": evt.CorrelationID,
	})
	defer end()

	if err := p.orchestrator.Execute(spanCtx, evt); err != nil {
		telemetry.RecordSpanError(spanCtx, err)
		p.logger.Error("Task execution failed", map[string]interface{}{
			"task_id": evt.TaskID,
			"error":   err.Error(),
		})
	}
}
