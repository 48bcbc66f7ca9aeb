package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/discovery"
	"github.com/asyncforge/mediagate/events"
	"github.com/asyncforge/mediagate/invalidation"
)

// invalidationFamilyStatus is the invalidator family for status cache
// entries.
const invalidationFamilyStatus = "task_status"

// errAbortDispatch signals that the task moved out from under the
// dispatcher (cancelled or already handled elsewhere) and the current
// attempt should stop silently.
var errAbortDispatch = errors.New("dispatch aborted")

// TargetResolver maps a validated request onto a provider dispatch
// target. Implemented by discovery.Resolver.
type TargetResolver interface {
	Resolve(ctx context.Context, callerKeyID int, alias string, taskType core.TaskType) (*discovery.Resolution, error)
}

// DispatchGate admits or refuses dispatch per provider. Implemented by
// health.Monitor.
type DispatchGate interface {
	CanDispatch(providerID string) bool
	ReportDispatchResult(providerID string, err error)
}

// CacheInvalidator queues cross-instance cache invalidation.
// Implemented by invalidation.BatchedInvalidator.
type CacheInvalidator interface {
	Enqueue(ctx context.Context, family, key string, priority invalidation.Priority) error
}

// modalityHooks is what differs between image and video dispatch. The
// engine owns everything else: state transitions, event ordering,
// retries, artifacts, cost.
type modalityHooks interface {
	TaskType() core.TaskType
	RetryPolicy() core.RetryPolicy

	// Invoke calls the provider. The tracker receives progress where the
	// modality supports it.
	Invoke(ctx context.Context, client core.ProviderClient, res *discovery.Resolution, task *core.Task, tracker *progressTracker) (*core.GenerationResult, error)

	// Usage converts the outcome into the billing record.
	Usage(task *core.Task, result *core.GenerationResult, artifacts []core.MediaArtifact) core.UsageRecord

	// WebhookPayload builds the modality-specific webhook body.
	WebhookPayload(task *core.Task, status WebhookStatus, artifacts []core.MediaArtifact, result *core.GenerationResult, taskErr *core.TaskError, completedAt time.Time) interface{}
}

// OrchestratorConfig tunes the dispatch engine.
type OrchestratorConfig struct {
	// TaskTimeout bounds one dispatch end to end. Default 30m.
	TaskTimeout time.Duration

	// ImageRetry and VideoRetry override the default retry policies.
	ImageRetry *core.RetryPolicy
	VideoRetry *core.RetryPolicy

	// Limits tunes the artifact pipeline.
	Limits core.ProviderLimits

	Logger core.Logger
}

// Orchestrator executes generation tasks. One instance serves every
// worker goroutine; all per-dispatch state lives on the stack.
type Orchestrator struct {
	store       TaskStore
	cache       *StatusCache
	registry    *CancelRegistry
	resolver    TargetResolver
	gate        DispatchGate
	factory     core.ClientFactory
	pipeline    *ArtifactPipeline
	cost        core.CostService
	publisher   events.Publisher
	invalidator CacheInvalidator

	hooks       map[core.TaskType]modalityHooks
	limits      core.ProviderLimits
	taskTimeout time.Duration
	clock       core.Clock
	logger      core.Logger
}

// NewOrchestrator wires the dispatch engine. gate, cost and invalidator
// may be nil; their concerns degrade to no-ops.
func NewOrchestrator(
	store TaskStore,
	cache *StatusCache,
	registry *CancelRegistry,
	resolver TargetResolver,
	gate DispatchGate,
	factory core.ClientFactory,
	pipeline *ArtifactPipeline,
	cost core.CostService,
	publisher events.Publisher,
	invalidator CacheInvalidator,
	config *OrchestratorConfig,
) *Orchestrator {
	if config == nil {
		config = &OrchestratorConfig{}
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Minute
	}
	defaults := core.DefaultProviderLimits()
	if config.Limits.DownloadTimeout <= 0 {
		config.Limits.DownloadTimeout = defaults.DownloadTimeout
	}
	if config.Limits.ArtifactConcurrency <= 0 {
		config.Limits.ArtifactConcurrency = defaults.ArtifactConcurrency
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/orchestrator")
	}

	imagePolicy := core.DefaultImageRetryPolicy()
	if config.ImageRetry != nil {
		imagePolicy = *config.ImageRetry
	}
	videoPolicy := core.DefaultVideoRetryPolicy()
	if config.VideoRetry != nil {
		videoPolicy = *config.VideoRetry
	}

	return &Orchestrator{
		store:       store,
		cache:       cache,
		registry:    registry,
		resolver:    resolver,
		gate:        gate,
		factory:     factory,
		pipeline:    pipeline,
		cost:        cost,
		publisher:   publisher,
		invalidator: invalidator,
		hooks: map[core.TaskType]modalityHooks{
			core.TaskTypeImage: &imageOrchestrator{policy: imagePolicy},
			core.TaskTypeVideo: &videoOrchestrator{policy: videoPolicy},
		},
		limits:      config.Limits,
		taskTimeout: config.TaskTimeout,
		clock:       core.RealClock{},
		logger:      logger,
	}
}

// SetClock substitutes the time source. Intended for tests.
func (o *Orchestrator) SetClock(clock core.Clock) {
	o.clock = clock
}

// Execute runs one generation task end to end. It is safe to call for
// a task that has since been cancelled or completed; such dispatches
// abort without effect.
func (o *Orchestrator) Execute(ctx context.Context, evt *events.GenerationRequested) error {
	task, err := o.store.Get(ctx, evt.TaskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		o.logger.Debug("Skipping dispatch of terminal task", map[string]interface{}{
			"task_id": task.ID,
			"state":   string(task.State),
		})
		return nil
	}

	hooks, ok := o.hooks[task.Type]
	if !ok {
		return fmt.Errorf("no orchestrator for task type %s", task.Type)
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, o.taskTimeout)
	defer cancel()
	o.registry.Register(task.ID, cancel)
	defer o.registry.Unregister(task.ID)

	// Claim the task before any further checks: subsequent failures
	// always have a legal edge out of Processing.
	policy := hooks.RetryPolicy()
	task, err = o.store.Update(ctx, task.ID, func(t *core.Task) error {
		if t.State.IsTerminal() {
			return errAbortDispatch
		}
		t.State = core.TaskStateProcessing
		t.NextRetryAt = nil
		if t.MaxRetries == 0 {
			t.MaxRetries = policy.MaxRetries
		}
		return nil
	})
	if errors.Is(err, errAbortDispatch) {
		return nil
	}
	if err != nil {
		return err
	}
	o.cache.Put(ctx, task)
	o.enqueueInvalidation(ctx, task.ID, invalidation.PriorityNormal)

	meta := task.Metadata.Generation()
	if meta == nil {
		return o.failTask(ctx, task, hooks, "", core.KindValidation,
			fmt.Errorf("task %s has no request metadata", task.ID))
	}
	if err := validateRequest(task.Type, &meta.Request); err != nil {
		return o.failTask(ctx, task, hooks, "", core.KindValidation, err)
	}

	res, err := o.resolver.Resolve(ctx, task.OwnerKeyID, meta.Request.ModelAlias, task.Type)
	if err != nil {
		return o.handleFailure(ctx, task, hooks, "", err)
	}
	providerID := res.Provider.ID

	if o.gate != nil && !o.gate.CanDispatch(providerID) {
		return o.handleFailure(ctx, task, hooks, providerID,
			core.NewGatewayError("orchestrator.dispatch", core.KindProviderUnavailable,
				fmt.Errorf("provider %s: %w", providerID, core.ErrCircuitOpen)))
	}

	startedAt := o.clock.Now()
	o.publish(ctx, &events.GenerationStarted{
		TaskID:        task.ID,
		ProviderID:    providerID,
		StartedAt:     startedAt,
		CorrelationID: meta.Request.CorrelationID,
	})
	emitTaskStarted(task.Type, providerID)

	client, err := o.factory.ClientFor(dispatchCtx, providerID)
	if err != nil {
		return o.handleFailure(ctx, task, hooks, providerID, err)
	}
	if !client.Supports(res.Capability) {
		return o.handleFailure(ctx, task, hooks, providerID,
			fmt.Errorf("provider %s client: %w", providerID, core.ErrUnsupportedCapability))
	}

	tracker := newProgressTracker(task, o.store, o.cache, o.publisher, o.clock, o.logger)

	result, err := hooks.Invoke(dispatchCtx, client, res, task, tracker)
	// User cancellations are not provider failures; they must not feed
	// the circuit breaker.
	if o.gate != nil && core.Classify(err) != core.KindCancelled {
		o.gate.ReportDispatchResult(providerID, err)
	}
	if err != nil {
		return o.handleFailure(ctx, task, hooks, providerID, err)
	}

	artifacts, err := o.pipeline.Process(dispatchCtx, task, result, providerID, o.limits, func(done, total int) {
		tracker.Report(dispatchCtx, done*100/total, fmt.Sprintf("stored %d/%d artifacts", done, total), false)
	})
	if err != nil {
		return o.handleFailure(ctx, task, hooks, providerID, err)
	}

	var cost float64
	if o.cost != nil {
		cost, err = o.cost.Cost(ctx, hooks.Usage(task, result, artifacts))
		if err != nil {
			// Billing failure never fails a finished generation.
			o.logger.Error("Cost computation failed", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
			cost = 0
		}
	}

	resultJSON, err := json.Marshal(artifacts)
	if err != nil {
		return o.handleFailure(ctx, task, hooks, providerID, err)
	}

	task, err = o.store.Update(ctx, task.ID, func(t *core.Task) error {
		if t.State != core.TaskStateProcessing {
			return errAbortDispatch
		}
		t.State = core.TaskStateCompleted
		t.Result = resultJSON
		t.Error = nil
		t.ProgressPercent = 100
		t.ProgressMessage = ""
		return nil
	})
	if errors.Is(err, errAbortDispatch) {
		return nil
	}
	if err != nil {
		return err
	}
	o.cache.Put(ctx, task)
	o.enqueueInvalidation(ctx, task.ID, invalidation.PriorityNormal)

	o.publish(ctx, &events.GenerationCompleted{
		TaskID:        task.ID,
		CallerKeyID:   task.OwnerKeyID,
		Artifacts:     artifacts,
		Duration:      o.clock.Now().Sub(startedAt),
		Cost:          cost,
		ProviderID:    providerID,
		Model:         result.Model,
		CorrelationID: meta.Request.CorrelationID,
	})
	o.publishWebhook(ctx, task, hooks, WebhookStatusCompleted, artifacts, result, nil)
	if cost > 0 {
		o.publish(ctx, &events.SpendUpdateRequested{
			CallerKeyID:   task.OwnerKeyID,
			Amount:        cost,
			RequestID:     task.ID,
			CorrelationID: meta.Request.CorrelationID,
		})
	}

	emitTaskCompleted(task.Type, providerID, startedAt)
	o.logger.Info("Task completed", map[string]interface{}{
		"task_id":   task.ID,
		"type":      string(task.Type),
		"provider":  providerID,
		"artifacts": len(artifacts),
		"cost":      cost,
	})
	return nil
}

// HandleCancellation processes a cancellation event: abort local
// in-flight work and mark the task cancelled. Idempotent; cancelling a
// completed or failed task is a no-op.
func (o *Orchestrator) HandleCancellation(ctx context.Context, evt *events.GenerationCancelled) error {
	aborted := o.registry.TryCancel(evt.TaskID)

	task, err := o.store.Update(ctx, evt.TaskID, func(t *core.Task) error {
		if t.State.IsTerminal() {
			return errAbortDispatch
		}
		t.State = core.TaskStateCancelled
		t.Error = &core.TaskError{
			Code:    string(core.KindCancelled),
			Message: cancelReason(evt.Reason),
		}
		t.Result = nil
		return nil
	})
	if errors.Is(err, errAbortDispatch) {
		return nil
	}
	if errors.Is(err, core.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	o.cache.Put(ctx, task)
	o.enqueueInvalidation(ctx, task.ID, invalidation.PriorityCritical)

	meta := task.Metadata.Generation()
	correlation := ""
	if meta != nil {
		correlation = meta.Request.CorrelationID
	}
	// Acknowledge the cancellation to pollers watching the progress
	// stream.
	o.publish(ctx, &events.GenerationProgress{
		TaskID:        task.ID,
		Status:        string(core.TaskStateCancelled),
		Completed:     task.ProgressPercent,
		Total:         100,
		Message:       cancelReason(evt.Reason),
		CorrelationID: correlation,
	})

	hooks := o.hooks[task.Type]
	if hooks != nil {
		o.publishWebhook(ctx, task, hooks, WebhookStatusCancelled, nil, nil, task.Error)
	}
	emitTaskCancelled(task.Type)

	o.logger.Info("Task cancelled", map[string]interface{}{
		"task_id":       task.ID,
		"aborted_local": aborted,
	})
	return nil
}

// handleFailure classifies the error and either schedules a retry or
// finalizes the task as Failed, Cancelled or TimedOut.
func (o *Orchestrator) handleFailure(ctx context.Context, task *core.Task, hooks modalityHooks, providerID string, dispatchErr error) error {
	kind := core.Classify(dispatchErr)

	// Local cancellation surfaces as context.Canceled from the provider
	// call; the cancellation handler owns the state transition.
	if kind == core.KindCancelled {
		o.logger.Debug("Dispatch aborted by cancellation", map[string]interface{}{
			"task_id": task.ID,
		})
		return nil
	}

	policy := hooks.RetryPolicy()
	retryable := kind.Retryable() && policy.EnableRetries

	current, err := o.store.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if current.State.IsTerminal() {
		return nil
	}

	if retryable && current.RetryCount < current.MaxRetries {
		return o.scheduleRetry(ctx, current, hooks, kind, dispatchErr)
	}

	if retryable && current.RetryCount >= current.MaxRetries {
		dispatchErr = fmt.Errorf("%w: %w", core.ErrRetriesExhausted, dispatchErr)
	}
	return o.failTask(ctx, current, hooks, providerID, kind, dispatchErr)
}

// scheduleRetry moves the task back to Pending with a backoff schedule.
func (o *Orchestrator) scheduleRetry(ctx context.Context, task *core.Task, hooks modalityHooks, kind core.ErrorKind, dispatchErr error) error {
	policy := hooks.RetryPolicy()
	now := o.clock.Now()

	var nextRetryAt time.Time
	var priorRetries int
	updated, err := o.store.Update(ctx, task.ID, func(t *core.Task) error {
		if t.State.IsTerminal() {
			return errAbortDispatch
		}
		nextRetryAt = policy.NextRetryAt(now, t.RetryCount)
		priorRetries = t.RetryCount
		t.RetryCount++
		if t.MaxRetries == 0 {
			t.MaxRetries = policy.MaxRetries
		}
		t.State = core.TaskStatePending
		t.NextRetryAt = &nextRetryAt
		t.ProgressMessage = "retry scheduled"
		return nil
	})
	if errors.Is(err, errAbortDispatch) {
		return nil
	}
	if err != nil {
		return err
	}
	o.cache.Put(ctx, updated)
	o.enqueueInvalidation(ctx, task.ID, invalidation.PriorityNormal)

	meta := task.Metadata.Generation()
	correlation := ""
	if meta != nil {
		correlation = meta.Request.CorrelationID
	}
	// The event reports retries already consumed, not the attempt being
	// scheduled.
	o.publish(ctx, &events.GenerationFailed{
		TaskID:        task.ID,
		Error:         dispatchErr.Error(),
		ErrorCode:     string(kind),
		IsRetryable:   true,
		RetryCount:    priorRetries,
		MaxRetries:    updated.MaxRetries,
		NextRetryAt:   &nextRetryAt,
		FailedAt:      now,
		CorrelationID: correlation,
	})
	o.publishWebhook(ctx, updated, hooks, WebhookStatusRetrying, nil, nil, &core.TaskError{
		Code:    string(kind),
		Message: dispatchErr.Error(),
	})

	emitTaskFailed(task.Type, kind, true)
	emitRetryScheduled(task.Type, updated.RetryCount)
	o.logger.Warn("Task retry scheduled", map[string]interface{}{
		"task_id":       task.ID,
		"retry_count":   updated.RetryCount,
		"next_retry_at": nextRetryAt.Format(time.RFC3339),
		"error":         dispatchErr.Error(),
	})
	return nil
}

// failTask finalizes the task in a failure state. A dispatch deadline
// becomes TimedOut; everything else becomes Failed.
func (o *Orchestrator) failTask(ctx context.Context, task *core.Task, hooks modalityHooks, providerID string, kind core.ErrorKind, dispatchErr error) error {
	finalState := core.TaskStateFailed
	if errors.Is(dispatchErr, context.DeadlineExceeded) {
		finalState = core.TaskStateTimedOut
	}

	taskErr := &core.TaskError{
		Code:    string(kind),
		Message: dispatchErr.Error(),
	}

	updated, err := o.store.Update(ctx, task.ID, func(t *core.Task) error {
		if t.State.IsTerminal() {
			return errAbortDispatch
		}
		t.State = finalState
		t.Error = taskErr
		t.Result = nil
		return nil
	})
	if errors.Is(err, errAbortDispatch) {
		return nil
	}
	if err != nil {
		return err
	}
	o.cache.Put(ctx, updated)
	o.enqueueInvalidation(ctx, task.ID, invalidation.PriorityNormal)

	meta := task.Metadata.Generation()
	correlation := ""
	if meta != nil {
		correlation = meta.Request.CorrelationID
	}
	o.publish(ctx, &events.GenerationFailed{
		TaskID:        task.ID,
		Error:         dispatchErr.Error(),
		ErrorCode:     string(kind),
		IsRetryable:   false,
		RetryCount:    updated.RetryCount,
		MaxRetries:    updated.MaxRetries,
		FailedAt:      o.clock.Now(),
		CorrelationID: correlation,
	})
	o.publishWebhook(ctx, updated, hooks, WebhookStatusFailed, nil, nil, taskErr)

	emitTaskFailed(task.Type, kind, false)
	o.logger.Error("Task failed", map[string]interface{}{
		"task_id":  task.ID,
		"state":    string(finalState),
		"kind":     string(kind),
		"provider": providerID,
		"error":    dispatchErr.Error(),
	})
	return nil
}

// publishWebhook emits the delivery request when the task carries a
// webhook URL. Failures are logged; webhook delivery is best effort.
func (o *Orchestrator) publishWebhook(ctx context.Context, task *core.Task, hooks modalityHooks, status WebhookStatus, artifacts []core.MediaArtifact, result *core.GenerationResult, taskErr *core.TaskError) {
	payload := hooks.WebhookPayload(task, status, artifacts, result, taskErr, o.clock.Now())
	evt, err := buildWebhookEvent(task, status, payload)
	if err != nil {
		o.logger.Error("Failed to build webhook payload", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return
	}
	if evt == nil {
		return
	}
	o.publish(ctx, evt)
}

// publish emits one event, logging failures. Event loss degrades
// consumers but never fails the dispatch itself.
func (o *Orchestrator) publish(ctx context.Context, evt events.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, evt); err != nil {
		o.logger.Error("Failed to publish event", map[string]interface{}{
			"event_type": string(evt.EventType()),
			"error":      err.Error(),
		})
	}
}

// enqueueInvalidation queues the status cache key for cross-instance
// invalidation.
func (o *Orchestrator) enqueueInvalidation(ctx context.Context, taskID string, priority invalidation.Priority) {
	if o.invalidator == nil {
		return
	}
	if err := o.invalidator.Enqueue(ctx, invalidationFamilyStatus, o.cache.Key(taskID), priority); err != nil {
		o.logger.Warn("Failed to enqueue cache invalidation", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
	}
}

// validateRequest applies the request bounds shared by both modalities.
func validateRequest(taskType core.TaskType, req *core.GenerationRequest) error {
	if req.Prompt == "" {
		return fmt.Errorf("prompt cannot be empty")
	}
	if req.N == 0 {
		req.N = 1
	}
	if req.N < 1 || req.N > 10 {
		return fmt.Errorf("n must be between 1 and 10, got %d", req.N)
	}
	if taskType == core.TaskTypeVideo && req.N != 1 {
		return fmt.Errorf("video generation supports exactly one output, got n=%d", req.N)
	}
	return nil
}

func cancelReason(reason string) string {
	if reason == "" {
		return "cancelled by request"
	}
	return reason
}
