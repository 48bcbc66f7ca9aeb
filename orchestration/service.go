package orchestration

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
	"github.com/asyncforge/mediagate/telemetry"
)

// TaskService is the submission-side API of the subsystem: accept a
// generation request, persist the task, and hand it to the workers via
// the bus. The ingress layer (HTTP, gRPC, whatever fronts the gateway)
// is expected to call this after authenticating the caller.
type TaskService struct {
	store       TaskStore
	cache       *StatusCache
	publisher   events.Publisher
	registry    *CancelRegistry
	invalidator CacheInvalidator
	logger      core.Logger
}

// NewTaskService wires the submission API. invalidator may be nil.
func NewTaskService(store TaskStore, cache *StatusCache, publisher events.Publisher, registry *CancelRegistry, invalidator CacheInvalidator, logger core.Logger) *TaskService {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/tasks")
	}
	return &TaskService{
		store:       store,
		cache:       cache,
		publisher:   publisher,
		registry:    registry,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Submit validates and persists a new generation task and publishes it
// for dispatch. Returns the created task in Pending state.
func (s *TaskService) Submit(ctx context.Context, taskType core.TaskType, meta core.GenerationMetadata) (*core.Task, error) {
	if err := validateRequest(taskType, &meta.Request); err != nil {
		return nil, core.NewGatewayError("tasks.submit", core.KindValidation, err)
	}

	var metadata core.TaskMetadata
	switch taskType {
	case core.TaskTypeImage:
		metadata = core.NewImageTaskMetadata(meta)
	case core.TaskTypeVideo:
		metadata = core.NewVideoTaskMetadata(meta)
	default:
		return nil, core.NewGatewayError("tasks.submit", core.KindValidation,
			fmt.Errorf("unknown task type %s", taskType))
	}

	task := core.NewTask(uuid.New().String(), taskType, meta.CallerKeyID, metadata)

	// Preserve the submitting request's trace so workers can link back.
	tc := telemetry.GetTraceContext(ctx)
	task.SetTraceContext(tc.TraceID, tc.SpanID)

	if meta.Request.CorrelationID == "" {
		meta.Request.CorrelationID = uuid.New().String()
		gen := task.Metadata.Generation()
		gen.Request.CorrelationID = meta.Request.CorrelationID
	}

	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	s.cache.Put(ctx, task)

	evt := &events.GenerationRequested{
		TaskID:        task.ID,
		Request:       meta.Request,
		CallerKeyID:   meta.CallerKeyID,
		CallerKeyHash: meta.CallerKeyHash,
		WebhookURL:    meta.Request.WebhookURL,
		CorrelationID: meta.Request.CorrelationID,
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		// The task is durable; the sweeper republishes stranded tasks.
		s.logger.Error("Failed to publish generation request", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}

	telemetry.Counter("gateway.tasks.submitted", "task_type", string(taskType))
	s.logger.Info("Task submitted", map[string]interface{}{
		"task_id": task.ID,
		"type":    string(taskType),
		"model":   meta.Request.ModelAlias,
	})
	return task, nil
}

// Status returns the current task record through the status cache.
func (s *TaskService) Status(ctx context.Context, taskID string) (*core.Task, error) {
	return s.cache.GetOrLoad(ctx, taskID)
}

// Cancel requests cancellation of a task. Pending tasks cancel
// immediately; Processing tasks are cancelled through the bus so the
// instance running the dispatch aborts it. Cancelling a terminal task
// returns ErrTaskNotCancellable.
func (s *TaskService) Cancel(ctx context.Context, taskID, reason string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, task.State, core.ErrTaskNotCancellable)
	}

	meta := task.Metadata.Generation()
	correlation := ""
	if meta != nil {
		correlation = meta.Request.CorrelationID
	}

	// Local fast path: abort in-process work right away.
	s.registry.TryCancel(taskID)

	evt := &events.GenerationCancelled{
		TaskID:        taskID,
		Reason:        reason,
		CorrelationID: correlation,
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("failed to publish cancellation for task %s: %w", taskID, err)
	}

	telemetry.Counter("gateway.tasks.cancel_requests", "task_type", string(task.Type))
	s.logger.Info("Task cancellation requested", map[string]interface{}{
		"task_id": taskID,
		"reason":  reason,
	})
	return nil
}
