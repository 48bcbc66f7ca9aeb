// Telemetry emission helpers for the orchestration package. Metric
// names stay in one place so dashboards do not chase renames.

package orchestration

import (
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/telemetry"
)

func emitTaskStarted(taskType core.TaskType, providerID string) {
	telemetry.Counter("gateway.tasks.started",
		"task_type", string(taskType),
		"provider", providerID)
}

func emitTaskCompleted(taskType core.TaskType, providerID string, start time.Time) {
	telemetry.Counter("gateway.tasks.completed",
		"task_type", string(taskType),
		"provider", providerID)
	telemetry.Duration("gateway.tasks.duration", start,
		"task_type", string(taskType),
		"provider", providerID)
}

func emitTaskFailed(taskType core.TaskType, kind core.ErrorKind, retryable bool) {
	retry := "false"
	if retryable {
		retry = "true"
	}
	telemetry.RecordError("gateway.tasks.failed", string(kind),
		"task_type", string(taskType),
		"retryable", retry)
}

func emitTaskCancelled(taskType core.TaskType) {
	telemetry.Counter("gateway.tasks.cancelled", "task_type", string(taskType))
}

func emitRetryScheduled(taskType core.TaskType, retryCount int) {
	telemetry.Counter("gateway.tasks.retries", "task_type", string(taskType))
	telemetry.Histogram("gateway.tasks.retry_count", float64(retryCount),
		"task_type", string(taskType))
}

func emitArtifactStored(taskType core.TaskType, sizeBytes int64) {
	telemetry.Counter("gateway.artifacts.stored", "task_type", string(taskType))
	telemetry.RecordBytes("gateway.artifacts.bytes", sizeBytes,
		"task_type", string(taskType))
}

func emitArtifactFallback(taskType core.TaskType, reason string) {
	telemetry.Counter("gateway.artifacts.url_fallbacks",
		"task_type", string(taskType),
		"reason", reason)
}

func emitWorkerEvent(eventType string) {
	telemetry.Counter("gateway.workers.events", "event_type", eventType)
}

func emitWorkerPanic() {
	telemetry.Counter("gateway.workers.panics")
}

func emitSweep(kind string, count int) {
	telemetry.Histogram("gateway.sweeper.swept", float64(count), "kind", kind)
}
