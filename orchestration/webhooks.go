package orchestration

import (
	"encoding/json"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
)

// WebhookStatus is the terminal-ish status reported to webhook
// consumers. Retrying is reported so callers see intermediate failures.
type WebhookStatus string

const (
	WebhookStatusCompleted WebhookStatus = "completed"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusCancelled WebhookStatus = "cancelled"
	WebhookStatusRetrying  WebhookStatus = "retrying"
)

// ImageCompletionWebhookPayload is the webhook body for image tasks.
type ImageCompletionWebhookPayload struct {
	TaskID      string               `json:"task_id"`
	Status      WebhookStatus        `json:"status"`
	Model       string               `json:"model"`
	Prompt      string               `json:"prompt"`
	Images      []core.MediaArtifact `json:"images,omitempty"`
	Error       *core.TaskError      `json:"error,omitempty"`
	CompletedAt time.Time            `json:"completed_at"`
}

// VideoCompletionWebhookPayload is the webhook body for video tasks.
type VideoCompletionWebhookPayload struct {
	TaskID          string               `json:"task_id"`
	Status          WebhookStatus        `json:"status"`
	Model           string               `json:"model"`
	Prompt          string               `json:"prompt"`
	Videos          []core.MediaArtifact `json:"videos,omitempty"`
	DurationSeconds float64              `json:"duration_seconds,omitempty"`
	Resolution      string               `json:"resolution,omitempty"`
	Error           *core.TaskError      `json:"error,omitempty"`
	CompletedAt     time.Time            `json:"completed_at"`
}

// buildWebhookEvent wraps a modality payload into the delivery request
// consumed by the external webhook deliverer. Returns nil when the task
// has no webhook configured.
func buildWebhookEvent(task *core.Task, status WebhookStatus, payload interface{}) (*events.WebhookDeliveryRequested, error) {
	meta := task.Metadata.Generation()
	if meta == nil || meta.Request.WebhookURL == "" {
		return nil, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &events.WebhookDeliveryRequested{
		TaskID:        task.ID,
		TaskType:      task.Type,
		URL:           meta.Request.WebhookURL,
		EventType_:    "generation." + string(status),
		PayloadJSON:   body,
		Headers:       meta.Request.WebhookHeaders,
		CorrelationID: meta.Request.CorrelationID,
	}, nil
}
