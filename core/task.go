// Package core provides the shared data model and interfaces for the
// mediagate async generation subsystem.
//
// This file defines the Task entity and its state machine. A Task is the
// durable record of one asynchronous image or video generation request.
// The task store is the sole writer of durable fields; everything else
// holds non-authoritative copies.
//
// # State Machine
//
//	Pending → Processing → (Completed | Failed | Cancelled | TimedOut)
//
// Two retry edges are permitted: Processing → Pending and Failed → Pending,
// both of which must set NextRetryAt. Terminal states are sinks otherwise.
package core

import (
	"encoding/json"
	"time"
)

// TaskType discriminates what kind of generation a task performs.
type TaskType string

const (
	// TaskTypeImage is an image generation task
	TaskTypeImage TaskType = "image"

	// TaskTypeVideo is a video generation task
	TaskTypeVideo TaskType = "video"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskStatePending indicates the task is waiting to be dispatched.
	// A pending task with NextRetryAt set is a scheduled retry and must
	// not be consumed before that instant.
	TaskStatePending TaskState = "pending"

	// TaskStateProcessing indicates an orchestrator is executing the task
	TaskStateProcessing TaskState = "processing"

	// TaskStateCompleted indicates the task finished successfully
	TaskStateCompleted TaskState = "completed"

	// TaskStateFailed indicates the task failed with a non-retryable error
	// or exhausted its retry budget
	TaskStateFailed TaskState = "failed"

	// TaskStateCancelled indicates the task was cancelled by request
	TaskStateCancelled TaskState = "cancelled"

	// TaskStateTimedOut indicates the task exceeded its processing deadline
	TaskStateTimedOut TaskState = "timed_out"
)

// IsTerminal returns true if the state is a sink of the transition DAG.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateTimedOut:
		return true
	}
	return false
}

// legalTransitions is the task state transition DAG. The retry edges
// (Processing→Pending, Failed→Pending) require NextRetryAt to be set;
// the store enforces that.
var legalTransitions = map[TaskState][]TaskState{
	TaskStatePending:    {TaskStateProcessing, TaskStateCancelled},
	TaskStateProcessing: {TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateTimedOut, TaskStatePending},
	TaskStateFailed:     {TaskStatePending},
}

// CanTransition reports whether the edge from → to is in the DAG.
// A self transition is allowed so that mutators can update non-state
// fields without changing state.
func CanTransition(from, to TaskState) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is the durable record of one asynchronous generation request.
type Task struct {
	// ID is the globally unique task identifier, assigned at creation
	ID string `json:"id"`

	// Type discriminates image vs video generation
	Type TaskType `json:"type"`

	// State is the current lifecycle state
	State TaskState `json:"state"`

	// OwnerKeyID references the virtual key the task is billed under
	OwnerKeyID int `json:"owner_key_id"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ProgressPercent is the overall completion percentage (0-100)
	ProgressPercent int `json:"progress_percent"`

	// ProgressMessage is an optional human-readable progress note
	ProgressMessage string `json:"progress_message,omitempty"`

	// Result holds the serialized artifact list, present iff State is Completed
	Result json.RawMessage `json:"result,omitempty"`

	// Error holds failure information, present iff State is Failed,
	// TimedOut or Cancelled. Result and Error are mutually exclusive.
	Error *TaskError `json:"error,omitempty"`

	// RetryCount is the number of dispatch attempts already consumed.
	// Invariant: RetryCount <= MaxRetries.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the retry budget for this task
	MaxRetries int `json:"max_retries"`

	// NextRetryAt is the earliest instant a retry may be dispatched
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// Metadata carries the original request and caller identity
	Metadata TaskMetadata `json:"metadata"`

	// TraceID and ParentSpanID preserve the trace chain across the
	// async boundary. Workers restore them with telemetry.StartLinkedSpan.
	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// TaskError carries the user-visible failure of a terminal task.
type TaskError struct {
	// Code is the machine-readable error kind (see ErrorKind)
	Code string `json:"code"`

	// Message is a short human-readable description
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return e.Code + ": " + e.Message
}

// ResponseFormat selects how generated artifacts are returned upstream.
type ResponseFormat string

const (
	ResponseFormatURL    ResponseFormat = "url"
	ResponseFormatBase64 ResponseFormat = "inline_base64"
)

// GenerationRequest is the caller-supplied generation payload embedded in
// task metadata. Video tasks use DurationSeconds and treat Size as the
// target resolution.
type GenerationRequest struct {
	Prompt          string            `json:"prompt"`
	ModelAlias      string            `json:"model_alias"`
	N               int               `json:"n"`
	Size            string            `json:"size,omitempty"`
	Quality         string            `json:"quality,omitempty"`
	Style           string            `json:"style,omitempty"`
	ResponseFormat  ResponseFormat    `json:"response_format,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	WebhookURL      string            `json:"webhook_url,omitempty"`
	WebhookHeaders  map[string]string `json:"webhook_headers,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
}

// GenerationMetadata is the caller context shared by all generation tasks.
type GenerationMetadata struct {
	Request GenerationRequest `json:"request"`

	// CallerKeyID is the numeric virtual key reference
	CallerKeyID int `json:"caller_key_id"`

	// CallerKeyHash is the opaque hash carried on events; the raw key
	// never appears in the task record
	CallerKeyHash string `json:"caller_key_hash"`
}

// ImageTaskMetadata is the typed metadata for image tasks.
type ImageTaskMetadata struct {
	GenerationMetadata
}

// VideoTaskMetadata is the typed metadata for video tasks.
type VideoTaskMetadata struct {
	GenerationMetadata
}

// TaskMetadata is a discriminated envelope over the per-type metadata.
// Exactly one of Image or Video is set, matching Type.
type TaskMetadata struct {
	Type  TaskType           `json:"type"`
	Image *ImageTaskMetadata `json:"image,omitempty"`
	Video *VideoTaskMetadata `json:"video,omitempty"`
}

// Generation returns the shared caller context regardless of task type,
// or nil when the envelope is empty.
func (m *TaskMetadata) Generation() *GenerationMetadata {
	switch {
	case m.Image != nil:
		return &m.Image.GenerationMetadata
	case m.Video != nil:
		return &m.Video.GenerationMetadata
	}
	return nil
}

// NewImageTaskMetadata builds the envelope for an image task.
func NewImageTaskMetadata(meta GenerationMetadata) TaskMetadata {
	return TaskMetadata{Type: TaskTypeImage, Image: &ImageTaskMetadata{GenerationMetadata: meta}}
}

// NewVideoTaskMetadata builds the envelope for a video task.
func NewVideoTaskMetadata(meta GenerationMetadata) TaskMetadata {
	return TaskMetadata{Type: TaskTypeVideo, Video: &VideoTaskMetadata{GenerationMetadata: meta}}
}

// MediaArtifact is one persisted output of the artifact pipeline.
type MediaArtifact struct {
	// URL is the stable URL clients fetch the artifact from. When blob
	// storage failed this is the original provider URL.
	URL string `json:"url"`

	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`

	// StorageKey is empty when storage was skipped or failed
	StorageKey string `json:"storage_key,omitempty"`

	// GeneratorModel is the provider model that produced the artifact
	GeneratorModel string `json:"generator_model"`

	Prompt string `json:"prompt"`

	// Index preserves the provider's artifact ordering
	Index int `json:"index"`
}

// NewTask creates a pending task with timestamps initialized.
func NewTask(id string, taskType TaskType, ownerKeyID int, metadata TaskMetadata) *Task {
	now := time.Now()
	return &Task{
		ID:         id,
		Type:       taskType,
		State:      TaskStatePending,
		OwnerKeyID: ownerKeyID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   metadata,
	}
}

// SetTraceContext stores the submitting request's trace identifiers.
func (t *Task) SetTraceContext(traceID, spanID string) {
	t.TraceID = traceID
	t.ParentSpanID = spanID
}
