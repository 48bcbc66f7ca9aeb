// Package events defines the event bus contract of the async generation
// subsystem and the payloads that cross it.
//
// Delivery is at-least-once; consumers rely on idempotent state updates
// rather than exactly-once transport. Every payload carries a
// correlation id used end-to-end for tracing.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/asyncforge/mediagate/core"
)

// EventType names one event stream.
type EventType string

const (
	TypeGenerationRequested          EventType = "generation.requested"
	TypeGenerationCancelled          EventType = "generation.cancelled"
	TypeGenerationStarted            EventType = "generation.started"
	TypeGenerationProgress           EventType = "generation.progress"
	TypeGenerationCompleted          EventType = "generation.completed"
	TypeGenerationFailed             EventType = "generation.failed"
	TypeMediaGenerationCompleted     EventType = "media.generation.completed"
	TypeWebhookDeliveryRequested     EventType = "webhook.delivery.requested"
	TypeSpendUpdateRequested         EventType = "spend.update.requested"
	TypeProviderHealthChanged        EventType = "provider.health.changed"
	TypeModelCapabilitiesDiscovered  EventType = "model.capabilities.discovered"
)

// Event is implemented by every payload struct.
type Event interface {
	EventType() EventType
	Correlation() string
}

// Envelope is the wire form of one event.
type Envelope struct {
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	PublishedAt   time.Time       `json:"published_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Wrap serializes an event into its envelope.
func Wrap(evt Event) (*Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s event: %w", evt.EventType(), err)
	}
	return &Envelope{
		Type:          evt.EventType(),
		CorrelationID: evt.Correlation(),
		PublishedAt:   time.Now(),
		Payload:       payload,
	}, nil
}

// Decode unmarshals the envelope payload into out, checking the type tag.
func Decode(env *Envelope, want EventType, out interface{}) error {
	if env.Type != want {
		return fmt.Errorf("event type mismatch: got %s, want %s", env.Type, want)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("failed to deserialize %s event: %w", env.Type, err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Consumed events
// ═══════════════════════════════════════════════════════════════════════════

// GenerationRequested asks an orchestrator to execute one generation.
type GenerationRequested struct {
	TaskID            string                 `json:"task_id"`
	Request           core.GenerationRequest `json:"request"`
	CallerKeyHash     string                 `json:"caller_credential_hash"`
	CallerKeyID       int                    `json:"caller_credential_id"`
	WebhookURL        string                 `json:"webhook_url,omitempty"`
	WebhookHeaders    map[string]string      `json:"webhook_headers,omitempty"`
	CorrelationID     string                 `json:"correlation_id"`
}

func (e *GenerationRequested) EventType() EventType { return TypeGenerationRequested }
func (e *GenerationRequested) Correlation() string  { return e.CorrelationID }

// GenerationCancelled asks every worker to abandon the task.
type GenerationCancelled struct {
	TaskID        string `json:"task_id"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (e *GenerationCancelled) EventType() EventType { return TypeGenerationCancelled }
func (e *GenerationCancelled) Correlation() string  { return e.CorrelationID }

// ═══════════════════════════════════════════════════════════════════════════
// Produced events
// ═══════════════════════════════════════════════════════════════════════════

// GenerationStarted marks the transition to Processing.
type GenerationStarted struct {
	TaskID           string    `json:"task_id"`
	ProviderID       string    `json:"provider_id"`
	StartedAt        time.Time `json:"started_at"`
	EstimatedSeconds int       `json:"estimated_seconds,omitempty"`
	CorrelationID    string    `json:"correlation_id"`
}

func (e *GenerationStarted) EventType() EventType { return TypeGenerationStarted }
func (e *GenerationStarted) Correlation() string  { return e.CorrelationID }

// GenerationProgress reports partial completion. Deliveries may be
// dropped or reordered; consumers treat Completed as a monotonic
// maximum per task.
type GenerationProgress struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Completed     int    `json:"completed"`
	Total         int    `json:"total"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (e *GenerationProgress) EventType() EventType { return TypeGenerationProgress }
func (e *GenerationProgress) Correlation() string  { return e.CorrelationID }

// GenerationCompleted carries the final artifact list.
type GenerationCompleted struct {
	TaskID        string               `json:"task_id"`
	CallerKeyID   int                  `json:"caller_credential_id"`
	Artifacts     []core.MediaArtifact `json:"artifacts"`
	Duration      time.Duration        `json:"duration"`
	Cost          float64              `json:"cost"`
	ProviderID    string               `json:"provider_id"`
	Model         string               `json:"model"`
	CorrelationID string               `json:"correlation_id"`
}

func (e *GenerationCompleted) EventType() EventType { return TypeGenerationCompleted }
func (e *GenerationCompleted) Correlation() string  { return e.CorrelationID }

// GenerationFailed reports a dispatch failure, retryable or final.
type GenerationFailed struct {
	TaskID        string     `json:"task_id"`
	Error         string     `json:"error"`
	ErrorCode     string     `json:"error_code"`
	IsRetryable   bool       `json:"is_retryable"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	FailedAt      time.Time  `json:"failed_at"`
	CorrelationID string     `json:"correlation_id"`
}

func (e *GenerationFailed) EventType() EventType { return TypeGenerationFailed }
func (e *GenerationFailed) Correlation() string  { return e.CorrelationID }

// MediaGenerationCompleted is emitted once per persisted artifact.
type MediaGenerationCompleted struct {
	MediaType     core.TaskType     `json:"media_type"`
	CallerKeyID   int               `json:"caller_credential_id"`
	URL           string            `json:"url"`
	StorageKey    string            `json:"storage_key,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	ContentType   string            `json:"content_type"`
	Model         string            `json:"model"`
	Prompt        string            `json:"prompt"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

func (e *MediaGenerationCompleted) EventType() EventType { return TypeMediaGenerationCompleted }
func (e *MediaGenerationCompleted) Correlation() string  { return e.CorrelationID }

// WebhookDeliveryRequested hands a webhook to the external deliverer.
type WebhookDeliveryRequested struct {
	TaskID        string            `json:"task_id"`
	TaskType      core.TaskType     `json:"task_type"`
	URL           string            `json:"url"`
	EventType_    string            `json:"event_type"`
	PayloadJSON   json.RawMessage   `json:"payload_json"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

func (e *WebhookDeliveryRequested) EventType() EventType { return TypeWebhookDeliveryRequested }
func (e *WebhookDeliveryRequested) Correlation() string  { return e.CorrelationID }

// SpendUpdateRequested asks the billing collaborator to record spend.
type SpendUpdateRequested struct {
	CallerKeyID   int     `json:"caller_credential_id"`
	Amount        float64 `json:"amount"`
	RequestID     string  `json:"request_id"`
	CorrelationID string  `json:"correlation_id"`
}

func (e *SpendUpdateRequested) EventType() EventType { return TypeSpendUpdateRequested }
func (e *SpendUpdateRequested) Correlation() string  { return e.CorrelationID }

// ProviderHealthChanged reports a health transition.
type ProviderHealthChanged struct {
	ProviderID    string `json:"provider_id"`
	IsHealthy     bool   `json:"is_healthy"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

func (e *ProviderHealthChanged) EventType() EventType { return TypeProviderHealthChanged }
func (e *ProviderHealthChanged) Correlation() string  { return e.CorrelationID }

// ModelCapabilitiesDiscovered reports a refreshed provider catalog.
type ModelCapabilitiesDiscovered struct {
	ProviderID    string                        `json:"provider_id"`
	Capabilities  map[string]core.CapabilitySet `json:"capabilities_per_model"`
	DiscoveredAt  time.Time                     `json:"discovered_at"`
	CorrelationID string                        `json:"correlation_id"`
}

func (e *ModelCapabilitiesDiscovered) EventType() EventType { return TypeModelCapabilitiesDiscovered }
func (e *ModelCapabilitiesDiscovered) Correlation() string  { return e.CorrelationID }
