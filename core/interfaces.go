package core

import (
	"context"
	"io"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can scope log output to a named component.
// Framework packages use it to attribute their logs consistently.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// MediaMetadata describes an artifact being persisted to blob storage.
type MediaMetadata struct {
	// ContentType is the MIME type of the stored object
	ContentType string

	// FileName is the generated object name (timestamp + artifact index)
	FileName string

	// CreatedByKeyID is the virtual key the artifact belongs to
	CreatedByKeyID int

	// Provenance copied from the generation request
	Prompt     string
	Model      string
	ProviderID string
	SourceURL  string
}

// StoredMedia is the result of persisting one artifact.
type StoredMedia struct {
	URL        string
	StorageKey string
	SizeBytes  int64
}

// MediaStore is the blob storage contract consumed by the artifact
// pipeline. Input is streaming; implementations must not require the
// full payload in memory.
type MediaStore interface {
	// Store persists the stream and returns its stable location
	Store(ctx context.Context, r io.Reader, meta MediaMetadata) (*StoredMedia, error)

	// Get opens the stored object for reading
	Get(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// UsageRecord is the billing input handed to the cost service.
// Image generations bill by count; video generations bill by
// duration and resolution.
type UsageRecord struct {
	Model           string
	ImageCount      int
	DurationSeconds float64
	Resolution      string
}

// CostService computes the spend for one completed generation.
// It is an external collaborator; the orchestrator only consumes it.
type CostService interface {
	Cost(ctx context.Context, usage UsageRecord) (float64, error)
}

// CredentialValidator validates the caller's virtual key for a model.
// Authentication itself is out of scope; only this validation interface
// is consumed by the resolver.
type CredentialValidator interface {
	// Validate returns ErrCredentialDisabled or ErrModelNotAllowed
	// (possibly wrapped) when the key may not use the alias.
	Validate(ctx context.Context, keyID int, modelAlias string) error
}

// Clock abstracts time for components that schedule retries and sweeps.
// Production code uses RealClock; tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
