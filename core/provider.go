// Provider contracts.
//
// Provider clients are polymorphic over a capability set rather than a
// single fat interface: a client implements the capability interfaces it
// actually supports and advertises them through Supports(). Callers probe
// with a type assertion plus Supports() before dispatch, replacing any
// runtime reflection over client methods.
package core

import (
	"context"
	"time"
)

// Capability is a boolean facet of a model or provider client.
type Capability string

const (
	CapabilityImageGeneration Capability = "image_generation"
	CapabilityVideoGeneration Capability = "video_generation"
	CapabilityVision          Capability = "vision"
	CapabilityModelListing    Capability = "model_listing"
)

// CapabilityForTaskType maps a task type onto the capability its
// dispatch requires.
func CapabilityForTaskType(t TaskType) Capability {
	if t == TaskTypeVideo {
		return CapabilityVideoGeneration
	}
	return CapabilityImageGeneration
}

// CapabilitySet holds the capability flags of a model mapping.
type CapabilitySet struct {
	ImageGeneration bool `json:"supports_image_generation"`
	VideoGeneration bool `json:"supports_video_generation"`
	Vision          bool `json:"supports_vision"`
}

// Supports reports whether the set contains the capability.
func (c CapabilitySet) Supports(cap Capability) bool {
	switch cap {
	case CapabilityImageGeneration:
		return c.ImageGeneration
	case CapabilityVideoGeneration:
		return c.VideoGeneration
	case CapabilityVision:
		return c.Vision
	}
	return false
}

// ProviderKey is one credential of a provider.
type ProviderKey struct {
	IsPrimary bool   `json:"is_primary"`
	IsEnabled bool   `json:"is_enabled"`
	APIKey    string `json:"api_key"`
}

// ProviderDescriptor describes one upstream provider.
// An enabled provider has exactly one primary key.
type ProviderDescriptor struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Enabled bool          `json:"enabled"`
	Keys    []ProviderKey `json:"keys"`
}

// PrimaryKey returns the enabled primary credential, or false when the
// provider has none (which makes it undispatchable).
func (p *ProviderDescriptor) PrimaryKey() (ProviderKey, bool) {
	for _, k := range p.Keys {
		if k.IsPrimary && k.IsEnabled {
			return k, true
		}
	}
	return ProviderKey{}, false
}

// HasEnabledKey reports whether any credential is usable.
func (p *ProviderDescriptor) HasEnabledKey() bool {
	for _, k := range p.Keys {
		if k.IsEnabled {
			return true
		}
	}
	return false
}

// ModelMapping translates a caller-facing alias to a concrete
// provider/model pair plus its capability flags. Alias is unique.
type ModelMapping struct {
	Alias           string        `json:"alias"`
	ProviderID      string        `json:"provider_id"`
	ProviderModelID string        `json:"provider_model_id"`
	Capabilities    CapabilitySet `json:"capabilities"`
}

// ModelInfo is one entry of a provider's model catalog.
type ModelInfo struct {
	ID           string        `json:"id"`
	Capabilities CapabilitySet `json:"capabilities"`
}

// ImageRequest is the provider-agnostic image generation call.
type ImageRequest struct {
	Model          string
	Prompt         string
	N              int
	Size           string
	Quality        string
	Style          string
	ResponseFormat ResponseFormat
}

// VideoRequest is the provider-agnostic video generation call.
type VideoRequest struct {
	Model           string
	Prompt          string
	DurationSeconds float64
	Resolution      string
	ResponseFormat  ResponseFormat
}

// ProviderArtifact is one raw output item of a generation call.
// Exactly one of URL or B64Data is set.
type ProviderArtifact struct {
	URL         string
	B64Data     string
	ContentType string
	Index       int
}

// GenerationResult is the outcome of one upstream generation call.
type GenerationResult struct {
	Artifacts []ProviderArtifact

	// Model is the concrete provider model that served the call
	Model string

	// DurationSeconds and Resolution describe the produced video; zero
	// for image generations
	DurationSeconds float64
	Resolution      string

	// EstimatedSeconds is the provider's completion estimate reported
	// on the started event
	EstimatedSeconds int
}

// ProviderProgress is one push-style progress update from a provider.
type ProviderProgress struct {
	PercentComplete int
	Message         string
}

// ProviderClient is the base contract every provider client implements.
// Capability interfaces below are probed with a type assertion guarded
// by Supports().
type ProviderClient interface {
	// Supports reports whether the client implements the capability
	Supports(cap Capability) bool
}

// ImageGenerator generates images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*GenerationResult, error)
}

// VideoGenerator generates videos. The call may be long-running; clients
// must observe ctx cancellation.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (*GenerationResult, error)
}

// VideoProgressGenerator is implemented by clients whose provider pushes
// progress callbacks during video generation. Orchestrators fall back to
// self-scheduled progress events when the client lacks this interface.
type VideoProgressGenerator interface {
	GenerateVideoWithProgress(ctx context.Context, req VideoRequest, onProgress func(ProviderProgress)) (*GenerationResult, error)
}

// ModelLister exposes the provider's model catalog endpoint.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// HealthChecker is the cheap liveness probe used by the health monitor.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ClientFactory constructs provider clients keyed by provider id,
// transparently injecting the provider's primary credential.
type ClientFactory interface {
	ClientFor(ctx context.Context, providerID string) (ProviderClient, error)
}

// ProviderLimits carries per-provider dispatch tuning.
type ProviderLimits struct {
	// DownloadTimeout bounds one artifact HTTP download. Default 30s.
	DownloadTimeout time.Duration

	// ArtifactConcurrency bounds parallel artifact post-processing for
	// one task. Default 4.
	ArtifactConcurrency int
}

// DefaultProviderLimits returns the default dispatch tuning.
func DefaultProviderLimits() ProviderLimits {
	return ProviderLimits{
		DownloadTimeout:     30 * time.Second,
		ArtifactConcurrency: 4,
	}
}
