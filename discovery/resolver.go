package discovery

import (
	"context"
	"fmt"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/telemetry"
)

// CatalogStore is the configuration source of truth for providers and
// model mappings. Implemented outside this subsystem by the gateway's
// admin configuration layer.
type CatalogStore interface {
	ListProviders(ctx context.Context) ([]core.ProviderDescriptor, error)
	GetProvider(ctx context.Context, providerID string) (*core.ProviderDescriptor, error)
	GetModelMapping(ctx context.Context, alias string) (*core.ModelMapping, error)
}

// Resolution is the dispatch target for one validated request.
type Resolution struct {
	Mapping    *core.ModelMapping
	Provider   *core.ProviderDescriptor
	Capability core.Capability
}

// Resolver turns (credential, alias, task type) into a dispatch target.
// Checks run cheapest-first so invalid requests fail before any
// provider state is touched.
type Resolver struct {
	store     CatalogStore
	cache     Cache
	validator core.CredentialValidator
	logger    core.Logger
}

// NewResolver creates a resolver. cache may be nil to always hit the
// store; validator may be nil to skip credential checks (trusted
// internal callers).
func NewResolver(store CatalogStore, cache Cache, validator core.CredentialValidator, logger core.Logger) *Resolver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/discovery")
	}
	return &Resolver{
		store:     store,
		cache:     cache,
		validator: validator,
		logger:    logger,
	}
}

// Resolve validates the caller and maps the alias to a concrete
// provider/model pair for the task type.
//
// Failure modes, in check order: ErrCredentialDisabled or
// ErrModelNotAllowed from the validator, ErrModelNotFound for an
// unknown alias, ErrUnsupportedCapability when the mapping cannot serve
// the task type, ErrProviderUnavailable when the provider is disabled
// or keyless.
func (r *Resolver) Resolve(ctx context.Context, callerKeyID int, alias string, taskType core.TaskType) (*Resolution, error) {
	const op = "discovery.resolve"

	if r.validator != nil {
		if err := r.validator.Validate(ctx, callerKeyID, alias); err != nil {
			telemetry.Counter("gateway.discovery.resolution_failures", "reason", "credential")
			return nil, &core.GatewayError{Op: op, Kind: core.KindAuthorization, Message: fmt.Sprintf("credential %d rejected for model %s", callerKeyID, alias), Err: err}
		}
	}

	capability := core.CapabilityForTaskType(taskType)

	mapping, err := r.store.GetModelMapping(ctx, alias)
	if err != nil {
		return nil, core.NewGatewayError(op, core.Classify(err), err)
	}
	if mapping == nil {
		// Unmapped aliases fall back to the background-discovered
		// provider catalogs before failing.
		if res := r.resolveDiscovered(ctx, alias, taskType, capability); res != nil {
			return res, nil
		}
		telemetry.Counter("gateway.discovery.resolution_failures", "reason", "model_not_found")
		return nil, &core.GatewayError{Op: op, Kind: core.KindModelNotFound, Message: fmt.Sprintf("model %s is not configured", alias), Err: core.ErrModelNotFound}
	}

	if !mapping.Capabilities.Supports(capability) {
		telemetry.Counter("gateway.discovery.resolution_failures", "reason", "capability")
		return nil, &core.GatewayError{Op: op, Kind: core.KindUnsupportedCapability, Message: fmt.Sprintf("model %s does not support %s", alias, capability), Err: core.ErrUnsupportedCapability}
	}

	provider, err := r.provider(ctx, mapping.ProviderID)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled || !provider.HasEnabledKey() {
		telemetry.Counter("gateway.discovery.resolution_failures", "reason", "provider_unavailable")
		return nil, &core.GatewayError{Op: op, Kind: core.KindProviderUnavailable, Message: fmt.Sprintf("provider %s has no usable credential", provider.ID), Err: core.ErrProviderUnavailable}
	}

	return &Resolution{
		Mapping:    mapping,
		Provider:   provider,
		Capability: capability,
	}, nil
}

// resolveDiscovered serves an alias out of the refresher's capability
// cache. Only dispatchable providers qualify; the synthetic mapping
// uses the alias as the provider model id.
func (r *Resolver) resolveDiscovered(ctx context.Context, alias string, taskType core.TaskType, capability core.Capability) *Resolution {
	if r.cache == nil {
		return nil
	}

	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		r.logger.Warn("Provider listing failed during discovery fallback", map[string]interface{}{
			"alias": alias,
			"error": err.Error(),
		})
		return nil
	}

	for i := range providers {
		provider := &providers[i]
		if !provider.Enabled || !provider.HasEnabledKey() {
			continue
		}
		models, err := r.cache.GetCapabilityModels(ctx, provider.ID, taskType)
		if err != nil {
			continue
		}
		for _, model := range models {
			if model != alias {
				continue
			}
			telemetry.Counter("gateway.discovery.cache_hits", "kind", "capability")
			caps := core.CapabilitySet{
				ImageGeneration: capability == core.CapabilityImageGeneration,
				VideoGeneration: capability == core.CapabilityVideoGeneration,
			}
			return &Resolution{
				Mapping: &core.ModelMapping{
					Alias:           alias,
					ProviderID:      provider.ID,
					ProviderModelID: alias,
					Capabilities:    caps,
				},
				Provider:   provider,
				Capability: capability,
			}
		}
	}
	return nil
}

// provider reads through the cache to the store. Cache failures count
// as misses; the store stays authoritative.
func (r *Resolver) provider(ctx context.Context, providerID string) (*core.ProviderDescriptor, error) {
	const op = "discovery.provider"

	if r.cache != nil {
		desc, err := r.cache.GetProvider(ctx, providerID)
		if err != nil {
			r.logger.Warn("Provider cache read failed, falling back to store", map[string]interface{}{
				"provider": providerID,
				"error":    err.Error(),
			})
		} else if desc != nil {
			telemetry.Counter("gateway.discovery.cache_hits", "kind", "provider")
			return desc, nil
		}
	}

	desc, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, core.NewGatewayError(op, core.Classify(err), err)
	}
	if desc == nil {
		return nil, &core.GatewayError{Op: op, Kind: core.KindProviderUnavailable, Message: fmt.Sprintf("provider %s is not configured", providerID), Err: core.ErrProviderUnavailable}
	}

	if r.cache != nil {
		if err := r.cache.PutProvider(ctx, desc); err != nil {
			r.logger.Warn("Provider cache write failed", map[string]interface{}{
				"provider": providerID,
				"error":    err.Error(),
			})
		}
	}
	return desc, nil
}
