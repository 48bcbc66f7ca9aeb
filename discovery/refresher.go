package discovery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
	"github.com/asyncforge/mediagate/telemetry"
)

// Refresher polls provider model catalogs in the background and keeps
// the capability cache current. A changed catalog is announced on the
// bus so downstream consumers (routing tables, admin views) can react.
type Refresher struct {
	store     CatalogStore
	cache     Cache
	factory   core.ClientFactory
	publisher events.Publisher
	interval  time.Duration
	logger    core.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRefresher creates a catalog refresher. interval <= 0 defaults to
// one hour; publisher may be nil.
func NewRefresher(store CatalogStore, cache Cache, factory core.ClientFactory, publisher events.Publisher, interval time.Duration, logger core.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/discovery")
	}
	return &Refresher{
		store:     store,
		cache:     cache,
		factory:   factory,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
	}
}

// Start launches the refresh loop with an immediate first pass.
func (r *Refresher) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyRunning
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.RefreshAll(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RefreshAll(ctx)
			}
		}
	}()

	r.logger.Info("Catalog refresher started", map[string]interface{}{
		"interval": r.interval.String(),
	})
	return nil
}

// Stop halts the refresh loop.
func (r *Refresher) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.wg.Wait()
}

// RefreshAll refreshes every enabled provider once. Errors are logged
// per provider; one broken catalog never blocks the rest.
func (r *Refresher) RefreshAll(ctx context.Context) {
	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		r.logger.Error("Failed to list providers for catalog refresh", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for i := range providers {
		desc := &providers[i]
		if !desc.Enabled || !desc.HasEnabledKey() {
			continue
		}
		if err := r.RefreshProvider(ctx, desc.ID); err != nil {
			r.logger.Warn("Catalog refresh failed", map[string]interface{}{
				"provider": desc.ID,
				"error":    err.Error(),
			})
		}
	}
}

// RefreshProvider pulls one provider's model catalog, updates the
// capability cache and publishes ModelCapabilitiesDiscovered if the
// catalog changed since the cached snapshot.
func (r *Refresher) RefreshProvider(ctx context.Context, providerID string) error {
	client, err := r.factory.ClientFor(ctx, providerID)
	if err != nil {
		return err
	}

	lister, ok := client.(core.ModelLister)
	if !ok || !client.Supports(core.CapabilityModelListing) {
		r.logger.Debug("Provider has no model catalog endpoint", map[string]interface{}{
			"provider": providerID,
		})
		return nil
	}

	models, err := lister.ListModels(ctx)
	if err != nil {
		telemetry.RecordError("gateway.discovery.refresh_errors", string(core.Classify(err)), "provider", providerID)
		return err
	}

	imageModels := modelsSupporting(models, core.CapabilityImageGeneration)
	videoModels := modelsSupporting(models, core.CapabilityVideoGeneration)

	changed, err := r.updateCapabilityCache(ctx, providerID, core.TaskTypeImage, imageModels)
	if err != nil {
		return err
	}
	videoChanged, err := r.updateCapabilityCache(ctx, providerID, core.TaskTypeVideo, videoModels)
	if err != nil {
		return err
	}
	changed = changed || videoChanged

	telemetry.Counter("gateway.discovery.refreshes", "provider", providerID)

	if !changed {
		return nil
	}

	r.logger.Info("Provider model catalog changed", map[string]interface{}{
		"provider":     providerID,
		"image_models": len(imageModels),
		"video_models": len(videoModels),
	})

	if r.publisher == nil {
		return nil
	}

	caps := make(map[string]core.CapabilitySet, len(models))
	for _, m := range models {
		caps[m.ID] = m.Capabilities
	}
	evt := &events.ModelCapabilitiesDiscovered{
		ProviderID:    providerID,
		Capabilities:  caps,
		DiscoveredAt:  time.Now(),
		CorrelationID: uuid.New().String(),
	}
	if err := r.publisher.Publish(ctx, evt); err != nil {
		r.logger.Error("Failed to publish catalog change", map[string]interface{}{
			"provider": providerID,
			"error":    err.Error(),
		})
	}
	return nil
}

// updateCapabilityCache writes the model list and reports whether it
// differs from the previous snapshot. A cache read error counts as a
// change so consumers refresh conservatively.
func (r *Refresher) updateCapabilityCache(ctx context.Context, providerID string, taskType core.TaskType, models []string) (bool, error) {
	previous, err := r.cache.GetCapabilityModels(ctx, providerID, taskType)
	changed := err != nil || !equalStringSlices(previous, models)

	if err := r.cache.PutCapabilityModels(ctx, providerID, taskType, models); err != nil {
		return changed, err
	}
	return changed, nil
}

// modelsSupporting returns the sorted ids of models with the capability.
func modelsSupporting(models []core.ModelInfo, cap core.Capability) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m.Capabilities.Supports(cap) {
			out = append(out, m.ID)
		}
	}
	sort.Strings(out)
	return out
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
