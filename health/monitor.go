package health

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
	"github.com/asyncforge/mediagate/telemetry"
)

// ProviderLister enumerates the providers the monitor should watch.
// Implemented by the discovery store.
type ProviderLister interface {
	ListProviders(ctx context.Context) ([]core.ProviderDescriptor, error)
}

// ProviderHealth is the monitor's view of one provider.
type ProviderHealth struct {
	ProviderID          string     `json:"provider_id"`
	IsHealthy           bool       `json:"is_healthy"`
	HealthScore         float64    `json:"health_score"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastCheckAt         time.Time  `json:"last_check_at"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastResponseTimeMs  int64      `json:"last_response_time_ms"`
	LastError           string     `json:"last_error,omitempty"`
}

// recentSuccessWindow is how long a success keeps boosting the score.
const recentSuccessWindow = 5 * time.Minute

// healthyScoreFloor is the score at or above which a provider counts as
// healthy, provided its breaker is not open.
const healthyScoreFloor = 0.5

// MonitorConfig configures the health monitor.
type MonitorConfig struct {
	// CheckInterval is the probe cadence. Default 5m.
	CheckInterval time.Duration

	// EvaluateInterval is the score recomputation cadence. Default 1m.
	EvaluateInterval time.Duration

	// ProbeTimeout bounds one provider probe. Default 10s.
	ProbeTimeout time.Duration

	// SlowThresholdMs is the response time above which the score
	// degrades. Default 5000.
	SlowThresholdMs int64

	// BreakerThreshold and BreakerOpenTimeout configure per-provider
	// circuit breakers. Defaults 5 and 10m.
	BreakerThreshold   int
	BreakerOpenTimeout time.Duration

	Logger core.Logger
}

// DefaultMonitorConfig returns monitor defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		CheckInterval:      5 * time.Minute,
		EvaluateInterval:   1 * time.Minute,
		ProbeTimeout:       10 * time.Second,
		SlowThresholdMs:    5000,
		BreakerThreshold:   5,
		BreakerOpenTimeout: 10 * time.Minute,
	}
}

// Monitor probes providers in the background, maintains health scores
// and circuit breakers, and publishes transitions on the bus.
type Monitor struct {
	providers ProviderLister
	factory   core.ClientFactory
	publisher events.Publisher
	config    *MonitorConfig
	logger    core.Logger
	clock     core.Clock

	mu       sync.RWMutex
	records  map[string]*ProviderHealth
	breakers map[string]*CircuitBreaker

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a health monitor. publisher may be nil, in which
// case transitions are only logged.
func NewMonitor(providers ProviderLister, factory core.ClientFactory, publisher events.Publisher, config *MonitorConfig) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 5 * time.Minute
	}
	if config.EvaluateInterval <= 0 {
		config.EvaluateInterval = 1 * time.Minute
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	if config.SlowThresholdMs <= 0 {
		config.SlowThresholdMs = 5000
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/health")
	}

	return &Monitor{
		providers: providers,
		factory:   factory,
		publisher: publisher,
		config:    config,
		logger:    logger,
		clock:     core.RealClock{},
		records:   make(map[string]*ProviderHealth),
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// SetClock substitutes the time source. Intended for tests.
func (m *Monitor) SetClock(clock core.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Start launches the probe and evaluation loops.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyRunning
	}

	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run(ctx)

	m.logger.Info("Health monitor started", map[string]interface{}{
		"check_interval":    m.config.CheckInterval.String(),
		"evaluate_interval": m.config.EvaluateInterval.String(),
	})
	return nil
}

// Stop halts the loops and waits for in-flight probes.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Health monitor stopped", nil)
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	// Prime the state before the first tick fires.
	m.CheckAll(ctx)

	checkTicker := time.NewTicker(m.config.CheckInterval)
	defer checkTicker.Stop()
	evalTicker := time.NewTicker(m.config.EvaluateInterval)
	defer evalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkTicker.C:
			m.CheckAll(ctx)
		case <-evalTicker.C:
			m.evaluateAll(ctx)
		}
	}
}

// CheckAll probes every enabled provider once. Exported so tests and
// operators can force a probe round outside the ticker cadence.
func (m *Monitor) CheckAll(ctx context.Context) {
	descriptors, err := m.providers.ListProviders(ctx)
	if err != nil {
		m.logger.Error("Failed to list providers for health check", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for i := range descriptors {
		desc := &descriptors[i]
		if !desc.Enabled || !desc.HasEnabledKey() {
			continue
		}
		if !m.breakerFor(desc.ID).AllowProbe() {
			continue
		}
		m.probe(ctx, desc)
	}
}

// probe runs one health check against a provider and records the outcome.
func (m *Monitor) probe(ctx context.Context, desc *core.ProviderDescriptor) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := m.clock.Now()
	err := m.probeClient(probeCtx, desc.ID)
	elapsed := m.clock.Now().Sub(start)

	m.recordProbe(ctx, desc.ID, err, elapsed.Milliseconds())
}

// probeClient prefers the dedicated health endpoint and falls back to
// the model catalog when the client lacks one.
func (m *Monitor) probeClient(ctx context.Context, providerID string) error {
	client, err := m.factory.ClientFor(ctx, providerID)
	if err != nil {
		return err
	}

	if hc, ok := client.(core.HealthChecker); ok {
		return hc.Health(ctx)
	}
	if lister, ok := client.(core.ModelLister); ok && client.Supports(core.CapabilityModelListing) {
		_, err := lister.ListModels(ctx)
		return err
	}

	// No probe surface at all; treat reachability of the factory as health.
	return nil
}

// recordProbe updates the provider record, feeds the breaker, recomputes
// the score and publishes a transition if the healthy bit flipped.
func (m *Monitor) recordProbe(ctx context.Context, providerID string, probeErr error, elapsedMs int64) {
	breaker := m.breakerFor(providerID)

	m.mu.Lock()
	rec, ok := m.records[providerID]
	if !ok {
		rec = &ProviderHealth{ProviderID: providerID, IsHealthy: true, HealthScore: 1.0}
		m.records[providerID] = rec
	}
	wasHealthy := rec.IsHealthy

	now := m.clock.Now()
	rec.LastCheckAt = now
	rec.LastResponseTimeMs = elapsedMs

	if probeErr != nil {
		rec.ConsecutiveFailures++
		rec.LastError = probeErr.Error()
	} else {
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
		t := now
		rec.LastSuccessAt = &t
	}
	m.mu.Unlock()

	if probeErr != nil {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}

	m.rescore(ctx, providerID, wasHealthy, probeErr == nil)

	telemetry.Histogram("gateway.health.probe_duration_ms", float64(elapsedMs),
		"provider", providerID,
		"success", boolLabel(probeErr == nil))
}

// evaluateAll recomputes scores between probe rounds so time-based
// factors (staleness of the last success) keep moving.
func (m *Monitor) evaluateAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.mu.RLock()
		healthy := m.records[id].IsHealthy
		lastOK := m.records[id].LastError == ""
		m.mu.RUnlock()
		m.rescore(ctx, id, healthy, lastOK)
	}
}

// rescore recomputes the health score for one provider and publishes a
// ProviderHealthChanged event when the healthy bit flips.
func (m *Monitor) rescore(ctx context.Context, providerID string, wasHealthy, lastProbeOK bool) {
	breaker := m.breakerFor(providerID)
	now := m.clock.Now()

	m.mu.Lock()
	rec, ok := m.records[providerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	rec.HealthScore = m.score(rec, lastProbeOK, now)
	rec.IsHealthy = rec.HealthScore >= healthyScoreFloor && breaker.State() != StateOpen
	isHealthy := rec.IsHealthy
	score := rec.HealthScore
	m.mu.Unlock()

	telemetry.Gauge("gateway.health.score", score, "provider", providerID)

	if isHealthy == wasHealthy {
		return
	}

	status := "unhealthy"
	if isHealthy {
		status = "recovered"
	}
	m.logger.Warn("Provider health changed", map[string]interface{}{
		"provider":   providerID,
		"is_healthy": isHealthy,
		"score":      score,
	})
	telemetry.Counter("gateway.health.transitions", "provider", providerID, "status", status)

	if m.publisher == nil {
		return
	}
	evt := &events.ProviderHealthChanged{
		ProviderID:    providerID,
		IsHealthy:     isHealthy,
		Status:        status,
		CorrelationID: uuid.New().String(),
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Error("Failed to publish health transition", map[string]interface{}{
			"provider": providerID,
			"error":    err.Error(),
		})
	}
}

// score implements the weighted health formula. Starts at 1.0:
//   - each consecutive failure costs 0.1, capped at 0.5
//   - response time over the slow threshold costs up to 0.3,
//     proportional to how far over it is
//   - a failed last probe costs 0.3
//   - a success within the last five minutes restores 0.1
//
// The result is clamped to [0, 1].
func (m *Monitor) score(rec *ProviderHealth, lastProbeOK bool, now time.Time) float64 {
	score := 1.0

	score -= math.Min(0.5, float64(rec.ConsecutiveFailures)*0.1)

	if rec.LastResponseTimeMs > m.config.SlowThresholdMs {
		over := float64(rec.LastResponseTimeMs-m.config.SlowThresholdMs) / float64(m.config.SlowThresholdMs)
		score -= math.Min(0.3, 0.3*over)
	}

	if !lastProbeOK {
		score -= 0.3
	}

	if rec.LastSuccessAt != nil && now.Sub(*rec.LastSuccessAt) <= recentSuccessWindow {
		score += 0.1
	}

	return math.Max(0, math.Min(1, score))
}

// breakerFor returns the provider's breaker, creating it on first use.
func (m *Monitor) breakerFor(providerID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[providerID]; ok {
		return cb
	}
	cb = NewCircuitBreaker(providerID, m.config.BreakerThreshold, m.config.BreakerOpenTimeout, m.logger)
	cb.SetClock(m.clock)
	m.breakers[providerID] = cb
	return cb
}

// CanDispatch reports whether the provider's breaker admits a dispatch.
// Providers the monitor has never seen are admitted optimistically.
func (m *Monitor) CanDispatch(providerID string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return cb.Allow()
}

// ReportDispatchResult feeds a live dispatch outcome into the breaker,
// so workers contribute failure signal between probe rounds.
func (m *Monitor) ReportDispatchResult(providerID string, err error) {
	cb := m.breakerFor(providerID)
	if err != nil {
		cb.RecordFailure()
		return
	}
	cb.RecordSuccess()
}

// Health returns a snapshot of one provider's record.
func (m *Monitor) Health(providerID string) (ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[providerID]
	if !ok {
		return ProviderHealth{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every provider record.
func (m *Monitor) Snapshot() []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
