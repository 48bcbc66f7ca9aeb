package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// globalRegistry holds the singleton Registry instance.
	// Uninitialized telemetry turns every Emit into a no-op.
	globalRegistry atomic.Value // *Registry
)

// Registry caches metric instruments so hot-path emission does not
// allocate or re-create instruments per call.
type Registry struct {
	meter      metric.Meter
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex
}

// newRegistry creates an instrument cache for the named meter.
func newRegistry(meterName string) *Registry {
	return &Registry{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Emit records a metric value with key-value labels. Counter-style
// metrics (value 1) go to a counter instrument, everything else to a
// histogram; the backend derives gauges and percentiles.
func Emit(name string, value float64, labels ...string) {
	reg := globalRegistry.Load()
	if reg == nil {
		return
	}
	r, ok := reg.(*Registry)
	if !ok || r == nil {
		return
	}

	attrs := labelAttributes(labels)
	ctx := context.Background()

	if value == 1 {
		if counter, err := r.counter(name); err == nil {
			counter.Add(ctx, value, metric.WithAttributes(attrs...))
		}
		return
	}

	if hist, err := r.histogram(name); err == nil {
		hist.Record(ctx, value, metric.WithAttributes(attrs...))
	}
}

func (r *Registry) counter(name string) (metric.Float64Counter, error) {
	r.mu.RLock()
	counter, exists := r.counters[name]
	r.mu.RUnlock()
	if exists {
		return counter, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock
	if counter, exists = r.counters[name]; exists {
		return counter, nil
	}

	counter, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	r.counters[name] = counter
	return counter, nil
}

func (r *Registry) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.RLock()
	hist, exists := r.histograms[name]
	r.mu.RUnlock()
	if exists {
		return hist, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if hist, exists = r.histograms[name]; exists {
		return hist, nil
	}

	hist, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	r.histograms[name] = hist
	return hist, nil
}

// labelAttributes converts key-value pairs to attributes, dropping a
// trailing odd key.
func labelAttributes(labels []string) []attribute.KeyValue {
	n := len(labels) / 2
	attrs := make([]attribute.KeyValue, 0, n)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// Shutdown drops the global registry, turning emission back into no-ops.
func Shutdown() {
	globalRegistry.Store((*Registry)(nil))
}
