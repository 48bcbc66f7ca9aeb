package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
)

// fakeLister serves a fixed provider list.
type fakeLister struct {
	providers []core.ProviderDescriptor
	err       error
}

func (f *fakeLister) ListProviders(ctx context.Context) ([]core.ProviderDescriptor, error) {
	return f.providers, f.err
}

// fakeClient implements ProviderClient plus HealthChecker with a
// scriptable error.
type fakeClient struct {
	mu        sync.Mutex
	healthErr error
	calls     int
}

func (f *fakeClient) Supports(cap core.Capability) bool { return true }

func (f *fakeClient) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.healthErr
}

func (f *fakeClient) setHealthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

// fakeFactory hands out one client per provider id.
type fakeFactory struct {
	clients map[string]*fakeClient
	err     error
}

func (f *fakeFactory) ClientFor(ctx context.Context, providerID string) (core.ProviderClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.clients[providerID]
	if !ok {
		return nil, core.ErrProviderUnavailable
	}
	return c, nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingPublisher) published() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func enabledProvider(id string) core.ProviderDescriptor {
	return core.ProviderDescriptor{
		ID:      id,
		Type:    "openai",
		Enabled: true,
		Keys:    []core.ProviderKey{{IsPrimary: true, IsEnabled: true, APIKey: "sk-test"}},
	}
}

func newTestMonitor(t *testing.T, lister ProviderLister, factory core.ClientFactory, pub events.Publisher) (*Monitor, *fakeClock) {
	t.Helper()
	m := NewMonitor(lister, factory, pub, DefaultMonitorConfig())
	clock := newFakeClock()
	m.SetClock(clock)
	return m, clock
}

func TestMonitorHealthyProbe(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestMonitor(t,
		&fakeLister{providers: []core.ProviderDescriptor{enabledProvider("openai-1")}},
		&fakeFactory{clients: map[string]*fakeClient{"openai-1": client}},
		nil)

	m.CheckAll(context.Background())

	rec, ok := m.Health("openai-1")
	if !ok {
		t.Fatal("no health record after probe")
	}
	if !rec.IsHealthy {
		t.Errorf("IsHealthy = false after successful probe")
	}
	if rec.HealthScore != 1.0 {
		t.Errorf("HealthScore = %v, want 1.0", rec.HealthScore)
	}
	if rec.LastSuccessAt == nil {
		t.Error("LastSuccessAt not recorded")
	}
	if !m.CanDispatch("openai-1") {
		t.Error("healthy provider must admit dispatch")
	}
}

func TestMonitorSkipsDisabledProviders(t *testing.T) {
	disabled := enabledProvider("off")
	disabled.Enabled = false
	keyless := enabledProvider("keyless")
	keyless.Keys = []core.ProviderKey{{IsPrimary: true, IsEnabled: false}}

	client := &fakeClient{}
	m, _ := newTestMonitor(t,
		&fakeLister{providers: []core.ProviderDescriptor{disabled, keyless}},
		&fakeFactory{clients: map[string]*fakeClient{"off": client, "keyless": client}},
		nil)

	m.CheckAll(context.Background())

	if client.calls != 0 {
		t.Errorf("probe calls = %d, want 0", client.calls)
	}
	if len(m.Snapshot()) != 0 {
		t.Errorf("records = %d, want 0", len(m.Snapshot()))
	}
}

func TestMonitorUnhealthyTransitionPublishes(t *testing.T) {
	client := &fakeClient{healthErr: errors.New("connection refused")}
	pub := &recordingPublisher{}
	m, _ := newTestMonitor(t,
		&fakeLister{providers: []core.ProviderDescriptor{enabledProvider("openai-1")}},
		&fakeFactory{clients: map[string]*fakeClient{"openai-1": client}},
		pub)

	// Each failed probe costs 0.1 (consecutive) + 0.3 (failed probe).
	// Two failures: score 0.5, still healthy. Three: 0.4, unhealthy.
	for i := 0; i < 3; i++ {
		m.CheckAll(context.Background())
	}

	rec, _ := m.Health("openai-1")
	if rec.IsHealthy {
		t.Errorf("IsHealthy = true after 3 failures, score %v", rec.HealthScore)
	}
	if rec.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", rec.ConsecutiveFailures)
	}

	published := pub.published()
	if len(published) != 1 {
		t.Fatalf("published events = %d, want 1", len(published))
	}
	evt, ok := published[0].(*events.ProviderHealthChanged)
	if !ok {
		t.Fatalf("published %T, want ProviderHealthChanged", published[0])
	}
	if evt.IsHealthy || evt.ProviderID != "openai-1" {
		t.Errorf("event = %+v", evt)
	}
}

func TestMonitorRecoveryPublishesOnce(t *testing.T) {
	client := &fakeClient{healthErr: errors.New("service unavailable")}
	pub := &recordingPublisher{}
	m, _ := newTestMonitor(t,
		&fakeLister{providers: []core.ProviderDescriptor{enabledProvider("openai-1")}},
		&fakeFactory{clients: map[string]*fakeClient{"openai-1": client}},
		pub)

	for i := 0; i < 3; i++ {
		m.CheckAll(context.Background())
	}
	client.setHealthErr(nil)
	m.CheckAll(context.Background())
	m.CheckAll(context.Background())

	published := pub.published()
	if len(published) != 2 {
		t.Fatalf("published events = %d, want 2 (down, up)", len(published))
	}
	up := published[1].(*events.ProviderHealthChanged)
	if !up.IsHealthy || up.Status != "recovered" {
		t.Errorf("recovery event = %+v", up)
	}
}

func TestMonitorBreakerBlocksDispatch(t *testing.T) {
	client := &fakeClient{healthErr: errors.New("timeout")}
	m, clock := newTestMonitor(t,
		&fakeLister{providers: []core.ProviderDescriptor{enabledProvider("openai-1")}},
		&fakeFactory{clients: map[string]*fakeClient{"openai-1": client}},
		nil)

	// Default breaker threshold is 5 consecutive failures.
	for i := 0; i < 5; i++ {
		m.CheckAll(context.Background())
	}

	if m.CanDispatch("openai-1") {
		t.Fatal("dispatch admitted with an open breaker")
	}

	clock.Advance(11 * time.Minute)
	if !m.CanDispatch("openai-1") {
		t.Error("dispatch must be admitted after the open timeout")
	}
}

func TestMonitorDispatchResultFeedsBreaker(t *testing.T) {
	m, _ := newTestMonitor(t,
		&fakeLister{},
		&fakeFactory{},
		nil)

	for i := 0; i < 5; i++ {
		m.ReportDispatchResult("openai-1", errors.New("rate limit"))
	}
	if m.CanDispatch("openai-1") {
		t.Error("dispatch failures must open the breaker")
	}

	if !m.CanDispatch("unknown-provider") {
		t.Error("unknown providers must be admitted optimistically")
	}
}

func TestScoreFormula(t *testing.T) {
	m, clock := newTestMonitor(t, &fakeLister{}, &fakeFactory{}, nil)
	now := clock.Now()

	tests := []struct {
		name string
		rec  ProviderHealth
		ok   bool
		want float64
	}{
		{
			name: "pristine",
			rec:  ProviderHealth{},
			ok:   true,
			want: 1.0,
		},
		{
			name: "failure cost capped at half",
			rec:  ProviderHealth{ConsecutiveFailures: 9},
			ok:   false,
			want: 0.2, // 1.0 - 0.5 - 0.3
		},
		{
			name: "slow response partial penalty",
			rec:  ProviderHealth{LastResponseTimeMs: 7500}, // 50% over 5000ms
			ok:   true,
			want: 0.85, // 1.0 - 0.15
		},
		{
			name: "slow response full penalty",
			rec:  ProviderHealth{LastResponseTimeMs: 60000},
			ok:   true,
			want: 0.7, // 1.0 - 0.3
		},
		{
			name: "recent success bonus clamped at one",
			rec:  ProviderHealth{LastSuccessAt: &now},
			ok:   true,
			want: 1.0,
		},
		{
			name: "floor at zero",
			rec:  ProviderHealth{ConsecutiveFailures: 10, LastResponseTimeMs: 60000},
			ok:   false,
			want: 0.0, // 1.0 - 0.5 - 0.3 - 0.3 clamps
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.score(&tt.rec, tt.ok, now)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreRecentSuccessDecays(t *testing.T) {
	m, clock := newTestMonitor(t, &fakeLister{}, &fakeFactory{}, nil)

	past := clock.Now().Add(-recentSuccessWindow - time.Second)
	rec := ProviderHealth{ConsecutiveFailures: 1, LastSuccessAt: &past}
	withStale := m.score(&rec, true, clock.Now())

	fresh := clock.Now()
	rec.LastSuccessAt = &fresh
	withFresh := m.score(&rec, true, clock.Now())

	if withFresh <= withStale {
		t.Errorf("fresh success score %v not above stale %v", withFresh, withStale)
	}
}

func TestMonitorStartStop(t *testing.T) {
	m, _ := newTestMonitor(t,
		&fakeLister{},
		&fakeFactory{},
		nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, core.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	m.Stop()
	m.Stop() // idempotent
}
