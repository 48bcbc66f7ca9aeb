package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/discovery"
	"github.com/asyncforge/mediagate/events"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeResolver serves a fixed resolution.
type fakeResolver struct {
	res *discovery.Resolution
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, callerKeyID int, alias string, taskType core.TaskType) (*discovery.Resolution, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.Capability = core.CapabilityForTaskType(taskType)
	return &res, nil
}

func testResolution() *discovery.Resolution {
	return &discovery.Resolution{
		Mapping: &core.ModelMapping{
			Alias:           "img-model",
			ProviderID:      "openai-1",
			ProviderModelID: "dall-e-3",
			Capabilities:    core.CapabilitySet{ImageGeneration: true, VideoGeneration: true},
		},
		Provider: &core.ProviderDescriptor{
			ID:      "openai-1",
			Type:    "openai",
			Enabled: true,
			Keys:    []core.ProviderKey{{IsPrimary: true, IsEnabled: true, APIKey: "sk-a"}},
		},
		Capability: core.CapabilityImageGeneration,
	}
}

// fakeImageClient is a scriptable image provider client.
type fakeImageClient struct {
	mu     sync.Mutex
	result *core.GenerationResult
	err    error
	calls  int

	// block, when set, parks GenerateImage until closed or ctx ends.
	block chan struct{}
	// started is closed on the first GenerateImage call.
	started chan struct{}
}

func (c *fakeImageClient) Supports(cap core.Capability) bool {
	return cap == core.CapabilityImageGeneration
}

func (c *fakeImageClient) GenerateImage(ctx context.Context, req core.ImageRequest) (*core.GenerationResult, error) {
	c.mu.Lock()
	c.calls++
	if c.started != nil && c.calls == 1 {
		close(c.started)
	}
	block := c.block
	result, err := c.result, c.err
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *fakeImageClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeVideoClient generates videos without push progress.
type fakeVideoClient struct {
	result *core.GenerationResult
	err    error
}

func (c *fakeVideoClient) Supports(cap core.Capability) bool {
	return cap == core.CapabilityVideoGeneration
}

func (c *fakeVideoClient) GenerateVideo(ctx context.Context, req core.VideoRequest) (*core.GenerationResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

// pushVideoClient reports provider-side progress.
type pushVideoClient struct {
	result   *core.GenerationResult
	percents []int
}

func (c *pushVideoClient) Supports(cap core.Capability) bool {
	return cap == core.CapabilityVideoGeneration
}

func (c *pushVideoClient) GenerateVideoWithProgress(ctx context.Context, req core.VideoRequest, onProgress func(core.ProviderProgress)) (*core.GenerationResult, error) {
	for _, p := range c.percents {
		onProgress(core.ProviderProgress{PercentComplete: p, Message: "rendering"})
	}
	return c.result, nil
}

// staticFactory hands out one fixed client.
type staticFactory struct {
	client core.ProviderClient
	err    error
}

func (f *staticFactory) ClientFor(ctx context.Context, providerID string) (core.ProviderClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

// fixedCost bills a flat amount per generation.
type fixedCost struct {
	amount float64
	err    error
}

func (f *fixedCost) Cost(ctx context.Context, usage core.UsageRecord) (float64, error) {
	return f.amount, f.err
}

// closedGate refuses every dispatch and records results.
type closedGate struct {
	mu       sync.Mutex
	reported []error
}

func (g *closedGate) CanDispatch(providerID string) bool { return false }

func (g *closedGate) ReportDispatchResult(providerID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reported = append(g.reported, err)
}

// engineFixture bundles the wiring most orchestrator tests need.
type engineFixture struct {
	orch     *Orchestrator
	service  *TaskService
	store    *RedisTaskStore
	cache    *StatusCache
	registry *CancelRegistry
	bus      *events.MemoryBus
	media    *core.InMemoryMediaStore
	clock    *fakeClock
}

func newEngine(t *testing.T, client core.ProviderClient, gate DispatchGate, cost core.CostService) *engineFixture {
	t.Helper()

	redisClient := newTestRedis(t)
	store := NewRedisTaskStore(redisClient, nil)
	cache := NewStatusCache(redisClient, store, core.CacheConfig{}, nil)
	registry := NewCancelRegistry()
	media := core.NewInMemoryMediaStore("")
	bus := events.NewMemoryBus(events.TypeGenerationRequested, events.TypeGenerationCancelled)
	clock := newFakeClock()
	store.SetClock(clock)

	pipeline := NewArtifactPipeline(media, bus, nil)
	pipeline.SetClock(clock)

	// Deterministic retry schedule.
	imagePolicy := core.DefaultImageRetryPolicy()
	imagePolicy.JitterFraction = 0
	videoPolicy := core.DefaultVideoRetryPolicy()
	videoPolicy.JitterFraction = 0

	orch := NewOrchestrator(
		store, cache, registry,
		&fakeResolver{res: testResolution()},
		gate,
		&staticFactory{client: client},
		pipeline,
		cost,
		bus,
		nil,
		&OrchestratorConfig{ImageRetry: &imagePolicy, VideoRetry: &videoPolicy},
	)
	orch.SetClock(clock)

	service := NewTaskService(store, cache, bus, registry, nil, nil)

	return &engineFixture{
		orch:     orch,
		service:  service,
		store:    store,
		cache:    cache,
		registry: registry,
		bus:      bus,
		media:    media,
		clock:    clock,
	}
}

// newImageTask persists a pending image task and returns it.
func newImageTask(t *testing.T, store TaskStore, prompt string, n int) *core.Task {
	t.Helper()
	meta := core.GenerationMetadata{
		Request: core.GenerationRequest{
			Prompt:        prompt,
			ModelAlias:    "img-model",
			N:             n,
			CorrelationID: uuid.NewString(),
		},
		CallerKeyID: 7,
	}
	task := core.NewTask(uuid.NewString(), core.TaskTypeImage, 7, core.NewImageTaskMetadata(meta))
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return task
}

// newVideoTask persists a pending video task and returns it.
func newVideoTask(t *testing.T, store TaskStore, prompt string) *core.Task {
	t.Helper()
	meta := core.GenerationMetadata{
		Request: core.GenerationRequest{
			Prompt:          prompt,
			ModelAlias:      "vid-model",
			N:               1,
			DurationSeconds: 5,
			Size:            "1280x720",
			CorrelationID:   uuid.NewString(),
		},
		CallerKeyID: 7,
	}
	task := core.NewTask(uuid.NewString(), core.TaskTypeVideo, 7, core.NewVideoTaskMetadata(meta))
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return task
}

// requestedEvent builds the dispatch event for a stored task.
func requestedEvent(task *core.Task) *events.GenerationRequested {
	meta := task.Metadata.Generation()
	return &events.GenerationRequested{
		TaskID:        task.ID,
		Request:       meta.Request,
		CallerKeyID:   meta.CallerKeyID,
		CorrelationID: meta.Request.CorrelationID,
	}
}

// b64Result builds a generation result with n inline PNG artifacts.
func b64Result(n int) *core.GenerationResult {
	artifacts := make([]core.ProviderArtifact, n)
	for i := 0; i < n; i++ {
		artifacts[i] = core.ProviderArtifact{
			B64Data:     "iVBORw0KGgo=",
			ContentType: "image/png",
			Index:       i,
		}
	}
	return &core.GenerationResult{Artifacts: artifacts, Model: "dall-e-3"}
}
