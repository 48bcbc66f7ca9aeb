package orchestration

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/events"
)

// ArtifactPipeline turns raw provider outputs into persisted media
// artifacts. Work is bounded by a weighted semaphore sized
// min(provider concurrency limit, artifact count); payloads stream
// through base64 decoding or HTTP download without full buffering.
//
// Storage is best effort for URL artifacts: when the download or the
// blob write fails, the artifact keeps the provider URL so the caller
// still gets a result, just a less durable one. Inline base64 artifacts
// have no fallback and fail the pipeline.
type ArtifactPipeline struct {
	media      core.MediaStore
	publisher  events.Publisher
	httpClient *http.Client
	clock      core.Clock
	logger     core.Logger
}

// NewArtifactPipeline creates a pipeline over the given blob store.
// publisher may be nil to skip per-artifact events.
func NewArtifactPipeline(media core.MediaStore, publisher events.Publisher, logger core.Logger) *ArtifactPipeline {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ca, ok := logger.(core.ComponentAwareLogger); ok {
		logger = ca.WithComponent("gateway/artifacts")
	}
	return &ArtifactPipeline{
		media:     media,
		publisher: publisher,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		clock:  core.RealClock{},
		logger: logger,
	}
}

// SetClock substitutes the time source. Intended for tests.
func (p *ArtifactPipeline) SetClock(clock core.Clock) {
	p.clock = clock
}

// Process persists every artifact of a generation result and returns
// them in provider order. onProgress is called after each finished
// artifact with (done, total).
func (p *ArtifactPipeline) Process(
	ctx context.Context,
	task *core.Task,
	result *core.GenerationResult,
	providerID string,
	limits core.ProviderLimits,
	onProgress func(done, total int),
) ([]core.MediaArtifact, error) {
	total := len(result.Artifacts)
	if total == 0 {
		return nil, fmt.Errorf("provider returned no artifacts")
	}

	// Indices come from the provider and place artifacts in the output
	// slice; a bad index must not panic a worker or drop an artifact.
	seen := make(map[int]struct{}, total)
	for _, raw := range result.Artifacts {
		if raw.Index < 0 || raw.Index >= total {
			return nil, core.NewGatewayError("artifacts.process", core.KindProviderPermanent,
				fmt.Errorf("artifact index %d out of range for %d artifacts", raw.Index, total))
		}
		if _, dup := seen[raw.Index]; dup {
			return nil, core.NewGatewayError("artifacts.process", core.KindProviderPermanent,
				fmt.Errorf("duplicate artifact index %d", raw.Index))
		}
		seen[raw.Index] = struct{}{}
	}

	if limits.DownloadTimeout <= 0 {
		limits.DownloadTimeout = 30 * time.Second
	}
	capacity := limits.ArtifactConcurrency
	if capacity <= 0 {
		capacity = 4
	}
	if total < capacity {
		capacity = total
	}

	sem := semaphore.NewWeighted(int64(capacity))
	artifacts := make([]core.MediaArtifact, total)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		done     int
	)

	for i := range result.Artifacts {
		raw := result.Artifacts[i]

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			artifact, err := p.processOne(ctx, task, result, providerID, limits, raw)
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if err == nil {
				artifacts[raw.Index] = artifact
				done++
				d := done
				mu.Unlock()
				if onProgress != nil {
					onProgress(d, total)
				}
				return
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return artifacts, nil
}

// processOne persists a single raw artifact.
func (p *ArtifactPipeline) processOne(
	ctx context.Context,
	task *core.Task,
	result *core.GenerationResult,
	providerID string,
	limits core.ProviderLimits,
	raw core.ProviderArtifact,
) (core.MediaArtifact, error) {
	meta := task.Metadata.Generation()
	prompt := ""
	if meta != nil {
		prompt = meta.Request.Prompt
	}

	artifact := core.MediaArtifact{
		GeneratorModel: result.Model,
		Prompt:         prompt,
		Index:          raw.Index,
	}

	var (
		body        io.ReadCloser
		contentType string
		err         error
	)

	switch {
	case raw.B64Data != "":
		body = io.NopCloser(base64.NewDecoder(base64.StdEncoding, strings.NewReader(raw.B64Data)))
		contentType = inferContentType("", raw.ContentType, "", task.Type)
	case raw.URL != "":
		var headerType string
		body, headerType, err = p.download(ctx, raw.URL, limits.DownloadTimeout)
		if err != nil {
			// Best effort: the caller keeps the provider's URL.
			p.logger.Warn("Artifact download failed, keeping provider URL", map[string]interface{}{
				"task_id": task.ID,
				"url":     raw.URL,
				"error":   err.Error(),
			})
			emitArtifactFallback(task.Type, "download")
			artifact.URL = raw.URL
			artifact.ContentType = inferContentType("", raw.ContentType, raw.URL, task.Type)
			p.publishArtifact(ctx, task, result, providerID, &artifact)
			return artifact, nil
		}
		contentType = inferContentType(headerType, raw.ContentType, raw.URL, task.Type)
	default:
		return artifact, fmt.Errorf("artifact %d has neither url nor inline data", raw.Index)
	}
	defer body.Close()

	stored, err := p.media.Store(ctx, body, core.MediaMetadata{
		ContentType:    contentType,
		FileName:       artifactFileName(p.clock.Now(), raw.Index, contentType),
		CreatedByKeyID: task.OwnerKeyID,
		Prompt:         prompt,
		Model:          result.Model,
		ProviderID:     providerID,
		SourceURL:      raw.URL,
	})
	if err != nil {
		if raw.URL != "" {
			p.logger.Warn("Artifact storage failed, keeping provider URL", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
			emitArtifactFallback(task.Type, "storage")
			artifact.URL = raw.URL
			artifact.ContentType = contentType
			p.publishArtifact(ctx, task, result, providerID, &artifact)
			return artifact, nil
		}
		return artifact, core.NewGatewayError("artifacts.store", core.Classify(err), err)
	}

	artifact.URL = stored.URL
	artifact.StorageKey = stored.StorageKey
	artifact.SizeBytes = stored.SizeBytes
	artifact.ContentType = contentType
	emitArtifactStored(task.Type, stored.SizeBytes)

	p.publishArtifact(ctx, task, result, providerID, &artifact)
	return artifact, nil
}

// download opens one artifact URL with a bounded timeout. The caller
// owns the returned body.
func (p *ArtifactPipeline) download(ctx context.Context, url string, timeout time.Duration) (io.ReadCloser, string, error) {
	dlCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, "", err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, "", fmt.Errorf("artifact download returned HTTP %d", resp.StatusCode)
	}

	return &cancelOnCloseReader{ReadCloser: resp.Body, cancel: cancel}, resp.Header.Get("Content-Type"), nil
}

// cancelOnCloseReader ties the download context to the body lifetime.
type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

// publishArtifact emits the per-artifact completion event.
func (p *ArtifactPipeline) publishArtifact(ctx context.Context, task *core.Task, result *core.GenerationResult, providerID string, artifact *core.MediaArtifact) {
	if p.publisher == nil {
		return
	}
	meta := task.Metadata.Generation()
	correlation := ""
	if meta != nil {
		correlation = meta.Request.CorrelationID
	}
	evt := &events.MediaGenerationCompleted{
		MediaType:     task.Type,
		CallerKeyID:   task.OwnerKeyID,
		URL:           artifact.URL,
		StorageKey:    artifact.StorageKey,
		SizeBytes:     artifact.SizeBytes,
		ContentType:   artifact.ContentType,
		Model:         result.Model,
		Prompt:        artifact.Prompt,
		GeneratedAt:   p.clock.Now(),
		Metadata:      map[string]string{"provider_id": providerID},
		CorrelationID: correlation,
	}
	if err := p.publisher.Publish(ctx, evt); err != nil {
		p.logger.Warn("Failed to publish artifact event", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

// suffixContentTypes maps URL suffixes to media types.
var suffixContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
}

// inferContentType resolves the artifact media type: the provider's
// declared type wins, then the HTTP header, then the URL suffix, then
// the modality default.
func inferContentType(headerType, providedType, url string, taskType core.TaskType) string {
	if providedType != "" {
		return providedType
	}
	if headerType != "" && headerType != "application/octet-stream" {
		if i := strings.Index(headerType, ";"); i >= 0 {
			headerType = headerType[:i]
		}
		return strings.TrimSpace(headerType)
	}
	if url != "" {
		trimmed := url
		if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
			trimmed = trimmed[:i]
		}
		lower := strings.ToLower(trimmed)
		for suffix, ct := range suffixContentTypes {
			if strings.HasSuffix(lower, suffix) {
				return ct
			}
		}
	}
	if taskType == core.TaskTypeVideo {
		return "video/mp4"
	}
	return "image/png"
}

// contentTypeExtensions is the canonical file extension per media type.
var contentTypeExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

// artifactFileName builds the stored object name from the creation
// instant and artifact index.
func artifactFileName(now time.Time, index int, contentType string) string {
	ext, ok := contentTypeExtensions[contentType]
	if !ok {
		ext = ".bin"
	}
	return fmt.Sprintf("%d_%d%s", now.UnixNano(), index, ext)
}
