package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/discovery"
)

// imageOrchestrator supplies the image-specific half of the dispatch
// engine. Image generations are short-lived single calls; no progress
// is reported beyond the artifact pipeline.
type imageOrchestrator struct {
	policy core.RetryPolicy
}

func (io *imageOrchestrator) TaskType() core.TaskType { return core.TaskTypeImage }

func (io *imageOrchestrator) RetryPolicy() core.RetryPolicy { return io.policy }

func (io *imageOrchestrator) Invoke(ctx context.Context, client core.ProviderClient, res *discovery.Resolution, task *core.Task, tracker *progressTracker) (*core.GenerationResult, error) {
	gen, ok := client.(core.ImageGenerator)
	if !ok {
		return nil, fmt.Errorf("provider %s client: %w", res.Provider.ID, core.ErrUnsupportedCapability)
	}

	req := task.Metadata.Generation().Request
	result, err := gen.GenerateImage(ctx, core.ImageRequest{
		Model:          res.Mapping.ProviderModelID,
		Prompt:         req.Prompt,
		N:              req.N,
		Size:           req.Size,
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: req.ResponseFormat,
	})
	if err != nil {
		return nil, err
	}
	if result.Model == "" {
		result.Model = res.Mapping.ProviderModelID
	}

	tracker.Report(ctx, 50, "generation finished, storing artifacts", false)
	return result, nil
}

func (io *imageOrchestrator) Usage(task *core.Task, result *core.GenerationResult, artifacts []core.MediaArtifact) core.UsageRecord {
	return core.UsageRecord{
		Model:      result.Model,
		ImageCount: len(artifacts),
	}
}

func (io *imageOrchestrator) WebhookPayload(task *core.Task, status WebhookStatus, artifacts []core.MediaArtifact, result *core.GenerationResult, taskErr *core.TaskError, completedAt time.Time) interface{} {
	meta := task.Metadata.Generation()
	payload := ImageCompletionWebhookPayload{
		TaskID:      task.ID,
		Status:      status,
		Prompt:      meta.Request.Prompt,
		Model:       meta.Request.ModelAlias,
		Images:      artifacts,
		Error:       taskErr,
		CompletedAt: completedAt,
	}
	if result != nil && result.Model != "" {
		payload.Model = result.Model
	}
	return payload
}
