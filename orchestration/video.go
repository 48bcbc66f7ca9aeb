package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncforge/mediagate/core"
	"github.com/asyncforge/mediagate/discovery"
)

// videoOrchestrator supplies the video-specific half of the dispatch
// engine. Video generations are long-running: when the provider client
// can push progress the orchestrator forwards it, otherwise synthetic
// progress is emitted at stretching intervals until the call returns.
type videoOrchestrator struct {
	policy core.RetryPolicy
}

func (vo *videoOrchestrator) TaskType() core.TaskType { return core.TaskTypeVideo }

func (vo *videoOrchestrator) RetryPolicy() core.RetryPolicy { return vo.policy }

func (vo *videoOrchestrator) Invoke(ctx context.Context, client core.ProviderClient, res *discovery.Resolution, task *core.Task, tracker *progressTracker) (*core.GenerationResult, error) {
	req := task.Metadata.Generation().Request
	videoReq := core.VideoRequest{
		Model:           res.Mapping.ProviderModelID,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		Resolution:      req.Size,
		ResponseFormat:  req.ResponseFormat,
	}

	// Prefer provider-pushed progress over the synthetic schedule.
	if pushGen, ok := client.(core.VideoProgressGenerator); ok {
		result, err := pushGen.GenerateVideoWithProgress(ctx, videoReq, func(p core.ProviderProgress) {
			tracker.Report(ctx, p.PercentComplete, p.Message, false)
		})
		if err != nil {
			return nil, err
		}
		return vo.finishResult(result, res, req), nil
	}

	gen, ok := client.(core.VideoGenerator)
	if !ok {
		return nil, fmt.Errorf("provider %s client: %w", res.Provider.ID, core.ErrUnsupportedCapability)
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	go syntheticProgress(progressCtx, tracker)

	result, err := gen.GenerateVideo(ctx, videoReq)
	stopProgress()
	if err != nil {
		return nil, err
	}
	return vo.finishResult(result, res, req), nil
}

// finishResult fills provider omissions from the request.
func (vo *videoOrchestrator) finishResult(result *core.GenerationResult, res *discovery.Resolution, req core.GenerationRequest) *core.GenerationResult {
	if result.Model == "" {
		result.Model = res.Mapping.ProviderModelID
	}
	if result.DurationSeconds == 0 {
		result.DurationSeconds = req.DurationSeconds
	}
	if result.Resolution == "" {
		result.Resolution = req.Size
	}
	return result
}

func (vo *videoOrchestrator) Usage(task *core.Task, result *core.GenerationResult, artifacts []core.MediaArtifact) core.UsageRecord {
	return core.UsageRecord{
		Model:           result.Model,
		DurationSeconds: result.DurationSeconds,
		Resolution:      result.Resolution,
	}
}

func (vo *videoOrchestrator) WebhookPayload(task *core.Task, status WebhookStatus, artifacts []core.MediaArtifact, result *core.GenerationResult, taskErr *core.TaskError, completedAt time.Time) interface{} {
	meta := task.Metadata.Generation()
	payload := VideoCompletionWebhookPayload{
		TaskID:      task.ID,
		Status:      status,
		Prompt:      meta.Request.Prompt,
		Model:       meta.Request.ModelAlias,
		Videos:      artifacts,
		Error:       taskErr,
		CompletedAt: completedAt,
	}
	if result != nil {
		if result.Model != "" {
			payload.Model = result.Model
		}
		payload.DurationSeconds = result.DurationSeconds
		payload.Resolution = result.Resolution
	}
	return payload
}
