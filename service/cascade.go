package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"adgen-server/config"
	"adgen-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// regenAllowed are the asset statuses a regeneration or cascade edit may start
// from. Never from an attempt still in flight.
func regenAllowed(status string) bool {
	switch status {
	case models.AssetStatusFailed, models.AssetStatusRejected,
		models.AssetStatusCompleted, models.AssetStatusCancelled:
		return true
	}
	return false
}

func isKeyframe(assetType string) bool {
	return assetType == models.AssetTypeKeyframeStart || assetType == models.AssetTypeKeyframeEnd
}

// PlanCascade computes the ordered regeneration set for an edit of source:
// every keyframe in a later segment, plus the same segment's end frame when
// the source is a start frame, plus the source itself. Keyframes in earlier
// segments are never touched.
func PlanCascade(db *gorm.DB, source *models.Asset) ([]models.Asset, error) {
	keyframes, err := models.AssetsByProjectAndTypes(db, source.ProjectId,
		[]string{models.AssetTypeKeyframeStart, models.AssetTypeKeyframeEnd})
	if err != nil {
		return nil, err
	}

	// Only the newest keyframe per (scene, type) is part of the visual chain.
	type key struct {
		sceneID string
		kind    string
	}
	newest := map[key]models.Asset{}
	for _, a := range keyframes {
		if a.SceneId == nil {
			continue
		}
		k := key{sceneID: *a.SceneId, kind: a.Type}
		if cur, ok := newest[k]; !ok || a.CreatedAt.After(cur.CreatedAt) {
			newest[k] = a
		}
	}

	var set []models.Asset
	for _, a := range newest {
		switch {
		case a.ID == source.ID:
			set = append(set, a)
		case a.SegmentIndex > source.SegmentIndex:
			set = append(set, a)
		case a.SegmentIndex == source.SegmentIndex &&
			source.Type == models.AssetTypeKeyframeStart &&
			a.Type == models.AssetTypeKeyframeEnd:
			// Start precedes end within a segment, so editing a start frame
			// invalidates its own end frame too.
			set = append(set, a)
		}
	}

	sort.Slice(set, func(i, j int) bool {
		if set[i].SegmentIndex != set[j].SegmentIndex {
			return set[i].SegmentIndex < set[j].SegmentIndex
		}
		return set[i].Type == models.AssetTypeKeyframeStart
	})
	return set, nil
}

// StartCascade invalidates the downstream keyframe chain in one batch and
// enqueues the propagation job. Stale video clips over the affected scenes are
// cancelled, not regenerated; video regeneration is a separate explicit step
// that consumes the new keyframes.
func StartCascade(db *gorm.DB, queue Enqueuer, source *models.Asset, editPrompt string) (string, error) {
	if !isKeyframe(source.Type) {
		return "", &ValidationError{Reason: "cascade regeneration only applies to keyframes"}
	}
	if !regenAllowed(source.Status) {
		return "", &ConflictError{Reason: fmt.Sprintf("asset in status %q cannot be regenerated", source.Status)}
	}

	set, err := PlanCascade(db, source)
	if err != nil {
		return "", err
	}

	batchID := uuid.NewString()
	ids := make([]string, 0, len(set))
	sceneIDs := make([]string, 0, len(set))
	seenScene := map[string]bool{}
	for _, a := range set {
		ids = append(ids, a.ID)
		if a.SceneId != nil && !seenScene[*a.SceneId] {
			seenScene[*a.SceneId] = true
			sceneIDs = append(sceneIDs, *a.SceneId)
		}
	}

	// The whole chain is marked before any provider call so no reader ever
	// observes a half-propagated edit.
	if err := models.MarkGeneratingBatch(db, ids, batchID); err != nil {
		return "", err
	}
	if _, err := models.CancelStaleVideos(db, source.ProjectId, sceneIDs); err != nil {
		return "", err
	}

	err = queue.EnqueueAssetJob(AssetPayload{
		ProjectID:      source.ProjectId,
		AssetID:        source.ID,
		EditPrompt:     editPrompt,
		Cascade:        true,
		CascadeBatchID: batchID,
	})
	if err != nil {
		// No walk will run; release the batch by restoring each frame to its
		// pre-sweep state. The cancelled clips stay cancelled and remain
		// recoverable through regeneration.
		for _, a := range set {
			_ = db.Model(&models.Asset{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
				"status":           a.Status,
				"url":              a.URL,
				"source_url":       a.SourceURL,
				"cascade_batch_id": "",
				"updated_at":       time.Now(),
			}).Error
		}
		return "", err
	}
	return batchID, nil
}

// HandleAssetTask runs targeted regenerations and cascade edit walks.
func (p *Processor) HandleAssetTask(ctx context.Context, t *asynq.Task) error {
	var payload AssetPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Cascade {
		err := p.runCascadeEdit(ctx, payload)
		if IsCancellation(err) {
			p.Logger.Info("cascade cancelled", zap.String("batch_id", payload.CascadeBatchID))
			return nil
		}
		// Provider failures mid-walk are retried by the queue (bounded);
		// already-edited frames are completed and skipped on the next pass.
		return err
	}
	err := p.runSingleRegen(ctx, payload)
	if IsCancellation(err) {
		p.Logger.Info("regeneration cancelled", zap.String("asset_id", payload.AssetID))
		return nil
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		// Terminal for this attempt: the asset row is failed and the user
		// regenerates explicitly.
		p.Logger.Error("asset regeneration failed",
			zap.String("asset_id", payload.AssetID), zap.Error(err))
		return nil
	}
	return err
}

// runCascadeEdit walks the batch in chain order, applying the same edit
// instruction to each keyframe's own prior image. Frames completed by an
// earlier attempt are no longer in the batch-and-generating set, which makes
// a retried walk idempotent.
func (p *Processor) runCascadeEdit(ctx context.Context, payload AssetPayload) error {
	var pending []models.Asset
	err := p.DB.Where("project_id = ? AND cascade_batch_id = ? AND status = ?",
		payload.ProjectID, payload.CascadeBatchID, models.AssetStatusGenerating).
		Order("segment_index ASC").
		Find(&pending).Error
	if err != nil {
		return err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].SegmentIndex != pending[j].SegmentIndex {
			return pending[i].SegmentIndex < pending[j].SegmentIndex
		}
		return pending[i].Type == models.AssetTypeKeyframeStart
	})

	endpoint := config.AppConfig.Providers.EditAPI
	for i := range pending {
		asset := pending[i]
		if err := p.checkpoint(payload.ProjectID); err != nil {
			return err
		}
		// editing is the transient hold while this frame's edit is in flight.
		ok, err := models.UpdateAssetStatusCAS(p.DB, asset.ID, models.AssetStatusGenerating, models.AssetStatusEditing)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		input := map[string]interface{}{
			"action":      "image_edit",
			"image_url":   asset.SourceURL,
			"instruction": payload.EditPrompt,
		}
		if genErr := p.generateAsset(ctx, &asset, endpoint, input, models.AssetStatusEditing, ".png"); genErr != nil {
			// Put the frame back in the un-edited set so a retry resumes here.
			_, _ = models.UpdateAssetStatusCAS(p.DB, asset.ID, models.AssetStatusEditing, models.AssetStatusGenerating)
			return genErr
		}
	}
	return nil
}

// runSingleRegen re-runs the provider for one asset. The controller already
// moved it to generating and cleared its URL; a stale message finds the asset
// in another status and is dropped.
func (p *Processor) runSingleRegen(ctx context.Context, payload AssetPayload) error {
	asset, err := models.GetAssetByID(p.DB, payload.AssetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("asset %s gone: %w", payload.AssetID, asynq.SkipRetry)
		}
		return err
	}
	if asset.Status != models.AssetStatusGenerating {
		p.Logger.Info("skipping stale regeneration message",
			zap.String("asset_id", asset.ID),
			zap.String("status", asset.Status))
		return nil
	}
	project, err := models.GetProjectByID(p.DB, payload.ProjectID)
	if err != nil {
		return err
	}

	prompt := asset.Prompt
	if payload.EditPrompt != "" {
		prompt = payload.EditPrompt
	}

	var endpoint, ext string
	input := map[string]interface{}{}
	switch asset.Type {
	case models.AssetTypeKeyframeStart, models.AssetTypeKeyframeEnd:
		endpoint, ext = config.AppConfig.Providers.ImageAPI, ".png"
		input = map[string]interface{}{
			"prompt":            prompt,
			"source_url":        asset.SourceURL,
			"product_image_url": project.ProductImageURL,
			"influencer_id":     project.InfluencerID,
			"negative_prompt":   project.NegativePrompt,
		}
	case models.AssetTypeVideo:
		if asset.SceneId == nil {
			return fmt.Errorf("video asset %s has no scene: %w", asset.ID, asynq.SkipRetry)
		}
		start, end, err := p.sceneKeyframes(project.ID, *asset.SceneId)
		if err != nil {
			_, _ = models.FailFromGenerating(p.DB, asset.ID)
			return &ProviderError{Provider: "video", Err: err}
		}
		endpoint, ext = config.AppConfig.Providers.VideoAPI, ".mp4"
		input = map[string]interface{}{
			"start_frame_url": start.URL,
			"end_frame_url":   end.URL,
			"script":          prompt,
			"model":           project.VideoModel,
		}
	case models.AssetTypeAudio:
		endpoint, ext = config.AppConfig.Providers.VoiceAPI, ".mp3"
		input = map[string]interface{}{
			"text":     prompt,
			"voice_id": project.InfluencerVoiceID,
		}
	case models.AssetTypeBroll:
		endpoint, ext = config.AppConfig.Providers.VideoAPI, ".mp4"
		input = map[string]interface{}{
			"prompt":            prompt,
			"product_image_url": project.ProductImageURL,
		}
	default:
		return fmt.Errorf("asset type %q cannot be regenerated: %w", asset.Type, asynq.SkipRetry)
	}

	return p.generateAsset(ctx, asset, endpoint, input, models.AssetStatusGenerating, ext)
}
