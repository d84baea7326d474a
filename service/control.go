package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adgen-server/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func getProject(db *gorm.DB, projectID string) (*models.Project, error) {
	p, err := models.GetProjectByID(db, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "project", ID: projectID}
		}
		return nil, err
	}
	return p, nil
}

// gatePrecondition validates that the project may leave its current review
// gate. Failures never mutate state.
func gatePrecondition(db *gorm.DB, p *models.Project) error {
	switch p.Status {
	case models.StatusCreated:
		if p.ProductURL == "" {
			return &ValidationError{Reason: "a product URL is required before analysis can start"}
		}
	case models.StatusAnalysisReview:
		if p.ProductImageURL == "" {
			return &ValidationError{Reason: "a product image is required before scripting can start"}
		}
	case models.StatusScriptReview:
		scenes, err := models.CurrentScenes(db, p.ID)
		if err != nil {
			return err
		}
		if len(scenes) == 0 {
			return &ValidationError{Reason: "the project has no script segments"}
		}
	case models.StatusInfluencerSelection:
		if p.InfluencerID == "" {
			return &ValidationError{Reason: "an influencer must be selected before casting can start"}
		}
	case models.StatusCastingReview:
		if p.InfluencerVoiceID == "" {
			return &ValidationError{Reason: "the selected influencer has no designed voice"}
		}
	case models.StatusAssetReview:
		return assetReviewReady(db, p.ID)
	}
	return nil
}

// assetReviewReady requires every current scene to carry a completed video
// and audio clip, with nothing still in flight.
func assetReviewReady(db *gorm.DB, projectID string) error {
	scenes, err := models.CurrentScenes(db, projectID)
	if err != nil {
		return err
	}
	assets, err := models.AssetsByProject(db, projectID)
	if err != nil {
		return err
	}
	for _, a := range assets {
		if a.Status == models.AssetStatusGenerating || a.Status == models.AssetStatusPending {
			return &ValidationError{Reason: "assets are still generating"}
		}
	}
	done := map[string]bool{}
	for _, a := range assets {
		if a.SceneId != nil && a.Status == models.AssetStatusCompleted {
			done[*a.SceneId+"/"+a.Type] = true
		}
	}
	for _, s := range scenes {
		if !done[s.ID+"/"+models.AssetTypeVideo] {
			return &ValidationError{Reason: fmt.Sprintf("segment %d has no completed video", s.SegmentIndex)}
		}
		if !done[s.ID+"/"+models.AssetTypeAudio] {
			return &ValidationError{Reason: fmt.Sprintf("segment %d has no completed voiceover", s.SegmentIndex)}
		}
	}
	return nil
}

// startStage moves the project onto a processing status and enqueues exactly
// one job for it. Cancellation and failure bookkeeping are cleared so the new
// attempt starts clean.
func startStage(db *gorm.DB, queue Enqueuer, projectID string, from, to models.ProjectStatus, step Step) (*models.Project, error) {
	ok, err := models.UpdateStatusCAS(db, projectID, from, to, map[string]interface{}{
		"cancel_requested_at": nil,
		"error_message":       "",
		"failed_at_status":    nil,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{Reason: fmt.Sprintf("project left status %q before the transition applied", from)}
	}
	if step != "" {
		if err := queue.EnqueueStage(projectID, step); err != nil {
			return nil, err
		}
	}
	return getProject(db, projectID)
}

// Approve clears the current review gate and starts the next stage.
func Approve(db *gorm.DB, queue Enqueuer, projectID string) (*models.Project, error) {
	p, err := getProject(db, projectID)
	if err != nil {
		return nil, err
	}
	next, step, aerr := ApproveTarget(p.Status)
	if aerr != nil {
		return nil, aerr
	}
	if err := gatePrecondition(db, p); err != nil {
		return nil, err
	}
	return startStage(db, queue, projectID, p.Status, next, step)
}

// SelectInfluencer records the chosen influencer and moves the project into
// casting.
func SelectInfluencer(db *gorm.DB, queue Enqueuer, projectID, influencerID, voiceID, brief string) (*models.Project, error) {
	p, err := getProject(db, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusInfluencerSelection {
		return nil, &ConflictError{Reason: fmt.Sprintf("influencer selection is not available in status %q", p.Status)}
	}
	if influencerID == "" {
		return nil, &ValidationError{Reason: "influencer_id is required"}
	}
	updates := map[string]interface{}{
		"influencer_id": influencerID,
		"updated_at":    time.Now(),
	}
	if voiceID != "" {
		updates["influencer_voice_id"] = voiceID
	}
	if brief != "" {
		updates["character_brief"] = brief
	}
	if err := db.Model(p).Updates(updates).Error; err != nil {
		return nil, err
	}
	return startStage(db, queue, projectID, models.StatusInfluencerSelection, models.StatusCasting, StepCasting)
}

// Cancel hard-stops an in-flight stage and rolls the project back to the gate
// that preceded it. The three steps are committed in order so a worker racing
// the cancel cannot overwrite a cancelled asset as completed: the flag lands
// first, then the asset flips, then the status moves.
func Cancel(db *gorm.DB, projectID string) (*models.Project, error) {
	p, err := getProject(db, projectID)
	if err != nil {
		return nil, err
	}
	gate, ok := RollbackGate(p.Status)
	if !ok {
		return nil, &ConflictError{Reason: fmt.Sprintf("nothing to cancel in status %q", p.Status)}
	}

	now := time.Now()
	if err := db.Model(p).Update("cancel_requested_at", now).Error; err != nil {
		return nil, err
	}
	cancelled, err := models.CancelActiveAssets(db, projectID)
	if err != nil {
		return nil, err
	}
	moved, err := models.UpdateStatusCAS(db, projectID, p.Status, gate, map[string]interface{}{
		"error_message":    "",
		"failed_at_status": nil,
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		// A worker finished the stage between the asset sweep and the
		// rollback; the completed stage's status wins.
		zap.L().Info("cancel lost the status race",
			zap.String("project_id", projectID),
			zap.String("was", string(p.Status)))
		return getProject(db, projectID)
	}
	zap.L().Info("project cancelled",
		zap.String("project_id", projectID),
		zap.String("was", string(p.Status)),
		zap.String("gate", string(gate)),
		zap.Int64("assets_cancelled", cancelled))
	return getProject(db, projectID)
}

// Retry re-runs the stage recorded in failed_at_status.
func Retry(db *gorm.DB, queue Enqueuer, projectID string) (*models.Project, error) {
	p, err := getProject(db, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusFailed || p.FailedAtStatus == nil {
		return nil, &ConflictError{Reason: fmt.Sprintf("project in status %q has no failure to retry", p.Status)}
	}
	step, ok := StepForStatus(*p.FailedAtStatus)
	if !ok {
		return nil, fmt.Errorf("failed_at_status %q maps to no step", *p.FailedAtStatus)
	}
	return startStage(db, queue, projectID, models.StatusFailed, *p.FailedAtStatus, step)
}

// Restart redoes a named stage from any review gate or from failed,
// regardless of failure bookkeeping. This is how a user reworks an earlier
// stage after later approvals.
func Restart(db *gorm.DB, queue Enqueuer, projectID, stage string) (*models.Project, error) {
	p, err := getProject(db, projectID)
	if err != nil {
		return nil, err
	}
	if !p.Status.IsGate() && p.Status != models.StatusFailed {
		return nil, &ConflictError{Reason: fmt.Sprintf("stages cannot be restarted while the project is %q", p.Status)}
	}
	target, step, ok := RestartTarget(stage)
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
	return startStage(db, queue, projectID, p.Status, target, step)
}

// Rollback returns a failed project to the gate preceding the failed stage
// without re-running anything.
func Rollback(db *gorm.DB, projectID string) (*models.Project, error) {
	p, err := getProject(db, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusFailed || p.FailedAtStatus == nil {
		return nil, &ConflictError{Reason: fmt.Sprintf("project in status %q has no failure to roll back", p.Status)}
	}
	gate, ok := RollbackGate(*p.FailedAtStatus)
	if !ok {
		return nil, fmt.Errorf("failed_at_status %q maps to no gate", *p.FailedAtStatus)
	}
	ok, err = models.UpdateStatusCAS(db, projectID, models.StatusFailed, gate, map[string]interface{}{
		"error_message":       "",
		"failed_at_status":    nil,
		"cancel_requested_at": nil,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{Reason: "project left failed before the rollback applied"}
	}
	return getProject(db, projectID)
}

// DeleteProject removes a project that is not mid-pipeline.
func DeleteProject(db *gorm.DB, projectID string) error {
	p, err := getProject(db, projectID)
	if err != nil {
		return err
	}
	if p.Status.IsProcessing() {
		return &ConflictError{Reason: "a project cannot be deleted while a stage is running; cancel it first"}
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Asset{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Scene{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Project{}, "id = ?", projectID).Error
	})
}

// ---------------------------------------------------------------------------
// Asset actions
// ---------------------------------------------------------------------------

func getAsset(db *gorm.DB, assetID string) (*models.Asset, error) {
	a, err := models.GetAssetByID(db, assetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "asset", ID: assetID}
		}
		return nil, err
	}
	return a, nil
}

// GradeAsset records a human grade on a completed asset. Grading never
// changes status.
func GradeAsset(db *gorm.DB, assetID string, grade int) (*models.Asset, error) {
	a, err := getAsset(db, assetID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AssetStatusCompleted {
		return nil, &ConflictError{Reason: "only completed assets can be graded"}
	}
	if err := db.Model(a).Updates(map[string]interface{}{
		"grade":      grade,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return nil, err
	}
	return getAsset(db, assetID)
}

// RejectAsset marks a completed asset as disliked by the reviewer.
func RejectAsset(db *gorm.DB, assetID string) (*models.Asset, error) {
	a, err := getAsset(db, assetID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AssetStatusCompleted {
		return nil, &ConflictError{Reason: "only completed assets can be rejected"}
	}
	ok, err := models.UpdateAssetStatusCAS(db, assetID, models.AssetStatusCompleted, models.AssetStatusRejected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{Reason: "asset left completed before the rejection applied"}
	}
	return getAsset(db, assetID)
}

// RegenerateAsset re-runs one asset, or starts a cascade edit when the asset
// is a keyframe and cascade was requested.
func RegenerateAsset(db *gorm.DB, queue Enqueuer, assetID, editPrompt string, cascade bool) (*models.Asset, error) {
	a, err := getAsset(db, assetID)
	if err != nil {
		return nil, err
	}
	if !regenAllowed(a.Status) {
		return nil, &ConflictError{Reason: fmt.Sprintf("asset in status %q cannot be regenerated", a.Status)}
	}

	if cascade {
		if _, err := StartCascade(db, queue, a, editPrompt); err != nil {
			return nil, err
		}
		return getAsset(db, assetID)
	}

	// Atomically: keep the prior image as the edit input, clear the public
	// URL, mark generating, then enqueue the targeted job.
	err = db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     models.AssetStatusGenerating,
			"url":        "",
			"updated_at": time.Now(),
		}
		if a.URL != "" {
			updates["source_url"] = a.URL
		}
		return tx.Model(&models.Asset{}).Where("id = ?", assetID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	err = queue.EnqueueAssetJob(AssetPayload{
		ProjectID:  a.ProjectId,
		AssetID:    assetID,
		EditPrompt: editPrompt,
	})
	if err != nil {
		// No job was queued; a row left generating here could never be
		// regenerated again. Restore it.
		_ = db.Model(&models.Asset{}).Where("id = ?", assetID).Updates(map[string]interface{}{
			"status":     a.Status,
			"url":        a.URL,
			"source_url": a.SourceURL,
			"updated_at": time.Now(),
		}).Error
		return nil, err
	}
	return getAsset(db, assetID)
}

// EditSegment appends a new version of one script segment.
func EditSegment(db *gorm.DB, projectID string, segment int, scriptText, cameraSpec, interactionSpec string) (*models.Scene, error) {
	if _, err := getProject(db, projectID); err != nil {
		return nil, err
	}
	cur, err := models.CurrentSceneForSegment(db, projectID, segment)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "segment", ID: fmt.Sprintf("%d", segment)}
		}
		return nil, err
	}
	next := models.Scene{
		ID:              uuid.NewString(),
		ProjectId:       projectID,
		SegmentIndex:    segment,
		Version:         cur.Version + 1,
		ScriptText:      cur.ScriptText,
		CameraSpec:      cur.CameraSpec,
		InteractionSpec: cur.InteractionSpec,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if scriptText != "" {
		next.ScriptText = scriptText
	}
	if cameraSpec != "" {
		next.CameraSpec = cameraSpec
	}
	if interactionSpec != "" {
		next.InteractionSpec = interactionSpec
	}
	if err := db.Create(&next).Error; err != nil {
		if models.IsDuplicateKey(err) {
			return nil, &ConflictError{Reason: "segment was edited concurrently, reload and retry"}
		}
		return nil, err
	}
	// Keyframes generated against the old text still reference the retired
	// scene row; re-pointing them is the cascade's job when the user edits
	// the frames themselves.
	return &next, nil
}

// ReconcileAssets lazily pulls provider status for every generating asset of
// a project, at most one poll per asset per call. Poll errors are swallowed
// and retried on the next invocation.
func (p *Processor) ReconcileAssets(projectID string) ([]models.Asset, error) {
	assets, err := models.AssetsByProject(p.DB, projectID)
	if err != nil {
		return nil, err
	}
	for i := range assets {
		a := assets[i]
		if a.Status != models.AssetStatusGenerating || a.ProviderTaskID == "" || a.Provider == "" {
			continue
		}
		res, err := p.Providers.Poll(context.Background(), a.Provider, a.ProviderTaskID)
		if err != nil {
			continue
		}
		switch res.Status {
		case ProviderTaskCompleted:
			ext := ".png"
			switch a.Type {
			case models.AssetTypeVideo, models.AssetTypeFinalVideo, models.AssetTypeBroll:
				ext = ".mp4"
			case models.AssetTypeAudio:
				ext = ".mp3"
			}
			objectName := fmt.Sprintf("projects/%s/%s/%s%s", a.ProjectId, a.Type, a.ID, ext)
			finalURL, merr := MaterializeResult(res.URL, objectName)
			if merr != nil {
				continue
			}
			if ok, _ := models.CompleteAssetFrom(p.DB, a.ID, models.AssetStatusGenerating, finalURL, res.CostUSD); ok {
				p.trackCost(a.ProjectId, res.CostUSD)
			}
		case ProviderTaskFailed:
			_, _ = models.FailFromGenerating(p.DB, a.ID)
		}
	}
	return models.AssetsByProject(p.DB, projectID)
}
