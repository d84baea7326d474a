package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"adgen-server/config"
	"adgen-server/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fetchJSON downloads a provider result document and decodes it.
func fetchJSON(url string, v interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// generateAsset runs one provider round trip for an asset already marked with
// fromStatus: submit, wait, materialize into the bucket, complete. Failure
// flips the asset to failed and surfaces the provider error.
func (p *Processor) generateAsset(ctx context.Context, asset *models.Asset, endpoint string, input map[string]interface{}, fromStatus, ext string) error {
	taskID, err := p.Providers.Submit(ctx, endpoint, input)
	if err != nil {
		_, _ = models.FailFromGenerating(p.DB, asset.ID)
		return err
	}
	if err := models.SetProviderTask(p.DB, asset.ID, endpoint, taskID); err != nil {
		return err
	}

	res, err := p.Providers.WaitForResult(ctx, endpoint, taskID)
	if err != nil {
		_, _ = models.FailFromGenerating(p.DB, asset.ID)
		return err
	}

	objectName := fmt.Sprintf("projects/%s/%s/%s%s", asset.ProjectId, asset.Type, asset.ID, ext)
	finalURL, err := MaterializeResult(res.URL, objectName)
	if err != nil {
		_, _ = models.FailFromGenerating(p.DB, asset.ID)
		return &ProviderError{Provider: endpoint, Err: err}
	}

	ok, err := models.CompleteAssetFrom(p.DB, asset.ID, fromStatus, finalURL, res.CostUSD)
	if err != nil {
		return err
	}
	if !ok {
		// The asset left fromStatus while we were generating (cancel or a new
		// sweep); the result is stale and is dropped.
		p.Logger.Info("discarding stale asset result", zap.String("asset_id", asset.ID))
		return nil
	}
	p.trackCost(asset.ProjectId, res.CostUSD)
	return nil
}

// ---------------------------------------------------------------------------
// Stage executors
// ---------------------------------------------------------------------------

func (p *Processor) runAnalysis(ctx context.Context, project *models.Project) error {
	if err := p.checkpoint(project.ID); err != nil {
		return err
	}
	endpoint := config.AppConfig.Providers.LLMAPI
	taskID, err := p.Providers.Submit(ctx, endpoint, map[string]interface{}{
		"action":      "product_analysis",
		"product_url": project.ProductURL,
	})
	if err != nil {
		return err
	}
	res, err := p.Providers.WaitForResult(ctx, endpoint, taskID)
	if err != nil {
		return err
	}
	if err := p.checkpoint(project.ID); err != nil {
		return err
	}

	var analysis struct {
		ProductName        string `json:"product_name"`
		ProductDescription string `json:"product_description"`
		ProductImageURL    string `json:"product_image_url"`
	}
	if err := fetchJSON(res.URL, &analysis); err != nil {
		return &ProviderError{Provider: endpoint, Err: err}
	}

	updates := map[string]interface{}{
		"product_name":        analysis.ProductName,
		"product_description": analysis.ProductDescription,
		"updated_at":          time.Now(),
	}
	// Analysis may or may not find a usable hero image; the gate precondition
	// on analysis_review forces the user to upload one if it did not.
	if analysis.ProductImageURL != "" {
		updates["product_image_url"] = analysis.ProductImageURL
	}
	if err := p.DB.Model(project).Updates(updates).Error; err != nil {
		return err
	}
	p.trackCost(project.ID, res.CostUSD)
	return p.advance(project.ID, models.StatusAnalyzing)
}

func (p *Processor) runScripting(ctx context.Context, project *models.Project) error {
	if err := p.checkpoint(project.ID); err != nil {
		return err
	}
	endpoint := config.AppConfig.Providers.LLMAPI
	taskID, err := p.Providers.Submit(ctx, endpoint, map[string]interface{}{
		"action":              "scripting",
		"product_name":        project.ProductName,
		"product_description": project.ProductDescription,
		"tone":                project.Tone,
		"product_placement":   project.ProductPlacement,
		"segment_count":       config.AppConfig.Pipeline.SegmentCount,
	})
	if err != nil {
		return err
	}
	res, err := p.Providers.WaitForResult(ctx, endpoint, taskID)
	if err != nil {
		return err
	}
	if err := p.checkpoint(project.ID); err != nil {
		return err
	}

	var script struct {
		Segments []struct {
			ScriptText      string `json:"script_text"`
			CameraSpec      string `json:"camera_spec"`
			InteractionSpec string `json:"interaction_spec"`
		} `json:"segments"`
	}
	if err := fetchJSON(res.URL, &script); err != nil {
		return &ProviderError{Provider: endpoint, Err: err}
	}
	if len(script.Segments) == 0 {
		return &ProviderError{Provider: endpoint, Err: fmt.Errorf("script result has no segments")}
	}

	// Scenes are append-only: a scripting (re)run writes the next version for
	// each segment rather than touching existing rows.
	existing, err := models.CurrentScenes(p.DB, project.ID)
	if err != nil {
		return err
	}
	versionFor := map[int]int{}
	for _, s := range existing {
		versionFor[s.SegmentIndex] = s.Version
	}

	scenes := make([]models.Scene, 0, len(script.Segments))
	now := time.Now()
	for i, seg := range script.Segments {
		scenes = append(scenes, models.Scene{
			ID:              uuid.NewString(),
			ProjectId:       project.ID,
			SegmentIndex:    i,
			Version:         versionFor[i] + 1,
			ScriptText:      seg.ScriptText,
			CameraSpec:      seg.CameraSpec,
			InteractionSpec: seg.InteractionSpec,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if err := models.BatchCreateScenes(p.DB, scenes); err != nil {
		return err
	}
	p.trackCost(project.ID, res.CostUSD)
	return p.advance(project.ID, models.StatusScripting)
}

func (p *Processor) runBrollPlanning(ctx context.Context, project *models.Project) error {
	if err := p.checkpoint(project.ID); err != nil {
		return err
	}
	endpoint := config.AppConfig.Providers.LLMAPI
	taskID, err := p.Providers.Submit(ctx, endpoint, map[string]interface{}{
		"action":              "broll_plan",
		"product_name":        project.ProductName,
		"product_description": project.ProductDescription,
		"product_image_url":   project.ProductImageURL,
		"tone":                project.Tone,
	})
	if err != nil {
		return err
	}
	res, err := p.Providers.WaitForResult(ctx, endpoint, taskID)
	if err != nil {
		return err
	}
	if err := p.checkpoint(project.ID); err != nil {
		return err
	}

	var plan struct {
		Shots []struct {
			Prompt string `json:"prompt"`
		} `json:"shots"`
	}
	if err := fetchJSON(res.URL, &plan); err != nil {
		return &ProviderError{Provider: endpoint, Err: err}
	}

	now := time.Now()
	assets := make([]models.Asset, 0, len(plan.Shots))
	for _, shot := range plan.Shots {
		assets = append(assets, models.Asset{
			ID:           uuid.NewString(),
			ProjectId:    project.ID,
			SegmentIndex: -1,
			Type:         models.AssetTypeBroll,
			Status:       models.AssetStatusPending,
			Prompt:       shot.Prompt,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := models.BatchCreateAssets(p.DB, assets); err != nil {
		return err
	}
	p.trackCost(project.ID, res.CostUSD)
	return p.advance(project.ID, models.StatusBrollPlanning)
}

// runCasting generates the start/end keyframes for every current scene,
// bounded-parallel. The stage only advances once every sub-task has settled.
func (p *Processor) runCasting(ctx context.Context, project *models.Project) error {
	scenes, err := models.CurrentScenes(p.DB, project.ID)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return &ProviderError{Provider: "casting", Err: fmt.Errorf("no scenes to cast")}
	}

	// Supersede any keyframes still in flight from an earlier run before new
	// provider calls are issued.
	err = p.DB.Model(&models.Asset{}).
		Where("project_id = ? AND type IN ? AND status IN ?", project.ID,
			[]string{models.AssetTypeKeyframeStart, models.AssetTypeKeyframeEnd},
			[]string{models.AssetStatusPending, models.AssetStatusGenerating}).
		Update("status", models.AssetStatusCancelled).Error
	if err != nil {
		return err
	}

	now := time.Now()
	var assets []models.Asset
	for _, scene := range scenes {
		sceneID := scene.ID
		for _, kind := range []string{models.AssetTypeKeyframeStart, models.AssetTypeKeyframeEnd} {
			assets = append(assets, models.Asset{
				ID:           uuid.NewString(),
				ProjectId:    project.ID,
				SceneId:      &sceneID,
				SegmentIndex: scene.SegmentIndex,
				Type:         kind,
				Status:       models.AssetStatusGenerating,
				Prompt:       keyframePrompt(project, &scene, kind),
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
	}
	if err := models.BatchCreateAssets(p.DB, assets); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.AppConfig.Pipeline.Concurrency)
	for i := range assets {
		asset := assets[i]
		g.Go(func() error {
			if err := p.checkpoint(project.ID); err != nil {
				return err
			}
			return p.generateAsset(gctx, &asset, config.AppConfig.Providers.ImageAPI, map[string]interface{}{
				"prompt":            asset.Prompt,
				"product_image_url": project.ProductImageURL,
				"influencer_id":     project.InfluencerID,
				"negative_prompt":   project.NegativePrompt,
			}, models.AssetStatusGenerating, ".png")
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.advance(project.ID, models.StatusCasting)
}

func keyframePrompt(project *models.Project, scene *models.Scene, kind string) string {
	moment := "opening frame"
	if kind == models.AssetTypeKeyframeEnd {
		moment = "closing frame"
	}
	parts := []string{
		fmt.Sprintf("UGC ad %s for segment %d", moment, scene.SegmentIndex),
		scene.ScriptText,
		scene.CameraSpec,
		scene.InteractionSpec,
		project.CharacterBrief,
	}
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ". ")
}

// runDirecting turns each scene's keyframe pair into a video clip. Every
// scene is resolved and every asset row written before the first provider
// call, so a bad scene fails the stage with nothing in flight.
func (p *Processor) runDirecting(ctx context.Context, project *models.Project) error {
	scenes, err := models.CurrentScenes(p.DB, project.ID)
	if err != nil {
		return err
	}

	type clipJob struct {
		asset models.Asset
		scene models.Scene
		start *models.Asset
		end   *models.Asset
	}
	now := time.Now()
	jobs := make([]clipJob, 0, len(scenes))
	assets := make([]models.Asset, 0, len(scenes))
	for _, scene := range scenes {
		start, end, err := p.sceneKeyframes(project.ID, scene.ID)
		if err != nil {
			return &ProviderError{Provider: "directing", Err: err}
		}
		sceneID := scene.ID
		asset := models.Asset{
			ID:           uuid.NewString(),
			ProjectId:    project.ID,
			SceneId:      &sceneID,
			SegmentIndex: scene.SegmentIndex,
			Type:         models.AssetTypeVideo,
			Status:       models.AssetStatusGenerating,
			Prompt:       scene.ScriptText,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		jobs = append(jobs, clipJob{asset: asset, scene: scene, start: start, end: end})
		assets = append(assets, asset)
	}
	if err := models.BatchCreateAssets(p.DB, assets); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.AppConfig.Pipeline.Concurrency)
	for i := range jobs {
		job := jobs[i]
		g.Go(func() error {
			if err := p.checkpoint(project.ID); err != nil {
				return err
			}
			return p.generateAsset(gctx, &job.asset, config.AppConfig.Providers.VideoAPI, map[string]interface{}{
				"start_frame_url": job.start.URL,
				"end_frame_url":   job.end.URL,
				"script":          job.scene.ScriptText,
				"camera_spec":     job.scene.CameraSpec,
				"model":           project.VideoModel,
			}, models.AssetStatusGenerating, ".mp4")
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.advance(project.ID, models.StatusDirecting)
}

// sceneKeyframes returns the newest completed start/end keyframes of a scene.
func (p *Processor) sceneKeyframes(projectID, sceneID string) (*models.Asset, *models.Asset, error) {
	pick := func(kind string) (*models.Asset, error) {
		var a models.Asset
		err := p.DB.Where("project_id = ? AND scene_id = ? AND type = ? AND status = ?",
			projectID, sceneID, kind, models.AssetStatusCompleted).
			Order("created_at DESC").
			First(&a).Error
		if err != nil {
			return nil, fmt.Errorf("scene %s has no completed %s", sceneID, kind)
		}
		return &a, nil
	}
	start, err := pick(models.AssetTypeKeyframeStart)
	if err != nil {
		return nil, nil, err
	}
	end, err := pick(models.AssetTypeKeyframeEnd)
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func (p *Processor) runVoiceover(ctx context.Context, project *models.Project) error {
	scenes, err := models.CurrentScenes(p.DB, project.ID)
	if err != nil {
		return err
	}

	// All rows first, provider calls second.
	now := time.Now()
	assets := make([]models.Asset, 0, len(scenes))
	for _, scene := range scenes {
		sceneID := scene.ID
		assets = append(assets, models.Asset{
			ID:           uuid.NewString(),
			ProjectId:    project.ID,
			SceneId:      &sceneID,
			SegmentIndex: scene.SegmentIndex,
			Type:         models.AssetTypeAudio,
			Status:       models.AssetStatusGenerating,
			Prompt:       scene.ScriptText,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := models.BatchCreateAssets(p.DB, assets); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.AppConfig.Pipeline.Concurrency)
	for i := range assets {
		asset := assets[i]
		g.Go(func() error {
			if err := p.checkpoint(project.ID); err != nil {
				return err
			}
			return p.generateAsset(gctx, &asset, config.AppConfig.Providers.VoiceAPI, map[string]interface{}{
				"text":     asset.Prompt,
				"voice_id": project.InfluencerVoiceID,
			}, models.AssetStatusGenerating, ".mp3")
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.advance(project.ID, models.StatusVoiceover)
}

// runBrollGeneration completes the planned b-roll assets into clips.
func (p *Processor) runBrollGeneration(ctx context.Context, project *models.Project) error {
	plans, err := models.AssetsByProjectAndTypes(p.DB, project.ID, []string{models.AssetTypeBroll})
	if err != nil {
		return err
	}

	// Claim every plan with a CAS before the first provider call; a claim
	// error releases the claims already taken and fails the stage cleanly.
	var claimed []models.Asset
	for i := range plans {
		asset := plans[i]
		if asset.Status != models.AssetStatusPending {
			continue
		}
		ok, err := models.UpdateAssetStatusCAS(p.DB, asset.ID, models.AssetStatusPending, models.AssetStatusGenerating)
		if err != nil {
			for _, c := range claimed {
				_, _ = models.UpdateAssetStatusCAS(p.DB, c.ID, models.AssetStatusGenerating, models.AssetStatusPending)
			}
			return err
		}
		if !ok {
			continue
		}
		claimed = append(claimed, asset)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.AppConfig.Pipeline.Concurrency)
	for i := range claimed {
		asset := claimed[i]
		g.Go(func() error {
			if err := p.checkpoint(project.ID); err != nil {
				return err
			}
			return p.generateAsset(gctx, &asset, config.AppConfig.Providers.VideoAPI, map[string]interface{}{
				"prompt":            asset.Prompt,
				"product_image_url": project.ProductImageURL,
			}, models.AssetStatusGenerating, ".mp4")
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.advance(project.ID, models.StatusBrollGeneration)
}

// runEditing hands every completed clip to the edit provider for final
// assembly and records the finished ad on the project.
func (p *Processor) runEditing(ctx context.Context, project *models.Project) error {
	if err := p.checkpoint(project.ID); err != nil {
		return err
	}
	scenes, err := models.CurrentScenes(p.DB, project.ID)
	if err != nil {
		return err
	}

	var videoURLs, audioURLs []string
	for _, scene := range scenes {
		v, err := p.newestCompleted(project.ID, scene.ID, models.AssetTypeVideo)
		if err != nil {
			return &ProviderError{Provider: "editing", Err: err}
		}
		a, err := p.newestCompleted(project.ID, scene.ID, models.AssetTypeAudio)
		if err != nil {
			return &ProviderError{Provider: "editing", Err: err}
		}
		videoURLs = append(videoURLs, v.URL)
		audioURLs = append(audioURLs, a.URL)
	}
	brolls, err := models.AssetsByProjectAndTypes(p.DB, project.ID, []string{models.AssetTypeBroll})
	if err != nil {
		return err
	}
	var brollURLs []string
	for _, b := range brolls {
		if b.Status == models.AssetStatusCompleted {
			brollURLs = append(brollURLs, b.URL)
		}
	}

	now := time.Now()
	finalAsset := models.Asset{
		ID:           uuid.NewString(),
		ProjectId:    project.ID,
		SegmentIndex: -1,
		Type:         models.AssetTypeFinalVideo,
		Status:       models.AssetStatusGenerating,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.DB.Create(&finalAsset).Error; err != nil {
		return err
	}

	if err := p.generateAsset(ctx, &finalAsset, config.AppConfig.Providers.EditAPI, map[string]interface{}{
		"segment_videos": videoURLs,
		"segment_audios": audioURLs,
		"broll_clips":    brollURLs,
		"tone":           project.Tone,
	}, models.AssetStatusGenerating, ".mp4"); err != nil {
		return err
	}

	final, err := models.GetAssetByID(p.DB, finalAsset.ID)
	if err != nil {
		return err
	}
	if final.Status == models.AssetStatusCompleted {
		if err := p.DB.Model(&models.Project{}).
			Where("id = ?", project.ID).
			Update("final_video_url", final.URL).Error; err != nil {
			return err
		}
	}
	return p.advance(project.ID, models.StatusEditing)
}

func (p *Processor) newestCompleted(projectID, sceneID, kind string) (*models.Asset, error) {
	var a models.Asset
	err := p.DB.Where("project_id = ? AND scene_id = ? AND type = ? AND status = ?",
		projectID, sceneID, kind, models.AssetStatusCompleted).
		Order("created_at DESC").
		First(&a).Error
	if err != nil {
		return nil, fmt.Errorf("scene %s has no completed %s", sceneID, kind)
	}
	return &a, nil
}
