package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	AssetTypeKeyframeStart = "keyframe_start"
	AssetTypeKeyframeEnd   = "keyframe_end"
	AssetTypeVideo         = "video"
	AssetTypeAudio         = "audio"
	AssetTypeFinalVideo    = "final_video"
	AssetTypeBroll         = "broll"
)

const (
	AssetStatusPending    = "pending"
	AssetStatusGenerating = "generating"
	AssetStatusCompleted  = "completed"
	AssetStatusFailed     = "failed"
	// rejected: a human disliked a completed result. Distinct from failed
	// (the system could not produce one at all).
	AssetStatusRejected  = "rejected"
	AssetStatusCancelled = "cancelled"
	// editing: transient, only used while a cascade walk holds the asset.
	AssetStatusEditing = "editing"
)

// Asset is one generated artifact, owned by its project and optionally tied to
// a scene. SegmentIndex is denormalized from the scene (-1 for scene-less
// assets) so keyframe chain ordering never needs a join.
type Asset struct {
	ID           string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId    string  `gorm:"index" json:"projectId"`
	SceneId      *string `gorm:"type:varchar(64);index" json:"sceneId,omitempty"`
	SegmentIndex int     `json:"segmentIndex"`
	Type         string  `gorm:"type:varchar(32);index" json:"type"`
	Status       string  `gorm:"type:varchar(32);index" json:"status"`
	URL          string  `json:"url"`
	// SourceURL is the input image an edit or regeneration starts from. A
	// cascade sweep moves the stale URL here before clearing it.
	SourceURL      string `json:"sourceUrl,omitempty"`
	Prompt         string `gorm:"type:text" json:"prompt"`
	Provider       string `json:"provider"`
	ProviderTaskID string `json:"providerTaskId"`
	Grade          *int   `json:"grade,omitempty"`
	// CascadeBatchID marks membership in one cascade-edit sweep; a frame is
	// "still un-edited" for a retried cascade iff it carries the batch id and
	// is still generating.
	CascadeBatchID string    `gorm:"type:varchar(64);index" json:"cascadeBatchId,omitempty"`
	CostUSD        float64   `json:"costUsd"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Asset) TableName() string {
	return "asset"
}

func BatchCreateAssets(db *gorm.DB, assets []Asset) error {
	if len(assets) == 0 {
		return nil
	}
	return db.Create(&assets).Error
}

func GetAssetByID(db *gorm.DB, id string) (*Asset, error) {
	var a Asset
	if err := db.First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func AssetsByProject(db *gorm.DB, projectID string) ([]Asset, error) {
	var assets []Asset
	err := db.Where("project_id = ?", projectID).
		Order("segment_index ASC").
		Order("created_at ASC").
		Find(&assets).Error
	return assets, err
}

func AssetsByProjectAndTypes(db *gorm.DB, projectID string, types []string) ([]Asset, error) {
	var assets []Asset
	err := db.Where("project_id = ? AND type IN ?", projectID, types).
		Order("segment_index ASC").
		Find(&assets).Error
	return assets, err
}

// CompleteAssetFrom is the only way an asset becomes completed. The status
// guard makes a late provider result for a cancelled or re-swept asset a
// no-op.
func CompleteAssetFrom(db *gorm.DB, assetID, fromStatus, url string, cost float64) (bool, error) {
	res := db.Model(&Asset{}).
		Where("id = ? AND status = ?", assetID, fromStatus).
		Updates(map[string]interface{}{
			"status":           AssetStatusCompleted,
			"url":              url,
			"cost_usd":         cost,
			"cascade_batch_id": "",
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateAssetStatusCAS moves an asset between statuses only if it still holds
// the expected one.
func UpdateAssetStatusCAS(db *gorm.DB, assetID, want, next string) (bool, error) {
	res := db.Model(&Asset{}).
		Where("id = ? AND status = ?", assetID, want).
		Updates(map[string]interface{}{
			"status":     next,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetProviderTask records which external task is producing this asset.
func SetProviderTask(db *gorm.DB, assetID, provider, taskID string) error {
	return db.Model(&Asset{}).
		Where("id = ?", assetID).
		Updates(map[string]interface{}{
			"provider":         provider,
			"provider_task_id": taskID,
			"updated_at":       time.Now(),
		}).Error
}

// FailFromGenerating flips a generating asset to failed, leaving url empty.
func FailFromGenerating(db *gorm.DB, assetID string) (bool, error) {
	res := db.Model(&Asset{}).
		Where("id = ? AND status = ?", assetID, AssetStatusGenerating).
		Updates(map[string]interface{}{
			"status":     AssetStatusFailed,
			"url":        "",
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CancelActiveAssets flips every pending/generating asset of the project to
// cancelled. Used by the cancellation controller before rolling the project
// back to its prior gate.
func CancelActiveAssets(db *gorm.DB, projectID string) (int64, error) {
	res := db.Model(&Asset{}).
		Where("project_id = ? AND status IN ?", projectID,
			[]string{AssetStatusPending, AssetStatusGenerating}).
		Updates(map[string]interface{}{
			"status":     AssetStatusCancelled,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// MarkGeneratingBatch sweeps a set of assets into one cascade batch: url
// cleared, status generating, batch id attached, all in a single update so no
// reader ever sees a half-propagated chain.
func MarkGeneratingBatch(db *gorm.DB, ids []string, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		// Preserve the stale image as the edit input before clearing it.
		err := tx.Model(&Asset{}).
			Where("id IN ? AND url <> ''", ids).
			Update("source_url", gorm.Expr("url")).Error
		if err != nil {
			return err
		}
		return tx.Model(&Asset{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":           AssetStatusGenerating,
				"url":              "",
				"cascade_batch_id": batchID,
				"updated_at":       time.Now(),
			}).Error
	})
}

// CancelStaleVideos cancels completed/generating video clips whose scene was
// invalidated by a keyframe cascade. Video regeneration is a separate explicit
// step that consumes the new keyframes.
func CancelStaleVideos(db *gorm.DB, projectID string, sceneIDs []string) (int64, error) {
	if len(sceneIDs) == 0 {
		return 0, nil
	}
	res := db.Model(&Asset{}).
		Where("project_id = ? AND type = ? AND scene_id IN ? AND status IN ?",
			projectID, AssetTypeVideo, sceneIDs,
			[]string{AssetStatusCompleted, AssetStatusGenerating}).
		Updates(map[string]interface{}{
			"status":     AssetStatusCancelled,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}
