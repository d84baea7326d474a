package models

import (
	"time"

	"gorm.io/gorm"
)

type Project struct {
	ID     string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Status ProjectStatus `gorm:"type:varchar(32);index" json:"status"`

	// FailedAtStatus remembers which processing status failed; it is non-nil
	// exactly while Status == failed.
	FailedAtStatus *ProjectStatus `gorm:"type:varchar(32)" json:"failedAtStatus,omitempty"`
	// CancelRequestedAt signals an in-flight stage executor to abort at its
	// next checkpoint. Cleared whenever a stage is (re-)enqueued.
	CancelRequestedAt *time.Time `json:"cancelRequestedAt,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`

	ProductURL         string `json:"productUrl"`
	ProductName        string `json:"productName"`
	ProductDescription string `gorm:"type:text" json:"productDescription"`
	ProductImageURL    string `json:"productImageUrl"`

	InfluencerID      string `json:"influencerId"`
	InfluencerVoiceID string `json:"influencerVoiceId"`
	CharacterBrief    string `gorm:"type:text" json:"characterBrief"`
	VideoModel        string `json:"videoModel"`

	Tone             string `json:"tone"`
	ProductPlacement string `json:"productPlacement"`
	NegativePrompt   string `gorm:"type:text" json:"negativePrompt"`

	CostUSD       float64 `json:"costUsd"`
	FinalVideoURL string  `json:"finalVideoUrl"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

func CreateProject(db *gorm.DB, p *Project) error {
	return db.Create(p).Error
}

func GetProjectByID(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateStatusCAS moves the project status from want to next in one guarded
// update. The persisted status is the cross-worker lock: a false return means
// some other actor moved the project first and the caller must discard its
// result.
func UpdateStatusCAS(db *gorm.DB, projectID string, want, next ProjectStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     next,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.Model(&Project{}).
		Where("id = ? AND status = ?", projectID, want).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AddProjectCost accumulates provider spend. Best effort; callers run it off
// the critical path.
func AddProjectCost(db *gorm.DB, projectID string, usd float64) error {
	return db.Model(&Project{}).
		Where("id = ?", projectID).
		Update("cost_usd", gorm.Expr("cost_usd + ?", usd)).Error
}
