package models

import (
	"time"

	"gorm.io/gorm"
)

// Scene is one versioned script segment. Edits never mutate a row; they append
// a higher version for the same segment index, and the current scene for a
// segment is the max-version row.
type Scene struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId       string    `gorm:"index;uniqueIndex:uniq_scene_version" json:"projectId"`
	SegmentIndex    int       `gorm:"uniqueIndex:uniq_scene_version" json:"segmentIndex"`
	Version         int       `gorm:"uniqueIndex:uniq_scene_version" json:"version"`
	ScriptText      string    `gorm:"type:text" json:"scriptText"`
	CameraSpec      string    `gorm:"type:text" json:"cameraSpec"`
	InteractionSpec string    `gorm:"type:text" json:"interactionSpec"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

func BatchCreateScenes(db *gorm.DB, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	return db.Create(&scenes).Error
}

// CurrentScenes returns the max-version scene per segment, ordered by segment
// index.
func CurrentScenes(db *gorm.DB, projectID string) ([]Scene, error) {
	var all []Scene
	err := db.Where("project_id = ?", projectID).
		Order("segment_index ASC").
		Order("version ASC").
		Find(&all).Error
	if err != nil {
		return nil, err
	}
	bydx := map[int]Scene{}
	var order []int
	for _, s := range all {
		if _, ok := bydx[s.SegmentIndex]; !ok {
			order = append(order, s.SegmentIndex)
		}
		bydx[s.SegmentIndex] = s
	}
	res := make([]Scene, 0, len(order))
	for _, idx := range order {
		res = append(res, bydx[idx])
	}
	return res, nil
}

// CurrentSceneForSegment returns the max-version scene of one segment.
func CurrentSceneForSegment(db *gorm.DB, projectID string, segment int) (*Scene, error) {
	var s Scene
	err := db.Where("project_id = ? AND segment_index = ?", projectID, segment).
		Order("version DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}
