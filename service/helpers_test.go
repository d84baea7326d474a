package service_test

import (
	"fmt"
	"testing"
	"time"

	"adgen-server/models"
	"adgen-server/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

// recorderQueue captures enqueued jobs instead of touching redis.
type recorderQueue struct {
	stages []service.StagePayload
	assets []service.AssetPayload
}

func (q *recorderQueue) EnqueueStage(projectID string, step service.Step) error {
	q.stages = append(q.stages, service.StagePayload{ProjectID: projectID, Step: step})
	return nil
}

func (q *recorderQueue) EnqueueAssetJob(p service.AssetPayload) error {
	q.assets = append(q.assets, p)
	return nil
}

func makeProject(t *testing.T, db *gorm.DB, status models.ProjectStatus) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:                uuid.NewString(),
		Status:            status,
		ProductURL:        "https://shop.example.com/p/123",
		ProductImageURL:   "https://cdn.example.com/p/123.png",
		InfluencerID:      "inf_1",
		InfluencerVoiceID: "voice_1",
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	require.NoError(t, models.CreateProject(db, p))
	return p
}

func makeScene(t *testing.T, db *gorm.DB, projectID string, segment, version int) *models.Scene {
	t.Helper()
	s := models.Scene{
		ID:           uuid.NewString(),
		ProjectId:    projectID,
		SegmentIndex: segment,
		Version:      version,
		ScriptText:   fmt.Sprintf("segment %d v%d", segment, version),
	}
	require.NoError(t, models.BatchCreateScenes(db, []models.Scene{s}))
	return &s
}

func makeAsset(t *testing.T, db *gorm.DB, projectID string, sceneID *string, segment int, assetType, status string) *models.Asset {
	t.Helper()
	a := models.Asset{
		ID:           uuid.NewString(),
		ProjectId:    projectID,
		SceneId:      sceneID,
		SegmentIndex: segment,
		Type:         assetType,
		Status:       status,
	}
	if status == models.AssetStatusCompleted {
		a.URL = "https://cdn.example.com/" + a.ID
	}
	require.NoError(t, models.BatchCreateAssets(db, []models.Asset{a}))
	return &a
}

func reloadAsset(t *testing.T, db *gorm.DB, id string) *models.Asset {
	t.Helper()
	a, err := models.GetAssetByID(db, id)
	require.NoError(t, err)
	return a
}

func reloadProject(t *testing.T, db *gorm.DB, id string) *models.Project {
	t.Helper()
	p, err := models.GetProjectByID(db, id)
	require.NoError(t, err)
	return p
}

// failingQueue rejects every enqueue, as a broker outage would.
type failingQueue struct{}

func (failingQueue) EnqueueStage(string, service.Step) error {
	return fmt.Errorf("broker unreachable")
}

func (failingQueue) EnqueueAssetJob(service.AssetPayload) error {
	return fmt.Errorf("broker unreachable")
}
