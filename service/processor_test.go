package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"adgen-server/config"
	"adgen-server/models"
	"adgen-server/service"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestProcessor(db *gorm.DB, queue service.Enqueuer) *service.Processor {
	return &service.Processor{
		DB:        db,
		Queue:     queue,
		Providers: service.NewProviderClient(time.Minute),
		Logger:    zap.NewNop(),
	}
}

func stageTask(t *testing.T, projectID string, step service.Step) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(service.StagePayload{ProjectID: projectID, Step: step})
	require.NoError(t, err)
	return asynq.NewTask(service.TypePipelineStage, payload)
}

// withProviderConfig points every provider endpoint at the given base URL for
// the duration of the test.
func withProviderConfig(t *testing.T, endpoint string) {
	t.Helper()
	prev := config.AppConfig
	cfg := &config.Config{}
	cfg.Providers.LLMAPI = endpoint
	cfg.Providers.ImageAPI = endpoint
	cfg.Providers.VideoAPI = endpoint
	cfg.Providers.VoiceAPI = endpoint
	cfg.Providers.EditAPI = endpoint
	cfg.Pipeline.Concurrency = 2
	cfg.Pipeline.SegmentCount = 4
	cfg.Pipeline.PollCeilingMin = 1
	config.AppConfig = cfg
	t.Cleanup(func() { config.AppConfig = prev })
}

func TestStageTaskDuplicateDeliveryIsANoOp(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusScriptReview)
	proc := newTestProcessor(db, queue)

	// The scripting stage already finished and parked the project at its
	// gate; a re-delivered message for it must change nothing.
	err := proc.HandleStageTask(context.Background(), stageTask(t, p.ID, service.StepScripting))
	require.NoError(t, err)

	assert.Equal(t, models.StatusScriptReview, reloadProject(t, db, p.ID).Status)
	assets, err := models.AssetsByProject(db, p.ID)
	require.NoError(t, err)
	assert.Empty(t, assets)
	assert.Empty(t, queue.stages)
	assert.Empty(t, queue.assets)
}

func TestStageTaskForMissingProjectIsDropped(t *testing.T) {
	db := newTestDB(t)
	proc := newTestProcessor(db, &recorderQueue{})

	err := proc.HandleStageTask(context.Background(), stageTask(t, "gone", service.StepScripting))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

// A scene without its keyframe pair must fail directing before any provider
// call or asset row, so the failed project carries no in-flight work into a
// retry.
func TestDirectingWithMissingKeyframesLeavesNothingInFlight(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}

	var providerHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		providerHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	withProviderConfig(t, srv.URL)

	p := makeProject(t, db, models.StatusDirecting)
	ready := makeScene(t, db, p.ID, 0, 1)
	makeAsset(t, db, p.ID, &ready.ID, 0, models.AssetTypeKeyframeStart, models.AssetStatusCompleted)
	makeAsset(t, db, p.ID, &ready.ID, 0, models.AssetTypeKeyframeEnd, models.AssetStatusCompleted)
	makeScene(t, db, p.ID, 1, 1) // never cast

	proc := newTestProcessor(db, queue)
	err := proc.HandleStageTask(context.Background(), stageTask(t, p.ID, service.StepDirecting))
	require.NoError(t, err, "a provider-class failure settles the stage, the queue must not retry it")

	got := reloadProject(t, db, p.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FailedAtStatus)
	assert.Equal(t, models.StatusDirecting, *got.FailedAtStatus)

	assert.Zero(t, providerHits.Load(), "no generation may start for a partially castable project")
	videos, err := models.AssetsByProjectAndTypes(db, p.ID, []string{models.AssetTypeVideo})
	require.NoError(t, err)
	assert.Empty(t, videos, "no video row may exist, generating or otherwise")
}
