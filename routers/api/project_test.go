package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"adgen-server/models"
	"adgen-server/routers"
	"adgen-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

// newTestRouter swaps the process-wide DB and queue for in-memory fakes and
// returns the wired engine.
func newTestRouter(t *testing.T) (*gin.Engine, *recorderQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	queue := &recorderQueue{}
	prevDB, prevQueue := models.GormDB, service.Queue
	models.GormDB, service.Queue = db, queue
	t.Cleanup(func() {
		models.GormDB, service.Queue = prevDB, prevQueue
	})
	return routers.InitRouter(), queue
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seedProject(t *testing.T, status models.ProjectStatus) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:         uuid.NewString(),
		Status:     status,
		ProductURL: "https://shop.example.com/p/hoodie",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, models.GormDB.Create(p).Error)
	return p
}

func TestCreateProjectRequiresProductURL(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodPost, "/v1/api/projects", gin.H{"tone": "upbeat"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAndFetchProject(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/v1/api/projects", gin.H{
		"product_url": "https://shop.example.com/p/hoodie",
		"tone":        "upbeat",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Project models.Project `json:"project"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, models.StatusCreated, created.Project.Status)

	w = do(t, r, http.MethodGet, "/v1/api/projects/"+created.Project.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetProjectNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/v1/api/projects/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveCreatedStartsAnalysis(t *testing.T) {
	r, queue := newTestRouter(t)
	p := seedProject(t, models.StatusCreated)

	w := do(t, r, http.MethodPost, "/v1/api/projects/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got models.Project
	require.NoError(t, models.GormDB.First(&got, "id = ?", p.ID).Error)
	assert.Equal(t, models.StatusAnalyzing, got.Status)
	require.Len(t, queue.stages, 1)
	assert.Equal(t, service.StepProductAnalysis, queue.stages[0].Step)
}

func TestApproveWhileProcessingConflicts(t *testing.T) {
	r, queue := newTestRouter(t)
	p := seedProject(t, models.StatusAnalyzing)

	w := do(t, r, http.MethodPost, "/v1/api/projects/"+p.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, queue.stages)
}

func TestUpdateProjectOnlyAtGates(t *testing.T) {
	r, _ := newTestRouter(t)
	p := seedProject(t, models.StatusScripting)

	w := do(t, r, http.MethodPut, "/v1/api/projects/"+p.ID, gin.H{"tone": "serious"})
	assert.Equal(t, http.StatusConflict, w.Code)

	gated := seedProject(t, models.StatusScriptReview)
	w = do(t, r, http.MethodPut, "/v1/api/projects/"+gated.ID, gin.H{"tone": "serious"})
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Project
	require.NoError(t, models.GormDB.First(&got, "id = ?", gated.ID).Error)
	assert.Equal(t, "serious", got.Tone)
}

func TestRegenerateAssetAcceptsEmptyBody(t *testing.T) {
	r, queue := newTestRouter(t)
	p := seedProject(t, models.StatusAssetReview)
	a := &models.Asset{
		ID:           uuid.NewString(),
		ProjectId:    p.ID,
		SegmentIndex: 0,
		Type:         models.AssetTypeBroll,
		Status:       models.AssetStatusCompleted,
		URL:          "https://cdn.example.com/broll.mp4",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, models.GormDB.Create(a).Error)

	req := httptest.NewRequest(http.MethodPost, "/v1/api/assets/"+a.ID+"/regenerate", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got models.Asset
	require.NoError(t, models.GormDB.First(&got, "id = ?", a.ID).Error)
	assert.Equal(t, models.AssetStatusGenerating, got.Status)
	assert.Equal(t, "https://cdn.example.com/broll.mp4", got.SourceURL)
	require.Len(t, queue.assets, 1)
	assert.False(t, queue.assets[0].Cascade)
}

func TestDeleteProcessingProjectConflicts(t *testing.T) {
	r, _ := newTestRouter(t)
	p := seedProject(t, models.StatusDirecting)

	w := do(t, r, http.MethodDelete, "/v1/api/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	done := seedProject(t, models.StatusCompleted)
	w = do(t, r, http.MethodDelete, "/v1/api/projects/"+done.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
