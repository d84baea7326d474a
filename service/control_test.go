package service_test

import (
	"testing"

	"adgen-server/models"
	"adgen-server/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCancelRollsBackAndCancelsActiveAssets(t *testing.T) {
	for _, status := range processingStatuses {
		t.Run(string(status), func(t *testing.T) {
			db := newTestDB(t)
			p := makeProject(t, db, status)
			scene := makeScene(t, db, p.ID, 0, 1)
			inflight := makeAsset(t, db, p.ID, &scene.ID, 0, models.AssetTypeKeyframeStart, models.AssetStatusGenerating)
			pending := makeAsset(t, db, p.ID, nil, -1, models.AssetTypeBroll, models.AssetStatusPending)
			done := makeAsset(t, db, p.ID, &scene.ID, 0, models.AssetTypeKeyframeEnd, models.AssetStatusCompleted)

			got, err := service.Cancel(db, p.ID)
			require.NoError(t, err)

			wantGate, _ := service.RollbackGate(status)
			assert.Equal(t, wantGate, got.Status)
			assert.Nil(t, got.FailedAtStatus)
			assert.Empty(t, got.ErrorMessage)

			assert.Equal(t, models.AssetStatusCancelled, reloadAsset(t, db, inflight.ID).Status)
			assert.Equal(t, models.AssetStatusCancelled, reloadAsset(t, db, pending.ID).Status)
			assert.Equal(t, models.AssetStatusCompleted, reloadAsset(t, db, done.ID).Status)
		})
	}
}

func TestCancelRejectedOutsideProcessing(t *testing.T) {
	db := newTestDB(t)
	for _, status := range reviewGates {
		p := makeProject(t, db, status)
		_, err := service.Cancel(db, p.ID)
		var cerr *service.ConflictError
		assert.ErrorAs(t, err, &cerr, "status %q", status)
	}
}

func TestApproveEnqueuesExactlyOneJob(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusCreated)

	got, err := service.Approve(db, queue, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, got.Status)
	require.Len(t, queue.stages, 1)
	assert.Equal(t, service.StepProductAnalysis, queue.stages[0].Step)
	assert.Equal(t, p.ID, queue.stages[0].ProjectID)
}

func TestApproveValidationFailureLeavesStateUntouched(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusAnalysisReview)
	require.NoError(t, db.Model(p).Update("product_image_url", "").Error)

	_, err := service.Approve(db, queue, p.ID)
	var verr *service.ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Equal(t, models.StatusAnalysisReview, reloadProject(t, db, p.ID).Status)
	assert.Empty(t, queue.stages)
}

func TestApproveCastingReviewRequiresDesignedVoice(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusCastingReview)
	require.NoError(t, db.Model(p).Update("influencer_voice_id", "").Error)

	_, err := service.Approve(db, queue, p.ID)
	var verr *service.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, queue.stages)
}

func TestApproveBrollReviewMovesToSelectionWithoutAJob(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusBrollReview)

	got, err := service.Approve(db, queue, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInfluencerSelection, got.Status)
	assert.Empty(t, queue.stages)
}

func TestSelectInfluencerStartsCasting(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusInfluencerSelection)

	got, err := service.SelectInfluencer(db, queue, p.ID, "inf_9", "voice_9", "warm, upbeat creator")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCasting, got.Status)
	assert.Equal(t, "inf_9", got.InfluencerID)
	assert.Equal(t, "voice_9", got.InfluencerVoiceID)
	require.Len(t, queue.stages, 1)
	assert.Equal(t, service.StepCasting, queue.stages[0].Step)
}

func TestRetryReEnqueuesFailedStage(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusScripting)
	require.NoError(t, service.MarkStageFailed(db, p.ID, models.StatusScripting, "provider blew up"))

	failed := reloadProject(t, db, p.ID)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailedAtStatus)
	require.Equal(t, models.StatusScripting, *failed.FailedAtStatus)
	assert.Equal(t, "provider blew up", failed.ErrorMessage)

	got, err := service.Retry(db, queue, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScripting, got.Status)
	assert.Nil(t, got.FailedAtStatus)
	assert.Empty(t, got.ErrorMessage)
	require.Len(t, queue.stages, 1)
	assert.Equal(t, service.StepScripting, queue.stages[0].Step)
}

func TestRetryRejectedWithoutFailure(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusScriptReview)
	_, err := service.Retry(db, &recorderQueue{}, p.ID)
	var cerr *service.ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestRestartFromLaterGate(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusCastingReview)

	got, err := service.Restart(db, queue, p.ID, "scripting")
	require.NoError(t, err)
	assert.Equal(t, models.StatusScripting, got.Status)
	require.Len(t, queue.stages, 1)
	assert.Equal(t, service.StepScripting, queue.stages[0].Step)
}

func TestRestartRejectedWhileProcessing(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusDirecting)
	_, err := service.Restart(db, &recorderQueue{}, p.ID, "scripting")
	var cerr *service.ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestRollbackFromFailed(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusDirecting)
	require.NoError(t, service.MarkStageFailed(db, p.ID, models.StatusDirecting, "timeout"))

	got, err := service.Rollback(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCastingReview, got.Status)
	assert.Nil(t, got.FailedAtStatus)
	assert.Empty(t, got.ErrorMessage)
}

func TestMarkStageFailedDiscardsAfterStatusMoved(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusScripting)

	// Cancel wins the race: the project rolls back to the gate first.
	_, err := service.Cancel(db, p.ID)
	require.NoError(t, err)

	require.NoError(t, service.MarkStageFailed(db, p.ID, models.StatusScripting, "late failure"))
	got := reloadProject(t, db, p.ID)
	assert.Equal(t, models.StatusAnalysisReview, got.Status)
	assert.Nil(t, got.FailedAtStatus)
}

func TestDeleteProjectBlockedWhileProcessing(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusCasting)
	err := service.DeleteProject(db, p.ID)
	var cerr *service.ConflictError
	require.ErrorAs(t, err, &cerr)

	require.NoError(t, db.Model(p).Update("status", models.StatusCompleted).Error)
	require.NoError(t, service.DeleteProject(db, p.ID))
	_, err = models.GetProjectByID(db, p.ID)
	assert.Error(t, err)
}

// End-to-end walk from creation to a retried scripting failure, driven
// entirely through controller actions and failure bookkeeping.
func TestCreatedToRetriedScriptingScenario(t *testing.T) {
	db := newTestDB(t)
	queue := &recorderQueue{}
	p := makeProject(t, db, models.StatusCreated)
	require.NoError(t, db.Model(p).Update("product_image_url", "").Error)

	// Approve from created: analysis starts.
	got, err := service.Approve(db, queue, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAnalyzing, got.Status)
	require.Len(t, queue.stages, 1)

	// Analysis finishes; project parks at the review gate.
	ok, err := models.UpdateStatusCAS(db, p.ID, models.StatusAnalyzing, models.StatusAnalysisReview, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// Approving without a product image is refused and changes nothing.
	_, err = service.Approve(db, queue, p.ID)
	var verr *service.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, models.StatusAnalysisReview, reloadProject(t, db, p.ID).Status)
	require.Len(t, queue.stages, 1)

	// Upload an image, approve again: scripting starts with one job.
	require.NoError(t, db.Model(p).Update("product_image_url", "https://cdn.example.com/hero.png").Error)
	got, err = service.Approve(db, queue, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusScripting, got.Status)
	require.Len(t, queue.stages, 2)
	require.Equal(t, service.StepScripting, queue.stages[1].Step)

	// Scripting fails.
	require.NoError(t, service.MarkStageFailed(db, p.ID, models.StatusScripting, "llm unavailable"))
	failed := reloadProject(t, db, p.ID)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.Equal(t, models.StatusScripting, *failed.FailedAtStatus)

	// Retry re-enqueues exactly the failed step and clears the bookkeeping.
	got, err = service.Retry(db, queue, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScripting, got.Status)
	assert.Nil(t, got.FailedAtStatus)
	require.Len(t, queue.stages, 3)
	assert.Equal(t, service.StepScripting, queue.stages[2].Step)
}

func TestEditSegmentAppendsVersion(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusScriptReview)
	makeScene(t, db, p.ID, 0, 1)
	makeScene(t, db, p.ID, 1, 1)

	next, err := service.EditSegment(db, p.ID, 1, "new line", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, "new line", next.ScriptText)

	// Unspecified fields carry over from the prior version.
	prior, err := models.CurrentSceneForSegment(db, p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, prior.Version, "other segments stay on their version")

	cur, err := models.CurrentScenes(db, p.ID)
	require.NoError(t, err)
	require.Len(t, cur, 2)
	for _, s := range cur {
		if s.SegmentIndex == 1 {
			assert.Equal(t, 2, s.Version, "current view must pick the newest version")
		}
	}
}

func TestEditSegmentUnknownSegment(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusScriptReview)
	makeScene(t, db, p.ID, 0, 1)

	_, err := service.EditSegment(db, p.ID, 7, "text", "", "")
	var nf *service.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCancelYieldsWhenStageCompletionWinsTheRace(t *testing.T) {
	db := newTestDB(t)
	p := makeProject(t, db, models.StatusScripting)
	scene := makeScene(t, db, p.ID, 0, 1)
	inflight := makeAsset(t, db, p.ID, &scene.ID, 0, models.AssetTypeKeyframeStart, models.AssetStatusGenerating)

	// A worker finishes scripting between the asset sweep and the status
	// rollback: advance its status on the sweep's own connection.
	raced := false
	err := db.Callback().Update().After("gorm:update").Register("stage_completion_wins", func(tx *gorm.DB) {
		if tx.Statement.Table != "asset" || raced {
			return
		}
		raced = true
		_, execErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE project SET status = ?, cancel_requested_at = NULL WHERE id = ?",
			string(models.StatusScriptReview), p.ID)
		require.NoError(t, execErr)
	})
	require.NoError(t, err)

	got, err := service.Cancel(db, p.ID)
	require.NoError(t, err)
	require.True(t, raced)
	assert.Equal(t, models.StatusScriptReview, got.Status, "the completed stage's status must win")
	assert.Equal(t, models.AssetStatusCancelled, reloadAsset(t, db, inflight.ID).Status)
}
