package service_test

import (
	"testing"

	"adgen-server/models"
	"adgen-server/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var processingStatuses = []models.ProjectStatus{
	models.StatusAnalyzing,
	models.StatusScripting,
	models.StatusBrollPlanning,
	models.StatusCasting,
	models.StatusDirecting,
	models.StatusVoiceover,
	models.StatusBrollGeneration,
	models.StatusEditing,
}

var reviewGates = []models.ProjectStatus{
	models.StatusCreated,
	models.StatusAnalysisReview,
	models.StatusScriptReview,
	models.StatusBrollReview,
	models.StatusInfluencerSelection,
	models.StatusCastingReview,
	models.StatusAssetReview,
}

func TestEveryProcessingStatusRollsBackToAGate(t *testing.T) {
	for _, status := range processingStatuses {
		gate, ok := service.RollbackGate(status)
		require.True(t, ok, "no rollback gate for %q", status)
		assert.True(t, gate.IsGate(), "rollback target %q of %q is not a gate", gate, status)
	}
}

func TestGatesHaveNoRollbackEntry(t *testing.T) {
	for _, gate := range reviewGates {
		_, ok := service.RollbackGate(gate)
		assert.False(t, ok, "gate %q should not appear in the rollback map", gate)
	}
}

func TestStepStatusMappingRoundTrips(t *testing.T) {
	for _, status := range processingStatuses {
		step, ok := service.StepForStatus(status)
		require.True(t, ok, "no step for %q", status)
		back, ok := service.StatusForStep(step)
		require.True(t, ok)
		assert.Equal(t, status, back)
	}
}

func TestApproveTargetPerGate(t *testing.T) {
	cases := map[models.ProjectStatus]struct {
		next models.ProjectStatus
		step service.Step
	}{
		models.StatusCreated:             {models.StatusAnalyzing, service.StepProductAnalysis},
		models.StatusAnalysisReview:      {models.StatusScripting, service.StepScripting},
		models.StatusScriptReview:        {models.StatusBrollPlanning, service.StepBrollPlanning},
		models.StatusBrollReview:         {models.StatusInfluencerSelection, ""},
		models.StatusInfluencerSelection: {models.StatusCasting, service.StepCasting},
		models.StatusCastingReview:       {models.StatusDirecting, service.StepDirecting},
		models.StatusAssetReview:         {models.StatusEditing, service.StepEditing},
	}
	for gate, want := range cases {
		next, step, err := service.ApproveTarget(gate)
		require.NoError(t, err, "gate %q", gate)
		assert.Equal(t, want.next, next)
		assert.Equal(t, want.step, step)
	}
}

func TestApproveTargetRejectsNonGates(t *testing.T) {
	for _, status := range processingStatuses {
		_, _, err := service.ApproveTarget(status)
		var cerr *service.ConflictError
		assert.ErrorAs(t, err, &cerr, "status %q", status)
	}
	_, _, err := service.ApproveTarget(models.StatusCompleted)
	assert.Error(t, err)
}

func TestAdvanceOnSuccessChainsInternalStages(t *testing.T) {
	next, step, err := service.AdvanceOnSuccess(models.StatusDirecting)
	require.NoError(t, err)
	assert.Equal(t, models.StatusVoiceover, next)
	assert.Equal(t, service.StepVoiceover, step)

	next, step, err = service.AdvanceOnSuccess(models.StatusVoiceover)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBrollGeneration, next)
	assert.Equal(t, service.StepBrollGeneration, step)

	next, step, err = service.AdvanceOnSuccess(models.StatusBrollGeneration)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssetReview, next)
	assert.Empty(t, step)

	next, step, err = service.AdvanceOnSuccess(models.StatusEditing)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, next)
	assert.Empty(t, step)
}

func TestRestartTargetCoversEveryStage(t *testing.T) {
	for _, status := range processingStatuses {
		step, ok := service.StepForStatus(status)
		require.True(t, ok)
		target, gotStep, ok := service.RestartTarget(string(step))
		require.True(t, ok, "stage %q", step)
		assert.Equal(t, status, target)
		assert.Equal(t, step, gotStep)
	}
	_, _, ok := service.RestartTarget("mixing")
	assert.False(t, ok)
}
