package service

import (
	"fmt"

	"adgen-server/models"
)

// Step names one queue-dispatched stage executor. Exactly one executor
// consumes a given step.
type Step string

const (
	StepProductAnalysis Step = "product_analysis"
	StepScripting       Step = "scripting"
	StepBrollPlanning   Step = "broll_planning"
	StepCasting         Step = "casting"
	StepDirecting       Step = "directing"
	StepVoiceover       Step = "voiceover"
	StepBrollGeneration Step = "broll_generation"
	StepEditing         Step = "editing"
)

// StatusForStep maps a queue step to the processing status it owns.
func StatusForStep(step Step) (models.ProjectStatus, bool) {
	switch step {
	case StepProductAnalysis:
		return models.StatusAnalyzing, true
	case StepScripting:
		return models.StatusScripting, true
	case StepBrollPlanning:
		return models.StatusBrollPlanning, true
	case StepCasting:
		return models.StatusCasting, true
	case StepDirecting:
		return models.StatusDirecting, true
	case StepVoiceover:
		return models.StatusVoiceover, true
	case StepBrollGeneration:
		return models.StatusBrollGeneration, true
	case StepEditing:
		return models.StatusEditing, true
	}
	return "", false
}

// StepForStatus is the inverse of StatusForStep; it is how retry re-derives
// the job to enqueue from failed_at_status.
func StepForStatus(s models.ProjectStatus) (Step, bool) {
	switch s {
	case models.StatusAnalyzing:
		return StepProductAnalysis, true
	case models.StatusScripting:
		return StepScripting, true
	case models.StatusBrollPlanning:
		return StepBrollPlanning, true
	case models.StatusCasting:
		return StepCasting, true
	case models.StatusDirecting:
		return StepDirecting, true
	case models.StatusVoiceover:
		return StepVoiceover, true
	case models.StatusBrollGeneration:
		return StepBrollGeneration, true
	case models.StatusEditing:
		return StepEditing, true
	}
	return "", false
}

// ApproveTarget maps a review gate to the processing status and step its
// approval starts. The error is a ConflictError when the current status is
// not an approvable gate.
func ApproveTarget(gate models.ProjectStatus) (models.ProjectStatus, Step, error) {
	switch gate {
	case models.StatusCreated:
		return models.StatusAnalyzing, StepProductAnalysis, nil
	case models.StatusAnalysisReview:
		return models.StatusScripting, StepScripting, nil
	case models.StatusScriptReview:
		return models.StatusBrollPlanning, StepBrollPlanning, nil
	case models.StatusBrollReview:
		return models.StatusInfluencerSelection, "", nil
	case models.StatusInfluencerSelection:
		return models.StatusCasting, StepCasting, nil
	case models.StatusCastingReview:
		return models.StatusDirecting, StepDirecting, nil
	case models.StatusAssetReview:
		return models.StatusEditing, StepEditing, nil
	}
	return "", "", &ConflictError{Reason: fmt.Sprintf("status %q is not an approvable review gate", gate)}
}

// AdvanceOnSuccess maps a finished processing status to its successor. The
// directing → voiceover → broll_generation chain advances without a human
// gate, so those return the next step to enqueue.
func AdvanceOnSuccess(processing models.ProjectStatus) (models.ProjectStatus, Step, error) {
	switch processing {
	case models.StatusAnalyzing:
		return models.StatusAnalysisReview, "", nil
	case models.StatusScripting:
		return models.StatusScriptReview, "", nil
	case models.StatusBrollPlanning:
		return models.StatusBrollReview, "", nil
	case models.StatusCasting:
		return models.StatusCastingReview, "", nil
	case models.StatusDirecting:
		return models.StatusVoiceover, StepVoiceover, nil
	case models.StatusVoiceover:
		return models.StatusBrollGeneration, StepBrollGeneration, nil
	case models.StatusBrollGeneration:
		return models.StatusAssetReview, "", nil
	case models.StatusEditing:
		return models.StatusCompleted, "", nil
	}
	return "", "", fmt.Errorf("status %q is not a processing status", processing)
}

// RollbackGate maps a processing status to the review gate that preceded it.
// Used both by cancel (forced) and rollback-from-failed.
func RollbackGate(processing models.ProjectStatus) (models.ProjectStatus, bool) {
	switch processing {
	case models.StatusAnalyzing:
		return models.StatusCreated, true
	case models.StatusScripting:
		return models.StatusAnalysisReview, true
	case models.StatusBrollPlanning:
		return models.StatusScriptReview, true
	case models.StatusCasting:
		return models.StatusInfluencerSelection, true
	case models.StatusDirecting, models.StatusVoiceover, models.StatusBrollGeneration:
		return models.StatusCastingReview, true
	case models.StatusEditing:
		return models.StatusAssetReview, true
	}
	return "", false
}

// RestartTarget maps a user-named stage to its processing status and step,
// regardless of the project's failure bookkeeping. This is how a user redoes
// an earlier stage after later approvals.
func RestartTarget(stage string) (models.ProjectStatus, Step, bool) {
	switch Step(stage) {
	case StepProductAnalysis:
		return models.StatusAnalyzing, StepProductAnalysis, true
	case StepScripting:
		return models.StatusScripting, StepScripting, true
	case StepBrollPlanning:
		return models.StatusBrollPlanning, StepBrollPlanning, true
	case StepCasting:
		return models.StatusCasting, StepCasting, true
	case StepDirecting:
		return models.StatusDirecting, StepDirecting, true
	case StepVoiceover:
		return models.StatusVoiceover, StepVoiceover, true
	case StepBrollGeneration:
		return models.StatusBrollGeneration, StepBrollGeneration, true
	case StepEditing:
		return models.StatusEditing, StepEditing, true
	}
	return "", "", false
}
