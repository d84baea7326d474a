package models

// ProjectStatus is the authoritative pipeline position of a project. Only the
// state machine in the service layer is allowed to move it.
type ProjectStatus string

const (
	// Review gates: the pipeline halts here until a human acts.
	StatusCreated             ProjectStatus = "created"
	StatusAnalysisReview      ProjectStatus = "analysis_review"
	StatusScriptReview        ProjectStatus = "script_review"
	StatusBrollReview         ProjectStatus = "broll_review"
	StatusInfluencerSelection ProjectStatus = "influencer_selection"
	StatusCastingReview       ProjectStatus = "casting_review"
	StatusAssetReview         ProjectStatus = "asset_review"

	// Processing states: a stage executor owns the project while it is here.
	StatusAnalyzing       ProjectStatus = "analyzing"
	StatusScripting       ProjectStatus = "scripting"
	StatusBrollPlanning   ProjectStatus = "broll_planning"
	StatusCasting         ProjectStatus = "casting"
	StatusDirecting       ProjectStatus = "directing"
	StatusVoiceover       ProjectStatus = "voiceover"
	StatusBrollGeneration ProjectStatus = "broll_generation"
	StatusEditing         ProjectStatus = "editing"

	// Terminal states.
	StatusCompleted ProjectStatus = "completed"
	StatusFailed    ProjectStatus = "failed"
)

func (s ProjectStatus) IsGate() bool {
	switch s {
	case StatusCreated, StatusAnalysisReview, StatusScriptReview, StatusBrollReview,
		StatusInfluencerSelection, StatusCastingReview, StatusAssetReview:
		return true
	}
	return false
}

func (s ProjectStatus) IsProcessing() bool {
	switch s {
	case StatusAnalyzing, StatusScripting, StatusBrollPlanning, StatusCasting,
		StatusDirecting, StatusVoiceover, StatusBrollGeneration, StatusEditing:
		return true
	}
	return false
}

func (s ProjectStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
