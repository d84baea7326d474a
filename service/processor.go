package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adgen-server/config"
	"adgen-server/models"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Processor consumes queue messages and runs stage executors. Cross-worker
// mutual exclusion is carried entirely by the persisted project status: every
// handler re-verifies the expected status before doing paid work and discards
// its result if the status moved underneath it.
type Processor struct {
	DB        *gorm.DB
	Queue     Enqueuer
	Providers *ProviderClient
	Logger    *zap.Logger
}

func NewProcessor(db *gorm.DB, queue Enqueuer) *Processor {
	ceiling := time.Duration(config.AppConfig.Pipeline.PollCeilingMin) * time.Minute
	return &Processor{
		DB:        db,
		Queue:     queue,
		Providers: NewProviderClient(ceiling),
		Logger:    zap.L().Named("processor"),
	}
}

func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePipelineStage, p.HandleStageTask)
	mux.HandleFunc(TypeAssetJob, p.HandleAssetTask)

	p.Logger.Info("starting task processor", zap.Int("concurrency", concurrency))
	go func() {
		if err := srv.Run(mux); err != nil {
			p.Logger.Fatal("could not run queue server", zap.Error(err))
		}
	}()
}

// HandleStageTask dispatches one pipeline stage message.
func (p *Processor) HandleStageTask(ctx context.Context, t *asynq.Task) error {
	var payload StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	expected, ok := StatusForStep(payload.Step)
	if !ok {
		return fmt.Errorf("unknown step %q: %w", payload.Step, asynq.SkipRetry)
	}

	project, err := models.GetProjectByID(p.DB, payload.ProjectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("project %s gone: %w", payload.ProjectID, asynq.SkipRetry)
		}
		return err // transient store error, let the queue retry
	}

	// Idempotency guard against duplicate delivery: the project must still be
	// in the processing status this step owns, otherwise the message is stale
	// and is dropped silently.
	if project.Status != expected {
		p.Logger.Info("skipping stale stage message",
			zap.String("project_id", project.ID),
			zap.String("step", string(payload.Step)),
			zap.String("status", string(project.Status)))
		return nil
	}

	p.Logger.Info("running stage",
		zap.String("project_id", project.ID),
		zap.String("step", string(payload.Step)))

	var runErr error
	switch payload.Step {
	case StepProductAnalysis:
		runErr = p.runAnalysis(ctx, project)
	case StepScripting:
		runErr = p.runScripting(ctx, project)
	case StepBrollPlanning:
		runErr = p.runBrollPlanning(ctx, project)
	case StepCasting:
		runErr = p.runCasting(ctx, project)
	case StepDirecting:
		runErr = p.runDirecting(ctx, project)
	case StepVoiceover:
		runErr = p.runVoiceover(ctx, project)
	case StepBrollGeneration:
		runErr = p.runBrollGeneration(ctx, project)
	case StepEditing:
		runErr = p.runEditing(ctx, project)
	default:
		return fmt.Errorf("unhandled step %q: %w", payload.Step, asynq.SkipRetry)
	}

	return p.settleStage(project.ID, expected, payload.Step, runErr)
}

// settleStage translates an executor outcome into project state. A
// cancellation signal is consumed quietly; a provider failure lands the
// project in failed with failed_at_status set; anything else is treated as a
// transient infrastructure error and handed back to the queue for a bounded
// retry.
func (p *Processor) settleStage(projectID string, stage models.ProjectStatus, step Step, runErr error) error {
	if runErr == nil {
		return nil
	}
	if IsCancellation(runErr) {
		p.Logger.Info("stage cancelled",
			zap.String("project_id", projectID),
			zap.String("step", string(step)))
		return nil
	}
	var perr *ProviderError
	if errors.As(runErr, &perr) {
		p.Logger.Error("stage failed",
			zap.String("project_id", projectID),
			zap.String("step", string(step)),
			zap.Error(runErr))
		if err := MarkStageFailed(p.DB, projectID, stage, runErr.Error()); err != nil {
			return err
		}
		return nil
	}
	p.Logger.Warn("stage hit transient error, queue will retry",
		zap.String("project_id", projectID),
		zap.String("step", string(step)),
		zap.Error(runErr))
	return runErr
}

// MarkStageFailed records an unrecoverable stage failure. The CAS guard keeps
// a worker that lost a cancel race from clobbering the rolled-back gate.
func MarkStageFailed(db *gorm.DB, projectID string, stage models.ProjectStatus, msg string) error {
	ok, err := models.UpdateStatusCAS(db, projectID, stage, models.StatusFailed, map[string]interface{}{
		"failed_at_status": stage,
		"error_message":    msg,
	})
	if err != nil {
		return err
	}
	if !ok {
		zap.L().Info("discarding failure for project no longer in stage",
			zap.String("project_id", projectID),
			zap.String("stage", string(stage)))
	}
	return nil
}

// advance moves the project to the stage's successor and enqueues the chained
// step if the successor is itself a processing status.
func (p *Processor) advance(projectID string, stage models.ProjectStatus) error {
	next, chained, err := AdvanceOnSuccess(stage)
	if err != nil {
		return err
	}
	ok, err := models.UpdateStatusCAS(p.DB, projectID, stage, next, map[string]interface{}{
		"cancel_requested_at": nil,
		"error_message":       "",
	})
	if err != nil {
		return err
	}
	if !ok {
		// Lost the status lock (cancel or restart won); drop the result.
		p.Logger.Info("discarding stage completion, status moved",
			zap.String("project_id", projectID),
			zap.String("stage", string(stage)))
		return nil
	}
	if chained != "" {
		return p.Queue.EnqueueStage(projectID, chained)
	}
	return nil
}

// checkpoint is called before and after every expensive sub-step. A non-nil
// cancel_requested_at means stop without writing further completions.
func (p *Processor) checkpoint(projectID string) error {
	project, err := models.GetProjectByID(p.DB, projectID)
	if err != nil {
		return err
	}
	if project.CancelRequestedAt != nil {
		return &CancellationSignal{}
	}
	return nil
}

// trackCost accumulates provider spend off the critical path. Failures are
// logged on their own channel and never affect the stage outcome.
func (p *Processor) trackCost(projectID string, usd float64) {
	if usd <= 0 {
		return
	}
	go func() {
		if err := models.AddProjectCost(p.DB, projectID, usd); err != nil {
			p.Logger.Warn("cost tracking failed",
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}()
}
