package service

import (
	"encoding/json"
	"fmt"
	"time"

	"adgen-server/config"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypePipelineStage = "pipeline:stage"
	TypeAssetJob      = "pipeline:asset"
)

// StagePayload drives one stage executor for one project.
type StagePayload struct {
	ProjectID string `json:"project_id"`
	Step      Step   `json:"step"`
}

// AssetPayload drives a targeted regeneration or a cascade edit walk.
type AssetPayload struct {
	ProjectID      string `json:"project_id"`
	AssetID        string `json:"asset_id"`
	EditPrompt     string `json:"edit_prompt,omitempty"`
	Cascade        bool   `json:"cascade,omitempty"`
	CascadeBatchID string `json:"cascade_batch_id,omitempty"`
}

// Enqueuer is the contract the state machine hands jobs to. The asynq client
// implements it in production; tests swap in a recorder.
type Enqueuer interface {
	EnqueueStage(projectID string, step Step) error
	EnqueueAssetJob(p AssetPayload) error
}

// Queue is the process-wide enqueuer, set by InitQueue.
var Queue Enqueuer

type asynqEnqueuer struct {
	client *asynq.Client
}

func InitQueue() {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
	Queue = &asynqEnqueuer{client: client}
}

// taskOpts: at-least-once delivery with bounded retries. After three
// failed attempts the message lands in the archive and a human must retry
// through the project state machine.
func taskOpts() []asynq.Option {
	return []asynq.Option{
		asynq.MaxRetry(3),
		asynq.Timeout(45 * time.Minute),
		asynq.Retention(24 * time.Hour),
	}
}

func (q *asynqEnqueuer) EnqueueStage(projectID string, step Step) error {
	payload, err := json.Marshal(StagePayload{ProjectID: projectID, Step: step})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	info, err := q.client.Enqueue(asynq.NewTask(TypePipelineStage, payload, taskOpts()...))
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	zap.L().Info("stage enqueued",
		zap.String("project_id", projectID),
		zap.String("step", string(step)),
		zap.String("queue_id", info.ID))
	return nil
}

func (q *asynqEnqueuer) EnqueueAssetJob(p AssetPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	info, err := q.client.Enqueue(asynq.NewTask(TypeAssetJob, payload, taskOpts()...))
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	zap.L().Info("asset job enqueued",
		zap.String("project_id", p.ProjectID),
		zap.String("asset_id", p.AssetID),
		zap.Bool("cascade", p.Cascade),
		zap.String("queue_id", info.ID))
	return nil
}
