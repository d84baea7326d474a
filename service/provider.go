package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	ProviderTaskPending   = "pending"
	ProviderTaskCompleted = "completed"
	ProviderTaskFailed    = "failed"
)

// ProviderResult is the terminal state of one external generation task.
type ProviderResult struct {
	Status  string  `json:"status"`
	URL     string  `json:"url,omitempty"`
	Error   string  `json:"error,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// ProviderClient talks to the external generation services. Every provider
// exposes the same contract: submit(input) -> task id, poll(task id) ->
// pending|completed|failed. Completion is never assumed to be synchronous.
type ProviderClient struct {
	httpClient  *http.Client
	pollCeiling time.Duration
}

func NewProviderClient(pollCeiling time.Duration) *ProviderClient {
	return &ProviderClient{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		pollCeiling: pollCeiling,
	}
}

// Submit posts a generation request and returns the provider task id.
func (pc *ProviderClient) Submit(ctx context.Context, endpoint string, input map[string]interface{}) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := pc.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", &ProviderError{Provider: endpoint, Err: fmt.Errorf("submit status code: %d", resp.StatusCode)}
	}
	var respData struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", &ProviderError{Provider: endpoint, Err: fmt.Errorf("decode response failed: %w", err)}
	}
	if respData.TaskID != "" {
		return respData.TaskID, nil
	}
	if respData.ID != "" {
		return respData.ID, nil
	}
	return "", &ProviderError{Provider: endpoint, Err: fmt.Errorf("response missing task id")}
}

// Poll checks a task exactly once. Transport errors are returned as-is so the
// caller can swallow them and try again on its next invocation.
func (pc *ProviderClient) Poll(ctx context.Context, endpoint, taskID string) (*ProviderResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/tasks/%s", endpoint, taskID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := pc.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll status code: %d", resp.StatusCode)
	}
	var res ProviderResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode poll response failed: %w", err)
	}
	return &res, nil
}

// WaitForResult polls with exponential backoff until the task is terminal or
// the wait ceiling is exceeded. Exceeding the ceiling is a normal stage
// failure, not a crash. Poll errors are logged and retried within the ceiling.
func (pc *ProviderClient) WaitForResult(ctx context.Context, endpoint, taskID string) (*ProviderResult, error) {
	deadline := time.Now().Add(pc.pollCeiling)
	interval := 2 * time.Second
	const maxInterval = 20 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return nil, &ProviderError{Provider: endpoint, Err: fmt.Errorf("polling timeout after %s", pc.pollCeiling)}
		}

		res, err := pc.Poll(ctx, endpoint, taskID)
		if err != nil {
			zap.L().Warn("provider poll error, retrying",
				zap.String("endpoint", endpoint),
				zap.String("task_id", taskID),
				zap.Error(err))
		} else {
			switch res.Status {
			case ProviderTaskCompleted:
				return res, nil
			case ProviderTaskFailed:
				return nil, &ProviderError{Provider: endpoint, Err: fmt.Errorf("task failed: %s", res.Error)}
			}
		}

		interval = interval * 3 / 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
