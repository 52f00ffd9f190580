package gateway

import "context"

// Status is the lifecycle of one physical batch.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether a batch in this status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Request is one prompt inside a batch. CorrelationID comes back on the
// matching Result.
type Request struct {
	CorrelationID string `json:"correlation_id"`
	Prompt        string `json:"prompt"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
	Model         string `json:"model"`
	MaxTokens     int64  `json:"max_tokens,omitempty"`
}

// Handle identifies a submitted physical batch and the requests it carries.
type Handle struct {
	BatchID        string   `json:"batch_id"`
	Provider       string   `json:"provider"`
	CorrelationIDs []string `json:"correlation_ids"`
}

type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

type BatchStatus struct {
	Status   Status   `json:"status"`
	Progress Progress `json:"progress"`
}

// Result is the outcome of one request. Error is set when the provider
// reported the individual request as failed.
type Result struct {
	CorrelationID string  `json:"correlation_id"`
	Content       string  `json:"content"`
	Model         string  `json:"model"`
	Cost          float64 `json:"cost"`
	Error         string  `json:"error,omitempty"`
}

// GroupResult is the outcome of submitting one provider partition. Err is
// set when that partition could not be submitted; Handle then still lists
// the correlation ids that were lost.
type GroupResult struct {
	Handle
	Err error
}

// Provider is a batch backend.
type Provider interface {
	Name() string
	Submit(ctx context.Context, reqs []Request) (batchID string, err error)
	Check(ctx context.Context, batchID string) (BatchStatus, error)
	Retrieve(ctx context.Context, batchID string) ([]Result, error)
}
