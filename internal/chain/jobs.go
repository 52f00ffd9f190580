package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mtzanidakis/batchchain/internal/gateway"
	"github.com/mtzanidakis/batchchain/internal/natsbus"
	"github.com/mtzanidakis/batchchain/internal/store"
)

// Job statuses. A job is pending until it is completed or failed.
const (
	JobSubmitted = "submitted"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// SubmitJob sends one prompt to one agent as a single-item batch. A job
// whose submission is rejected is stored as failed and returned together
// with the error.
func (d *Driver) SubmitJob(ctx context.Context, agentID, prompt string) (*store.Job, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyText
	}
	p, ok := d.dir.Resolve(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	j := &store.Job{
		ID:      uuid.New().String(),
		AgentID: agentID,
		Prompt:  prompt,
		Status:  JobSubmitted,
		Model:   p.Model,
	}
	j.CorrelationID = correlationID(j.ID, stageJob, agentID)

	h, err := d.gw.Submit(ctx, []gateway.Request{{
		CorrelationID: j.CorrelationID,
		Prompt:        prompt,
		SystemPrompt:  p.SystemPrompt,
		Model:         p.Model,
		MaxTokens:     d.maxTokens,
	}})
	j.Provider = h.Provider
	if err != nil {
		d.finishJob(j, JobFailed, err.Error())
		if serr := d.jobs.SaveJob(j); serr != nil {
			return nil, fmt.Errorf("save job: %w", serr)
		}
		return j, err
	}
	j.BatchID = h.BatchID
	if err := d.jobs.SaveJob(j); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	slog.Info("job submitted", "job_id", j.ID, "agent", agentID, "batch_id", j.BatchID)

	if d.wake != nil {
		d.wake()
	}
	return j, nil
}

func (d *Driver) GetJob(id string) (*store.Job, error) {
	return d.jobs.GetJob(id)
}

func (d *Driver) PendingJobs() ([]store.Job, error) {
	return d.jobs.ListPendingJobs()
}

// AdvanceJob polls the batch of a pending job and stores its result once
// the batch is terminal.
func (d *Driver) AdvanceJob(ctx context.Context, j *store.Job) error {
	if j.Status == JobCompleted || j.Status == JobFailed {
		return nil
	}
	st, err := d.gw.Check(ctx, j.BatchID, j.Provider)
	if err != nil {
		slog.Warn("job check failed", "job_id", j.ID, "batch_id", j.BatchID, "error", err)
		return nil
	}
	switch st.Status {
	case gateway.StatusCompleted:
		results, err := d.gw.Retrieve(ctx, j.BatchID, j.Provider)
		if err != nil {
			slog.Warn("job retrieve failed", "job_id", j.ID, "batch_id", j.BatchID, "error", err)
			return nil
		}
		found := false
		for _, r := range results {
			if r.CorrelationID != j.CorrelationID {
				continue
			}
			found = true
			j.Result, j.Cost = r.Content, max(r.Cost, 0)
			if r.Model != "" {
				j.Model = r.Model
			}
			if r.Error != "" {
				d.finishJob(j, JobFailed, r.Error)
			} else {
				d.finishJob(j, JobCompleted, "")
			}
		}
		if !found {
			d.finishJob(j, JobFailed, "batch returned no result")
		}
	case gateway.StatusFailed, gateway.StatusExpired:
		d.finishJob(j, JobFailed, "batch "+string(st.Status))
	default:
		return nil
	}

	if err := d.jobs.SaveJob(j); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	if d.pub != nil {
		ev := natsbus.Event{
			Type:  natsbus.EventJobCompleted,
			JobID: j.ID,
			Data:  map[string]any{"status": j.Status, "agent_id": j.AgentID, "cost": j.Cost},
		}
		if err := d.pub.PublishEvent(natsbus.TopicEventsJob(j.ID), ev); err != nil {
			slog.Debug("publish job event failed", "job_id", j.ID, "error", err)
		}
	}
	slog.Info("job finished", "job_id", j.ID, "status", j.Status)
	return nil
}

func (d *Driver) finishJob(j *store.Job, status, errText string) {
	done := d.now()
	j.Status = status
	j.Error = errText
	j.CompletedAt = &done
}
