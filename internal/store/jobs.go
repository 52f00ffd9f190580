package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Job is a single-step batch job: one prompt to one agent, no chain.
type Job struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	Prompt        string     `json:"prompt"`
	Status        string     `json:"status"`
	BatchID       string     `json:"batch_id,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Model         string     `json:"model,omitempty"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Cost          float64    `json:"cost"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

const jobColumns = `id, agent_id, prompt, status, batch_id, provider, correlation_id, model, result, error, cost, created_at, completed_at`

func scanJob(sc scanner) (*Job, error) {
	j := &Job{}
	var result, errText sql.NullString
	err := sc.Scan(&j.ID, &j.AgentID, &j.Prompt, &j.Status, &j.BatchID, &j.Provider, &j.CorrelationID,
		&j.Model, &result, &errText, &j.Cost, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Result = result.String
	j.Error = errText.String
	return j, nil
}

func (s *Store) SaveJob(j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now()
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			batch_id = excluded.batch_id,
			provider = excluded.provider,
			correlation_id = excluded.correlation_id,
			model = excluded.model,
			result = excluded.result,
			error = excluded.error,
			cost = excluded.cost,
			completed_at = excluded.completed_at`,
		j.ID, j.AgentID, j.Prompt, j.Status, j.BatchID, j.Provider, j.CorrelationID, j.Model,
		j.Result, j.Error, j.Cost, j.CreatedAt, j.CompletedAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListPendingJobs returns jobs that still wait on their provider batch.
func (s *Store) ListPendingJobs() ([]Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs
		WHERE status NOT IN ('completed', 'failed')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
