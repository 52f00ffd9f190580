package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Request is the originating user request a chain works on. The chain only
// ever updates its status and summary.
type Request struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Mode      string    `json:"mode"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	ChainID   string    `json:"chain_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const requestColumns = `id, text, mode, source, status, summary, chain_id, created_at, updated_at`

func scanRequest(sc scanner) (*Request, error) {
	r := &Request{}
	var summary, chainID sql.NullString
	err := sc.Scan(&r.ID, &r.Text, &r.Mode, &r.Source, &r.Status, &summary, &chainID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Summary = summary.String
	r.ChainID = chainID.String
	return r, nil
}

func (s *Store) SaveRequest(r *Request) error {
	ts := now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = ts
	}
	r.UpdatedAt = ts
	if r.Status == "" {
		r.Status = "pending"
	}
	_, err := s.db.Exec(`
		INSERT INTO requests (id, text, mode, source, status, summary, chain_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			chain_id = excluded.chain_id,
			updated_at = excluded.updated_at`,
		r.ID, r.Text, r.Mode, r.Source, r.Status, r.Summary, r.ChainID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *Store) ListRequests(limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

// UpdateRequestStatus writes the status summary of a request.
func (s *Store) UpdateRequestStatus(id, status, summary string) error {
	_, err := s.db.Exec(`
		UPDATE requests SET status = ?, summary = ?, updated_at = ?
		WHERE id = ?`, status, summary, now(), id)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return nil
}
