package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Activity is one entry of a chain's append-only transition log.
type Activity struct {
	ID        int64           `json:"id"`
	ChainID   string          `json:"chain_id"`
	Stage     string          `json:"stage"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) AppendActivity(a *Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	var metadata any
	if len(a.Metadata) > 0 {
		metadata = string(a.Metadata)
	}
	result, err := s.db.Exec(`
		INSERT INTO activity (chain_id, stage, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ChainID, a.Stage, a.Message, metadata, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	a.ID, _ = result.LastInsertId()
	return nil
}

// GetActivity returns a chain's log in insertion order.
func (s *Store) GetActivity(chainID string) ([]Activity, error) {
	rows, err := s.db.Query(`
		SELECT id, chain_id, stage, message, metadata, created_at
		FROM activity
		WHERE chain_id = ?
		ORDER BY id`, chainID)
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	defer rows.Close()

	var entries []Activity
	for rows.Next() {
		var a Activity
		var metadata *string
		if err := rows.Scan(&a.ID, &a.ChainID, &a.Stage, &a.Message, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if metadata != nil {
			a.Metadata = json.RawMessage(*metadata)
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}
