package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ChainRecord is the persisted form of a chain. State carries the full
// chain document; the other columns are copies used for querying.
type ChainRecord struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	Mode        string          `json:"mode"`
	Stage       string          `json:"stage"`
	TargetID    string          `json:"target_id"`
	Cost        float64         `json:"cost"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const chainColumns = `id, request_id, mode, stage, target_id, cost, state, created_at, updated_at, completed_at`

// terminalStages are the chain stages no tick will ever move again.
const terminalStages = `('completed', 'failed')`

func scanChain(sc scanner) (*ChainRecord, error) {
	r := &ChainRecord{}
	var state string
	err := sc.Scan(&r.ID, &r.RequestID, &r.Mode, &r.Stage, &r.TargetID, &r.Cost, &state, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.State = json.RawMessage(state)
	return r, nil
}

// SaveChain writes the whole record, replacing any previous version.
func (s *Store) SaveChain(r *ChainRecord) error {
	r.UpdatedAt = now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO chains (`+chainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			target_id = excluded.target_id,
			cost = excluded.cost,
			state = excluded.state,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		r.ID, r.RequestID, r.Mode, r.Stage, r.TargetID, r.Cost, string(r.State), r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save chain: %w", err)
	}
	return nil
}

func (s *Store) GetChain(id string) (*ChainRecord, error) {
	row := s.db.QueryRow(`SELECT `+chainColumns+` FROM chains WHERE id = ?`, id)
	r, err := scanChain(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chain: %w", err)
	}
	return r, nil
}

// ListNonTerminalChains returns every chain still in flight, oldest first.
func (s *Store) ListNonTerminalChains() ([]ChainRecord, error) {
	return s.queryChains(`SELECT ` + chainColumns + ` FROM chains
		WHERE stage NOT IN ` + terminalStages + `
		ORDER BY created_at, id`)
}

func (s *Store) ListChains(limit int) ([]ChainRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryChains(`SELECT `+chainColumns+` FROM chains ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Store) queryChains(query string, args ...any) ([]ChainRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	var chains []ChainRecord
	for rows.Next() {
		r, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		chains = append(chains, *r)
	}
	return chains, rows.Err()
}

// PruneChains deletes terminal chains completed before the cutoff, along
// with their activity log. It returns the number of chains removed.
func (s *Store) PruneChains(before time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	where := `stage IN ` + terminalStages + ` AND completed_at IS NOT NULL AND completed_at < ?`
	if _, err := tx.Exec(`DELETE FROM activity WHERE chain_id IN (SELECT id FROM chains WHERE `+where+`)`, before.UTC()); err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM chains WHERE `+where, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune chains: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
