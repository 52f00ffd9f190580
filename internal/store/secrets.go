package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secret is a sealed credential, such as a provider API key. Value holds
// vault output and is never serialized.
type Secret struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Value       []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveSecret(sec *Secret) error {
	ts := now()
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = ts
	}
	sec.UpdatedAt = ts
	_, err := s.db.Exec(`
		INSERT INTO secrets (id, description, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		sec.ID, sec.Description, sec.Value, sec.CreatedAt, sec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(id string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT id, description, value, created_at, updated_at
		FROM secrets WHERE id = ?`, id)
	sec := &Secret{}
	var desc sql.NullString
	err := row.Scan(&sec.ID, &desc, &sec.Value, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	sec.Description = desc.String
	return sec, nil
}

// ListSecrets returns secret metadata without values.
func (s *Store) ListSecrets() ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT id, description, created_at, updated_at
		FROM secrets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		var sec Secret
		var desc sql.NullString
		if err := rows.Scan(&sec.ID, &desc, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		sec.Description = desc.String
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(id string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}
