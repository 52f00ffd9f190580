package chain

import (
	"fmt"
	"time"
)

// StatusView is the progress summary of a chain.
type StatusView struct {
	ID          string     `json:"id"`
	Mode        Mode       `json:"mode"`
	Stage       Stage      `json:"stage"`
	Status      string     `json:"status"`
	TargetID    string     `json:"target_id,omitempty"`
	Cost        float64    `json:"cost"`
	Batches     int        `json:"batches"`
	Pending     int        `json:"pending"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Get loads a chain. It returns ErrNotFound for unknown ids.
func (d *Driver) Get(id string) (*Chain, error) {
	c, err := d.repo.LoadChain(id)
	if err != nil {
		return nil, fmt.Errorf("load chain %s: %w", id, err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

func (d *Driver) Status(id string) (*StatusView, error) {
	c, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	v := Describe(c)
	return &v, nil
}

// Recent summarises the latest chains, newest first.
func (d *Driver) Recent(limit int) ([]StatusView, error) {
	chains, err := d.repo.ListRecent(limit)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	views := make([]StatusView, 0, len(chains))
	for _, c := range chains {
		views = append(views, Describe(c))
	}
	return views, nil
}

// Describe summarises c for status queries.
func Describe(c *Chain) StatusView {
	v := StatusView{
		ID:          c.ID,
		Mode:        c.Mode,
		Stage:       c.Stage,
		TargetID:    c.TargetID,
		Cost:        c.Cost,
		Error:       c.Error,
		CreatedAt:   c.CreatedAt,
		CompletedAt: c.CompletedAt,
	}
	current := c.Batches()
	v.Batches = len(current)
	for _, b := range current {
		if !b.Status.Terminal() {
			v.Pending++
		}
	}

	switch {
	case c.Stage == StageCompleted:
		v.Status = "completed"
	case c.Stage == StageFailed:
		v.Status = "failed: " + c.Error
	case v.Pending > 0:
		v.Status = fmt.Sprintf("%s: waiting on %d of %d batches", c.Stage, v.Pending, v.Batches)
	default:
		v.Status = fmt.Sprintf("%s: ready to advance", c.Stage)
	}
	return v
}
