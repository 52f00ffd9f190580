package chain

import (
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/batchchain/internal/store"
)

// Repository is the durable home of chains and of the requests they serve.
// Chains are read and rewritten whole.
type Repository interface {
	CreateRequest(r *store.Request) error
	SetRequestStatus(id, status, summary string) error
	SaveChain(c *Chain) error
	LoadChain(id string) (*Chain, error)
	ListNonTerminal() ([]*Chain, error)
	ListRecent(limit int) ([]*Chain, error)
	LogActivity(chainID string, stage Stage, message string) error
}

// JobRepository persists single-step jobs.
type JobRepository interface {
	SaveJob(j *store.Job) error
	GetJob(id string) (*store.Job, error)
	ListPendingJobs() ([]store.Job, error)
}

// StoreRepository keeps chains in the SQLite store as JSON documents.
type StoreRepository struct {
	store *store.Store
}

func NewStoreRepository(s *store.Store) *StoreRepository {
	return &StoreRepository{store: s}
}

func (r *StoreRepository) CreateRequest(req *store.Request) error {
	return r.store.SaveRequest(req)
}

func (r *StoreRepository) SetRequestStatus(id, status, summary string) error {
	return r.store.UpdateRequestStatus(id, status, summary)
}

func (r *StoreRepository) SaveChain(c *Chain) error {
	state, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chain %s: %w", c.ID, err)
	}
	return r.store.SaveChain(&store.ChainRecord{
		ID:          c.ID,
		RequestID:   c.RequestID,
		Mode:        string(c.Mode),
		Stage:       string(c.Stage),
		TargetID:    c.TargetID,
		Cost:        c.Cost,
		State:       state,
		CreatedAt:   c.CreatedAt,
		CompletedAt: c.CompletedAt,
	})
}

func (r *StoreRepository) LoadChain(id string) (*Chain, error) {
	rec, err := r.store.GetChain(id)
	if err != nil || rec == nil {
		return nil, err
	}
	return decodeChain(rec)
}

func (r *StoreRepository) ListNonTerminal() ([]*Chain, error) {
	recs, err := r.store.ListNonTerminalChains()
	if err != nil {
		return nil, err
	}
	return decodeChains(recs)
}

// ListRecent returns the most recently created chains, newest first.
func (r *StoreRepository) ListRecent(limit int) ([]*Chain, error) {
	recs, err := r.store.ListChains(limit)
	if err != nil {
		return nil, err
	}
	return decodeChains(recs)
}

func decodeChains(recs []store.ChainRecord) ([]*Chain, error) {
	chains := make([]*Chain, 0, len(recs))
	for i := range recs {
		c, err := decodeChain(&recs[i])
		if err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}
	return chains, nil
}

func (r *StoreRepository) LogActivity(chainID string, stage Stage, message string) error {
	return r.store.AppendActivity(&store.Activity{ChainID: chainID, Stage: string(stage), Message: message})
}

func (r *StoreRepository) SaveJob(j *store.Job) error { return r.store.SaveJob(j) }

func (r *StoreRepository) GetJob(id string) (*store.Job, error) { return r.store.GetJob(id) }

func (r *StoreRepository) ListPendingJobs() ([]store.Job, error) { return r.store.ListPendingJobs() }

func decodeChain(rec *store.ChainRecord) (*Chain, error) {
	var c Chain
	if err := json.Unmarshal(rec.State, &c); err != nil {
		return nil, fmt.Errorf("decode chain %s: %w", rec.ID, err)
	}
	if c.IDToAgent == nil {
		c.IDToAgent = make(map[string]string)
	}
	return &c, nil
}
