package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mtzanidakis/batchchain/internal/classifier"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mtzanidakis/batchchain/internal/directory"
	"github.com/mtzanidakis/batchchain/internal/gateway"
	"github.com/mtzanidakis/batchchain/internal/store"
)

// fakeProvider keeps batches in memory. Batches start running and only
// change status when a test says so.
type fakeProvider struct {
	mu         sync.Mutex
	name       string
	seq        int
	batches    map[string]*fakeBatch
	order      []string
	submitErr  error
	checkErr   error
	costPer    float64
	reply      func(r gateway.Request) string
	itemErrors map[string]string
}

type fakeBatch struct {
	reqs   []gateway.Request
	status gateway.Status
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:       name,
		batches:    make(map[string]*fakeBatch),
		costPer:    0.01,
		itemErrors: make(map[string]string),
	}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Submit(_ context.Context, reqs []gateway.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.seq++
	id := fmt.Sprintf("%s-batch-%d", p.name, p.seq)
	p.batches[id] = &fakeBatch{reqs: append([]gateway.Request(nil), reqs...), status: gateway.StatusRunning}
	p.order = append(p.order, id)
	return id, nil
}

func (p *fakeProvider) Check(_ context.Context, batchID string) (gateway.BatchStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkErr != nil {
		return gateway.BatchStatus{}, p.checkErr
	}
	b, ok := p.batches[batchID]
	if !ok {
		return gateway.BatchStatus{}, errors.New("no such batch")
	}
	done := 0
	if b.status.Terminal() {
		done = len(b.reqs)
	}
	return gateway.BatchStatus{Status: b.status, Progress: gateway.Progress{Done: done, Total: len(b.reqs)}}, nil
}

func (p *fakeProvider) Retrieve(_ context.Context, batchID string) ([]gateway.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.batches[batchID]
	if !ok || b.status != gateway.StatusCompleted {
		return nil, errors.New("batch not completed")
	}
	results := make([]gateway.Result, 0, len(b.reqs))
	for _, r := range b.reqs {
		res := gateway.Result{CorrelationID: r.CorrelationID, Model: r.Model, Cost: p.costPer}
		if msg, ok := p.itemErrors[r.CorrelationID]; ok {
			res.Error = msg
		} else if p.reply != nil {
			res.Content = p.reply(r)
		} else {
			res.Content = "output of " + r.CorrelationID
		}
		results = append(results, res)
	}
	return results, nil
}

// finish sets the status of every batch that is still running.
func (p *fakeProvider) finish(status gateway.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.batches {
		if !b.status.Terminal() {
			b.status = status
		}
	}
}

func (p *fakeProvider) submitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *fakeProvider) requests(i int) []gateway.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches[p.order[i]].reqs
}

func (p *fakeProvider) lastRequests() []gateway.Request {
	return p.requests(p.submitted() - 1)
}

// recordingRepo remembers every stage and cost a chain was saved with.
type recordingRepo struct {
	*StoreRepository
	mu     sync.Mutex
	stages map[string][]Stage
	costs  map[string][]float64
}

func (r *recordingRepo) SaveChain(c *Chain) error {
	r.mu.Lock()
	r.stages[c.ID] = append(r.stages[c.ID], c.Stage)
	r.costs[c.ID] = append(r.costs[c.ID], c.Cost)
	r.mu.Unlock()
	return r.StoreRepository.SaveChain(c)
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []*Chain
	err       error
}

func (s *recordingSink) Deliver(_ context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, c)
	return s.err
}

type harness struct {
	t         *testing.T
	driver    *Driver
	repo      *recordingRepo
	store     *store.Store
	gw        *gateway.Gateway
	anthropic *fakeProvider
	openai    *fakeProvider
	sink      *recordingSink
	woken     int
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Defaults: config.DefaultsConfig{Model: "claude-haiku-4-5-20251001", BasePath: t.TempDir()},
		Departments: []config.DepartmentConfig{
			{ID: "legal", Keywords: []string{"contract", "nda"}, Specialists: []string{"contracts", "compliance"}},
			{ID: "finance", Keywords: []string{"invoice"}, Specialists: []string{"tax"}},
			{ID: "support"},
		},
		Agents: map[string]config.AgentDefinition{
			"legal":      {Name: "Legal", Description: "Legal review", Persona: "You lead the legal department."},
			"contracts":  {Name: "Contracts Counsel", Persona: "You review contracts."},
			"compliance": {Name: "Compliance Officer", Model: "gpt-4o-mini", Persona: "You check regulatory compliance."},
			"finance":    {Name: "Finance", Description: "Money matters"},
			"tax":        {Name: "Tax Advisor"},
			"support":    {Name: "Support", Description: "General questions"},
		},
		Classifier: config.ClassifierConfig{FallbackAgent: "support"},
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dir, err := directory.New(cfg)
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	h := &harness{
		t:         t,
		store:     s,
		gw:        gateway.New(),
		anthropic: newFakeProvider("anthropic"),
		openai:    newFakeProvider("openai"),
		sink:      &recordingSink{},
	}
	h.gw.Register(h.anthropic, []string{"claude-"}, 0)
	h.gw.Register(h.openai, []string{"gpt-"}, 0)

	base := NewStoreRepository(s)
	h.repo = &recordingRepo{StoreRepository: base, stages: make(map[string][]Stage), costs: make(map[string][]float64)}
	h.driver = New(Deps{
		Repo:       h.repo,
		Jobs:       base,
		Gateway:    h.gw,
		Directory:  dir,
		Classifier: classifier.New(dir, "claude-haiku-4-5-20251001"),
		Sink:       h.sink,
		MaxTokens:  1024,
	})
	h.driver.SetWaker(func() { h.woken++ })
	return h
}

func (h *harness) create(text string, mode Mode) *Chain {
	h.t.Helper()
	c, err := h.driver.Create(context.Background(), NewChain{Text: text, Mode: mode, Source: "test"})
	if err != nil {
		h.t.Fatalf("create chain: %v", err)
	}
	return c
}

// advance loads the chain from storage and advances it once, the way a
// scheduler tick does.
func (h *harness) advance(id string) *Chain {
	h.t.Helper()
	c, err := h.driver.Get(id)
	if err != nil {
		h.t.Fatalf("load chain: %v", err)
	}
	if err := h.driver.Advance(context.Background(), c); err != nil {
		h.t.Fatalf("advance chain: %v", err)
	}
	got, err := h.driver.Get(id)
	if err != nil {
		h.t.Fatalf("reload chain: %v", err)
	}
	return got
}

// assertForward checks that the saved stages of a chain never move back.
func (h *harness) assertForward(id string) {
	h.t.Helper()
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	stages := h.repo.stages[id]
	for i := 1; i < len(stages); i++ {
		if stages[i].Rank() < stages[i-1].Rank() {
			h.t.Fatalf("stage regressed: %v", stages)
		}
		if stages[i-1] == StageFailed || stages[i-1] == StageCompleted {
			if stages[i] != stages[i-1] {
				h.t.Fatalf("terminal stage left: %v", stages)
			}
		}
	}
}

// distinctStages collapses repeated saves of the same stage.
func (h *harness) distinctStages(id string) []Stage {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	var out []Stage
	for _, s := range h.repo.stages[id] {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}
