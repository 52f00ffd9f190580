package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mtzanidakis/batchchain/internal/gateway"
	"github.com/mtzanidakis/batchchain/internal/store"
)

type fakeDriver struct {
	mu        sync.Mutex
	chains    []*chain.Chain
	jobs      []store.Job
	advanced  []string
	abandoned []string
	jobRuns   []string
	advanceCh chan string
	err       error
}

func (d *fakeDriver) ListNonTerminal() ([]*chain.Chain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*chain.Chain(nil), d.chains...), nil
}

func (d *fakeDriver) Advance(_ context.Context, c *chain.Chain) error {
	d.mu.Lock()
	d.advanced = append(d.advanced, c.ID)
	ch := d.advanceCh
	d.mu.Unlock()
	if ch != nil {
		select {
		case ch <- c.ID:
		default:
		}
	}
	return d.err
}

func (d *fakeDriver) Abandon(_ context.Context, c *chain.Chain, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abandoned = append(d.abandoned, c.ID)
	return nil
}

func (d *fakeDriver) PendingJobs() ([]store.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]store.Job(nil), d.jobs...), nil
}

func (d *fakeDriver) AdvanceJob(_ context.Context, j *store.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobRuns = append(d.jobRuns, j.ID)
	return nil
}

type fakePruner struct {
	before []time.Time
}

func (p *fakePruner) PruneChains(before time.Time) (int64, error) {
	p.before = append(p.before, before)
	return 2, nil
}

func waitingChain(id string, ticks int) *chain.Chain {
	return &chain.Chain{
		ID:         id,
		Stage:      chain.StageSpecialists,
		StageTicks: ticks,
		Specialists: &chain.SpecialistsState{
			Batches: []chain.PhysicalBatch{{BatchID: "b-" + id, Status: gateway.StatusRunning}},
		},
	}
}

func TestTickAdvancesEachChainOnce(t *testing.T) {
	d := &fakeDriver{
		chains: []*chain.Chain{waitingChain("a", 0), waitingChain("b", 3)},
		jobs:   []store.Job{{ID: "j1"}},
		err:    errors.New("boom"),
	}
	s := New(d, d, nil, config.SchedulerConfig{})

	if n := s.Tick(context.Background()); n != 3 {
		t.Errorf("expected 3 items, got %d", n)
	}
	if len(d.advanced) != 2 || d.advanced[0] != "a" || d.advanced[1] != "b" {
		t.Errorf("expected a and b advanced once, got %v", d.advanced)
	}
	if len(d.jobRuns) != 1 {
		t.Errorf("expected job advanced, got %v", d.jobRuns)
	}
}

func TestTickAbandonsStaleChains(t *testing.T) {
	done := waitingChain("done", 9)
	done.Specialists.Batches[0].Status = gateway.StatusCompleted
	done.Specialists.Batches[0].Collected = true

	d := &fakeDriver{chains: []*chain.Chain{waitingChain("fresh", 2), waitingChain("stale", 5), done}}
	s := New(d, d, nil, config.SchedulerConfig{StaleAfterTicks: 5})
	s.Tick(context.Background())

	if len(d.abandoned) != 1 || d.abandoned[0] != "stale" {
		t.Errorf("expected only stale chain abandoned, got %v", d.abandoned)
	}
	// A chain whose batches are terminal is ready to move, not stale.
	if len(d.advanced) != 2 || d.advanced[1] != "done" {
		t.Errorf("expected fresh and done advanced, got %v", d.advanced)
	}
}

func TestTickAbandonsUncollectedBatch(t *testing.T) {
	// The provider reports the batch completed but its results can no
	// longer be downloaded.
	stuck := waitingChain("stuck", 1000)
	stuck.Specialists.Batches[0].Status = gateway.StatusCompleted

	recent := waitingChain("recent", 2)
	recent.Specialists.Batches[0].Status = gateway.StatusCompleted

	d := &fakeDriver{chains: []*chain.Chain{stuck, recent}}
	s := New(d, d, nil, config.SchedulerConfig{StaleAfterTicks: 5})
	s.Tick(context.Background())

	if len(d.abandoned) != 1 || d.abandoned[0] != "stuck" {
		t.Errorf("expected stuck chain abandoned, got %v", d.abandoned)
	}
	if len(d.advanced) != 1 || d.advanced[0] != "recent" {
		t.Errorf("expected recent chain retried, got %v", d.advanced)
	}
}

func TestTickIdle(t *testing.T) {
	d := &fakeDriver{}
	s := New(d, d, nil, config.SchedulerConfig{})
	if n := s.Tick(context.Background()); n != 0 {
		t.Errorf("expected idle tick, got %d", n)
	}
}

func TestWakeRearmsIdleScheduler(t *testing.T) {
	d := &fakeDriver{advanceCh: make(chan string, 1)}
	s := New(d, d, nil, config.SchedulerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	// Let a few empty ticks put the loop to sleep.
	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	d.chains = []*chain.Chain{waitingChain("new", 0)}
	d.mu.Unlock()
	s.Wake()

	select {
	case id := <-d.advanceCh:
		if id != "new" {
			t.Errorf("expected new chain advanced, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not resume after wake")
	}
}

func TestWakeDoesNotBlock(t *testing.T) {
	d := &fakeDriver{}
	s := New(d, d, nil, config.SchedulerConfig{})
	for i := 0; i < 5; i++ {
		s.Wake()
	}
}

func TestUpdateConfig(t *testing.T) {
	d := &fakeDriver{}
	s := New(d, d, nil, config.SchedulerConfig{})
	if s.interval() != 60*time.Second {
		t.Errorf("expected default interval, got %v", s.interval())
	}
	s.UpdateConfig(config.SchedulerConfig{PollInterval: 5 * time.Second, StaleAfterTicks: 7})
	if s.interval() != 5*time.Second || s.staleAfter != 7 {
		t.Errorf("expected updated settings, got %v/%d", s.interval(), s.staleAfter)
	}
}

func TestPrune(t *testing.T) {
	d := &fakeDriver{}
	p := &fakePruner{}
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s := New(d, d, p, config.SchedulerConfig{PruneCron: "0 3 * * *", History: 48 * time.Hour})
	s.now = func() time.Time { return now }

	s.prune()
	if len(p.before) != 1 || !p.before[0].Equal(now.Add(-48*time.Hour)) {
		t.Errorf("unexpected prune cutoff %v", p.before)
	}

	wait := s.untilPrune()
	if wait != 24*time.Hour {
		t.Errorf("expected next prune in 24h, got %v", wait)
	}
}

func TestPruneDisabledWithoutHistory(t *testing.T) {
	d := &fakeDriver{}
	p := &fakePruner{}
	s := New(d, d, p, config.SchedulerConfig{PruneCron: "0 3 * * *"})
	s.prune()
	if len(p.before) != 0 {
		t.Error("expected no prune without a history window")
	}
}

func TestNextRun(t *testing.T) {
	ref := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)

	next, err := NextRun("0 9 * * *", ref)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	if next, err := NextRun("", ref); err != nil || next != nil {
		t.Errorf("expected empty expression to never run, got %v, %v", next, err)
	}
	if _, err := NextRun("not a cron", ref); err == nil {
		t.Error("expected error for invalid expression")
	}
}
