package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mtzanidakis/batchchain/internal/gateway"
	"github.com/mtzanidakis/batchchain/internal/store"
)

// advanceTimeout bounds the provider calls of one chain or job per tick.
const advanceTimeout = 2 * time.Minute

// Driver is the part of the chain driver the scheduler runs.
type Driver interface {
	Advance(ctx context.Context, c *chain.Chain) error
	Abandon(ctx context.Context, c *chain.Chain, reason string) error
	PendingJobs() ([]store.Job, error)
	AdvanceJob(ctx context.Context, j *store.Job) error
}

type ChainSource interface {
	ListNonTerminal() ([]*chain.Chain, error)
}

type Pruner interface {
	PruneChains(before time.Time) (int64, error)
}

// Scheduler advances every non-terminal chain and pending job once per
// tick. When a tick finds nothing to do the ticker is stopped until Wake.
type Scheduler struct {
	chains ChainSource
	driver Driver
	pruner Pruner

	mu           sync.Mutex
	pollInterval time.Duration
	staleAfter   int
	pruneCron    string
	history      time.Duration

	reloadCh chan struct{}
	wakeCh   chan struct{}
	now      func() time.Time
}

func New(chains ChainSource, driver Driver, pruner Pruner, cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{
		chains:   chains,
		driver:   driver,
		pruner:   pruner,
		reloadCh: make(chan struct{}, 1),
		wakeCh:   make(chan struct{}, 1),
		now:      time.Now,
	}
	s.apply(cfg)
	return s
}

func (s *Scheduler) apply(cfg config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollInterval = cfg.PollInterval
	if s.pollInterval <= 0 {
		s.pollInterval = 60 * time.Second
	}
	s.staleAfter = cfg.StaleAfterTicks
	s.pruneCron = cfg.PruneCron
	s.history = cfg.History
}

// UpdateConfig swaps the scheduler settings, then signals the run loop to
// reset its ticker and prune timer.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.apply(cfg)
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Wake re-arms an idle scheduler. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prune := time.NewTimer(s.untilPrune())
	defer prune.Stop()

	slog.Info("scheduler started", "poll_interval", interval)

	idle := false
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			interval = s.interval()
			if !idle {
				ticker.Reset(interval)
			}
			prune.Reset(s.untilPrune())
			slog.Info("scheduler config reloaded", "poll_interval", interval)
		case <-s.wakeCh:
			if idle {
				idle = false
				ticker.Reset(interval)
				slog.Debug("scheduler woken")
			}
		case <-ticker.C:
			if s.Tick(ctx) == 0 {
				idle = true
				ticker.Stop()
				slog.Debug("scheduler idle")
			}
		case <-prune.C:
			s.prune()
			prune.Reset(s.untilPrune())
		}
	}
}

// Tick advances every non-terminal chain and pending job once and returns
// how many needed attention. A chain that has waited on its batches for
// more than the staleness threshold is abandoned instead.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	staleAfter := s.staleAfter
	s.mu.Unlock()

	chains, err := s.chains.ListNonTerminal()
	if err != nil {
		slog.Error("failed to list chains", "error", err)
		// keep polling, storage may recover
		return 1
	}
	for _, c := range chains {
		s.advance(ctx, c, staleAfter)
	}

	jobs, err := s.driver.PendingJobs()
	if err != nil {
		slog.Error("failed to list pending jobs", "error", err)
		return len(chains) + 1
	}
	for i := range jobs {
		jctx, cancel := context.WithTimeout(ctx, advanceTimeout)
		if err := s.driver.AdvanceJob(jctx, &jobs[i]); err != nil {
			slog.Error("job advance failed", "job_id", jobs[i].ID, "error", err)
		}
		cancel()
	}
	return len(chains) + len(jobs)
}

func (s *Scheduler) advance(ctx context.Context, c *chain.Chain, staleAfter int) {
	cctx, cancel := context.WithTimeout(ctx, advanceTimeout)
	defer cancel()

	if staleAfter > 0 && c.StageTicks >= staleAfter && pending(c) {
		slog.Warn("abandoning stale chain", "chain_id", c.ID, "stage", c.Stage, "ticks", c.StageTicks)
		if err := s.driver.Abandon(cctx, c, "no progress in "+string(c.Stage)+" stage"); err != nil {
			slog.Error("abandon chain failed", "chain_id", c.ID, "error", err)
		}
		return
	}
	if err := s.driver.Advance(cctx, c); err != nil {
		slog.Error("chain advance failed", "chain_id", c.ID, "stage", c.Stage, "error", err)
	}
}

// pending reports whether the current stage still waits on a batch: one
// that is not terminal, or one that completed but whose results could not
// be retrieved yet.
func pending(c *chain.Chain) bool {
	for _, b := range c.Batches() {
		if !b.Status.Terminal() {
			return true
		}
		if b.Status == gateway.StatusCompleted && !b.Collected {
			return true
		}
	}
	return false
}

// untilPrune is the delay to the next prune run. Without a usable cron
// expression the timer is parked far in the future.
func (s *Scheduler) untilPrune() time.Duration {
	s.mu.Lock()
	expr := s.pruneCron
	s.mu.Unlock()

	const never = 24 * 365 * time.Hour
	if s.pruner == nil {
		return never
	}
	next, err := NextRun(expr, s.now())
	if err != nil {
		slog.Error("prune schedule disabled", "error", err)
		return never
	}
	if next == nil {
		return never
	}
	return max(next.Sub(s.now()), time.Second)
}

func (s *Scheduler) prune() {
	s.mu.Lock()
	history := s.history
	s.mu.Unlock()
	if s.pruner == nil || history <= 0 {
		return
	}
	before := s.now().Add(-history)
	n, err := s.pruner.PruneChains(before)
	if err != nil {
		slog.Error("prune chains failed", "error", err)
		return
	}
	slog.Info("pruned chains", "count", n, "before", before.Format(time.RFC3339))
}
