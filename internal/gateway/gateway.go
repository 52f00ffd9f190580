package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type backend struct {
	provider Provider
	models   []string
	limiter  *rate.Limiter
}

// Gateway routes batch requests to providers by model name prefix.
type Gateway struct {
	mu       sync.RWMutex
	backends map[string]*backend
}

func New() *Gateway {
	return &Gateway{backends: make(map[string]*backend)}
}

// Register adds p for the given model prefixes. rps limits provider calls
// per second; 0 means unlimited. Registering the same name again replaces
// the previous provider.
func (g *Gateway) Register(p Provider, models []string, rps float64) {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backends[p.Name()] = &backend{
		provider: p,
		models:   append([]string(nil), models...),
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Providers returns the registered provider names, sorted.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.backends))
	for name := range g.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) HasProviders() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.backends) > 0
}

// ProviderFor returns the provider serving model. The longest matching
// prefix wins; ties go to the lexically smaller provider name.
func (g *Gateway) ProviderFor(model string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	best, bestLen := "", -1
	for name, b := range g.backends {
		for _, prefix := range b.models {
			if !strings.HasPrefix(model, prefix) {
				continue
			}
			if len(prefix) > bestLen || (len(prefix) == bestLen && name < best) {
				best, bestLen = name, len(prefix)
			}
		}
	}
	if best == "" {
		return "", fmt.Errorf("model %q: %w", model, ErrNoProvider)
	}
	return best, nil
}

func (g *Gateway) backend(name string) (*backend, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.backends[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrNoProvider)
	}
	return b, nil
}

// Submit sends reqs as one physical batch. All requests must be served by
// the same provider.
func (g *Gateway) Submit(ctx context.Context, reqs []Request) (Handle, error) {
	if len(reqs) == 0 {
		return Handle{}, fmt.Errorf("submit: empty batch")
	}
	name, err := g.ProviderFor(reqs[0].Model)
	if err != nil {
		return Handle{}, err
	}
	for _, r := range reqs[1:] {
		other, err := g.ProviderFor(r.Model)
		if err != nil {
			return Handle{}, err
		}
		if other != name {
			return Handle{}, fmt.Errorf("submit: requests span providers %s and %s", name, other)
		}
	}
	return g.submitTo(ctx, name, reqs)
}

func (g *Gateway) submitTo(ctx context.Context, name string, reqs []Request) (Handle, error) {
	h := Handle{Provider: name, CorrelationIDs: correlationIDs(reqs)}
	b, err := g.backend(name)
	if err != nil {
		return h, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return h, &SubmissionError{Provider: name, Err: err}
	}
	id, err := b.provider.Submit(ctx, reqs)
	if err != nil {
		return h, &SubmissionError{Provider: name, Err: err}
	}
	h.BatchID = id
	slog.Info("batch submitted", "provider", name, "batch_id", id, "requests", len(reqs))
	return h, nil
}

// SubmitGrouped partitions reqs by provider and submits one batch per
// partition in parallel. Partitions fail independently. Requests whose
// model has no provider are returned as one failed group with an empty
// provider. Groups follow the order in which providers first appear.
func (g *Gateway) SubmitGrouped(ctx context.Context, reqs []Request) []GroupResult {
	var order []string
	parts := make(map[string][]Request)
	var unrouted []Request
	for _, r := range reqs {
		name, err := g.ProviderFor(r.Model)
		if err != nil {
			unrouted = append(unrouted, r)
			continue
		}
		if _, ok := parts[name]; !ok {
			order = append(order, name)
		}
		parts[name] = append(parts[name], r)
	}

	results := make([]GroupResult, len(order))
	var eg errgroup.Group
	for i, name := range order {
		eg.Go(func() error {
			h, err := g.submitTo(ctx, name, parts[name])
			results[i] = GroupResult{Handle: h, Err: err}
			return nil
		})
	}
	_ = eg.Wait()

	if len(unrouted) > 0 {
		results = append(results, GroupResult{
			Handle: Handle{CorrelationIDs: correlationIDs(unrouted)},
			Err:    ErrNoProvider,
		})
	}
	return results
}

// Check returns the lifecycle status of a batch. It has no side effects.
func (g *Gateway) Check(ctx context.Context, batchID, provider string) (BatchStatus, error) {
	b, err := g.backend(provider)
	if err != nil {
		return BatchStatus{}, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return BatchStatus{}, &TransientError{Op: "check", Provider: provider, BatchID: batchID, Err: err}
	}
	st, err := b.provider.Check(ctx, batchID)
	if err != nil {
		return BatchStatus{}, &TransientError{Op: "check", Provider: provider, BatchID: batchID, Err: err}
	}
	return st, nil
}

// Retrieve returns per-request results of a completed batch.
func (g *Gateway) Retrieve(ctx context.Context, batchID, provider string) ([]Result, error) {
	b, err := g.backend(provider)
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Op: "retrieve", Provider: provider, BatchID: batchID, Err: err}
	}
	res, err := b.provider.Retrieve(ctx, batchID)
	if err != nil {
		return nil, &TransientError{Op: "retrieve", Provider: provider, BatchID: batchID, Err: err}
	}
	return res, nil
}

func correlationIDs(reqs []Request) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.CorrelationID
	}
	return ids
}
