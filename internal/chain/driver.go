package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/batchchain/internal/classifier"
	"github.com/mtzanidakis/batchchain/internal/directory"
	"github.com/mtzanidakis/batchchain/internal/gateway"
	"github.com/mtzanidakis/batchchain/internal/natsbus"
	"github.com/mtzanidakis/batchchain/internal/store"
)

var (
	ErrEmptyText   = errors.New("request text is empty")
	ErrInvalidMode = errors.New("invalid chain mode")
	ErrNotFound    = errors.New("chain not found")
)

// classifierAgent is the logical agent behind classification requests.
const classifierAgent = "classifier"

// Gateway is the provider batch gateway as the driver uses it.
type Gateway interface {
	HasProviders() bool
	Submit(ctx context.Context, reqs []gateway.Request) (gateway.Handle, error)
	SubmitGrouped(ctx context.Context, reqs []gateway.Request) []gateway.GroupResult
	Check(ctx context.Context, batchID, provider string) (gateway.BatchStatus, error)
	Retrieve(ctx context.Context, batchID, provider string) ([]gateway.Result, error)
}

type Directory interface {
	Resolve(agentID string) (directory.Persona, bool)
	Departments() []string
	Subordinates(id string) []string
	Fallback() string
}

// Sink receives every chain that reached a terminal stage.
type Sink interface {
	Deliver(ctx context.Context, c *Chain) error
}

type Publisher interface {
	PublishEvent(topic string, ev natsbus.Event) error
}

type Deps struct {
	Repo       Repository
	Jobs       JobRepository
	Gateway    Gateway
	Directory  Directory
	Classifier *classifier.Classifier
	Sink       Sink
	Publisher  Publisher
	MaxTokens  int64
}

// Driver creates chains and moves them through their stages. Only the
// scheduler calls Advance, so a chain has a single writer after creation.
type Driver struct {
	repo      Repository
	jobs      JobRepository
	gw        Gateway
	dir       Directory
	cls       *classifier.Classifier
	sink      Sink
	pub       Publisher
	maxTokens int64
	wake      func()
	now       func() time.Time
}

func New(d Deps) *Driver {
	return &Driver{
		repo:      d.Repo,
		jobs:      d.Jobs,
		gw:        d.Gateway,
		dir:       d.Directory,
		cls:       d.Classifier,
		sink:      d.Sink,
		pub:       d.Publisher,
		maxTokens: d.MaxTokens,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetWaker registers the function called after a chain or job is created.
func (d *Driver) SetWaker(fn func()) {
	d.wake = fn
}

// NewChain is the input of Create.
type NewChain struct {
	Text   string
	Mode   Mode
	Source string
	Meta   map[string]string
}

// Create records the request and a new chain in the classify stage. A
// keyword hit resolves classification on the spot; otherwise a single-item
// classification batch is submitted.
func (d *Driver) Create(ctx context.Context, in NewChain) (*Chain, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if in.Mode == "" {
		in.Mode = ModeSingle
	}
	if !in.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
	}

	c := &Chain{
		ID:        uuid.New().String(),
		RequestID: uuid.New().String(),
		Text:      text,
		Mode:      in.Mode,
		Stage:     StageClassify,
		IDToAgent: make(map[string]string),
		Meta:      in.Meta,
		CreatedAt: d.now(),
	}
	req := &store.Request{
		ID:      c.RequestID,
		Text:    text,
		Mode:    string(in.Mode),
		Source:  in.Source,
		Status:  "classifying",
		ChainID: c.ID,
	}
	if err := d.repo.CreateRequest(req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.Mode == ModeSingle {
		d.startClassify(ctx, c)
	}
	if err := d.repo.SaveChain(c); err != nil {
		return nil, fmt.Errorf("save chain: %w", err)
	}

	msg := "chain created"
	if v := c.Classify.Verdict; v != nil {
		msg = fmt.Sprintf("classified as %s by %s", v.AgentID, v.Method)
	}
	d.activity(c, msg)
	d.publish(c, natsbus.EventChainCreated, map[string]any{"mode": c.Mode, "stage": c.Stage})
	slog.Info("chain created", "chain_id", c.ID, "mode", c.Mode, "source", in.Source)

	if d.wake != nil {
		d.wake()
	}
	return c, nil
}

func (d *Driver) startClassify(ctx context.Context, c *Chain) {
	if v, ok := d.cls.Keyword(c.Text); ok {
		c.Classify.Verdict = &v
		return
	}
	if !d.gw.HasProviders() {
		v := d.cls.Fallback("no provider configured")
		c.Classify.Verdict = &v
		return
	}

	corr := d.assign(c, StageClassify, classifierAgent)
	h, err := d.gw.Submit(ctx, []gateway.Request{d.cls.Request(corr, c.Text)})
	if err != nil {
		slog.Warn("classification submit failed, using fallback", "chain_id", c.ID, "error", err)
		c.Classify.Batches = append(c.Classify.Batches, PhysicalBatch{
			Provider: h.Provider,
			Status:   gateway.StatusFailed,
			Members:  []string{corr},
			Error:    err.Error(),
		})
		v := d.cls.Fallback("classification submit failed")
		c.Classify.Verdict = &v
		return
	}
	c.Classify.Batches = append(c.Classify.Batches, PhysicalBatch{
		BatchID:  h.BatchID,
		Provider: h.Provider,
		Status:   gateway.StatusSubmitted,
		Members:  h.CorrelationIDs,
		Progress: gateway.Progress{Total: len(h.CorrelationIDs)},
	})
}

// Advance tries to move c out of its current stage. While any batch of the
// stage is not terminal it only refreshes batch status, so calling it again
// never submits more batches.
func (d *Driver) Advance(ctx context.Context, c *Chain) error {
	if c.IDToAgent == nil {
		c.IDToAgent = make(map[string]string)
	}
	switch c.Stage {
	case StageCompleted, StageFailed:
		return nil
	case StageClassify:
		return d.advanceClassify(ctx, c)
	case StageSpecialists:
		return d.advanceSpecialists(ctx, c)
	case StageSynthesis:
		return d.advanceSynthesis(ctx, c)
	default:
		return fmt.Errorf("chain %s: unknown stage %q", c.ID, c.Stage)
	}
}

func (d *Driver) advanceClassify(ctx context.Context, c *Chain) error {
	if c.Mode == ModeSingle && c.Classify.Verdict == nil {
		var (
			got    bool
			result gateway.Result
		)
		ready := d.poll(ctx, c, c.Classify.Batches, func(_ string, r gateway.Result) {
			got, result = true, r
		})
		if !ready {
			return d.wait(c)
		}

		var v classifier.Verdict
		switch {
		case !got:
			v = d.cls.Fallback("classification batch produced no result")
		case result.Error != "":
			v = d.cls.Fallback("classification failed: " + result.Error)
		default:
			parsed, err := d.cls.ParseVerdict(result.Content)
			if err != nil {
				slog.Warn("classification verdict rejected", "chain_id", c.ID, "error", err)
				v = d.cls.Fallback(err.Error())
			} else {
				v = parsed
			}
		}
		v.Cost = result.Cost
		c.Classify.Verdict = &v
	}

	if c.Mode == ModeSingle {
		c.TargetID = c.Classify.Verdict.AgentID
		if c.TargetID == "" {
			return d.fail(ctx, c, "no department available")
		}
	}
	return d.enterSpecialists(ctx, c)
}

func (d *Driver) enterSpecialists(ctx context.Context, c *Chain) error {
	st := &SpecialistsState{Teams: make(map[string][]string), Results: make(map[string]AgentResult)}
	c.Specialists = st

	seen := make(map[string]bool)
	owner := make(map[string]string)
	for _, dep := range d.participants(c) {
		subs := d.dir.Subordinates(dep)
		st.Teams[dep] = subs
		for _, sp := range subs {
			if seen[sp] {
				continue
			}
			seen[sp] = true
			owner[sp] = dep
			st.Agents = append(st.Agents, sp)
		}
	}

	reqs := make([]gateway.Request, 0, len(st.Agents))
	for _, sp := range st.Agents {
		p, ok := d.dir.Resolve(sp)
		if !ok {
			slog.Warn("specialist not in directory", "chain_id", c.ID, "agent", sp)
			continue
		}
		reqs = append(reqs, gateway.Request{
			CorrelationID: d.assign(c, StageSpecialists, sp),
			Prompt:        buildSpecialistPrompt(c.Text, owner[sp]),
			SystemPrompt:  p.SystemPrompt,
			Model:         p.Model,
			MaxTokens:     d.maxTokens,
		})
	}

	if len(reqs) == 0 {
		if err := d.transition(c, StageSpecialists, "no specialists to consult"); err != nil {
			return err
		}
		return d.enterSynthesis(ctx, c, d.participants(c), false)
	}

	batches, ok := d.submit(ctx, reqs)
	st.Batches = batches
	if !ok {
		fb := d.dir.Fallback()
		if err := d.transition(c, StageSpecialists, "specialist submission failed, "+fb+" answers alone"); err != nil {
			return err
		}
		return d.enterSynthesis(ctx, c, []string{fb}, true)
	}
	return d.transition(c, StageSpecialists, fmt.Sprintf("%d specialists in %d batches", len(reqs), len(batches)))
}

func (d *Driver) advanceSpecialists(ctx context.Context, c *Chain) error {
	st := c.Specialists
	if st == nil {
		return d.fail(ctx, c, "specialists stage without state")
	}
	if st.Results == nil {
		st.Results = make(map[string]AgentResult)
	}
	ready := d.poll(ctx, c, st.Batches, func(agent string, r gateway.Result) {
		st.Results[agent] = toAgentResult(agent, r)
	})
	if !ready {
		return d.wait(c)
	}
	return d.enterSynthesis(ctx, c, d.participants(c), false)
}

// enterSynthesis submits one synthesis request per department. If nothing
// could be submitted it retries once with the fallback department alone,
// and fails the chain when that is not possible either.
func (d *Driver) enterSynthesis(ctx context.Context, c *Chain, departments []string, degraded bool) error {
	st := &SynthesisState{Departments: departments, Results: make(map[string]AgentResult), Degraded: degraded}
	c.Synthesis = st

	batches, ok := d.submit(ctx, d.synthesisRequests(c, departments, degraded))
	st.Batches = batches
	if !ok && !degraded {
		fb := d.dir.Fallback()
		slog.Warn("synthesis submission failed, retrying with fallback department", "chain_id", c.ID, "department", fb)
		more, retried := d.submit(ctx, d.synthesisRequests(c, []string{fb}, true))
		st.Batches = append(st.Batches, more...)
		if retried {
			st.Departments = []string{fb}
			st.Degraded = true
			ok = true
		}
	}
	if !ok {
		return d.fail(ctx, c, "synthesis submission failed")
	}

	msg := fmt.Sprintf("synthesis by %s", strings.Join(st.Departments, ", "))
	if st.Degraded {
		msg += " (degraded)"
	}
	return d.transition(c, StageSynthesis, msg)
}

func (d *Driver) synthesisRequests(c *Chain, departments []string, direct bool) []gateway.Request {
	var teams map[string][]string
	var results map[string]AgentResult
	if c.Specialists != nil {
		teams, results = c.Specialists.Teams, c.Specialists.Results
	}

	reqs := make([]gateway.Request, 0, len(departments))
	for _, dep := range departments {
		p, ok := d.dir.Resolve(dep)
		if !ok {
			slog.Warn("department not in directory", "chain_id", c.ID, "department", dep)
			continue
		}
		team := teams[dep]
		reqs = append(reqs, gateway.Request{
			CorrelationID: d.assign(c, StageSynthesis, dep),
			Prompt:        buildSynthesisPrompt(c.Text, team, results, direct || len(team) == 0),
			SystemPrompt:  p.SystemPrompt,
			Model:         p.Model,
			MaxTokens:     d.maxTokens,
		})
	}
	return reqs
}

func (d *Driver) advanceSynthesis(ctx context.Context, c *Chain) error {
	st := c.Synthesis
	if st == nil {
		return d.fail(ctx, c, "synthesis stage without state")
	}
	if st.Results == nil {
		st.Results = make(map[string]AgentResult)
	}
	ready := d.poll(ctx, c, st.Batches, func(agent string, r gateway.Result) {
		st.Results[agent] = toAgentResult(agent, r)
	})
	if !ready {
		return d.wait(c)
	}
	return d.complete(ctx, c)
}

// Abandon moves a chain that cannot make progress to failed.
func (d *Driver) Abandon(ctx context.Context, c *Chain, reason string) error {
	if c.Stage.Terminal() {
		return nil
	}
	return d.fail(ctx, c, reason)
}

func (d *Driver) complete(ctx context.Context, c *Chain) error {
	done := d.now()
	c.Stage = StageCompleted
	c.StageTicks = 0
	c.CompletedAt = &done
	d.deliver(ctx, c)

	if err := d.repo.SaveChain(c); err != nil {
		return fmt.Errorf("save chain %s: %w", c.ID, err)
	}
	got := 0
	if c.Synthesis != nil {
		got = len(c.Synthesis.Results)
	}
	summary := fmt.Sprintf("%d reports, cost $%.4f", got, c.Cost)
	d.requestStatus(c, string(StageCompleted), summary)
	d.activity(c, "completed: "+summary)
	d.publish(c, natsbus.EventChainCompleted, map[string]any{"cost": c.Cost, "target_id": c.TargetID})
	slog.Info("chain completed", "chain_id", c.ID, "cost", c.Cost)
	return nil
}

func (d *Driver) fail(ctx context.Context, c *Chain, reason string) error {
	done := d.now()
	c.Stage = StageFailed
	c.StageTicks = 0
	c.Error = reason
	c.CompletedAt = &done
	d.deliver(ctx, c)

	if err := d.repo.SaveChain(c); err != nil {
		return fmt.Errorf("save chain %s: %w", c.ID, err)
	}
	d.requestStatus(c, string(StageFailed), reason)
	d.activity(c, "failed: "+reason)
	d.publish(c, natsbus.EventChainFailed, map[string]any{"error": reason})
	slog.Warn("chain failed", "chain_id", c.ID, "reason", reason)
	return nil
}

// deliver hands a terminal chain to the sink. Failures are logged only.
func (d *Driver) deliver(ctx context.Context, c *Chain) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Deliver(ctx, c); err != nil {
		slog.Error("chain delivery failed", "chain_id", c.ID, "error", err)
	}
}

func (d *Driver) transition(c *Chain, stage Stage, message string) error {
	c.Stage = stage
	c.StageTicks = 0
	if err := d.repo.SaveChain(c); err != nil {
		return fmt.Errorf("save chain %s: %w", c.ID, err)
	}
	d.requestStatus(c, string(stage), message)
	d.activity(c, message)
	d.publish(c, natsbus.EventChainStage, map[string]any{"stage": stage, "message": message})
	slog.Info("chain advanced", "chain_id", c.ID, "stage", stage, "message", message)
	return nil
}

// wait persists refreshed batch state of a chain that stays in its stage.
func (d *Driver) wait(c *Chain) error {
	c.StageTicks++
	if err := d.repo.SaveChain(c); err != nil {
		return fmt.Errorf("save chain %s: %w", c.ID, err)
	}
	return nil
}

// poll refreshes every non-terminal batch and retrieves completed batches
// that were not collected yet. It reports whether the whole stage is done.
// Failed and expired batches contribute nothing.
func (d *Driver) poll(ctx context.Context, c *Chain, batches []PhysicalBatch, collect func(agent string, r gateway.Result)) bool {
	ready := true
	for i := range batches {
		b := &batches[i]
		if !b.Status.Terminal() {
			st, err := d.gw.Check(ctx, b.BatchID, b.Provider)
			if errors.Is(err, gateway.ErrNoProvider) {
				d.orphan(c, b, err)
				continue
			}
			if err != nil {
				slog.Warn("batch check failed", "chain_id", c.ID, "batch_id", b.BatchID, "provider", b.Provider, "error", err)
				ready = false
				continue
			}
			b.Status, b.Progress = st.Status, st.Progress
			if !b.Status.Terminal() {
				ready = false
				continue
			}
			slog.Info("batch finished", "chain_id", c.ID, "batch_id", b.BatchID, "status", b.Status)
			c.StageTicks = 0
		}
		if b.Status != gateway.StatusCompleted || b.Collected {
			continue
		}

		results, err := d.gw.Retrieve(ctx, b.BatchID, b.Provider)
		if errors.Is(err, gateway.ErrNoProvider) {
			d.orphan(c, b, err)
			continue
		}
		if err != nil {
			slog.Warn("batch retrieve failed", "chain_id", c.ID, "batch_id", b.BatchID, "provider", b.Provider, "error", err)
			ready = false
			continue
		}
		members := make(map[string]bool, len(b.Members))
		for _, m := range b.Members {
			members[m] = true
		}
		for _, r := range results {
			agent, ok := c.IDToAgent[r.CorrelationID]
			if !ok || !members[r.CorrelationID] {
				slog.Warn("result with unknown correlation id", "chain_id", c.ID, "batch_id", b.BatchID, "correlation_id", r.CorrelationID)
				continue
			}
			if r.Cost > 0 {
				c.Cost += r.Cost
			}
			collect(agent, r)
		}
		b.Collected = true
	}
	return ready
}

// orphan marks a batch failed when its provider is no longer registered.
// No later tick could reach it, so its members are dropped like any other
// failed batch.
func (d *Driver) orphan(c *Chain, b *PhysicalBatch, err error) {
	slog.Error("batch provider unavailable", "chain_id", c.ID, "batch_id", b.BatchID, "provider", b.Provider, "error", err)
	b.Status = gateway.StatusFailed
	b.Error = err.Error()
}

// submit sends reqs grouped by provider. It reports whether at least one
// partition was accepted.
func (d *Driver) submit(ctx context.Context, reqs []gateway.Request) ([]PhysicalBatch, bool) {
	if len(reqs) == 0 {
		return nil, false
	}
	var (
		batches []PhysicalBatch
		ok      bool
	)
	for _, g := range d.gw.SubmitGrouped(ctx, reqs) {
		b := PhysicalBatch{
			BatchID:  g.BatchID,
			Provider: g.Provider,
			Status:   gateway.StatusSubmitted,
			Members:  g.CorrelationIDs,
			Progress: gateway.Progress{Total: len(g.CorrelationIDs)},
		}
		if g.Err != nil {
			slog.Warn("batch partition rejected", "provider", g.Provider, "requests", len(g.CorrelationIDs), "error", g.Err)
			b.Status = gateway.StatusFailed
			b.Error = g.Err.Error()
		} else {
			ok = true
		}
		batches = append(batches, b)
	}
	return batches, ok
}

// participants are the departments a chain works for.
func (d *Driver) participants(c *Chain) []string {
	if c.Mode == ModeBroadcast {
		return d.dir.Departments()
	}
	return []string{c.TargetID}
}

// assign returns the correlation id of agent in stage and records it in
// the chain's id map. Entries are never overwritten.
func (d *Driver) assign(c *Chain, stage Stage, agent string) string {
	corr := correlationID(c.ID, stage, agent)
	if existing, ok := c.IDToAgent[corr]; ok {
		if existing != agent {
			slog.Error("correlation id collision", "chain_id", c.ID, "correlation_id", corr, "agent", agent, "existing", existing)
		}
		return corr
	}
	c.IDToAgent[corr] = agent
	return corr
}

func toAgentResult(agent string, r gateway.Result) AgentResult {
	return AgentResult{
		AgentID: agent,
		Content: r.Content,
		Model:   r.Model,
		Cost:    r.Cost,
		Error:   r.Error,
	}
}

func (d *Driver) requestStatus(c *Chain, status, summary string) {
	if err := d.repo.SetRequestStatus(c.RequestID, status, summary); err != nil {
		slog.Warn("request status update failed", "chain_id", c.ID, "request_id", c.RequestID, "error", err)
	}
}

func (d *Driver) activity(c *Chain, message string) {
	if err := d.repo.LogActivity(c.ID, c.Stage, message); err != nil {
		slog.Warn("activity log failed", "chain_id", c.ID, "error", err)
	}
}

func (d *Driver) publish(c *Chain, eventType string, data map[string]any) {
	if d.pub == nil {
		return
	}
	ev := natsbus.Event{Type: eventType, ChainID: c.ID, Data: data}
	if err := d.pub.PublishEvent(natsbus.TopicEventsChain(c.ID), ev); err != nil {
		slog.Debug("publish chain event failed", "chain_id", c.ID, "error", err)
	}
}
