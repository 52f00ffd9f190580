package chain

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mtzanidakis/batchchain/internal/classifier"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mtzanidakis/batchchain/internal/gateway"
)

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, testConfig(t))

	if _, err := h.driver.Create(context.Background(), NewChain{Text: "   "}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
	if _, err := h.driver.Create(context.Background(), NewChain{Text: "x", Mode: "all"}); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
	if h.woken != 0 {
		t.Errorf("expected no wake for rejected requests, got %d", h.woken)
	}
}

func TestLegalEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig(t))

	c := h.create("Please review the NDA we got from Acme", ModeSingle)
	if c.Stage != StageClassify {
		t.Fatalf("expected classify, got %s", c.Stage)
	}
	v := c.Classify.Verdict
	if v == nil || v.AgentID != "legal" || v.Method != classifier.MethodKeyword || v.Cost != 0 {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if len(c.Classify.Batches) != 0 {
		t.Errorf("expected no classification batch, got %d", len(c.Classify.Batches))
	}
	if h.woken != 1 {
		t.Errorf("expected scheduler woken once, got %d", h.woken)
	}

	// classify -> specialists: one batch per provider used by legal's specialists
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists {
		t.Fatalf("expected specialists, got %s", c.Stage)
	}
	if c.TargetID != "legal" {
		t.Errorf("expected target legal, got %s", c.TargetID)
	}
	if len(c.Specialists.Batches) != 2 {
		t.Fatalf("expected 2 physical batches, got %d", len(c.Specialists.Batches))
	}
	if h.anthropic.submitted() != 1 || h.openai.submitted() != 1 {
		t.Fatalf("expected one batch per provider, got %d/%d", h.anthropic.submitted(), h.openai.submitted())
	}
	if len(c.IDToAgent) != 2 {
		t.Errorf("expected 2 id_to_agent entries, got %d", len(c.IDToAgent))
	}
	contractsReq := h.anthropic.requests(0)[0]
	if contractsReq.SystemPrompt != "You review contracts." || contractsReq.MaxTokens != 1024 {
		t.Errorf("unexpected specialist request %+v", contractsReq)
	}
	if !strings.Contains(contractsReq.Prompt, "NDA we got from Acme") {
		t.Errorf("expected specialist prompt to carry the request text")
	}

	// Pending batches keep the chain where it is.
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists || c.StageTicks != 1 {
		t.Fatalf("expected to wait in specialists, got %s after %d ticks", c.Stage, c.StageTicks)
	}

	h.anthropic.finish(gateway.StatusCompleted)
	h.openai.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected synthesis, got %s", c.Stage)
	}
	if len(c.Specialists.Results) != 2 {
		t.Fatalf("expected 2 specialist results, got %d", len(c.Specialists.Results))
	}
	if len(c.Synthesis.Batches) != 1 || h.anthropic.submitted() != 2 {
		t.Fatalf("expected one synthesis batch, got %d", len(c.Synthesis.Batches))
	}
	synth := h.anthropic.lastRequests()
	if len(synth) != 1 {
		t.Fatalf("expected one synthesis request, got %d", len(synth))
	}
	if synth[0].SystemPrompt != "You lead the legal department." {
		t.Errorf("expected head persona, got %q", synth[0].SystemPrompt)
	}
	for _, want := range []string{
		"### contracts",
		"### compliance",
		c.Specialists.Results["contracts"].Content,
		c.Specialists.Results["compliance"].Content,
	} {
		if !strings.Contains(synth[0].Prompt, want) {
			t.Errorf("expected synthesis prompt to contain %q", want)
		}
	}

	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s", c.Stage)
	}
	if c.CompletedAt == nil {
		t.Error("expected completed_at stamped")
	}
	if got := c.Synthesis.Results["legal"].Content; got == "" {
		t.Error("expected legal synthesis text")
	}
	if math.Abs(c.Cost-0.03) > 1e-9 {
		t.Errorf("expected cost 0.03, got %f", c.Cost)
	}
	if len(h.sink.delivered) != 1 || h.sink.delivered[0].Stage != StageCompleted {
		t.Fatalf("expected one completed delivery, got %d", len(h.sink.delivered))
	}

	want := []Stage{StageClassify, StageSpecialists, StageSynthesis, StageCompleted}
	if got := h.distinctStages(c.ID); !equalStages(got, want) {
		t.Errorf("expected stages %v, got %v", want, got)
	}
	h.assertForward(c.ID)

	req, _ := h.store.GetRequest(c.RequestID)
	if req == nil || req.Status != "completed" || req.ChainID != c.ID {
		t.Errorf("unexpected request record %+v", req)
	}

	// Terminal chains are left alone.
	before := h.anthropic.submitted()
	c = h.advance(c.ID)
	if c.Stage != StageCompleted || h.anthropic.submitted() != before {
		t.Error("expected completed chain to stay untouched")
	}
}

// threeProviderSetup routes each of ops' three specialists to a different
// provider so the specialists stage owns three physical batches.
func threeProviderSetup(t *testing.T) (*harness, *fakeProvider, *Chain) {
	cfg := testConfig(t)
	cfg.Departments = append([]config.DepartmentConfig{
		{ID: "ops", Keywords: []string{"shipping"}, Specialists: []string{"routing", "customs", "fleet"}},
	}, cfg.Departments...)
	cfg.Agents["ops"] = config.AgentDefinition{Name: "Operations"}
	cfg.Agents["routing"] = config.AgentDefinition{Name: "Routing"}
	cfg.Agents["customs"] = config.AgentDefinition{Name: "Customs", Model: "gpt-4o"}
	cfg.Agents["fleet"] = config.AgentDefinition{Name: "Fleet", Model: "mistral-large"}

	h := newHarness(t, cfg)
	mistral := newFakeProvider("mistral")
	h.gw.Register(mistral, []string{"mistral-"}, 0)

	c := h.create("shipping is late again", ModeSingle)
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists || len(c.Specialists.Batches) != 3 {
		t.Fatalf("expected 3 batches in specialists, got %s/%d", c.Stage, len(c.Specialists.Batches))
	}
	return h, mistral, c
}

func TestStageGating(t *testing.T) {
	h, mistral, c := threeProviderSetup(t)

	h.anthropic.finish(gateway.StatusCompleted)
	h.openai.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists {
		t.Fatalf("expected chain gated by running batch, got %s", c.Stage)
	}
	running := 0
	for _, b := range c.Specialists.Batches {
		if !b.Status.Terminal() {
			running++
		}
	}
	if running != 1 {
		t.Errorf("expected exactly one running batch, got %d", running)
	}

	mistral.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected synthesis once all batches are terminal, got %s", c.Stage)
	}
	if len(c.Specialists.Results) != 3 {
		t.Errorf("expected 3 results, got %d", len(c.Specialists.Results))
	}
	h.assertForward(c.ID)
}

func TestPartialFailureFanIn(t *testing.T) {
	h, mistral, c := threeProviderSetup(t)

	h.anthropic.finish(gateway.StatusCompleted)
	h.openai.finish(gateway.StatusCompleted)
	mistral.finish(gateway.StatusFailed)
	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected synthesis, got %s", c.Stage)
	}

	res := c.Specialists.Results
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(res), res)
	}
	if _, ok := res["fleet"]; ok {
		t.Error("expected member of failed batch to be absent")
	}
	for _, id := range []string{"routing", "customs"} {
		if r, ok := res[id]; !ok || r.Error != "" || r.Content == "" {
			t.Errorf("expected successful result for %s, got %+v", id, r)
		}
	}

	prompt := h.anthropic.lastRequests()[0].Prompt
	if !strings.Contains(prompt, "### fleet\n\n_No output") {
		t.Error("expected synthesis prompt to mark the missing specialist")
	}
	if math.Abs(c.Cost-0.02) > 1e-9 {
		t.Errorf("expected cost of the two retrieved items, got %f", c.Cost)
	}
}

func TestCostMonotonic(t *testing.T) {
	h, mistral, c := threeProviderSetup(t)
	h.openai.costPer = 0.25

	h.openai.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	mistral.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s", c.Stage)
	}

	costs := h.repo.costs[c.ID]
	for i := 1; i < len(costs); i++ {
		if costs[i] < costs[i-1] {
			t.Fatalf("cost decreased: %v", costs)
		}
	}
	// routing + fleet + ops synthesis at 0.01, customs at 0.25
	if math.Abs(c.Cost-0.28) > 1e-9 {
		t.Errorf("expected cost 0.28, got %f", c.Cost)
	}
	sum := 0.0
	for _, r := range c.Specialists.Results {
		sum += r.Cost
	}
	for _, r := range c.Synthesis.Results {
		sum += r.Cost
	}
	if math.Abs(c.Cost-sum) > 1e-9 {
		t.Errorf("expected cost to equal retrieved item costs %f, got %f", sum, c.Cost)
	}
}

func TestIdempotentSubmission(t *testing.T) {
	h := newHarness(t, testConfig(t))
	c := h.create("draft a contract", ModeSingle)
	c = h.advance(c.ID)

	ids := batchIDs(c.Specialists.Batches)
	for i := 0; i < 3; i++ {
		c = h.advance(c.ID)
	}
	if h.anthropic.submitted() != 1 || h.openai.submitted() != 1 {
		t.Errorf("expected no resubmission, got %d/%d", h.anthropic.submitted(), h.openai.submitted())
	}
	if got := batchIDs(c.Specialists.Batches); !equalStrings(got, ids) {
		t.Errorf("expected batch set fixed, got %v want %v", got, ids)
	}
	if c.StageTicks != 3 {
		t.Errorf("expected 3 waiting ticks, got %d", c.StageTicks)
	}
}

func TestTransientCheckError(t *testing.T) {
	h := newHarness(t, testConfig(t))
	c := h.create("draft a contract", ModeSingle)
	c = h.advance(c.ID)

	h.anthropic.finish(gateway.StatusCompleted)
	h.openai.finish(gateway.StatusCompleted)
	h.anthropic.checkErr = errors.New("connection reset")
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists {
		t.Fatalf("expected no transition on transient error, got %s", c.Stage)
	}

	h.anthropic.checkErr = nil
	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected synthesis after recovery, got %s", c.Stage)
	}
	// openai results were collected on the first tick and must not be counted twice.
	if math.Abs(c.Cost-0.02) > 1e-9 {
		t.Errorf("expected cost 0.02, got %f", c.Cost)
	}
}

func TestStageTicksCountTicksWithoutProgress(t *testing.T) {
	h := newHarness(t, testConfig(t))
	c := h.create("draft a contract", ModeSingle)
	c = h.advance(c.ID)
	c = h.advance(c.ID)
	c = h.advance(c.ID)
	if c.StageTicks != 2 {
		t.Fatalf("expected 2 idle ticks, got %d", c.StageTicks)
	}

	h.openai.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists {
		t.Fatalf("expected to keep waiting on anthropic, got %s", c.Stage)
	}
	if c.StageTicks != 1 {
		t.Errorf("expected tick count restarted by the finished batch, got %d", c.StageTicks)
	}
}

func TestRemovedProviderDropsBatch(t *testing.T) {
	h := newHarness(t, testConfig(t))
	c := h.create("draft a contract", ModeSingle)
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists {
		t.Fatalf("expected specialists, got %s", c.Stage)
	}

	// Restart without the openai provider while its batch is in flight.
	h.gw = gateway.New()
	h.gw.Register(h.anthropic, []string{"claude-"}, 0)
	h.driver.gw = h.gw

	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected synthesis once the orphaned batch is dropped, got %s", c.Stage)
	}
	for _, b := range c.Specialists.Batches {
		if b.Provider == "openai" && (b.Status != gateway.StatusFailed || b.Error == "") {
			t.Errorf("expected openai batch failed with a reason, got %+v", b)
		}
	}
	if _, ok := c.Specialists.Results["compliance"]; ok {
		t.Error("expected member of the orphaned batch to be absent")
	}
	if _, ok := c.Specialists.Results["contracts"]; !ok {
		t.Error("expected contracts result collected")
	}
	h.assertForward(c.ID)
}

func TestBroadcastFanOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.Departments = nil
	cfg.Agents = map[string]config.AgentDefinition{}
	counts := []int{4, 3, 2, 3, 4, 3}
	n := 0
	for i, count := range counts {
		dep := string(rune('a'+i)) + "-dept"
		var subs []string
		for j := 0; j < count; j++ {
			sp := dep + "-" + string(rune('0'+j))
			subs = append(subs, sp)
			model := "claude-haiku-4-5-20251001"
			if n%2 == 1 {
				model = "gpt-4o-mini"
			}
			cfg.Agents[sp] = config.AgentDefinition{Model: model}
			n++
		}
		cfg.Departments = append(cfg.Departments, config.DepartmentConfig{ID: dep, Specialists: subs})
	}
	cfg.Classifier.FallbackAgent = ""
	h := newHarness(t, cfg)

	c := h.create("company-wide status update please", ModeBroadcast)
	if c.Classify.Verdict != nil || len(c.Classify.Batches) != 0 {
		t.Fatal("expected broadcast to skip classification")
	}

	c = h.advance(c.ID)
	if c.Stage != StageSpecialists {
		t.Fatalf("expected specialists, got %s", c.Stage)
	}
	total := 0
	for _, b := range c.Specialists.Batches {
		total += len(b.Members)
	}
	if total != 19 {
		t.Errorf("expected 19 requests, got %d", total)
	}
	if len(c.Specialists.Batches) > 2 {
		t.Errorf("expected at most 2 physical batches, got %d", len(c.Specialists.Batches))
	}
	if len(c.IDToAgent) != 19 {
		t.Errorf("expected 19 id_to_agent entries, got %d", len(c.IDToAgent))
	}
	if len(c.Specialists.Teams) != 6 {
		t.Errorf("expected 6 teams, got %d", len(c.Specialists.Teams))
	}

	h.anthropic.finish(gateway.StatusCompleted)
	h.openai.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected synthesis, got %s", c.Stage)
	}
	if len(c.Synthesis.Departments) != 6 || len(h.anthropic.lastRequests()) != 6 {
		t.Errorf("expected one synthesis per department, got %d", len(c.Synthesis.Departments))
	}

	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageCompleted || len(c.Synthesis.Results) != 6 {
		t.Fatalf("expected completed with 6 reports, got %s/%d", c.Stage, len(c.Synthesis.Results))
	}
	h.assertForward(c.ID)
}

func TestBatchClassification(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.anthropic.reply = func(r gateway.Request) string {
		if strings.Contains(r.CorrelationID, "-c-") {
			return `{"agent_id": "finance", "reason": "budget question"}`
		}
		return "output of " + r.CorrelationID
	}

	c := h.create("How much did we spend last quarter?", ModeSingle)
	if len(c.Classify.Batches) != 1 || c.Classify.Verdict != nil {
		t.Fatalf("expected a pending classification batch, got %+v", c.Classify)
	}
	if len(c.IDToAgent) != 1 {
		t.Errorf("expected classifier correlation recorded, got %v", c.IDToAgent)
	}

	c = h.advance(c.ID)
	if c.Stage != StageClassify {
		t.Fatalf("expected to wait in classify, got %s", c.Stage)
	}

	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageSpecialists || c.TargetID != "finance" {
		t.Fatalf("expected finance specialists, got %s/%s", c.Stage, c.TargetID)
	}
	v := c.Classify.Verdict
	if v.Method != classifier.MethodBatch || v.Reason != "budget question" || v.Cost != 0.01 {
		t.Errorf("unexpected verdict %+v", v)
	}
	if c.Cost != 0.01 {
		t.Errorf("expected classification cost accumulated, got %f", c.Cost)
	}
}

func TestClassificationFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"malformed verdict", func(h *harness) {
			h.anthropic.reply = func(gateway.Request) string { return "I think finance" }
			h.anthropic.finish(gateway.StatusCompleted)
		}},
		{"unknown department", func(h *harness) {
			h.anthropic.reply = func(gateway.Request) string { return `{"agent_id":"marketing"}` }
			h.anthropic.finish(gateway.StatusCompleted)
		}},
		{"batch expired", func(h *harness) {
			h.anthropic.finish(gateway.StatusExpired)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(t))
			c := h.create("hello there", ModeSingle)
			tt.setup(h)

			c = h.advance(c.ID)
			if c.Classify.Verdict == nil || c.Classify.Verdict.Method != classifier.MethodFallback {
				t.Fatalf("expected fallback verdict, got %+v", c.Classify.Verdict)
			}
			if c.TargetID != "support" {
				t.Errorf("expected fallback department support, got %s", c.TargetID)
			}
			// support has no specialists, so the head answers directly.
			if c.Stage != StageSynthesis {
				t.Fatalf("expected synthesis, got %s", c.Stage)
			}
			want := []Stage{StageClassify, StageSpecialists, StageSynthesis}
			if got := h.distinctStages(c.ID); !equalStages(got, want) {
				t.Errorf("expected stages %v, got %v", want, got)
			}
			prompt := h.anthropic.lastRequests()[0].Prompt
			if !strings.Contains(prompt, "No specialist input is available") {
				t.Error("expected direct-answer synthesis prompt")
			}
		})
	}
}

func TestClassificationSubmitFailure(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.anthropic.submitErr = errors.New("invalid api key")

	c := h.create("hello there", ModeSingle)
	if c.Classify.Verdict == nil || c.Classify.Verdict.AgentID != "support" {
		t.Fatalf("expected fallback verdict at creation, got %+v", c.Classify.Verdict)
	}
	if len(c.Classify.Batches) != 1 || c.Classify.Batches[0].Status != gateway.StatusFailed {
		t.Errorf("expected rejected classification batch recorded as failed, got %+v", c.Classify.Batches)
	}
}

func TestSpecialistSubmissionDegrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents["contracts"] = config.AgentDefinition{Name: "Contracts Counsel", Model: "gpt-4o"}
	h := newHarness(t, cfg)
	h.openai.submitErr = errors.New("quota exceeded")

	c := h.create("review this contract", ModeSingle)
	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected degraded synthesis, got %s", c.Stage)
	}
	if !c.Synthesis.Degraded || !equalStrings(c.Synthesis.Departments, []string{"support"}) {
		t.Errorf("expected fallback department alone, got %+v", c.Synthesis)
	}
	for _, b := range c.Specialists.Batches {
		if b.Status != gateway.StatusFailed || b.Error == "" {
			t.Errorf("expected rejected partition recorded as failed, got %+v", b)
		}
	}
	want := []Stage{StageClassify, StageSpecialists, StageSynthesis}
	if got := h.distinctStages(c.ID); !equalStages(got, want) {
		t.Errorf("expected stages %v, got %v", want, got)
	}
}

func TestSynthesisRetriesWithFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents["legal"] = config.AgentDefinition{Name: "Legal", Model: "gpt-4o"}
	h := newHarness(t, cfg)

	c := h.create("review this contract", ModeSingle)
	c = h.advance(c.ID)
	h.anthropic.finish(gateway.StatusCompleted)
	h.openai.finish(gateway.StatusCompleted)
	h.openai.submitErr = errors.New("model overloaded")

	c = h.advance(c.ID)
	if c.Stage != StageSynthesis {
		t.Fatalf("expected synthesis, got %s", c.Stage)
	}
	if !c.Synthesis.Degraded || c.Synthesis.Departments[0] != "support" {
		t.Errorf("expected fallback retry, got %+v", c.Synthesis)
	}
	if len(c.Synthesis.Batches) != 2 || c.Synthesis.Batches[0].Status != gateway.StatusFailed {
		t.Errorf("expected failed attempt and retry recorded, got %+v", c.Synthesis.Batches)
	}

	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s", c.Stage)
	}
	if _, ok := c.Synthesis.Results["support"]; !ok {
		t.Error("expected support report")
	}
}

func TestNoProviderFailsVisibly(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.gw = gateway.New()
	h.driver.gw = h.gw

	c := h.create("hello there", ModeSingle)
	if c.Classify.Verdict.Method != classifier.MethodFallback {
		t.Fatalf("expected fallback without providers, got %+v", c.Classify.Verdict)
	}

	c = h.advance(c.ID)
	if c.Stage != StageFailed {
		t.Fatalf("expected failed, got %s", c.Stage)
	}
	if c.Error == "" || c.CompletedAt == nil {
		t.Errorf("expected failure reason and timestamp, got %+v", c)
	}
	if len(h.sink.delivered) != 1 || h.sink.delivered[0].Stage != StageFailed {
		t.Error("expected failure notice delivered")
	}
	req, _ := h.store.GetRequest(c.RequestID)
	if req.Status != "failed" {
		t.Errorf("expected request failed, got %s", req.Status)
	}
	h.assertForward(c.ID)
}

func TestDeliveryErrorDoesNotRollBack(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.sink.err = errors.New("disk full")

	c := h.create("hello there", ModeSingle)
	h.anthropic.finish(gateway.StatusExpired)
	c = h.advance(c.ID)
	h.anthropic.finish(gateway.StatusCompleted)
	c = h.advance(c.ID)
	if c.Stage != StageCompleted {
		t.Fatalf("expected completed despite delivery error, got %s", c.Stage)
	}
}

func TestAbandon(t *testing.T) {
	h := newHarness(t, testConfig(t))
	c := h.create("review the contract", ModeSingle)
	c = h.advance(c.ID)

	if err := h.driver.Abandon(context.Background(), c, "stale after 5 ticks"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	got, _ := h.driver.Get(c.ID)
	if got.Stage != StageFailed || got.Error != "stale after 5 ticks" {
		t.Errorf("unexpected chain after abandon: %s %q", got.Stage, got.Error)
	}
	if len(h.sink.delivered) != 1 {
		t.Error("expected failure notice delivered")
	}
	h.assertForward(c.ID)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, testConfig(t))
	c := h.create("review the contract", ModeSingle)
	h.advance(c.ID)

	st, err := h.driver.Status(c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Stage != StageSpecialists || st.TargetID != "legal" {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Pending != 2 || st.Status != "specialists: waiting on 2 of 2 batches" {
		t.Errorf("unexpected progress %q", st.Status)
	}

	if _, err := h.driver.Status("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func batchIDs(batches []PhysicalBatch) []string {
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.BatchID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStages(a, b []Stage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
