package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/mtzanidakis/batchchain/internal/classifier"
	"github.com/mtzanidakis/batchchain/internal/gateway"
)

type Mode string

const (
	ModeSingle    Mode = "single"
	ModeBroadcast Mode = "broadcast"
)

func (m Mode) Valid() bool {
	return m == ModeSingle || m == ModeBroadcast
}

type Stage string

const (
	StageClassify    Stage = "classify"
	StageSpecialists Stage = "specialists"
	StageSynthesis   Stage = "synthesis"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"

	// stageJob tags correlation ids of single-step jobs.
	stageJob Stage = "job"
)

func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Rank orders stages along the pipeline. Failed ranks after every other
// stage since any stage may end in it.
func (s Stage) Rank() int {
	switch s {
	case StageClassify:
		return 0
	case StageSpecialists:
		return 1
	case StageSynthesis:
		return 2
	case StageCompleted:
		return 3
	case StageFailed:
		return 4
	}
	return -1
}

// code is the short stage tag embedded in correlation ids.
func (s Stage) code() string {
	switch s {
	case StageClassify:
		return "c"
	case StageSpecialists:
		return "s"
	case StageSynthesis:
		return "y"
	case stageJob:
		return "j"
	}
	return "x"
}

// PhysicalBatch is one provider batch owned by a stage. A partition whose
// submission was rejected is recorded as failed with an empty BatchID.
type PhysicalBatch struct {
	BatchID   string           `json:"batch_id,omitempty"`
	Provider  string           `json:"provider"`
	Status    gateway.Status   `json:"status"`
	Progress  gateway.Progress `json:"progress"`
	Members   []string         `json:"members"`
	Collected bool             `json:"collected,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// AgentResult is the output of one agent within a stage.
type AgentResult struct {
	AgentID string  `json:"agent_id"`
	Content string  `json:"content,omitempty"`
	Model   string  `json:"model,omitempty"`
	Cost    float64 `json:"cost"`
	Error   string  `json:"error,omitempty"`
}

type ClassifyState struct {
	Batches []PhysicalBatch     `json:"batches,omitempty"`
	Verdict *classifier.Verdict `json:"verdict,omitempty"`
}

// SpecialistsState records the fan-out. Teams maps each department taking
// part to its specialists as they were when the stage was entered.
type SpecialistsState struct {
	Agents  []string               `json:"agents"`
	Teams   map[string][]string    `json:"teams"`
	Batches []PhysicalBatch        `json:"batches,omitempty"`
	Results map[string]AgentResult `json:"results"`
}

// SynthesisState holds one synthesis per department. Degraded is set when
// the fallback department answers alone.
type SynthesisState struct {
	Departments []string               `json:"departments"`
	Batches     []PhysicalBatch        `json:"batches,omitempty"`
	Results     map[string]AgentResult `json:"results"`
	Degraded    bool                   `json:"degraded,omitempty"`
}

// Chain is one request travelling through classify, specialists and
// synthesis. Stage payloads are filled in as the chain reaches them.
type Chain struct {
	ID          string            `json:"id"`
	RequestID   string            `json:"request_id"`
	Text        string            `json:"text"`
	Mode        Mode              `json:"mode"`
	Stage       Stage             `json:"stage"`
	TargetID    string            `json:"target_id,omitempty"`
	Classify    ClassifyState     `json:"classify"`
	Specialists *SpecialistsState `json:"specialists,omitempty"`
	Synthesis   *SynthesisState   `json:"synthesis,omitempty"`
	IDToAgent   map[string]string `json:"id_to_agent"`
	Cost        float64           `json:"cost"`
	StageTicks  int               `json:"stage_ticks"`
	Meta        map[string]string `json:"meta,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Batches returns the physical batches of the chain's current stage.
func (c *Chain) Batches() []PhysicalBatch {
	switch c.Stage {
	case StageClassify:
		return c.Classify.Batches
	case StageSpecialists:
		if c.Specialists != nil {
			return c.Specialists.Batches
		}
	case StageSynthesis:
		if c.Synthesis != nil {
			return c.Synthesis.Batches
		}
	}
	return nil
}

// AllBatches returns every physical batch the chain ever spawned.
func (c *Chain) AllBatches() []PhysicalBatch {
	all := append([]PhysicalBatch(nil), c.Classify.Batches...)
	if c.Specialists != nil {
		all = append(all, c.Specialists.Batches...)
	}
	if c.Synthesis != nil {
		all = append(all, c.Synthesis.Batches...)
	}
	return all
}

const maxCorrelationLen = 64

// correlationID tags a request with its chain, stage and agent. Ids match
// [a-zA-Z0-9_-]{1,64}; agent ids that do not fit are replaced by a digest.
func correlationID(chainID string, stage Stage, agentID string) string {
	prefix := chainID + "-" + stage.code() + "-"
	part := agentID
	if !safeID(part) || len(prefix)+len(part) > maxCorrelationLen {
		sum := sha256.Sum256([]byte(agentID))
		part = hex.EncodeToString(sum[:])
		if room := maxCorrelationLen - len(prefix); room < len(part) {
			part = part[:max(room, 8)]
		}
	}
	return prefix + part
}

func safeID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
