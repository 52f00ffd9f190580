package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mtzanidakis/batchchain/internal/directory"
	"github.com/mtzanidakis/batchchain/internal/gateway"
)

type Method string

const (
	MethodKeyword  Method = "keyword"
	MethodBatch    Method = "batch"
	MethodFallback Method = "fallback"
)

// Verdict names the department that owns a request.
type Verdict struct {
	AgentID string  `json:"agent_id"`
	Method  Method  `json:"method"`
	Reason  string  `json:"reason,omitempty"`
	Cost    float64 `json:"cost"`
}

var ErrMalformedVerdict = errors.New("malformed classification verdict")

// Departments is the part of the agent directory the classifier reads.
type Departments interface {
	DepartmentTable() []directory.Department
	Descriptions() map[string]string
	Fallback() string
	IsDepartment(id string) bool
}

type Classifier struct {
	deps      Departments
	model     string
	maxTokens int64
}

func New(deps Departments, model string) *Classifier {
	return &Classifier{deps: deps, model: model, maxTokens: 256}
}

func (c *Classifier) Model() string { return c.model }

// Keyword scans text against each department's keywords in priority order.
// The first department with a hit wins. A leading @department
// mention takes precedence over keywords.
func (c *Classifier) Keyword(text string) (Verdict, bool) {
	if strings.HasPrefix(text, "@") {
		name, _, _ := strings.Cut(strings.TrimPrefix(text, "@"), " ")
		if c.deps.IsDepartment(name) {
			return Verdict{AgentID: name, Method: MethodKeyword, Reason: "explicit mention"}, true
		}
	}

	lower := strings.ToLower(text)
	for _, dep := range c.deps.DepartmentTable() {
		for _, kw := range dep.Keywords {
			if containsKeyword(lower, kw) {
				return Verdict{
					AgentID: dep.ID,
					Method:  MethodKeyword,
					Reason:  fmt.Sprintf("matched keyword %q", kw),
				}, true
			}
		}
	}
	return Verdict{}, false
}

// Request builds the single-item classification batch request.
func (c *Classifier) Request(correlationID, text string) gateway.Request {
	return gateway.Request{
		CorrelationID: correlationID,
		Model:         c.model,
		MaxTokens:     c.maxTokens,
		SystemPrompt:  "You are a request classifier. You answer with a single JSON object and nothing else.",
		Prompt:        buildPrompt(c.deps.Descriptions(), text),
	}
}

// ParseVerdict decodes the model output of a classification request. The
// named agent must be a known department.
func (c *Classifier) ParseVerdict(content string) (Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Verdict{}, fmt.Errorf("%w: no JSON object", ErrMalformedVerdict)
	}
	var raw struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	id := strings.TrimSpace(raw.AgentID)
	if !c.deps.IsDepartment(id) {
		return Verdict{}, fmt.Errorf("%w: unknown department %q", ErrMalformedVerdict, id)
	}
	return Verdict{AgentID: id, Method: MethodBatch, Reason: raw.Reason}, nil
}

// Fallback returns the verdict used when nothing else could decide.
func (c *Classifier) Fallback(reason string) Verdict {
	return Verdict{AgentID: c.deps.Fallback(), Method: MethodFallback, Reason: reason}
}

func buildPrompt(descs map[string]string, text string) string {
	ids := make([]string, 0, len(descs))
	for id := range descs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString("Decide which department should own the request below.\n\n")
	sb.WriteString("Departments:\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "- %s: %s\n", id, descs[id])
	}
	sb.WriteString("\nRequest:\n")
	sb.WriteString(text)
	sb.WriteString("\n\nRespond with ONLY a JSON object of the form ")
	sb.WriteString(`{"agent_id": "<department id>", "reason": "<one sentence>"}`)
	return sb.String()
}

// containsKeyword reports whether kw occurs in s. A keyword that starts
// with an ASCII letter or digit must also start a word, so "nda" does not
// hit "monday" while "contract" still hits "contracts". Other keywords, such
// as CJK terms written without spaces, match anywhere.
func containsKeyword(s, kw string) bool {
	if kw == "" {
		return false
	}
	if !asciiWordChar(kw[0]) {
		return strings.Contains(s, kw)
	}
	for i := 0; ; {
		j := strings.Index(s[i:], kw)
		if j < 0 {
			return false
		}
		start := i + j
		if wordStart(s, start) {
			return true
		}
		i = start + 1
	}
}

func asciiWordChar(b byte) bool {
	return b < utf8.RuneSelf && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b)))
}

// wordStart reports whether the rune before s[i] is not a letter or digit.
func wordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
