package delivery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/batchchain/internal/chain"
)

// Format renders the aggregate of a terminal chain. Single-mode chains
// carry one department's report, broadcast chains one section per
// department. Specialists and departments that produced nothing are named
// as such.
func Format(c *chain.Chain) string {
	var sb strings.Builder

	if c.Stage == chain.StageFailed {
		fmt.Fprintf(&sb, "# Request failed\n\n%s\n\n", c.Error)
		sb.WriteString("## Request\n\n")
		sb.WriteString(c.Text)
		sb.WriteString("\n")
		if partial := reports(c); partial != "" {
			sb.WriteString("\n## Partial results\n\n")
			sb.WriteString(partial)
		}
		return sb.String()
	}

	if c.Mode == chain.ModeBroadcast {
		sb.WriteString("# Broadcast report\n\n")
	} else {
		fmt.Fprintf(&sb, "# %s\n\n", title(c))
	}
	if c.Synthesis != nil && c.Synthesis.Degraded {
		sb.WriteString("_Specialist input was unavailable; the fallback department answered alone._\n\n")
	}
	sb.WriteString(reports(c))
	fmt.Fprintf(&sb, "---\nCost: $%.4f\n", c.Cost)
	return sb.String()
}

func title(c *chain.Chain) string {
	if c.Synthesis != nil && len(c.Synthesis.Departments) == 1 {
		return c.Synthesis.Departments[0]
	}
	return c.TargetID
}

func reports(c *chain.Chain) string {
	if c.Synthesis == nil {
		return ""
	}
	var sb strings.Builder
	broadcast := c.Mode == chain.ModeBroadcast
	for _, dep := range c.Synthesis.Departments {
		if broadcast {
			fmt.Fprintf(&sb, "## %s\n\n", dep)
		}
		r, ok := c.Synthesis.Results[dep]
		switch {
		case !ok:
			sb.WriteString("_No report: the synthesis batch did not complete._\n\n")
		case r.Error != "":
			fmt.Fprintf(&sb, "_No report: %s_\n\n", r.Error)
		default:
			sb.WriteString(strings.TrimSpace(r.Content))
			sb.WriteString("\n\n")
		}
		if line := specialistsLine(c, dep); line != "" {
			sb.WriteString(line)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// specialistsLine lists the specialists consulted for dep and marks the
// ones without output.
func specialistsLine(c *chain.Chain, dep string) string {
	if c.Specialists == nil || c.Synthesis.Degraded {
		return ""
	}
	team := c.Specialists.Teams[dep]
	if len(team) == 0 {
		return ""
	}
	names := make([]string, 0, len(team))
	for _, sp := range team {
		r, ok := c.Specialists.Results[sp]
		switch {
		case !ok:
			names = append(names, sp+" (no output)")
		case r.Error != "":
			names = append(names, sp+" (failed)")
		default:
			names = append(names, sp)
		}
	}
	return "Specialists: " + strings.Join(names, ", ")
}

// archiveDepartment is the archive directory a chain's report goes to.
func archiveDepartment(c *chain.Chain) string {
	switch {
	case c.Mode == chain.ModeBroadcast:
		return "broadcast"
	case c.Synthesis != nil && len(c.Synthesis.Departments) == 1:
		return c.Synthesis.Departments[0]
	case c.TargetID != "":
		return c.TargetID
	}
	return "unrouted"
}

// departmentsWithoutReport returns the departments whose synthesis is
// missing or errored, sorted.
func departmentsWithoutReport(c *chain.Chain) []string {
	if c.Synthesis == nil {
		return nil
	}
	var out []string
	for _, dep := range c.Synthesis.Departments {
		if r, ok := c.Synthesis.Results[dep]; !ok || r.Error != "" {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}
