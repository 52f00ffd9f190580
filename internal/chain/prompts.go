package chain

import (
	"fmt"
	"strings"
)

func buildSpecialistPrompt(text, department string) string {
	var sb strings.Builder
	sb.WriteString("## Request\n\n")
	sb.WriteString(text)
	sb.WriteString("\n\n")
	sb.WriteString("## Your Task\n\n")
	if department != "" {
		fmt.Fprintf(&sb, "You are contributing to the %s department's answer. ", department)
	}
	sb.WriteString("Address the request from your area of expertise only. Be concrete and flag anything you are unsure about.\n")
	return sb.String()
}

// buildSynthesisPrompt asks a department head for one reviewed report over
// its specialists' outputs. Specialists that errored or produced nothing are
// listed as such so the head does not assume their input.
func buildSynthesisPrompt(text string, specialists []string, results map[string]AgentResult, direct bool) string {
	var sb strings.Builder
	sb.WriteString("## Request\n\n")
	sb.WriteString(text)
	sb.WriteString("\n\n")

	if direct {
		sb.WriteString("## Your Task\n\nNo specialist input is available. Answer the request directly and completely.\n")
		return sb.String()
	}

	sb.WriteString("## Specialist Reports\n\n")
	for _, id := range specialists {
		r, ok := results[id]
		switch {
		case !ok:
			fmt.Fprintf(&sb, "### %s\n\n_No output: this specialist's batch did not complete._\n\n", id)
		case r.Error != "":
			fmt.Fprintf(&sb, "### %s\n\n_Failed: %s_\n\n", id, r.Error)
		default:
			fmt.Fprintf(&sb, "### %s\n\n%s\n\n", id, r.Content)
		}
	}
	sb.WriteString("## Your Task\n\n")
	sb.WriteString("Review the specialist reports and produce one reviewed report that answers the request. ")
	sb.WriteString("Resolve disagreements, drop anything unsupported, and state plainly which specialist input was missing.\n")
	return sb.String()
}
