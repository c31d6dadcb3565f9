package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"muckrake/internal/types"
)

// Limitations collects everything that reduced coverage this run, for the
// mandatory Research Limitations section.
type Limitations struct {
	StopReason           string
	UnavailableSources   []string // registration failures
	RateLimitedSources   []string
	FailedGoals          []string // goal IDs with status failed
	SkippedGoals         []string
	TruncatedGoals       []string
	CriticalSourceFailed bool
}

// Assemble builds the final report.md from the synthesized body and the
// structural sections the agent owns: citations appendix and limitations.
// body is the LLM-written analysis with [E<id>] citations inline; when the
// budget died before synthesis it may be empty and the evidence listing
// stands alone.
func Assemble(question string, body string, evidence []types.ProcessedEvidence, root types.GoalResult, lim Limitations, generatedAt time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Research Report\n\n")
	fmt.Fprintf(&b, "**Question:** %s\n\n", question)
	fmt.Fprintf(&b, "**Generated:** %s\n\n", generatedAt.UTC().Format(time.RFC3339))

	if body != "" {
		b.WriteString(strings.TrimSpace(body))
		b.WriteString("\n\n")
	} else {
		b.WriteString("## Findings\n\n")
		b.WriteString("Report synthesis did not complete; the evidence below is the full record of what was gathered.\n\n")
	}

	b.WriteString("## Evidence\n\n")
	if len(evidence) == 0 {
		b.WriteString("No evidence passed the relevance filter this run.\n\n")
	}
	for _, ev := range evidence {
		fmt.Fprintf(&b, "- **[E%d]** %s", ev.EvidenceID, ev.LLMSummary)
		if ev.Raw.URL != "" {
			fmt.Fprintf(&b, " (%s, %s)", ev.Raw.SourceID, ev.Raw.URL)
		} else {
			fmt.Fprintf(&b, " (%s)", ev.Raw.SourceID)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Research Limitations\n\n")
	wrote := false
	put := func(format string, args ...any) {
		fmt.Fprintf(&b, "- "+format+"\n", args...)
		wrote = true
	}
	if lim.StopReason != "" {
		put("The run stopped early: %s budget exhausted. Unexplored branches may hold relevant evidence.", lim.StopReason)
	}
	if len(lim.UnavailableSources) > 0 {
		put("Sources unavailable this run (not consulted at all): %s.", joinSorted(lim.UnavailableSources))
	}
	if len(lim.RateLimitedSources) > 0 {
		put("Sources rate-limited during the run (partially consulted): %s.", joinSorted(lim.RateLimitedSources))
	}
	if lim.CriticalSourceFailed {
		put("A source central to this question failed; confidence is capped accordingly.")
	}
	if len(lim.FailedGoals) > 0 {
		put("Sub-questions that failed outright: %s.", joinSorted(lim.FailedGoals))
	}
	if len(lim.SkippedGoals) > 0 {
		put("Sub-questions skipped under budget pressure: %s.", joinSorted(lim.SkippedGoals))
	}
	if len(lim.TruncatedGoals) > 0 {
		put("Evidence was truncated for prompt limits in: %s.", joinSorted(lim.TruncatedGoals))
	}
	if !wrote {
		b.WriteString("- None observed. All configured sources responded and the run finished within budget.\n")
	}
	fmt.Fprintf(&b, "\n**Overall confidence:** %.2f\n", root.Confidence)

	return b.String()
}

// CollectLimitations walks the result tree for failed, skipped, and truncated
// goals.
func CollectLimitations(root types.GoalResult) (failed, skipped, truncated []string) {
	var walk func(gr types.GoalResult)
	walk = func(gr types.GoalResult) {
		switch gr.Status {
		case types.StatusFailed:
			failed = append(failed, gr.Goal.ID)
		case types.StatusSkipped, types.StatusCancelled:
			skipped = append(skipped, gr.Goal.ID)
		}
		if gr.Truncated {
			truncated = append(truncated, gr.Goal.ID)
		}
		for _, sub := range gr.SubResults {
			walk(sub)
		}
	}
	walk(root)
	return failed, skipped, truncated
}

func joinSorted(items []string) string {
	cp := append([]string(nil), items...)
	sort.Strings(cp)
	return strings.Join(cp, ", ")
}
