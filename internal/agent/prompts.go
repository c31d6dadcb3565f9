package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"muckrake/internal/types"
)

// assessment is the model's choice of how to pursue a goal.
type assessment struct {
	Action        string `json:"action"`
	Rationale     string `json:"rationale"`
	IsComparative bool   `json:"is_comparative"`
}

func (a *assessment) Validate() error {
	switch types.Action(a.Action) {
	case types.ActionExecute, types.ActionDecompose, types.ActionAnalyze:
		return nil
	}
	return fmt.Errorf("action must be EXECUTE, DECOMPOSE, or ANALYZE, got %q", a.Action)
}

func assessPrompt(goal types.ResearchGoal, cons types.Constraints, budgetLine string, digest []types.IndexEntry, decomposeAllowed, analyzeAllowed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal (id %s, depth %d of %d): %q\n", goal.ID, goal.Depth, cons.MaxDepth, goal.Description)
	b.WriteString(budgetLine + "\n\n")

	if len(goal.PriorFindings) > 0 {
		b.WriteString("Findings from sibling goals already completed:\n")
		for _, f := range goal.PriorFindings {
			b.WriteString("- " + f + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Choose ONE action:\n")
	b.WriteString("- EXECUTE: query external sources directly. Right for factual, narrow questions.\n")
	if decomposeAllowed {
		b.WriteString("- DECOMPOSE: split into 2-6 sub-questions. Right for broad or multi-part questions.\n")
	} else {
		b.WriteString("- DECOMPOSE is NOT available (depth limit reached).\n")
	}
	if analyzeAllowed {
		b.WriteString("- ANALYZE: synthesize from evidence already gathered this run, no new queries. Right when the index below already covers the goal, or for comparative synthesis.\n")
	} else {
		b.WriteString("- ANALYZE is NOT available (no evidence gathered yet).\n")
	}

	if len(digest) > 0 {
		b.WriteString("\nEvidence already gathered this run (most relevant first):\n")
		for _, e := range digest {
			fmt.Fprintf(&b, "- E%d (goal %s): %s\n", e.EvidenceID, e.GoalID, e.SummaryForSelection)
		}
	}

	b.WriteString("\nAlso judge whether the goal is COMPARATIVE (asks to compare, contrast, or rank multiple subjects).\n")
	b.WriteString(`Return {"action": "EXECUTE|DECOMPOSE|ANALYZE", "rationale": "one sentence", "is_comparative": true|false}.`)
	return b.String()
}

// sourceSelection is the model's pick of sources for an EXECUTE.
type sourceSelection struct {
	Sources   []string `json:"sources"`
	Rationale string   `json:"rationale"`
}

func (s *sourceSelection) Validate() error {
	if len(s.Sources) == 0 {
		return fmt.Errorf("sources must name at least one source")
	}
	return nil
}

func selectSourcesPrompt(goal types.ResearchGoal, catalog []types.SourceMetadata, perfSummary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %q\n\nAvailable sources:\n", goal.Description)
	for _, meta := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", meta.ID, meta.Characteristics)
	}
	fmt.Fprintf(&b, "\nSource performance so far this run:\n%s\n", perfSummary)
	b.WriteString("\nPick every source likely to hold evidence for this goal; skip sources that keep failing or returning nothing.\n")
	b.WriteString(`Return {"sources": ["id", ...], "rationale": "one sentence"}.`)
	return b.String()
}

// filterScore grades one raw result against the goal.
type filterScore struct {
	Index     int    `json:"index"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
}

// filterResponse is the batch filter verdict.
type filterResponse struct {
	Scores []filterScore `json:"scores"`
}

func (f *filterResponse) Validate() error {
	if len(f.Scores) == 0 {
		return fmt.Errorf("scores must not be empty")
	}
	for _, s := range f.Scores {
		if s.Score < 0 || s.Score > 10 {
			return fmt.Errorf("score for index %d out of range 0-10: %d", s.Index, s.Score)
		}
	}
	return nil
}

// filterSnippetLen bounds per-result text in the filter prompt. Anything cut
// here is reported as truncation, never silently dropped.
const filterSnippetLen = 1500

func filterPrompt(goal types.ResearchGoal, results []types.RawResult) (prompt string, truncatedIdx []int) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %q\n\nScore each result 0-10 for how directly it bears on the goal. 0 means unrelated, 10 means directly on point.\n\n", goal.Description)
	for i, r := range results {
		text := r.Snippet
		if r.RawContent != "" {
			text = r.RawContent
		}
		if len(text) > filterSnippetLen {
			text = text[:filterSnippetLen]
			truncatedIdx = append(truncatedIdx, i)
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i, r.Title, r.URL, text)
	}
	b.WriteString(`Return {"scores": [{"index": 0, "score": 0, "rationale": "..."}, ...]} covering every index.`)
	return b.String(), truncatedIdx
}

// extraction is the enrichment of one accepted result.
type extraction struct {
	Summary  string         `json:"summary"`
	Facts    []string       `json:"facts"`
	Entities []types.Entity `json:"entities"`
	Dates    []string       `json:"dates"`
}

func (e *extraction) Validate() error {
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("summary must not be empty")
	}
	return nil
}

const extractContentLen = 6000

func extractPrompt(goal types.ResearchGoal, r types.RawResult) (prompt string, truncated bool) {
	text := r.Snippet
	if r.RawContent != "" {
		text = r.RawContent
	}
	if len(text) > extractContentLen {
		text = text[:extractContentLen]
		truncated = true
	}
	return fmt.Sprintf(`Research goal: %q

Source result: %s (%s)
%s

Extract what matters for the goal. Dates in ISO 8601 where determinable.
Return {"summary": "2-3 sentences", "facts": ["..."], "entities": [{"name": "...", "type": "person|org|location|other"}], "dates": ["YYYY-MM-DD"]}.`,
		goal.Description, r.Title, r.URL, text), truncated
}

// subGoalSpec is one child in a proposed decomposition.
type subGoalSpec struct {
	Description string `json:"description"`
	DependsOn   []int  `json:"depends_on,omitempty"`
}

// decomposition is the model's proposed split of a goal.
type decomposition struct {
	SubGoals []subGoalSpec `json:"sub_goals"`
}

func (d *decomposition) Validate() error {
	if len(d.SubGoals) < 2 || len(d.SubGoals) > 6 {
		return fmt.Errorf("sub_goals must contain 2-6 entries, got %d", len(d.SubGoals))
	}
	for i, sg := range d.SubGoals {
		if strings.TrimSpace(sg.Description) == "" {
			return fmt.Errorf("sub_goals[%d] has empty description", i)
		}
	}
	return nil
}

func decomposePrompt(goal types.ResearchGoal, comparative bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Research goal: %q

Split this goal into 2-6 independent sub-questions that together answer it.
A sub-question may depend on earlier siblings (by zero-based index) when its
phrasing needs their answers; use depends_on sparingly.
`, goal.Description)
	if comparative {
		b.WriteString(`This goal is comparative: the final sub-goal must synthesize and compare
the findings of the others, and its depends_on must list every one of them.
`)
	}
	b.WriteString(`Return {"sub_goals": [{"description": "...", "depends_on": [0]}, ...]}.`)
	return b.String()
}

// evidenceSelection is the model's pick of run-wide evidence for ANALYZE.
type evidenceSelection struct {
	EvidenceIDs []int  `json:"evidence_ids"`
	Rationale   string `json:"rationale"`
}

func selectEvidencePrompt(goal types.ResearchGoal, index []types.IndexEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %q\n\nEvidence gathered this run, across all branches:\n", goal.Description)
	for _, e := range index {
		fmt.Fprintf(&b, "- E%d (goal %s): %s\n", e.EvidenceID, e.GoalID, e.SummaryForSelection)
	}
	b.WriteString("\nSelect every evidence ID that bears on the goal, from any branch.\n")
	b.WriteString(`Return {"evidence_ids": [1, 2], "rationale": "one sentence"}.`)
	return b.String()
}

// synthesisOut is the ANALYZE output.
type synthesisOut struct {
	Synthesis  string  `json:"synthesis"`
	Confidence float64 `json:"confidence"`
}

func (s *synthesisOut) Validate() error {
	if strings.TrimSpace(s.Synthesis) == "" {
		return fmt.Errorf("synthesis must not be empty")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence out of range 0-1: %v", s.Confidence)
	}
	return nil
}

func synthesizePrompt(goal types.ResearchGoal, selected []types.ProcessedEvidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %q\n\nEvidence:\n", goal.Description)
	for _, ev := range selected {
		fmt.Fprintf(&b, "[E%d] %s\n", ev.EvidenceID, ev.LLMSummary)
		for _, fact := range ev.ExtractedFacts {
			fmt.Fprintf(&b, "  - %s\n", fact)
		}
	}
	b.WriteString("\nWrite an analysis answering the goal from this evidence alone. Cite evidence inline as [E<id>]. Note conflicts between sources explicitly.\n")
	b.WriteString(`Return {"synthesis": "the analysis with [E<id>] citations", "confidence": 0.0}.`)
	return b.String()
}

// achievement is the post-action achievement check.
type achievement struct {
	Achieved   bool     `json:"achieved"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	FollowUps  []string `json:"follow_up_questions,omitempty"`
}

func (a *achievement) Validate() error {
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence out of range 0-1: %v", a.Confidence)
	}
	return nil
}

func achievementPrompt(goal types.ResearchGoal, evidence []types.ProcessedEvidence, synthesis string, followUpsAllowed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %q\n\n", goal.Description)
	if synthesis != "" {
		fmt.Fprintf(&b, "Synthesis produced:\n%s\n\n", synthesis)
	}
	if len(evidence) > 0 {
		b.WriteString("Evidence gathered for this goal:\n")
		for _, ev := range evidence {
			fmt.Fprintf(&b, "- E%d: %s\n", ev.EvidenceID, ev.LLMSummary)
		}
		b.WriteString("\n")
	} else if synthesis == "" {
		b.WriteString("No evidence was gathered for this goal.\n\n")
	}
	b.WriteString("Judge whether the goal is answered. Confidence reflects evidence strength, not effort.\n")
	if followUpsAllowed > 0 {
		fmt.Fprintf(&b, "If not achieved, propose up to %d sharper follow-up questions that would close the gap.\n", followUpsAllowed)
	}
	b.WriteString(`Return {"achieved": true|false, "confidence": 0.0, "reasoning": "...", "follow_up_questions": ["..."]}.`)
	return b.String()
}

func reportPrompt(question string, root types.GoalResult, evidence []types.ProcessedEvidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %q\n\n", question)
	if root.Synthesis != "" {
		fmt.Fprintf(&b, "Top-level synthesis:\n%s\n\n", root.Synthesis)
	}
	b.WriteString("All evidence gathered:\n")
	for _, ev := range evidence {
		fmt.Fprintf(&b, "[E%d] (%s) %s\n", ev.EvidenceID, ev.Raw.SourceID, ev.LLMSummary)
	}
	b.WriteString(`
Write the findings sections of an investigative research report in markdown:
a "## Summary" section, then "## Findings" with subsections as the material
warrants. Every factual claim cites its evidence inline as [E<id>]. Claims
without evidence are omitted, not hedged. Do not write an evidence appendix
or a limitations section.
Return {"body": "the markdown"}.`)
	return b.String()
}

// reportBody wraps the report markdown for structured output.
type reportBody struct {
	Body string `json:"body"`
}

func (r *reportBody) Validate() error {
	if strings.TrimSpace(r.Body) == "" {
		return fmt.Errorf("body must not be empty")
	}
	return nil
}

// paramsJSON renders query params compactly for events and prompts.
func paramsJSON(p types.QueryParams) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}
