// Package types holds the shared data model for the research agent:
// goals, constraints, raw and processed evidence, goal results, and the
// classified error shape that the source layer produces.
package types

import (
	"time"
)

// Action is the agent's choice for how to pursue a goal.
type Action string

const (
	ActionExecute   Action = "EXECUTE"
	ActionDecompose Action = "DECOMPOSE"
	ActionAnalyze   Action = "ANALYZE"
)

// GoalStatus is the terminal state of a pursued goal.
type GoalStatus string

const (
	StatusCompleted GoalStatus = "completed"
	StatusFailed    GoalStatus = "failed"
	StatusSkipped   GoalStatus = "skipped"
	StatusCancelled GoalStatus = "cancelled"
)

// ResearchGoal is a single research question or sub-question.
// Goals are immutable once created; relationships are by ID, never pointer.
type ResearchGoal struct {
	ID          string `json:"id"` // hierarchical, e.g. "0.2.1"
	Description string `json:"description"`
	Depth       int    `json:"depth"`
	ParentID    string `json:"parent_id,omitempty"`
	// Dependencies are sibling indices that must complete before this goal
	// runs. Only meaningful for decomposition children.
	Dependencies []int `json:"dependencies,omitempty"`
	// PriorFindings carries short summaries from siblings that completed in
	// earlier dependency groups, shown to this goal's assessor.
	PriorFindings []string `json:"prior_findings,omitempty"`
}

// Constraints bounds a single run. Every field is enforced by the core.
type Constraints struct {
	MaxDepth             int            `json:"max_depth"`
	MaxTime              time.Duration  `json:"max_time"`
	MaxGoals             int            `json:"max_goals"`
	MaxCostUSD           float64        `json:"max_cost_usd"`
	MaxConcurrent        int            `json:"max_concurrent"`
	PerSourceResultLimit map[string]int `json:"per_source_result_limit,omitempty"`
	DefaultResultLimit   int            `json:"default_result_limit"`
	MaxRetriesPerGoal    int            `json:"max_retries_per_goal"`
	FilterThreshold      int            `json:"filter_threshold"`
	MinResultsToContinue int            `json:"min_results_to_continue"`
	MaxFollowUpsPerGoal  int            `json:"max_follow_ups_per_goal"`
}

// DefaultConstraints returns the constraint set used when the caller leaves
// fields zero.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxDepth:             3,
		MaxTime:              20 * time.Minute,
		MaxGoals:             40,
		MaxCostUSD:           5.0,
		MaxConcurrent:        4,
		DefaultResultLimit:   10,
		MaxRetriesPerGoal:    2,
		FilterThreshold:      6,
		MinResultsToContinue: 1,
		MaxFollowUpsPerGoal:  3,
	}
}

// ResultLimit resolves the per-source result cap for a source ID.
func (c Constraints) ResultLimit(sourceID string) int {
	if n, ok := c.PerSourceResultLimit[sourceID]; ok && n > 0 {
		return n
	}
	if c.DefaultResultLimit > 0 {
		return c.DefaultResultLimit
	}
	return 10
}

// RawResult is one source hit, preserved verbatim. RawAPIResponse keeps the
// opaque upstream payload so the run directory remains the authoritative
// record of what the source actually returned.
type RawResult struct {
	SourceID       string    `json:"source_id"`
	FetchedAt      time.Time `json:"fetched_at"`
	URL            string    `json:"url,omitempty"`
	Title          string    `json:"title,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	Date           string    `json:"date,omitempty"`
	RawAPIResponse []byte    `json:"raw_api_response,omitempty"`
	RawContent     string    `json:"raw_content,omitempty"`
	// Fields holds source-specific structured values (award amounts, agency
	// names, file paths) that have no generic column.
	Fields map[string]any `json:"fields,omitempty"`
}

// Entity is a named entity extracted from evidence.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ProcessedEvidence is a filter-passing, extraction-enriched view of one
// raw result, scoped to the goal that admitted it. Immutable once appended.
type ProcessedEvidence struct {
	EvidenceID        int       `json:"evidence_id"`
	GoalID            string    `json:"goal_id"`
	Raw               RawResult `json:"raw"`
	LLMSummary        string    `json:"llm_summary"`
	ExtractedFacts    []string  `json:"extracted_facts,omitempty"`
	ExtractedEntities []Entity  `json:"extracted_entities,omitempty"`
	ExtractedDates    []string  `json:"extracted_dates,omitempty"` // ISO 8601
	RelevanceScore    int       `json:"relevance_score"`           // 0-10
	FilterRationale   string    `json:"filter_rationale,omitempty"`
}

// IndexEntry is the cross-branch view of a piece of evidence. Sibling and
// cousin goals select evidence by ID through these entries instead of
// re-querying sources.
type IndexEntry struct {
	EvidenceID          int      `json:"evidence_id"`
	GoalID              string   `json:"goal_id"`
	SummaryForSelection string   `json:"summary_for_selection"`
	URLHash             string   `json:"url_hash,omitempty"`
	Keywords            []string `json:"keywords,omitempty"`
}

// GoalResult is the outcome of one pursueGoal invocation, including the
// subtree beneath it.
type GoalResult struct {
	Goal        ResearchGoal `json:"goal"`
	Status      GoalStatus   `json:"status"`
	EvidenceIDs []int        `json:"evidence_ids,omitempty"`
	SubResults  []GoalResult `json:"sub_results,omitempty"`
	Confidence  float64      `json:"confidence"` // 0-1
	Reasoning   string       `json:"reasoning,omitempty"`
	Synthesis   string       `json:"synthesis,omitempty"`
	CostUSD     float64      `json:"cost_usd"`
	DurationMS  int64        `json:"duration_ms"`
	Error       string       `json:"error,omitempty"`
	Truncated   bool         `json:"truncated,omitempty"`
}

// CollectEvidenceIDs walks the result tree and returns every evidence ID,
// de-duplicated, in first-seen order.
func (r GoalResult) CollectEvidenceIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	var walk func(gr GoalResult)
	walk = func(gr GoalResult) {
		for _, id := range gr.EvidenceIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		for _, sub := range gr.SubResults {
			walk(sub)
		}
	}
	walk(r)
	return ids
}

// HasAnalysis reports whether an ANALYZE synthesis happened anywhere in the
// subtree. Comparative goals may not report achievement without one.
func (r GoalResult) HasAnalysis() bool {
	if r.Synthesis != "" {
		return true
	}
	for _, sub := range r.SubResults {
		if sub.HasAnalysis() {
			return true
		}
	}
	return false
}

// RunStatus is the terminal state of a whole run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunCrashed   RunStatus = "crashed"
)

// RunTotals summarizes a run for metadata.json.
type RunTotals struct {
	Goals    int     `json:"goals"`
	Evidence int     `json:"evidence"`
	CostUSD  float64 `json:"cost_usd"`
}

// RunBundle is what RunResearch hands back to the caller: the root result
// plus where the artifacts were written.
type RunBundle struct {
	RunID      string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	Root       GoalResult `json:"root_goal_result"`
	RunDir     string     `json:"run_dir"`
	ReportPath string     `json:"report_path"`
	Totals     RunTotals  `json:"totals"`
}
