// Package report owns the run directory: its layout, the JSON artifacts, and
// the final markdown report. Nothing here talks to a model; the agent hands
// in finished content.
//
// Layout:
//
//	<base>/<YYYY-MM-DD_HH-MM-SS_slug>/
//	    execution_log.jsonl
//	    metadata.json
//	    evidence.json
//	    result.json
//	    report.md
//	    raw_responses/<source_id>/<evidence_id>.json
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"muckrake/internal/types"
)

const slugMaxLen = 48

// Writer writes all artifacts for one run directory.
type Writer struct {
	runDir string
}

// Slug derives the run directory suffix from the research question:
// lowercase, alphanumeric runs joined by hyphens, length-capped.
func Slug(question string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(question) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= slugMaxLen {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "run"
	}
	return s
}

// NewWriter creates the run directory (timestamped, slugged) under baseDir
// along with raw_responses/.
func NewWriter(baseDir, question string, now time.Time) (*Writer, error) {
	dir := filepath.Join(baseDir, now.Format("2006-01-02_15-04-05")+"_"+Slug(question))
	if err := os.MkdirAll(filepath.Join(dir, "raw_responses"), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Writer{runDir: dir}, nil
}

// RunDir returns the absolute or relative run directory path as created.
func (w *Writer) RunDir() string { return w.runDir }

// WriteRawResponse persists the verbatim upstream payload for one evidence
// record, keyed by source and evidence ID.
func (w *Writer) WriteRawResponse(sourceID string, evidenceID int, payload []byte) error {
	dir := filepath.Join(w.runDir, "raw_responses", sourceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create raw response dir: %w", err)
	}
	path := filepath.Join(dir, strconv.Itoa(evidenceID)+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write raw response: %w", err)
	}
	return nil
}

// Metadata is the run summary written to metadata.json.
type Metadata struct {
	RunID                string                          `json:"run_id"`
	Question             string                          `json:"question"`
	Model                string                          `json:"model"`
	StartedAt            time.Time                       `json:"started_at"`
	FinishedAt           time.Time                       `json:"finished_at"`
	Status               types.RunStatus                 `json:"status"`
	StopReason           string                          `json:"stop_reason,omitempty"`
	Constraints          types.Constraints               `json:"constraints"`
	Totals               types.RunTotals                 `json:"totals"`
	SourceStats          map[string]any                  `json:"source_stats,omitempty"`
	RegistrationFailures []RegistrationFailureRecord     `json:"registration_failures,omitempty"`
	RateLimitedSources   []string                        `json:"rate_limited_sources,omitempty"`
}

// RegistrationFailureRecord mirrors a source registration failure for the
// metadata file.
type RegistrationFailureRecord struct {
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// WriteMetadata writes metadata.json.
func (w *Writer) WriteMetadata(m Metadata) error {
	return w.writeJSON("metadata.json", m)
}

// WriteEvidence writes every evidence record, untruncated, to evidence.json.
func (w *Writer) WriteEvidence(evs []types.ProcessedEvidence) error {
	if evs == nil {
		evs = []types.ProcessedEvidence{}
	}
	return w.writeJSON("evidence.json", evs)
}

// Result is the structured outcome written to result.json.
type Result struct {
	RootGoalResult  types.GoalResult `json:"root_goal_result"`
	ByGoal          map[string][]int `json:"by_goal"`
	FlatEvidenceIDs []int            `json:"flat_evidence_ids"`
}

// BuildResult assembles the result.json payload from the finished tree.
func BuildResult(root types.GoalResult) Result {
	byGoal := make(map[string][]int)
	var walk func(gr types.GoalResult)
	walk = func(gr types.GoalResult) {
		if len(gr.EvidenceIDs) > 0 {
			byGoal[gr.Goal.ID] = append([]int(nil), gr.EvidenceIDs...)
		}
		for _, sub := range gr.SubResults {
			walk(sub)
		}
	}
	walk(root)
	flat := root.CollectEvidenceIDs()
	if flat == nil {
		flat = []int{}
	}
	return Result{RootGoalResult: root, ByGoal: byGoal, FlatEvidenceIDs: flat}
}

// WriteResult writes result.json.
func (w *Writer) WriteResult(res Result) error {
	return w.writeJSON("result.json", res)
}

// WriteReport writes report.md and returns its path.
func (w *Writer) WriteReport(markdown string) (string, error) {
	path := filepath.Join(w.runDir, "report.md")
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(w.runDir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
