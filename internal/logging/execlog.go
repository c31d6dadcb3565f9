package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion identifies the execution-log event schema. The first line of
// every log is a schema_version event carrying this value.
const SchemaVersion = 2

// EventType enumerates every event the agent may emit. Tests assert that
// observed events stay inside this set.
type EventType string

const (
	EventSchemaVersion            EventType = "schema_version"
	EventRunStarted               EventType = "run_started"
	EventRunCompleted             EventType = "run_completed"
	EventGoalStarted              EventType = "goal_started"
	EventGoalCompleted            EventType = "goal_completed"
	EventGoalFailed               EventType = "goal_failed"
	EventGoalCancelled            EventType = "goal_cancelled"
	EventActionSelected           EventType = "action_selected"
	EventSourceSkipped            EventType = "source_skipped"
	EventQueryGenerated           EventType = "query_generated"
	EventSourceQuery              EventType = "source_query"
	EventSourceResponse           EventType = "source_response"
	EventRelevanceFiltering       EventType = "relevance_filtering"
	EventEvidenceAccepted         EventType = "evidence_accepted"
	EventEvidenceRejected         EventType = "evidence_rejected"
	EventEvidenceTruncated        EventType = "evidence_truncated"
	EventGlobalEvidenceSelection  EventType = "global_evidence_selection"
	EventURLDuplicateIndexRef     EventType = "url_duplicate_index_ref"
	EventDecomposition            EventType = "decomposition"
	EventDecompositionInvalid     EventType = "decomposition_invalid"
	EventDependencyGroup          EventType = "dependency_group"
	EventReformulation            EventType = "reformulation"
	EventErrorClassified          EventType = "error_classified"
	EventBudgetBreach             EventType = "budget_breach"
	EventRateLimitHit             EventType = "rate_limit_hit"
	EventCostTick                 EventType = "cost_tick"
	EventReportWritten            EventType = "report_written"
	EventSourceRegistrationFailed EventType = "source_registration_failed"
)

// KnownEventTypes is the documented event-type set.
var KnownEventTypes = map[EventType]bool{
	EventSchemaVersion: true, EventRunStarted: true, EventRunCompleted: true,
	EventGoalStarted: true, EventGoalCompleted: true, EventGoalFailed: true,
	EventGoalCancelled: true, EventActionSelected: true, EventSourceSkipped: true,
	EventQueryGenerated: true, EventSourceQuery: true, EventSourceResponse: true,
	EventRelevanceFiltering: true, EventEvidenceAccepted: true,
	EventEvidenceRejected: true, EventEvidenceTruncated: true,
	EventGlobalEvidenceSelection: true, EventURLDuplicateIndexRef: true,
	EventDecomposition: true, EventDecompositionInvalid: true,
	EventDependencyGroup: true, EventReformulation: true,
	EventErrorClassified: true, EventBudgetBreach: true, EventRateLimitHit: true,
	EventCostTick: true, EventReportWritten: true,
	EventSourceRegistrationFailed: true,
}

// Event is one line of the execution log.
type Event struct {
	TS        time.Time      `json:"ts"`
	RunID     string         `json:"run_id"`
	GoalID    string         `json:"goal_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionLogger writes the append-only JSONL event stream for one run.
// Writes are serialized; goal_completed and run_completed are flushed to
// durable storage before Emit returns.
type ExecutionLogger struct {
	mu    sync.Mutex
	runID string
	file  *os.File
	clock func() time.Time // overridable in tests
}

// NewExecutionLogger opens execution_log.jsonl under runDir and writes the
// schema version header event.
func NewExecutionLogger(runDir, runID string) (*ExecutionLogger, error) {
	return newExecutionLogger(runDir, runID, time.Now)
}

// newExecutionLogger injects the clock so tests control every timestamp,
// the header's included.
func newExecutionLogger(runDir, runID string, clock func() time.Time) (*ExecutionLogger, error) {
	path := filepath.Join(runDir, "execution_log.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	l := &ExecutionLogger{runID: runID, file: f, clock: clock}
	l.Emit("", EventSchemaVersion, map[string]any{"version": SchemaVersion})
	return l, nil
}

// Emit appends one event. Marshal errors are swallowed after best-effort
// stderr notice; the log must never take the run down.
func (l *ExecutionLogger) Emit(goalID string, et EventType, data map[string]any) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		TS:        l.clock().UTC(),
		RunID:     l.runID,
		GoalID:    goalID,
		EventType: et,
		Data:      data,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[execlog] drop %s: %v\n", et, err)
		return
	}
	l.file.Write(append(line, '\n'))

	// Zero loss tolerance for terminal events.
	if et == EventGoalCompleted || et == EventRunCompleted {
		l.file.Sync()
	}
}

// Close syncs and closes the underlying file.
func (l *ExecutionLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.file.Sync()
	err := l.file.Close()
	l.file = nil
	return err
}
