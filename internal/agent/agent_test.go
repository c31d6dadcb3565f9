package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"muckrake/internal/config"
	"muckrake/internal/llm"
	"muckrake/internal/logging"
	"muckrake/internal/source"
	"muckrake/internal/types"
)

// dispatchProvider routes scripted JSON responses by prompt content, so one
// provider serves a whole run without caring about call order.
type dispatchProvider struct {
	rules []dispatchRule
}

type dispatchRule struct {
	contains string
	response string
}

func (p *dispatchProvider) Model() string { return "gemini-2.5-flash" }

func (p *dispatchProvider) Complete(ctx context.Context, prompt string) (*llm.Completion, error) {
	return p.CompleteWithSystem(ctx, "", prompt)
}

func (p *dispatchProvider) CompleteWithSystem(ctx context.Context, system, user string) (*llm.Completion, error) {
	for _, r := range p.rules {
		if strings.Contains(user, r.contains) {
			return &llm.Completion{
				Text:  r.response,
				Usage: llm.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
			}, nil
		}
	}
	return nil, fmt.Errorf("no scripted response matches prompt: %.80s", user)
}

// fakeSource is a registry-registered adapter serving canned results without
// any LLM or network traffic.
type fakeSource struct {
	meta       types.SourceMetadata
	results    []types.RawResult
	fail       *types.QueryResult // when set, every search returns this
	irrelevant bool
	queries    int
}

func (f *fakeSource) Metadata() types.SourceMetadata          { return f.meta }
func (f *fakeSource) IsRelevant(context.Context, string) bool { return !f.irrelevant }
func (f *fakeSource) GenerateQuery(context.Context, string, types.QueryParams) (types.QueryParams, error) {
	return types.QueryParams{"q": "canned"}, nil
}
func (f *fakeSource) ExecuteSearch(context.Context, types.QueryParams, int, bool) types.QueryResult {
	f.queries++
	if f.fail != nil {
		return *f.fail
	}
	return types.QueryResult{
		Success:  true,
		SourceID: f.meta.ID,
		Total:    len(f.results),
		Results:  f.results,
	}
}

func fakeMeta(id string) types.SourceMetadata {
	return types.SourceMetadata{ID: id, DisplayName: id, Characteristics: "canned test source"}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutDir = t.TempDir()
	cfg.Limits.MaxCostUSD = 100
	cfg.Limits.MaxTimeS = 60
	cfg.Limits.MaxDepth = 0 // direct execution only unless a test raises it
	return cfg
}

// happyPathRules covers every call a single-goal EXECUTE run makes.
func happyPathRules() []dispatchRule {
	return []dispatchRule{
		{"Choose ONE action", `{"action": "EXECUTE", "rationale": "narrow factual question", "is_comparative": false}`},
		{"Score each result", `{"scores": [{"index": 0, "score": 9, "rationale": "directly on point"}]}`},
		{"Extract what matters", `{"summary": "Acme won the contract in March 2024.", "facts": ["Acme won"], "entities": [{"name": "Acme", "type": "org"}], "dates": ["2024-03-01"]}`},
		{"Judge whether the goal is answered", `{"achieved": true, "confidence": 0.85, "reasoning": "single authoritative hit"}`},
		{"investigative research report", `{"body": "## Summary\n\nAcme won the contract [E1]."}`},
	}
}

func runWith(t *testing.T, cfg *config.Config, rules []dispatchRule, adapters ...*fakeSource) *types.RunBundle {
	t.Helper()
	runner := NewRunner(cfg, zap.NewNop(), &dispatchProvider{rules: rules}, func(reg *source.Registry) {
		for _, a := range adapters {
			a := a
			reg.Register(a.meta, true, func(source.Deps) (source.Adapter, error) { return a, nil })
		}
	})
	bundle, err := runner.Run(context.Background(), "Who won the Acme contract?")
	require.NoError(t, err)
	return bundle
}

func readRunEvents(t *testing.T, runDir string) []logging.Event {
	t.Helper()
	f, err := os.Open(filepath.Join(runDir, "execution_log.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var events []logging.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var ev logging.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []logging.Event) map[logging.EventType]int {
	out := make(map[logging.EventType]int)
	for _, ev := range events {
		out[ev.EventType]++
	}
	return out
}

func TestRunHappyPathProducesFullRunDirectory(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", FetchedAt: time.Now(),
		URL: "https://example.com/award", Title: "Award notice",
		Snippet: "Acme wins", RawAPIResponse: []byte(`{"hit": true}`),
	}}}

	bundle := runWith(t, testConfig(t), happyPathRules(), src)

	assert.Equal(t, types.RunCompleted, bundle.Status)
	assert.Equal(t, 1, bundle.Totals.Evidence)
	assert.Equal(t, []int{1}, bundle.Root.EvidenceIDs)
	assert.InDelta(t, 0.85, bundle.Root.Confidence, 0.001)

	for _, name := range []string{"execution_log.jsonl", "metadata.json", "evidence.json", "result.json", "report.md"} {
		_, err := os.Stat(filepath.Join(bundle.RunDir, name))
		assert.NoError(t, err, "missing %s", name)
	}
	raw, err := os.ReadFile(filepath.Join(bundle.RunDir, "raw_responses", "stub", "1.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hit": true}`, string(raw))

	reportMD, err := os.ReadFile(bundle.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(reportMD), "[E1]")
	assert.Contains(t, string(reportMD), "## Research Limitations")

	events := readRunEvents(t, bundle.RunDir)
	counts := eventTypes(events)
	for et := range counts {
		assert.True(t, logging.KnownEventTypes[et], "unknown event type %q", et)
	}
	for _, want := range []logging.EventType{
		logging.EventSchemaVersion, logging.EventRunStarted, logging.EventGoalStarted,
		logging.EventActionSelected, logging.EventQueryGenerated, logging.EventSourceQuery,
		logging.EventSourceResponse, logging.EventRelevanceFiltering,
		logging.EventEvidenceAccepted, logging.EventGoalCompleted,
		logging.EventReportWritten, logging.EventRunCompleted,
	} {
		assert.Positive(t, counts[want], "expected event %q", want)
	}
	assert.Equal(t, logging.EventSchemaVersion, events[0].EventType)
	assert.Equal(t, logging.EventRunCompleted, events[len(events)-1].EventType)
}

func TestRunRejectsLowScoringEvidence(t *testing.T) {
	rules := happyPathRules()
	rules[1] = dispatchRule{"Score each result", `{"scores": [{"index": 0, "score": 2, "rationale": "off topic"}]}`}
	rules[3] = dispatchRule{"Judge whether the goal is answered", `{"achieved": false, "confidence": 0.1, "reasoning": "nothing usable"}`}

	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/noise", Title: "Noise",
	}}}
	bundle := runWith(t, testConfig(t), rules, src)

	assert.Equal(t, 0, bundle.Totals.Evidence)
	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventEvidenceRejected])
	assert.Zero(t, counts[logging.EventEvidenceAccepted])
}

func TestRunDuplicateURLReferencesIndex(t *testing.T) {
	dup := types.RawResult{SourceID: "stub", URL: "https://example.com/award?utm_source=feed", Title: "Award notice"}
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{
		{SourceID: "stub", URL: "https://example.com/award", Title: "Award notice", RawAPIResponse: []byte(`{}`)},
		dup,
	}}

	bundle := runWith(t, testConfig(t), happyPathRules(), src)

	// Second hit is the same document modulo tracking params; it must be
	// referenced, not re-admitted.
	assert.Equal(t, 1, bundle.Totals.Evidence)
	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventURLDuplicateIndexRef])
}

func TestRunRateLimitedSourceIsIsolated(t *testing.T) {
	limited := &fakeSource{meta: fakeMeta("limited"), fail: &types.QueryResult{
		Success: false, SourceID: "limited", HTTPCode: 429, Error: "too many requests", RetryAfterSec: 120,
	}}
	healthy := &fakeSource{meta: fakeMeta("healthy"), results: []types.RawResult{{
		SourceID: "healthy", URL: "https://example.com/ok", Title: "Good hit", RawAPIResponse: []byte(`{}`),
	}}}

	rules := append(happyPathRules(), dispatchRule{
		"Pick every source", `{"sources": ["limited", "healthy"], "rationale": "both plausible"}`,
	})
	bundle := runWith(t, testConfig(t), rules, limited, healthy)

	assert.Equal(t, types.RunCompleted, bundle.Status)
	assert.Equal(t, 1, bundle.Totals.Evidence, "healthy source must still deliver")
	assert.Equal(t, 1, limited.queries, "rate-limited source is not retried within the goal")

	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventRateLimitHit])
	assert.Positive(t, counts[logging.EventErrorClassified])
}

func TestRunValidationErrorReformulates(t *testing.T) {
	failing := &fakeSource{meta: fakeMeta("stub"), fail: &types.QueryResult{
		Success: false, SourceID: "stub", HTTPCode: 400, Error: "bad date filter",
	}}
	rules := happyPathRules()
	rules[3] = dispatchRule{"Judge whether the goal is answered", `{"achieved": false, "confidence": 0.0, "reasoning": "source kept failing"}`}

	cfg := testConfig(t)
	cfg.Limits.MaxRetriesPerGoal = 2
	bundle := runWith(t, cfg, rules, failing)

	// Initial query plus two reformulations, then give up.
	assert.Equal(t, 3, failing.queries)
	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Equal(t, 2, counts[logging.EventReformulation])
	assert.Equal(t, types.RunFailed, bundle.Status)
}

func TestRunForbiddenNeverReformulates(t *testing.T) {
	forbidden := &fakeSource{meta: fakeMeta("stub"), fail: &types.QueryResult{
		Success: false, SourceID: "stub", HTTPCode: 403, Error: "forbidden",
	}}
	rules := happyPathRules()
	rules[3] = dispatchRule{"Judge whether the goal is answered", `{"achieved": false, "confidence": 0.9, "reasoning": "claims done anyway"}`}

	bundle := runWith(t, testConfig(t), rules, forbidden)

	assert.Equal(t, 1, forbidden.queries, "403 must not be reformulated or retried")
	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Zero(t, counts[logging.EventReformulation])

	// Terminal auth failure of the only selected source caps confidence.
	assert.LessOrEqual(t, bundle.Root.Confidence, criticalConfidenceCap)
}

func TestRunDecomposeWithDependencies(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/a", Title: "Hit", RawAPIResponse: []byte(`{}`),
	}}}

	rules := []dispatchRule{
		{"Split this goal", `{"sub_goals": [{"description": "who bid"}, {"description": "who decided", "depends_on": [0]}]}`},
		{"Score each result", `{"scores": [{"index": 0, "score": 8, "rationale": "relevant"}]}`},
		{"Extract what matters", `{"summary": "Relevant finding.", "facts": [], "entities": [], "dates": []}`},
		{"Judge whether the goal is answered", `{"achieved": true, "confidence": 0.8, "reasoning": "covered"}`},
		{"investigative research report", `{"body": "## Summary\n\nFindings [E1]."}`},
	}

	cfg := testConfig(t)
	cfg.Limits.MaxDepth = 1

	// Root decomposes; children are at the depth limit and must execute.
	rootAssess := dispatchRule{"depth 0 of 1", `{"action": "DECOMPOSE", "rationale": "two-part question", "is_comparative": false}`}
	childAssess := dispatchRule{"depth 1 of 1", `{"action": "EXECUTE", "rationale": "narrow", "is_comparative": false}`}
	rules = append([]dispatchRule{rootAssess, childAssess}, rules...)

	bundle := runWith(t, cfg, rules, src)

	require.Equal(t, types.RunCompleted, bundle.Status)
	require.Len(t, bundle.Root.SubResults, 2)
	assert.Equal(t, "0.0", bundle.Root.SubResults[0].Goal.ID)
	assert.Equal(t, "0.1", bundle.Root.SubResults[1].Goal.ID)

	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventDecomposition])
	assert.Equal(t, 2, counts[logging.EventDependencyGroup], "chain of two groups")
}

func TestRunInvalidDecompositionFallsBackToExecute(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/a", Title: "Hit", RawAPIResponse: []byte(`{}`),
	}}}

	cfg := testConfig(t)
	cfg.Limits.MaxDepth = 2

	rules := happyPathRules()
	rules[0] = dispatchRule{"Choose ONE action", `{"action": "DECOMPOSE", "rationale": "split it", "is_comparative": false}`}
	// Cyclic dependencies: 0 -> 1 -> 0.
	rules = append(rules, dispatchRule{
		"Split this goal", `{"sub_goals": [{"description": "a", "depends_on": [1]}, {"description": "b", "depends_on": [0]}]}`,
	})

	bundle := runWith(t, cfg, rules, src)

	assert.Equal(t, types.RunCompleted, bundle.Status)
	assert.Equal(t, 1, bundle.Totals.Evidence, "fallback execution must still gather evidence")
	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventDecompositionInvalid])
	assert.Zero(t, counts[logging.EventDecomposition])
}

func TestRunDecomposeAtSingleConcurrency(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/a", Title: "Hit", RawAPIResponse: []byte(`{}`),
	}}}

	rules := []dispatchRule{
		{"depth 0 of 1", `{"action": "DECOMPOSE", "rationale": "two-part question", "is_comparative": false}`},
		{"depth 1 of 1", `{"action": "EXECUTE", "rationale": "narrow", "is_comparative": false}`},
		{"Split this goal", `{"sub_goals": [{"description": "who bid"}, {"description": "who decided", "depends_on": [0]}]}`},
		{"Score each result", `{"scores": [{"index": 0, "score": 8, "rationale": "relevant"}]}`},
		{"Extract what matters", `{"summary": "Relevant finding.", "facts": [], "entities": [], "dates": []}`},
		{"Judge whether the goal is answered", `{"achieved": true, "confidence": 0.8, "reasoning": "covered"}`},
		{"investigative research report", `{"body": "## Summary\n\nFindings [E1]."}`},
	}

	// One slot total: the parent must not sit on it while its children wait
	// for theirs, or the run never finishes.
	cfg := testConfig(t)
	cfg.Limits.MaxDepth = 1
	cfg.Limits.MaxConcurrent = 1

	bundle := runWith(t, cfg, rules, src)

	require.Equal(t, types.RunCompleted, bundle.Status)
	require.Len(t, bundle.Root.SubResults, 2)
	for _, sub := range bundle.Root.SubResults {
		assert.Equal(t, types.StatusCompleted, sub.Status)
	}
}

func TestRunCostBreachCancelsRun(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/a", Title: "Hit", RawAPIResponse: []byte(`{}`),
	}}}

	// The very first model call blows the cap; the run must end cancelled
	// with the cost reason on record, not report itself completed.
	cfg := testConfig(t)
	cfg.Limits.MaxCostUSD = 0.00001

	bundle := runWith(t, cfg, happyPathRules(), src)

	assert.Equal(t, types.RunCancelled, bundle.Status)

	data, err := os.ReadFile(filepath.Join(bundle.RunDir, "metadata.json"))
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "cancelled", meta["status"])
	assert.Equal(t, "cost", meta["stop_reason"])

	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventBudgetBreach])
}

func TestRunIrrelevantSourceSkippedWithoutQuery(t *testing.T) {
	niche := &fakeSource{meta: fakeMeta("niche"), irrelevant: true, results: []types.RawResult{{
		SourceID: "niche", URL: "https://example.com/niche", Title: "Niche",
	}}}
	broad := &fakeSource{meta: fakeMeta("broad"), results: []types.RawResult{{
		SourceID: "broad", URL: "https://example.com/ok", Title: "Good hit", RawAPIResponse: []byte(`{}`),
	}}}

	rules := append(happyPathRules(), dispatchRule{
		"Pick every source", `{"sources": ["niche", "broad"], "rationale": "both plausible"}`,
	})
	bundle := runWith(t, testConfig(t), rules, niche, broad)

	assert.Equal(t, types.RunCompleted, bundle.Status)
	assert.Equal(t, 1, bundle.Totals.Evidence)
	assert.Equal(t, 0, niche.queries, "out-of-scope source must not be queried")

	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventSourceSkipped])
}

func TestRunEvidenceFloorForcesFollowUps(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/a", Title: "Hit", RawAPIResponse: []byte(`{}`),
	}}}

	cfg := testConfig(t)
	cfg.Limits.MaxDepth = 1
	cfg.Limits.MinResultsToContinue = 2

	rules := []dispatchRule{
		{"depth 0 of 1", `{"action": "EXECUTE", "rationale": "narrow", "is_comparative": false}`},
		{"depth 1 of 1", `{"action": "EXECUTE", "rationale": "narrow", "is_comparative": false}`},
		{"Score each result", `{"scores": [{"index": 0, "score": 9, "rationale": "on point"}]}`},
		{"Extract what matters", `{"summary": "Single finding.", "facts": [], "entities": [], "dates": []}`},
		{"Judge whether the goal is answered", `{"achieved": true, "confidence": 0.9, "reasoning": "looks settled", "follow_up_questions": ["Trace the subcontractors"]}`},
		{"investigative research report", `{"body": "## Summary\n\nPartial [E1]."}`},
	}

	bundle := runWith(t, cfg, rules, src)

	// One evidence item sits below the floor of two: the model's "achieved"
	// verdict must be overridden and the follow-up actually pursued.
	require.Len(t, bundle.Root.SubResults, 1)
	assert.Equal(t, "0.0", bundle.Root.SubResults[0].Goal.ID)
	assert.Equal(t, "Trace the subcontractors", bundle.Root.SubResults[0].Goal.Description)
}

func TestRunComparativeDecompositionGetsSynthesisChild(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/a", Title: "Hit", RawAPIResponse: []byte(`{}`),
	}}}

	// The split omits a synthesis step; a dependent one must be appended so
	// the comparison happens in a goal of its own.
	rules := []dispatchRule{
		{"depth 0 of 1", `{"action": "DECOMPOSE", "rationale": "two subjects to compare", "is_comparative": true}`},
		{"Judge whether the goal is answered", `{"achieved": true, "confidence": 0.8, "reasoning": "covered"}`},
		{"Select every evidence ID", `{"evidence_ids": [1], "rationale": "covers both subjects"}`},
		{"Write an analysis answering", `{"synthesis": "Alpha outspent Beta [E1].", "confidence": 0.8}`},
		{"Synthesize and compare the findings", `{"action": "ANALYZE", "rationale": "evidence is in", "is_comparative": false}`},
		{"depth 1 of 1", `{"action": "EXECUTE", "rationale": "narrow", "is_comparative": false}`},
		{"Split this goal", `{"sub_goals": [{"description": "alpha spending"}, {"description": "beta spending"}]}`},
		{"Score each result", `{"scores": [{"index": 0, "score": 8, "rationale": "relevant"}]}`},
		{"Extract what matters", `{"summary": "Relevant finding.", "facts": [], "entities": [], "dates": []}`},
		{"investigative research report", `{"body": "## Summary\n\nComparison [E1]."}`},
	}

	cfg := testConfig(t)
	cfg.Limits.MaxDepth = 1

	bundle := runWith(t, cfg, rules, src)

	require.Equal(t, types.RunCompleted, bundle.Status)
	require.Len(t, bundle.Root.SubResults, 3)
	synth := bundle.Root.SubResults[2]
	assert.Equal(t, "0.2", synth.Goal.ID)
	assert.Equal(t, []int{0, 1}, synth.Goal.Dependencies)
	assert.Contains(t, synth.Synthesis, "[E1]")
	assert.True(t, bundle.Root.HasAnalysis())

	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Equal(t, 2, counts[logging.EventDependencyGroup], "data group then synthesis group")
}

func TestRunGoalBudgetSkipsExcessGoals(t *testing.T) {
	src := &fakeSource{meta: fakeMeta("stub"), results: []types.RawResult{{
		SourceID: "stub", URL: "https://example.com/a", Title: "Hit", RawAPIResponse: []byte(`{}`),
	}}}

	cfg := testConfig(t)
	cfg.Limits.MaxDepth = 1
	cfg.Limits.MaxGoals = 2 // root plus one child

	rules := []dispatchRule{
		{"depth 0 of 1", `{"action": "DECOMPOSE", "rationale": "split", "is_comparative": false}`},
		{"depth 1 of 1", `{"action": "EXECUTE", "rationale": "narrow", "is_comparative": false}`},
		{"Split this goal", `{"sub_goals": [{"description": "a"}, {"description": "b", "depends_on": [0]}]}`},
		{"Score each result", `{"scores": [{"index": 0, "score": 8, "rationale": "relevant"}]}`},
		{"Extract what matters", `{"summary": "Finding.", "facts": [], "entities": [], "dates": []}`},
		{"Judge whether the goal is answered", `{"achieved": true, "confidence": 0.7, "reasoning": "partial"}`},
		{"investigative research report", `{"body": "## Summary\n\nPartial [E1]."}`},
	}

	bundle := runWith(t, cfg, rules, src)

	require.Len(t, bundle.Root.SubResults, 2)
	statuses := map[types.GoalStatus]int{}
	for _, sub := range bundle.Root.SubResults {
		statuses[sub.Status]++
	}
	assert.Equal(t, 1, statuses[types.StatusCompleted])
	assert.Equal(t, 1, statuses[types.StatusSkipped], "goal past the cap must be skipped, not run")

	counts := eventTypes(readRunEvents(t, bundle.RunDir))
	assert.Positive(t, counts[logging.EventBudgetBreach])
}
