package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muckrake/internal/types"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Who funded the campaign?":        "who-funded-the-campaign",
		"  spaces   and UPPER  ":          "spaces-and-upper",
		"100% of donors (2024)":           "100-of-donors-2024",
		"???":                             "run",
		"":                                "run",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "input %q", in)
	}
	long := Slug(strings.Repeat("word ", 40))
	assert.LessOrEqual(t, len(long), 49)
}

func TestWriterLayout(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)
	w, err := NewWriter(base, "Who won?", now)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "2026-08-26_14-30-00_who-won"), w.RunDir())
	info, err := os.Stat(filepath.Join(w.RunDir(), "raw_responses"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteRawResponse(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "q", time.Now())
	require.NoError(t, err)

	require.NoError(t, w.WriteRawResponse("websearch", 7, []byte(`{"raw": true}`)))
	data, err := os.ReadFile(filepath.Join(w.RunDir(), "raw_responses", "websearch", "7.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw": true}`, string(data))
}

func TestWriteEvidenceNeverNull(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "q", time.Now())
	require.NoError(t, err)

	require.NoError(t, w.WriteEvidence(nil))
	data, err := os.ReadFile(filepath.Join(w.RunDir(), "evidence.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(data)))
}

func TestBuildResult(t *testing.T) {
	root := types.GoalResult{
		Goal:        types.ResearchGoal{ID: "0"},
		EvidenceIDs: []int{3},
		SubResults: []types.GoalResult{
			{Goal: types.ResearchGoal{ID: "0.0"}, EvidenceIDs: []int{1, 2}},
			{Goal: types.ResearchGoal{ID: "0.1"}, EvidenceIDs: []int{2, 3}},
		},
	}
	res := BuildResult(root)
	assert.Equal(t, []int{3}, res.ByGoal["0"])
	assert.Equal(t, []int{1, 2}, res.ByGoal["0.0"])
	assert.Equal(t, []int{3, 1, 2}, res.FlatEvidenceIDs, "de-duplicated, first-seen order")
}

func TestWriteResultRoundTrips(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "q", time.Now())
	require.NoError(t, err)

	res := BuildResult(types.GoalResult{
		Goal:        types.ResearchGoal{ID: "0", Description: "q"},
		Status:      types.StatusCompleted,
		EvidenceIDs: []int{1},
		Confidence:  0.7,
	})
	require.NoError(t, w.WriteResult(res))

	data, err := os.ReadFile(filepath.Join(w.RunDir(), "result.json"))
	require.NoError(t, err)
	var got Result
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "0", got.RootGoalResult.Goal.ID)
	assert.Equal(t, []int{1}, got.FlatEvidenceIDs)
}

func TestAssembleReportSections(t *testing.T) {
	evs := []types.ProcessedEvidence{{
		EvidenceID: 1,
		LLMSummary: "Acme won the award.",
		Raw:        types.RawResult{SourceID: "websearch", URL: "https://example.com/a"},
	}}
	md := Assemble("Who won?", "## Summary\n\nAcme won [E1].", evs,
		types.GoalResult{Confidence: 0.8},
		Limitations{
			StopReason:         "cost",
			RateLimitedSources: []string{"govcontracts"},
			FailedGoals:        []string{"0.2"},
		}, time.Now())

	assert.Contains(t, md, "# Research Report")
	assert.Contains(t, md, "Acme won [E1].")
	assert.Contains(t, md, "**[E1]** Acme won the award.")
	assert.Contains(t, md, "## Research Limitations")
	assert.Contains(t, md, "cost budget exhausted")
	assert.Contains(t, md, "govcontracts")
	assert.Contains(t, md, "0.2")
	assert.Contains(t, md, "**Overall confidence:** 0.80")
}

func TestAssembleWithoutBodyFallsBackToEvidence(t *testing.T) {
	md := Assemble("Who won?", "", nil, types.GoalResult{}, Limitations{}, time.Now())
	assert.Contains(t, md, "synthesis did not complete")
	assert.Contains(t, md, "No evidence passed the relevance filter")
	assert.Contains(t, md, "None observed")
}

func TestCollectLimitations(t *testing.T) {
	root := types.GoalResult{
		Goal:   types.ResearchGoal{ID: "0"},
		Status: types.StatusCompleted,
		SubResults: []types.GoalResult{
			{Goal: types.ResearchGoal{ID: "0.0"}, Status: types.StatusFailed},
			{Goal: types.ResearchGoal{ID: "0.1"}, Status: types.StatusSkipped, Truncated: true},
			{Goal: types.ResearchGoal{ID: "0.2"}, Status: types.StatusCancelled},
		},
	}
	failed, skipped, truncated := CollectLimitations(root)
	assert.Equal(t, []string{"0.0"}, failed)
	assert.ElementsMatch(t, []string{"0.1", "0.2"}, skipped)
	assert.Equal(t, []string{"0.1"}, truncated)
}
