package evidence

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muckrake/internal/types"
)

func TestNormalizeURLIdempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://Example.COM:443/Reports/?utm_source=x&id=5#frag",
		"http://example.com:80/a/b/",
		"https://example.com/path?fbclid=abc&q=term",
		"not a url at all",
		"",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		assert.Equal(t, once, NormalizeURL(once), "input %q", in)
	}
}

func TestNormalizeURLCanonicalForms(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.COM/Path/":                  "https://example.com/Path",
		"https://example.com:443/doc":                "https://example.com/doc",
		"http://example.com:80/doc":                  "http://example.com/doc",
		"https://example.com/doc#section-2":          "https://example.com/doc",
		"https://example.com/doc?utm_source=tw&a=1":  "https://example.com/doc?a=1",
		"https://example.com/doc?gclid=xyz":          "https://example.com/doc",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}

func TestURLHashStable(t *testing.T) {
	h1 := URLHash("https://example.com/doc")
	h2 := URLHash("https://example.com/doc")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
	assert.NotEqual(t, h1, URLHash("https://example.com/other"))
}

func TestStoreAppendAssignsUniqueSequentialIDs(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		ev := s.Append(types.ProcessedEvidence{
			GoalID:     "0",
			Raw:        types.RawResult{URL: fmt.Sprintf("https://example.com/%d", i)},
			LLMSummary: "summary",
		})
		assert.Equal(t, i+1, ev.EvidenceID)
	}
	assert.Equal(t, 5, s.Count())

	ids := make(map[int]bool)
	for _, ev := range s.All() {
		require.False(t, ids[ev.EvidenceID], "duplicate evidence id %d", ev.EvidenceID)
		ids[ev.EvidenceID] = true
	}
}

func TestStoreSeenURLAcrossVariants(t *testing.T) {
	s := NewStore()
	stored := s.Append(types.ProcessedEvidence{
		GoalID: "0.1",
		Raw:    types.RawResult{URL: "https://example.com/report?utm_source=news"},
	})

	// Same document under a tracking-param variant from another branch.
	id, seen := s.SeenURL("HTTPS://example.com/report")
	require.True(t, seen)
	assert.Equal(t, stored.EvidenceID, id)

	_, seen = s.SeenURL("https://example.com/other")
	assert.False(t, seen)
}

func TestStoreIndexEntryPerEvidence(t *testing.T) {
	s := NewStore()
	s.Append(types.ProcessedEvidence{
		GoalID:            "0.1",
		Raw:               types.RawResult{URL: "https://example.com/a", Title: "Acme subsidiary filings"},
		LLMSummary:        "Acme Corp created three shell subsidiaries in 2023",
		ExtractedEntities: []types.Entity{{Name: "Acme Corp", Type: "org"}},
	})
	s.Append(types.ProcessedEvidence{
		GoalID:     "0.2",
		Raw:        types.RawResult{URL: "https://example.com/b"},
		LLMSummary: "Unrelated weather report",
	})

	index := s.IndexSnapshot()
	require.Len(t, index, 2)
	assert.Equal(t, 1, index[0].EvidenceID)
	assert.Equal(t, "0.1", index[0].GoalID)
	assert.NotEmpty(t, index[0].URLHash)
	assert.Contains(t, index[0].Keywords, "acme")
}

func TestIndexDigestRanksByOverlap(t *testing.T) {
	s := NewStore()
	s.Append(types.ProcessedEvidence{
		GoalID:     "0.1",
		Raw:        types.RawResult{URL: "https://example.com/a"},
		LLMSummary: "Acme Corp lobbying expenditures doubled in 2024",
	})
	s.Append(types.ProcessedEvidence{
		GoalID:     "0.2",
		Raw:        types.RawResult{URL: "https://example.com/b"},
		LLMSummary: "Municipal recycling schedule announcement",
	})

	digest := s.IndexDigest("Acme lobbying spending", 1)
	require.Len(t, digest, 1)
	assert.Equal(t, 1, digest[0].EvidenceID)

	assert.Nil(t, s.IndexDigest("anything", 0))
}

func TestStoreAllReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Append(types.ProcessedEvidence{Raw: types.RawResult{URL: "https://example.com/a"}, LLMSummary: "x"})

	a := s.All()
	a[0].LLMSummary = "mutated"
	b := s.All()
	if diff := cmp.Diff("x", b[0].LLMSummary); diff != "" {
		t.Fatalf("store leaked internal slice (-want +got):\n%s", diff)
	}
}

func TestPerfTrackerSummaryAndStats(t *testing.T) {
	p := NewPerfTracker()
	p.RecordSuccess("websearch", 5)
	p.RecordSuccess("websearch", 0)
	p.RecordLowQuality("govcontracts")
	p.RecordError("govcontracts", types.ErrServer)
	p.RecordRelevance("websearch", 8)
	p.RecordRelevance("websearch", 6)

	snap := p.Snapshot()
	assert.Equal(t, 1, snap["websearch"].Success)
	assert.Equal(t, 1, snap["websearch"].ZeroResults)
	assert.Equal(t, 1, snap["govcontracts"].LowQuality)
	assert.Equal(t, 1, snap["govcontracts"].Errors["server"])

	stats := p.Stats()
	require.Contains(t, stats, "websearch")
	assert.Equal(t, 2, stats["websearch"].Accepted)
	assert.InDelta(t, 7.0, stats["websearch"].MeanRelevance, 0.001)
	assert.InDelta(t, 7.0, stats["websearch"].MedianRelevance, 0.001)

	summary := p.PromptSummary()
	assert.Contains(t, summary, "websearch: success=1 zero_results=1")
	assert.Contains(t, summary, "error_server=1")
}
