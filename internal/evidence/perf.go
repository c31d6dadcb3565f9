package evidence

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/montanaflynn/stats"

	"muckrake/internal/types"
)

// SourceCounters are the per-source tallies the source selector sees.
type SourceCounters struct {
	Success     int            `json:"success"`
	ZeroResults int            `json:"zero_results"`
	LowQuality  int            `json:"low_quality"`
	Errors      map[string]int `json:"errors,omitempty"` // keyed by error category
}

// PerfTracker accumulates per-source performance within a run, so the
// selector can drop sources that keep failing and favor ones that deliver.
type PerfTracker struct {
	mu       sync.Mutex
	counters map[string]*SourceCounters
	scores   map[string][]float64 // accepted relevance scores per source
}

// NewPerfTracker creates an empty tracker.
func NewPerfTracker() *PerfTracker {
	return &PerfTracker{
		counters: make(map[string]*SourceCounters),
		scores:   make(map[string][]float64),
	}
}

func (p *PerfTracker) get(sourceID string) *SourceCounters {
	c, ok := p.counters[sourceID]
	if !ok {
		c = &SourceCounters{Errors: make(map[string]int)}
		p.counters[sourceID] = c
	}
	return c
}

// RecordSuccess tallies a query that returned results.
func (p *PerfTracker) RecordSuccess(sourceID string, resultCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resultCount == 0 {
		p.get(sourceID).ZeroResults++
		return
	}
	p.get(sourceID).Success++
}

// RecordLowQuality tallies a query whose results all failed the filter.
func (p *PerfTracker) RecordLowQuality(sourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.get(sourceID).LowQuality++
}

// RecordError tallies a classified failure.
func (p *PerfTracker) RecordError(sourceID string, category types.ErrorCategory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.get(sourceID).Errors[string(category)]++
}

// RecordRelevance tallies the filter score of an accepted result.
func (p *PerfTracker) RecordRelevance(sourceID string, score int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[sourceID] = append(p.scores[sourceID], float64(score))
}

// Snapshot returns a copy of all counters.
func (p *PerfTracker) Snapshot() map[string]SourceCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]SourceCounters, len(p.counters))
	for id, c := range p.counters {
		cp := SourceCounters{
			Success:     c.Success,
			ZeroResults: c.ZeroResults,
			LowQuality:  c.LowQuality,
			Errors:      make(map[string]int, len(c.Errors)),
		}
		for k, v := range c.Errors {
			cp.Errors[k] = v
		}
		out[id] = cp
	}
	return out
}

// SourceStats is the per-source quality summary written to metadata.json.
type SourceStats struct {
	Accepted        int     `json:"accepted"`
	MeanRelevance   float64 `json:"mean_relevance"`
	MedianRelevance float64 `json:"median_relevance"`
}

// Stats computes relevance statistics per source.
func (p *PerfTracker) Stats() map[string]SourceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]SourceStats, len(p.scores))
	for id, scores := range p.scores {
		mean, _ := stats.Mean(scores)
		median, _ := stats.Median(scores)
		out[id] = SourceStats{Accepted: len(scores), MeanRelevance: mean, MedianRelevance: median}
	}
	return out
}

// PromptSummary renders the counters as compact lines for the selector
// prompt, sorted by source ID for determinism.
func (p *PerfTracker) PromptSummary() string {
	snapshot := p.Snapshot()
	if len(snapshot) == 0 {
		return "no source activity yet this run"
	}
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		c := snapshot[id]
		fmt.Fprintf(&b, "- %s: success=%d zero_results=%d low_quality=%d", id, c.Success, c.ZeroResults, c.LowQuality)
		cats := make([]string, 0, len(c.Errors))
		for cat := range c.Errors {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		for _, cat := range cats {
			fmt.Fprintf(&b, " error_%s=%d", cat, c.Errors[cat])
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
