// Package evidence holds the per-run evidence pool: monotonic IDs, the
// cross-branch run index, and the seen-URL set that keeps duplicate source
// hits out. All state is run-scoped and discarded at run end; growth within
// a run is unbounded by design.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"sync"

	"muckrake/internal/types"
)

// Store is the shared evidence state for one run. A single lock guards the
// short appends; reads that need consistency take a snapshot.
type Store struct {
	mu       sync.Mutex
	nextID   int
	evidence []types.ProcessedEvidence
	index    []types.IndexEntry
	// seenURLs maps normalized URL -> evidence ID that first claimed it.
	seenURLs map[string]int
}

// NewStore creates an empty store. Evidence IDs start at 1 so zero reads as
// "unset" everywhere.
func NewStore() *Store {
	return &Store{nextID: 1, seenURLs: make(map[string]int)}
}

// NormalizeURL canonicalizes a URL for dedup: lowercased scheme and host,
// default ports and fragments dropped, tracking params stripped, trailing
// slash trimmed. Idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(key, "utm_") || key == "fbclid" || key == "gclid" || key == "ref" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// URLHash returns the short content-address for a normalized URL.
func URLHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

// SeenURL reports whether a URL was already admitted, and by which evidence
// ID. Must be checked before any source hit with the same URL is re-admitted.
func (s *Store) SeenURL(rawURL string) (int, bool) {
	norm := NormalizeURL(rawURL)
	if norm == "" {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.seenURLs[norm]
	return id, ok
}

// Append stores one ProcessedEvidence, assigns its ID, claims its URL, and
// adds the cross-branch index entry. Evidence is immutable after this call.
func (s *Store) Append(ev types.ProcessedEvidence) types.ProcessedEvidence {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.EvidenceID = s.nextID
	s.nextID++
	s.evidence = append(s.evidence, ev)

	norm := NormalizeURL(ev.Raw.URL)
	hash := ""
	if norm != "" {
		s.seenURLs[norm] = ev.EvidenceID
		hash = URLHash(norm)
	}
	s.index = append(s.index, types.IndexEntry{
		EvidenceID:          ev.EvidenceID,
		GoalID:              ev.GoalID,
		SummaryForSelection: ev.LLMSummary,
		URLHash:             hash,
		Keywords:            extractKeywords(ev),
	})
	return ev
}

// Get returns the evidence with the given ID.
func (s *Store) Get(id int) (types.ProcessedEvidence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.evidence {
		if ev.EvidenceID == id {
			return ev, true
		}
	}
	return types.ProcessedEvidence{}, false
}

// All returns a copy of every evidence record in append order.
func (s *Store) All() []types.ProcessedEvidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ProcessedEvidence, len(s.evidence))
	copy(out, s.evidence)
	return out
}

// Count returns how many evidence records exist.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evidence)
}

// IndexSnapshot returns a consistent copy of the run index for selector
// prompts.
func (s *Store) IndexSnapshot() []types.IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.IndexEntry, len(s.index))
	copy(out, s.index)
	return out
}

// IndexDigest returns up to max index entries ranked by keyword overlap with
// the goal description, for the assessor's capped digest.
func (s *Store) IndexDigest(goalDescription string, max int) []types.IndexEntry {
	snapshot := s.IndexSnapshot()
	if len(snapshot) == 0 || max <= 0 {
		return nil
	}
	goalWords := keywordSet(goalDescription)
	type scored struct {
		entry types.IndexEntry
		score int
	}
	ranked := make([]scored, 0, len(snapshot))
	for _, entry := range snapshot {
		score := 0
		for _, kw := range entry.Keywords {
			if goalWords[kw] {
				score++
			}
		}
		ranked = append(ranked, scored{entry: entry, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]types.IndexEntry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}

// extractKeywords pulls selection keywords from summary, title, and
// extracted entity names.
func extractKeywords(ev types.ProcessedEvidence) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(text string) {
		for w := range keywordSet(text) {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	add(ev.LLMSummary)
	add(ev.Raw.Title)
	for _, ent := range ev.ExtractedEntities {
		add(ent.Name)
	}
	sort.Strings(out)
	if len(out) > 24 {
		out = out[:24]
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "its": true, "their": true, "about": true,
	"into": true, "between": true, "compare": true, "what": true, "who": true,
	"how": true, "when": true, "which": true,
}

func keywordSet(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		if len(w) >= 3 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}
