package source

import (
	"sync"
	"time"
)

// DefaultCooldown is used when a 429 arrives without a Retry-After header.
const DefaultCooldown = 60 * time.Second

// RateLimitSet tracks sources that hit a rate limit this run. A limited
// source is skipped (with a source_skipped event) until its cool-down
// passes; other sources proceed unaffected.
type RateLimitSet struct {
	mu    sync.Mutex
	until map[string]time.Time
	clock func() time.Time
}

// NewRateLimitSet creates an empty set.
func NewRateLimitSet() *RateLimitSet {
	return &RateLimitSet{until: make(map[string]time.Time), clock: time.Now}
}

// Mark records a rate limit for sourceID. retryAfterSec of zero applies the
// default cool-down.
func (s *RateLimitSet) Mark(sourceID string, retryAfterSec int) {
	cooldown := DefaultCooldown
	if retryAfterSec > 0 {
		cooldown = time.Duration(retryAfterSec) * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[sourceID] = s.clock().Add(cooldown)
}

// Limited reports whether sourceID is still cooling down.
func (s *RateLimitSet) Limited(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.until[sourceID]
	if !ok {
		return false
	}
	if s.clock().After(deadline) {
		delete(s.until, sourceID)
		return false
	}
	return true
}

// Sources lists the source IDs currently limited, for limitation reporting.
func (s *RateLimitSet) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.until))
	for id, deadline := range s.until {
		if s.clock().Before(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}
