package source

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"muckrake/internal/types"
)

// nameAliases collapses the spellings sources accumulate across prompts and
// configs onto canonical IDs. Extend as new variants show up in logs.
var nameAliases = map[string]string{
	"samgov":           "sam",
	"searchsam":        "sam",
	"samcontracts":     "sam",
	"usaspendinggov":   "usaspending",
	"spending":         "usaspending",
	"federalregister":  "fedreg",
	"fedregister":      "fedreg",
	"secedgar":         "edgar",
	"sec":              "edgar",
	"websearch":        "websearch",
	"web":              "websearch",
	"search":           "websearch",
	"localarchive":     "localdocs",
	"documents":        "localdocs",
	"docarchive":       "localdocs",
	"govcontracts":     "govcontracts",
	"contracts":        "govcontracts",
	"contractawards":   "govcontracts",
}

// NormalizeName maps a source-name variant to its canonical lowercase ID.
// Idempotent: NormalizeName(NormalizeName(s)) == NormalizeName(s).
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	collapsed := b.String()
	if canonical, ok := nameAliases[collapsed]; ok {
		return canonical
	}
	return collapsed
}

// registration is one registered source: metadata plus a lazy constructor.
type registration struct {
	meta    types.SourceMetadata
	ctor    Constructor
	enabled bool

	once     sync.Once
	instance Adapter
	initErr  error
}

// RegistrationFailure records a source that could not be registered. One bad
// adapter never blocks the others; the agent reports these as limitations.
type RegistrationFailure struct {
	SourceID string
	Reason   string
}

// Registry owns source adapters: structural validation at registration,
// feature flags, lazy construction on first use, and name normalization.
type Registry struct {
	mu       sync.RWMutex
	deps     Deps
	sources  map[string]*registration
	failures []RegistrationFailure
	log      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{deps: deps, sources: make(map[string]*registration), log: log}
}

// Register validates and stores a source constructor. Validation failures
// are recorded and isolated, never fatal to the process.
func (r *Registry) Register(meta types.SourceMetadata, enabled bool, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reason := validateMetadata(meta); reason != "" {
		r.failures = append(r.failures, RegistrationFailure{SourceID: meta.ID, Reason: reason})
		r.log.Warn("source registration failed",
			zap.String("source", meta.ID), zap.String("reason", reason))
		return
	}
	if ctor == nil {
		r.failures = append(r.failures, RegistrationFailure{SourceID: meta.ID, Reason: "nil constructor"})
		return
	}
	if meta.RequiresAPIKey {
		if meta.APIKeyEnvVar == "" {
			r.failures = append(r.failures, RegistrationFailure{SourceID: meta.ID, Reason: "requires_api_key set but no api_key_env_var"})
			return
		}
		if os.Getenv(meta.APIKeyEnvVar) == "" {
			r.failures = append(r.failures, RegistrationFailure{
				SourceID: meta.ID,
				Reason:   fmt.Sprintf("missing API key env var %s", meta.APIKeyEnvVar),
			})
			return
		}
	}
	if _, dup := r.sources[meta.ID]; dup {
		r.failures = append(r.failures, RegistrationFailure{SourceID: meta.ID, Reason: "duplicate source id"})
		return
	}
	r.sources[meta.ID] = &registration{meta: meta, ctor: ctor, enabled: enabled}
}

// validateMetadata returns a non-empty reason when metadata is inconsistent.
func validateMetadata(meta types.SourceMetadata) string {
	if meta.ID == "" {
		return "empty source id"
	}
	if NormalizeName(meta.ID) != meta.ID {
		return fmt.Sprintf("source id %q is not canonical (want %q)", meta.ID, NormalizeName(meta.ID))
	}
	if meta.DisplayName == "" {
		return "empty display name"
	}
	if meta.Characteristics == "" {
		return "empty characteristics (source selector needs them)"
	}
	return ""
}

// Failures returns registration failures in registration order.
func (r *Registry) Failures() []RegistrationFailure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistrationFailure, len(r.failures))
	copy(out, r.failures)
	return out
}

// IDs lists enabled source IDs, sorted for deterministic prompts and logs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id, reg := range r.sources {
		if reg.enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Metadata returns the metadata for an enabled source without instantiating
// the adapter.
func (r *Registry) Metadata(name string) (types.SourceMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.sources[NormalizeName(name)]
	if !ok || !reg.enabled {
		return types.SourceMetadata{}, false
	}
	return reg.meta, true
}

// Get resolves a source by any name variant and instantiates it on first
// use. Construction failures are sticky: every later Get reports the same
// error instead of retrying a broken adapter.
func (r *Registry) Get(name string) (Adapter, error) {
	id := NormalizeName(name)
	r.mu.RLock()
	reg, ok := r.sources[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source %q (normalized %q)", name, id)
	}
	if !reg.enabled {
		return nil, fmt.Errorf("source %q is disabled", id)
	}
	reg.once.Do(func() {
		reg.instance, reg.initErr = reg.ctor(r.deps)
	})
	if reg.initErr != nil {
		return nil, fmt.Errorf("construct source %q: %w", id, reg.initErr)
	}
	return reg.instance, nil
}
