// Package source defines the adapter contract for external data sources,
// the registry that owns their lifecycle, and the classifier that turns
// their failures into retry/reformulate decisions.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"muckrake/internal/llm"
	"muckrake/internal/types"
)

// Adapter is the capability set every source exposes. Implementations never
// return Go errors from ExecuteSearch for expected failures; those come back
// as QueryResult.Success=false with Error and HTTPCode set.
type Adapter interface {
	Metadata() types.SourceMetadata

	// IsRelevant asks whether this source can plausibly serve the question.
	// On LLM failure implementations default to true (conservative).
	IsRelevant(ctx context.Context, question string) bool

	// GenerateQuery produces source-specific query parameters. Returning
	// (nil, nil) means the LLM judged the source irrelevant for this goal.
	GenerateQuery(ctx context.Context, question string, hints types.QueryParams) (types.QueryParams, error)

	// ExecuteSearch runs the query. extractFullContent asks the adapter to
	// fetch full document text where it supports that.
	ExecuteSearch(ctx context.Context, params types.QueryParams, limit int, extractFullContent bool) types.QueryResult
}

// Deps is what adapter constructors receive. Adapters route every LLM call
// through the gateway; none own a transport.
type Deps struct {
	Gateway *llm.Gateway
	Log     *zap.Logger
}

// Constructor builds an adapter lazily, on first use.
type Constructor func(deps Deps) (Adapter, error)

// relevanceVerdict is the structured output of the shared relevance check.
type relevanceVerdict struct {
	Relevant  bool   `json:"relevant"`
	Rationale string `json:"rationale"`
}

// RelevantForQuestion is the shared isRelevant implementation: one LLM call
// judging the question against the source's characteristics. Any failure
// defaults to relevant so a flaky model never silently prunes a source.
func RelevantForQuestion(ctx context.Context, gw *llm.Gateway, question string, meta types.SourceMetadata) bool {
	if gw == nil {
		return true
	}
	var verdict relevanceVerdict
	_, err := gw.Call(ctx, llm.Prompt{
		Label:  "source_relevance_" + meta.ID,
		System: "You judge whether a data source could contain evidence for a research question. Return JSON only.",
		User: fmt.Sprintf(`Source: %s
Characteristics: %s

Research question: %q

Return {"relevant": true|false, "rationale": "one sentence"}.`,
			meta.DisplayName, meta.Characteristics, question),
	}, &verdict)
	if err != nil {
		return true
	}
	return verdict.Relevant
}

// GenerateQueryJSON is a helper for adapters: one LLM call producing the
// adapter's own param schema, with the shared null-literal guard applied.
func GenerateQueryJSON(ctx context.Context, gw *llm.Gateway, label, system, user string) (types.QueryParams, error) {
	var raw json.RawMessage
	if _, err := gw.Call(ctx, llm.Prompt{Label: label, System: system, User: user, InjectDate: true}, &raw); err != nil {
		return nil, err
	}
	var params types.QueryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("parse query params: %w", err)
	}
	if params == nil {
		return nil, nil
	}
	// Models occasionally emit the string "null" for dates they mean to
	// omit; scrub those before they reach an API.
	for k, v := range params {
		if s, ok := v.(string); ok && (s == "null" || s == "NULL" || s == "None") {
			delete(params, k)
		}
	}
	return params, nil
}

// WrapTransportError converts an unexpected transport error into the uniform
// failure shape so classification stays in one code path.
func WrapTransportError(sourceID string, err error) types.QueryResult {
	return types.QueryResult{
		Success:  false,
		SourceID: sourceID,
		Error:    err.Error(),
	}
}
