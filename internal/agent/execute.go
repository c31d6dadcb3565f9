package agent

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"muckrake/internal/budget"
	"muckrake/internal/evidence"
	"muckrake/internal/llm"
	"muckrake/internal/logging"
	"muckrake/internal/source"
	"muckrake/internal/types"
)

// retryBackoff is the base delay between retries of a retryable source
// failure; attempt N waits N times this.
const retryBackoff = 2 * time.Second

// executeGoal queries external sources for a goal: select sources, generate
// and run queries, classify failures, filter and extract what comes back.
func (rn *run) executeGoal(ctx context.Context, goal types.ResearchGoal) types.GoalResult {
	catalog := rn.sourceCatalog()
	if len(catalog) == 0 {
		return types.GoalResult{Status: types.StatusFailed, Error: "no sources available"}
	}

	selected := rn.selectSources(ctx, goal, catalog)

	res := types.GoalResult{Status: types.StatusCompleted}
	terminalFailures := 0
	queried := 0

	for _, id := range selected {
		if reason := rn.ctrl.ShouldStop(); reason != budget.StopNone {
			rn.exec.Emit(goal.ID, logging.EventBudgetBreach, map[string]any{"limit": string(reason)})
			break
		}
		meta, ok := rn.reg.Metadata(id)
		if !ok {
			rn.exec.Emit(goal.ID, logging.EventSourceSkipped, map[string]any{
				"source": id, "reason": "unknown or disabled source",
			})
			continue
		}
		if rn.limits.Limited(meta.ID) {
			rn.exec.Emit(goal.ID, logging.EventSourceSkipped, map[string]any{
				"source": meta.ID, "reason": "rate limited, cooling down",
			})
			continue
		}
		adapter, err := rn.reg.Get(meta.ID)
		if err != nil {
			rn.exec.Emit(goal.ID, logging.EventSourceSkipped, map[string]any{
				"source": meta.ID, "reason": "construction failed: " + err.Error(),
			})
			continue
		}
		// A sole remaining source is always queried; missing evidence is
		// worse than an off-domain query.
		if len(selected) > 1 && !adapter.IsRelevant(ctx, goal.Description) {
			rn.exec.Emit(goal.ID, logging.EventSourceSkipped, map[string]any{
				"source": meta.ID, "reason": "adapter judged goal out of scope",
			})
			continue
		}

		queried++
		accepted, truncated, terminal := rn.querySource(ctx, goal, adapter, meta)
		res.EvidenceIDs = mergeIDs(res.EvidenceIDs, accepted)
		res.Truncated = res.Truncated || truncated
		if terminal {
			terminalFailures++
		}
	}

	if queried > 0 && terminalFailures == queried {
		// Every source the planner counted on failed for good.
		rn.criticalFail.Store(true)
	}
	if len(res.EvidenceIDs) == 0 {
		if terminalFailures > 0 {
			res.Status = types.StatusFailed
			res.Error = "all selected sources failed or returned nothing usable"
		}
		res.Reasoning = "no evidence passed the relevance filter"
	}
	return res
}

// sourceCatalog returns metadata for every enabled source, in ID order.
func (rn *run) sourceCatalog() []types.SourceMetadata {
	ids := rn.reg.IDs()
	out := make([]types.SourceMetadata, 0, len(ids))
	for _, id := range ids {
		if meta, ok := rn.reg.Metadata(id); ok {
			out = append(out, meta)
		}
	}
	return out
}

// selectSources asks the model which sources to query. On any failure the
// whole catalog is used; missing evidence is worse than extra queries.
func (rn *run) selectSources(ctx context.Context, goal types.ResearchGoal, catalog []types.SourceMetadata) []string {
	all := make([]string, len(catalog))
	for i, m := range catalog {
		all[i] = m.ID
	}
	if len(catalog) == 1 {
		return all
	}

	var sel sourceSelection
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:  "select_sources",
		System: "You pick data sources for a research goal. Return JSON only.",
		User:   selectSourcesPrompt(goal, catalog, rn.perf.PromptSummary()),
	}, &sel)
	if err != nil {
		rn.log.Warn("source selection failed, querying all",
			zap.String("goal", goal.ID), zap.Error(err))
		return all
	}

	seen := make(map[string]bool)
	var out []string
	for _, name := range sel.Sources {
		id := source.NormalizeName(name)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return all
	}
	return out
}

// querySource runs the generate/execute/classify loop for one source,
// including reformulation and retry, then filters and extracts the results.
// terminal reports an unrecoverable failure of this source for this goal.
func (rn *run) querySource(ctx context.Context, goal types.ResearchGoal, adapter source.Adapter, meta types.SourceMetadata) (accepted []int, truncated bool, terminal bool) {
	limit := rn.cons.ResultLimit(meta.ID)
	var hints types.QueryParams
	reformulations := 0
	retries := 0

	for {
		if reason := rn.ctrl.ShouldStop(); reason != budget.StopNone {
			return accepted, truncated, false
		}

		params, err := adapter.GenerateQuery(ctx, goal.Description, hints)
		if err != nil {
			rn.exec.Emit(goal.ID, logging.EventSourceSkipped, map[string]any{
				"source": meta.ID, "reason": "query generation failed: " + err.Error(),
			})
			return accepted, truncated, false
		}
		if params == nil {
			rn.exec.Emit(goal.ID, logging.EventSourceSkipped, map[string]any{
				"source": meta.ID, "reason": "judged irrelevant for this goal",
			})
			return accepted, truncated, false
		}
		rn.exec.Emit(goal.ID, logging.EventQueryGenerated, map[string]any{
			"source": meta.ID, "params": paramsJSON(params),
		})

		rn.exec.Emit(goal.ID, logging.EventSourceQuery, map[string]any{
			"source": meta.ID, "limit": limit,
		})
		result := adapter.ExecuteSearch(ctx, params, limit, true)
		rn.exec.Emit(goal.ID, logging.EventSourceResponse, map[string]any{
			"source": meta.ID, "success": result.Success,
			"total": result.Total, "http_code": result.HTTPCode,
		})

		if result.Success {
			rn.perf.RecordSuccess(meta.ID, len(result.Results))
			ids, trunc := rn.admitResults(ctx, goal, meta.ID, result.Results)
			if len(result.Results) > 0 && len(ids) == 0 {
				rn.perf.RecordLowQuality(meta.ID)
			}
			return mergeIDs(accepted, ids), truncated || trunc, false
		}

		apiErr := source.Classify(result, meta)
		rn.exec.Emit(goal.ID, logging.EventErrorClassified, map[string]any{
			"source":          meta.ID,
			"category":        string(apiErr.Category),
			"http_code":       apiErr.HTTPCode,
			"is_reformulable": apiErr.IsReformulable,
			"is_retryable":    apiErr.IsRetryable,
			"message":         apiErr.Message,
		})
		rn.perf.RecordError(meta.ID, apiErr.Category)

		switch {
		case apiErr.Category == types.ErrRateLimit:
			rn.limits.Mark(meta.ID, apiErr.RetryAfterSec)
			rn.exec.Emit(goal.ID, logging.EventRateLimitHit, map[string]any{
				"source": meta.ID, "retry_after_sec": apiErr.RetryAfterSec,
			})
			return accepted, truncated, false

		case apiErr.IsReformulable && reformulations < rn.cons.MaxRetriesPerGoal:
			reformulations++
			rn.exec.Emit(goal.ID, logging.EventReformulation, map[string]any{
				"source": meta.ID, "attempt": reformulations, "error": apiErr.Message,
			})
			hints = types.QueryParams{
				"previous_params": paramsJSON(params),
				"previous_error":  apiErr.Message,
			}
			continue

		case apiErr.IsRetryable && retries < rn.cons.MaxRetriesPerGoal:
			retries++
			if !sleepCtx(ctx, time.Duration(retries)*retryBackoff) {
				return accepted, truncated, false
			}
			hints = nil
			continue

		default:
			if apiErr.Category == types.ErrAuth {
				rn.criticalFail.Store(true)
			}
			return accepted, truncated, true
		}
	}
}

// admitResults dedups, filters, and extracts one batch of raw results,
// appending survivors to the evidence store.
func (rn *run) admitResults(ctx context.Context, goal types.ResearchGoal, sourceID string, raws []types.RawResult) (ids []int, truncated bool) {
	fresh := make([]types.RawResult, 0, len(raws))
	batchSeen := make(map[string]bool)
	for _, r := range raws {
		if r.URL == "" {
			fresh = append(fresh, r)
			continue
		}
		norm := evidence.NormalizeURL(r.URL)
		if batchSeen[norm] {
			// Same document twice in one response; keep the first occurrence.
			rn.exec.Emit(goal.ID, logging.EventURLDuplicateIndexRef, map[string]any{
				"url": r.URL, "source": sourceID, "within_batch": true,
			})
			continue
		}
		batchSeen[norm] = true
		if existingID, seen := rn.store.SeenURL(r.URL); seen {
			// Cross-branch reuse: reference the prior evidence instead of
			// re-admitting the document.
			rn.exec.Emit(goal.ID, logging.EventURLDuplicateIndexRef, map[string]any{
				"url": r.URL, "evidence_id": existingID, "source": sourceID,
			})
			ids = append(ids, existingID)
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return ids, false
	}

	rn.exec.Emit(goal.ID, logging.EventRelevanceFiltering, map[string]any{
		"source": sourceID, "candidates": len(fresh),
	})

	prompt, truncatedIdx := filterPrompt(goal, fresh)
	for _, idx := range truncatedIdx {
		truncated = true
		rn.exec.Emit(goal.ID, logging.EventEvidenceTruncated, map[string]any{
			"source": sourceID, "url": fresh[idx].URL, "stage": "filter",
		})
	}

	var verdict filterResponse
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:  "relevance_filter",
		System: "You grade search results for relevance to a research goal. Return JSON only.",
		User:   prompt,
	}, &verdict)
	if err != nil {
		rn.log.Warn("relevance filter failed, batch dropped",
			zap.String("goal", goal.ID), zap.String("source", sourceID), zap.Error(err))
		return ids, truncated
	}

	for _, score := range verdict.Scores {
		if score.Index < 0 || score.Index >= len(fresh) {
			continue
		}
		r := fresh[score.Index]
		if score.Score < rn.cons.FilterThreshold {
			rn.exec.Emit(goal.ID, logging.EventEvidenceRejected, map[string]any{
				"source": sourceID, "url": r.URL,
				"score": score.Score, "rationale": score.Rationale,
			})
			continue
		}

		ev, trunc, err := rn.extractEvidence(ctx, goal, r, score)
		if err != nil {
			rn.exec.Emit(goal.ID, logging.EventEvidenceRejected, map[string]any{
				"source": sourceID, "url": r.URL,
				"score": score.Score, "rationale": "extraction failed: " + err.Error(),
			})
			continue
		}
		if trunc {
			truncated = true
			rn.exec.Emit(goal.ID, logging.EventEvidenceTruncated, map[string]any{
				"source": sourceID, "url": r.URL, "stage": "extraction",
			})
		}

		stored := rn.store.Append(ev)
		ids = append(ids, stored.EvidenceID)
		rn.perf.RecordRelevance(sourceID, score.Score)
		rn.exec.Emit(goal.ID, logging.EventEvidenceAccepted, map[string]any{
			"evidence_id": stored.EvidenceID, "source": sourceID,
			"url": r.URL, "score": score.Score,
		})
		rn.persistRaw(sourceID, stored.EvidenceID, r)
	}
	return ids, truncated
}

// extractEvidence enriches one accepted result.
func (rn *run) extractEvidence(ctx context.Context, goal types.ResearchGoal, r types.RawResult, score filterScore) (types.ProcessedEvidence, bool, error) {
	prompt, truncated := extractPrompt(goal, r)
	var ext extraction
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:      "extract_evidence",
		System:     "You extract facts, entities, and dates from a source document for a research goal. Return JSON only.",
		User:       prompt,
		InjectDate: true,
	}, &ext)
	if err != nil {
		return types.ProcessedEvidence{}, truncated, err
	}
	return types.ProcessedEvidence{
		GoalID:            goal.ID,
		Raw:               r,
		LLMSummary:        ext.Summary,
		ExtractedFacts:    ext.Facts,
		ExtractedEntities: ext.Entities,
		ExtractedDates:    ext.Dates,
		RelevanceScore:    score.Score,
		FilterRationale:   score.Rationale,
	}, truncated, nil
}

// persistRaw writes the verbatim upstream payload for one evidence record.
func (rn *run) persistRaw(sourceID string, evidenceID int, r types.RawResult) {
	payload := r.RawAPIResponse
	if len(payload) == 0 {
		var err error
		payload, err = json.Marshal(r)
		if err != nil {
			return
		}
	}
	if err := rn.writer.WriteRawResponse(sourceID, evidenceID, payload); err != nil {
		rn.log.Warn("raw response write failed",
			zap.String("source", sourceID), zap.Int("evidence_id", evidenceID), zap.Error(err))
	}
}

// sleepCtx sleeps unless ctx ends first. Reports whether the full sleep ran.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
