package agent

import (
	"context"

	"go.uber.org/zap"

	"muckrake/internal/llm"
	"muckrake/internal/logging"
	"muckrake/internal/types"
)

// analyzeGoal answers a goal from evidence already in the run, without new
// source queries: a run-wide evidence selection followed by synthesis.
func (rn *run) analyzeGoal(ctx context.Context, goal types.ResearchGoal) types.GoalResult {
	index := rn.store.IndexSnapshot()
	if len(index) == 0 {
		return types.GoalResult{
			Status:    types.StatusFailed,
			Error:     "nothing to analyze: no evidence gathered this run",
			Reasoning: "analysis requires prior evidence",
		}
	}

	var sel evidenceSelection
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:  "select_evidence",
		System: "You select which gathered evidence bears on a research goal. Return JSON only.",
		User:   selectEvidencePrompt(goal, index),
	}, &sel)
	if err != nil {
		rn.log.Warn("evidence selection failed", zap.String("goal", goal.ID), zap.Error(err))
		return types.GoalResult{Status: types.StatusFailed, Error: "evidence selection failed: " + err.Error()}
	}

	var selected []types.ProcessedEvidence
	var ids []int
	for _, id := range sel.EvidenceIDs {
		if ev, ok := rn.store.Get(id); ok {
			selected = append(selected, ev)
			ids = append(ids, id)
		}
	}
	rn.exec.Emit(goal.ID, logging.EventGlobalEvidenceSelection, map[string]any{
		"selected":  ids,
		"candidates": len(index),
		"rationale": sel.Rationale,
	})
	if len(selected) == 0 {
		return types.GoalResult{
			Status:    types.StatusFailed,
			Error:     "no gathered evidence bears on this goal",
			Reasoning: sel.Rationale,
		}
	}

	var syn synthesisOut
	_, err = rn.gw.Call(ctx, llm.Prompt{
		Label:      "synthesize",
		System:     "You synthesize research findings strictly from provided evidence, citing [E<id>]. Return JSON only.",
		User:       synthesizePrompt(goal, selected),
		InjectDate: true,
	}, &syn)
	if err != nil {
		rn.log.Warn("synthesis failed", zap.String("goal", goal.ID), zap.Error(err))
		return types.GoalResult{
			Status:      types.StatusFailed,
			EvidenceIDs: ids,
			Error:       "synthesis failed: " + err.Error(),
		}
	}

	return types.GoalResult{
		Status:      types.StatusCompleted,
		EvidenceIDs: ids,
		Synthesis:   syn.Synthesis,
		Confidence:  syn.Confidence,
	}
}
