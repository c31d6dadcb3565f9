package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"muckrake/internal/budget"
	"muckrake/internal/llm"
	"muckrake/internal/logging"
	"muckrake/internal/types"
)

// maxIndexDigest caps how many index entries the assessor sees.
const maxIndexDigest = 30

// criticalConfidenceCap bounds reported confidence once a source central to
// the question has failed terminally.
const criticalConfidenceCap = 0.6

// pursueGoal runs the full state machine for one goal: admit, assess,
// dispatch, verify, follow up. It always returns a terminal GoalResult; all
// failure modes are values on that result.
func (rn *run) pursueGoal(ctx context.Context, goal types.ResearchGoal) types.GoalResult {
	started := time.Now()
	costBefore := rn.ctrl.SpentUSD()

	finish := func(res types.GoalResult) types.GoalResult {
		res.Goal = goal
		res.DurationMS = time.Since(started).Milliseconds()
		res.CostUSD = rn.ctrl.SpentUSD() - costBefore
		res.Confidence = rn.clampConfidence(res.Confidence)
		if res.Status == types.StatusFailed {
			rn.exec.Emit(goal.ID, logging.EventGoalFailed, map[string]any{"error": res.Error})
		}
		rn.exec.Emit(goal.ID, logging.EventGoalCompleted, map[string]any{
			"status":      string(res.Status),
			"confidence":  res.Confidence,
			"evidence":    len(res.EvidenceIDs),
			"sub_goals":   len(res.SubResults),
			"cost_usd":    res.CostUSD,
			"duration_ms": res.DurationMS,
		})
		return res
	}

	if !rn.ctrl.AdmitGoal() {
		rn.exec.Emit(goal.ID, logging.EventBudgetBreach, map[string]any{"limit": string(budget.StopGoals)})
		return finish(types.GoalResult{Status: types.StatusSkipped, Reasoning: "goal budget exhausted"})
	}
	if reason := rn.ctrl.ShouldStop(); reason != budget.StopNone {
		// A time or cost breach cancels the whole run, not just this goal.
		rn.ctrl.Cancel(reason)
		rn.exec.Emit(goal.ID, logging.EventBudgetBreach, map[string]any{"limit": string(reason)})
		return finish(types.GoalResult{Status: types.StatusSkipped, Reasoning: "budget exhausted: " + string(reason)})
	}

	permit, err := rn.ctrl.Acquire(ctx)
	if err != nil {
		rn.exec.Emit(goal.ID, logging.EventGoalCancelled, map[string]any{"reason": err.Error()})
		return finish(types.GoalResult{Status: types.StatusCancelled, Error: err.Error()})
	}
	defer permit.Release()

	rn.exec.Emit(goal.ID, logging.EventGoalStarted, map[string]any{
		"description": goal.Description,
		"depth":       goal.Depth,
		"parent_id":   goal.ParentID,
	})

	assess, err := rn.assess(ctx, goal)
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExceeded) || ctx.Err() != nil {
			rn.exec.Emit(goal.ID, logging.EventGoalCancelled, map[string]any{"reason": err.Error()})
			return finish(types.GoalResult{Status: types.StatusCancelled, Error: err.Error()})
		}
		// Assessment failure is not goal failure; direct execution is the
		// safe default.
		rn.log.Warn("assessment failed, defaulting to EXECUTE",
			zap.String("goal", goal.ID), zap.Error(err))
		assess = assessment{Action: string(types.ActionExecute), Rationale: "assessment unavailable, defaulted"}
	}

	rn.exec.Emit(goal.ID, logging.EventActionSelected, map[string]any{
		"action":         assess.Action,
		"rationale":      assess.Rationale,
		"is_comparative": assess.IsComparative,
	})

	var res types.GoalResult
	switch types.Action(assess.Action) {
	case types.ActionDecompose:
		// Children take their own permits; holding this goal's slot across
		// the fan-out starves the tree at low max_concurrent.
		permit.Release()
		res = rn.decomposeGoal(ctx, goal, assess.IsComparative)
	case types.ActionAnalyze:
		res = rn.analyzeGoal(ctx, goal)
	default:
		res = rn.executeGoal(ctx, goal)
	}
	if res.Status == types.StatusCancelled {
		return finish(res)
	}

	// A comparative goal must not claim achievement without a synthesis step
	// somewhere in its subtree.
	if assess.IsComparative && !res.HasAnalysis() && rn.store.Count() > 0 && rn.ctrl.ShouldStop() == budget.StopNone {
		analyzed := rn.analyzeGoal(ctx, goal)
		if analyzed.Synthesis != "" {
			res.Synthesis = analyzed.Synthesis
			res.EvidenceIDs = mergeIDs(res.EvidenceIDs, analyzed.EvidenceIDs)
			if analyzed.Confidence > 0 {
				res.Confidence = analyzed.Confidence
			}
		}
	}

	// Verification may spawn follow-up children, which acquire their own
	// slots; the parent's must be free by then.
	permit.Release()
	res = rn.verifyAchievement(ctx, goal, res, assess.IsComparative)
	return finish(res)
}

// assess runs the action-selection call. DECOMPOSE is withheld at the depth
// limit; ANALYZE is withheld until evidence exists.
func (rn *run) assess(ctx context.Context, goal types.ResearchGoal) (assessment, error) {
	decomposeAllowed := goal.Depth < rn.cons.MaxDepth
	analyzeAllowed := rn.store.Count() > 0
	budgetLine := fmt.Sprintf("Budget remaining: $%.2f of $%.2f, goal %d of %d, %s elapsed of %s.",
		rn.cons.MaxCostUSD-rn.ctrl.SpentUSD(), rn.cons.MaxCostUSD,
		rn.ctrl.StartedGoals(), rn.cons.MaxGoals,
		rn.ctrl.Elapsed().Round(time.Second), rn.cons.MaxTime)

	var out assessment
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:      "assess_action",
		System:     "You are the planner of an investigative research agent. Return JSON only.",
		User:       assessPrompt(goal, rn.cons, budgetLine, rn.store.IndexDigest(goal.Description, maxIndexDigest), decomposeAllowed, analyzeAllowed),
		InjectDate: true,
	}, &out)
	if err != nil {
		return assessment{}, err
	}
	// The model occasionally picks a withheld action anyway; correct rather
	// than fail.
	if !decomposeAllowed && types.Action(out.Action) == types.ActionDecompose {
		out.Action = string(types.ActionExecute)
		out.Rationale += " (decompose unavailable at depth limit)"
	}
	if !analyzeAllowed && types.Action(out.Action) == types.ActionAnalyze {
		out.Action = string(types.ActionExecute)
		out.Rationale += " (no evidence to analyze yet)"
	}
	return out, nil
}

// verifyAchievement judges the finished action and, when the goal fell
// short, spawns capped follow-up goals.
func (rn *run) verifyAchievement(ctx context.Context, goal types.ResearchGoal, res types.GoalResult, comparative bool) types.GoalResult {
	if rn.ctrl.ShouldStop() != budget.StopNone {
		return res
	}

	evs := make([]types.ProcessedEvidence, 0, len(res.EvidenceIDs))
	for _, id := range res.EvidenceIDs {
		if ev, ok := rn.store.Get(id); ok {
			evs = append(evs, ev)
		}
	}

	followUpsAllowed := rn.cons.MaxFollowUpsPerGoal
	if goal.Depth >= rn.cons.MaxDepth {
		followUpsAllowed = 0
	}

	var verdict achievement
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:  "check_achievement",
		System: "You audit whether a research goal was actually answered by the gathered evidence. Return JSON only.",
		User:   achievementPrompt(goal, evs, res.Synthesis, followUpsAllowed),
	}, &verdict)
	if err != nil {
		rn.log.Warn("achievement check failed", zap.String("goal", goal.ID), zap.Error(err))
		return res
	}

	// Below the evidence floor the goal cannot be called answered, whatever
	// the model says; follow-ups are the way forward.
	if min := rn.cons.MinResultsToContinue; verdict.Achieved && len(res.EvidenceIDs) < min {
		verdict.Achieved = false
		verdict.Reasoning = fmt.Sprintf("only %d evidence items against a minimum of %d; %s",
			len(res.EvidenceIDs), min, verdict.Reasoning)
	}

	// Comparative goals without an analysis step cannot be achieved,
	// whatever the model says.
	if comparative && !res.HasAnalysis() {
		verdict.Achieved = false
		if verdict.Confidence > 0.5 {
			verdict.Confidence = 0.5
		}
		verdict.Reasoning = "comparative goal lacks a synthesis step; " + verdict.Reasoning
	}

	res.Confidence = verdict.Confidence
	res.Reasoning = verdict.Reasoning

	if verdict.Achieved || len(verdict.FollowUps) == 0 || followUpsAllowed == 0 {
		return res
	}
	if len(verdict.FollowUps) > followUpsAllowed {
		verdict.FollowUps = verdict.FollowUps[:followUpsAllowed]
	}

	childIdx := len(res.SubResults)
	for _, q := range verdict.FollowUps {
		if rn.ctrl.ShouldStop() != budget.StopNone {
			break
		}
		child := types.ResearchGoal{
			ID:          fmt.Sprintf("%s.%d", goal.ID, childIdx),
			Description: q,
			Depth:       goal.Depth + 1,
			ParentID:    goal.ID,
		}
		childIdx++
		sub := rn.pursueGoal(ctx, child)
		res.SubResults = append(res.SubResults, sub)
		res.EvidenceIDs = mergeIDs(res.EvidenceIDs, sub.EvidenceIDs)
		if sub.Status == types.StatusCompleted && sub.Confidence > res.Confidence {
			res.Confidence = sub.Confidence
		}
	}
	return res
}

// clampConfidence applies the critical-source cap.
func (rn *run) clampConfidence(c float64) float64 {
	if rn.criticalFail.Load() && c > criticalConfidenceCap {
		return criticalConfidenceCap
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// mergeIDs appends ids not already present, preserving order.
func mergeIDs(into []int, add []int) []int {
	seen := make(map[int]bool, len(into))
	for _, id := range into {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			seen[id] = true
			into = append(into, id)
		}
	}
	return into
}
