package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"muckrake/internal/llm"
	"muckrake/internal/logging"
	"muckrake/internal/types"
)

// decomposeGoal splits a goal into sub-goals and pursues them in dependency
// order, siblings within a group running concurrently under the run-wide
// concurrency cap. An invalid decomposition falls back to direct execution.
func (rn *run) decomposeGoal(ctx context.Context, goal types.ResearchGoal, comparative bool) types.GoalResult {
	var dec decomposition
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:      "decompose_goal",
		System:     "You split research goals into independent sub-questions. Return JSON only.",
		User:       decomposePrompt(goal, comparative),
		InjectDate: true,
	}, &dec)
	if err != nil {
		rn.exec.Emit(goal.ID, logging.EventDecompositionInvalid, map[string]any{
			"reason": "model call failed: " + err.Error(),
		})
		return rn.executeGoal(ctx, goal)
	}

	if reason := validateDependencies(dec.SubGoals); reason != "" {
		rn.exec.Emit(goal.ID, logging.EventDecompositionInvalid, map[string]any{"reason": reason})
		return rn.executeGoal(ctx, goal)
	}

	if comparative {
		dec.SubGoals = ensureSynthesisSubGoal(goal, dec.SubGoals)
	}

	groups := dependencyGroups(dec.SubGoals)
	descriptions := make([]string, len(dec.SubGoals))
	for i, sg := range dec.SubGoals {
		descriptions[i] = sg.Description
	}
	rn.exec.Emit(goal.ID, logging.EventDecomposition, map[string]any{
		"sub_goals": descriptions,
		"groups":    groups,
	})

	res := types.GoalResult{Status: types.StatusCompleted}
	subResults := make([]types.GoalResult, len(dec.SubGoals))
	var prior []string

	for gi, group := range groups {
		rn.exec.Emit(goal.ID, logging.EventDependencyGroup, map[string]any{
			"group": gi, "members": group,
		})

		// Members of one group have no edges between them; they run
		// concurrently. The budget controller's semaphore bounds the real
		// parallelism across the entire tree.
		eg, egCtx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, idx := range group {
			idx := idx
			child := types.ResearchGoal{
				ID:            fmt.Sprintf("%s.%d", goal.ID, idx),
				Description:   dec.SubGoals[idx].Description,
				Depth:         goal.Depth + 1,
				ParentID:      goal.ID,
				Dependencies:  dec.SubGoals[idx].DependsOn,
				PriorFindings: append([]string(nil), prior...),
			}
			eg.Go(func() error {
				sub := rn.pursueGoal(egCtx, child)
				mu.Lock()
				subResults[idx] = sub
				mu.Unlock()
				return nil
			})
		}
		eg.Wait()

		if ctx.Err() != nil {
			break
		}
		for _, idx := range group {
			if line := findingLine(subResults[idx]); line != "" {
				prior = append(prior, line)
			}
		}
	}

	completed := 0
	for _, sub := range subResults {
		if sub.Goal.ID == "" {
			continue // group never ran, run was cancelled first
		}
		res.SubResults = append(res.SubResults, sub)
		res.EvidenceIDs = mergeIDs(res.EvidenceIDs, sub.EvidenceIDs)
		res.Truncated = res.Truncated || sub.Truncated
		if sub.Status == types.StatusCompleted {
			completed++
		}
	}

	switch {
	case ctx.Err() != nil:
		res.Status = types.StatusCancelled
		res.Error = ctx.Err().Error()
	case completed == 0:
		res.Status = types.StatusFailed
		res.Error = "every sub-goal failed or was skipped"
	}

	return res
}

// findingLine condenses one finished sub-goal into a line for later siblings'
// assessors.
func findingLine(sub types.GoalResult) string {
	if sub.Status != types.StatusCompleted {
		return ""
	}
	summary := sub.Synthesis
	if summary == "" {
		summary = sub.Reasoning
	}
	if summary == "" {
		summary = fmt.Sprintf("gathered %d evidence items", len(sub.EvidenceIDs))
	}
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return fmt.Sprintf("%s: %s", sub.Goal.Description, summary)
}

// ensureSynthesisSubGoal guarantees a comparative decomposition ends in a
// sub-goal that synthesizes across every other branch. When no sub-goal
// already depends on all its siblings, one is appended.
func ensureSynthesisSubGoal(goal types.ResearchGoal, subGoals []subGoalSpec) []subGoalSpec {
	n := len(subGoals)
	for i, sg := range subGoals {
		deps := make(map[int]bool, len(sg.DependsOn))
		for _, d := range sg.DependsOn {
			deps[d] = true
		}
		coversAll := n > 1
		for j := 0; j < n; j++ {
			if j != i && !deps[j] {
				coversAll = false
				break
			}
		}
		if coversAll {
			return subGoals
		}
	}
	deps := make([]int, n)
	for i := range deps {
		deps[i] = i
	}
	return append(subGoals, subGoalSpec{
		Description: fmt.Sprintf("Synthesize and compare the findings of the preceding sub-goals to answer: %s", goal.Description),
		DependsOn:   deps,
	})
}

// validateDependencies rejects out-of-range indices, self-references,
// forward-and-back cycles, and dependencies on later siblings forming loops.
// Empty string means valid.
func validateDependencies(subGoals []subGoalSpec) string {
	n := len(subGoals)
	for i, sg := range subGoals {
		for _, dep := range sg.DependsOn {
			if dep < 0 || dep >= n {
				return fmt.Sprintf("sub_goals[%d] depends on out-of-range index %d", i, dep)
			}
			if dep == i {
				return fmt.Sprintf("sub_goals[%d] depends on itself", i)
			}
		}
	}

	// Kahn's algorithm; anything left unprocessed sits on a cycle.
	indeg := make([]int, n)
	for i := range subGoals {
		indeg[i] = len(subGoals[i].DependsOn)
	}
	queue := make([]int, 0, n)
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		for j := range subGoals {
			for _, dep := range subGoals[j].DependsOn {
				if dep == cur {
					indeg[j]--
					if indeg[j] == 0 {
						queue = append(queue, j)
					}
				}
			}
		}
	}
	if processed != n {
		return "dependency cycle detected"
	}
	return ""
}

// dependencyGroups layers the sub-goals topologically: group k holds every
// goal whose dependencies all sit in groups < k. Call only after
// validateDependencies passed.
func dependencyGroups(subGoals []subGoalSpec) [][]int {
	n := len(subGoals)
	depth := make([]int, n)
	for i := range depth {
		depth[i] = -1
	}
	var depthOf func(i int) int
	depthOf = func(i int) int {
		if depth[i] >= 0 {
			return depth[i]
		}
		d := 0
		for _, dep := range subGoals[i].DependsOn {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[i] = d
		return d
	}

	maxLayer := 0
	for i := 0; i < n; i++ {
		if d := depthOf(i); d > maxLayer {
			maxLayer = d
		}
	}
	groups := make([][]int, maxLayer+1)
	for i, d := range depth {
		groups[d] = append(groups[d], i)
	}
	return groups
}
