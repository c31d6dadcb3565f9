package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muckrake/internal/types"
)

func specs(deps ...[]int) []subGoalSpec {
	out := make([]subGoalSpec, len(deps))
	for i, d := range deps {
		out[i] = subGoalSpec{Description: "sub", DependsOn: d}
	}
	return out
}

func TestValidateDependencies(t *testing.T) {
	cases := []struct {
		name    string
		in      []subGoalSpec
		wantBad bool
	}{
		{"no deps", specs(nil, nil, nil), false},
		{"linear chain", specs(nil, []int{0}, []int{1}), false},
		{"diamond", specs(nil, []int{0}, []int{0}, []int{1, 2}), false},
		{"forward reference", specs([]int{2}, nil, []int{1}), false},
		{"out of range high", specs(nil, []int{5}), true},
		{"out of range negative", specs(nil, []int{-1}), true},
		{"self dependency", specs(nil, []int{1}), true},
		{"two cycle", specs([]int{1}, []int{0}), true},
		{"three cycle", specs([]int{2}, []int{0}, []int{1}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason := validateDependencies(tc.in)
			if tc.wantBad {
				assert.NotEmpty(t, reason)
			} else {
				assert.Empty(t, reason)
			}
		})
	}
}

func TestDependencyGroupsLayering(t *testing.T) {
	// 0 and 1 free; 2 needs 0; 3 needs 1 and 2.
	groups := dependencyGroups(specs(nil, nil, []int{0}, []int{1, 2}))
	require.Len(t, groups, 3)
	assert.ElementsMatch(t, []int{0, 1}, groups[0])
	assert.Equal(t, []int{2}, groups[1])
	assert.Equal(t, []int{3}, groups[2])
}

func TestDependencyGroupsAllIndependent(t *testing.T) {
	groups := dependencyGroups(specs(nil, nil, nil, nil))
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, groups[0])
}

func TestDependencyGroupsForwardReference(t *testing.T) {
	// 0 depends on 2, which is free; dependencies precede dependents
	// regardless of declaration order.
	groups := dependencyGroups(specs([]int{2}, nil, nil))
	require.Len(t, groups, 2)
	assert.ElementsMatch(t, []int{1, 2}, groups[0])
	assert.Equal(t, []int{0}, groups[1])
}

func TestDependencyGroupsCoverEveryGoalOnce(t *testing.T) {
	in := specs(nil, []int{0}, []int{0}, []int{1}, nil)
	groups := dependencyGroups(in)

	seen := make(map[int]int)
	for _, g := range groups {
		for _, idx := range g {
			seen[idx]++
		}
	}
	require.Len(t, seen, len(in))
	for idx, n := range seen {
		assert.Equal(t, 1, n, "goal %d appears %d times", idx, n)
	}

	// Every dependency sits in a strictly earlier group.
	layerOf := make(map[int]int)
	for li, g := range groups {
		for _, idx := range g {
			layerOf[idx] = li
		}
	}
	for i, sg := range in {
		for _, dep := range sg.DependsOn {
			assert.Less(t, layerOf[dep], layerOf[i])
		}
	}
}

func TestDecompositionValidate(t *testing.T) {
	assert.Error(t, (&decomposition{}).Validate())
	assert.Error(t, (&decomposition{SubGoals: specs(nil)}).Validate())
	assert.Error(t, (&decomposition{SubGoals: specs(nil, nil, nil, nil, nil, nil, nil)}).Validate())

	ok := decomposition{SubGoals: specs(nil, nil)}
	assert.NoError(t, (&ok).Validate())

	empty := decomposition{SubGoals: []subGoalSpec{{Description: "a"}, {Description: "  "}}}
	assert.Error(t, (&empty).Validate())
}

func TestEnsureSynthesisSubGoalAppends(t *testing.T) {
	goal := types.ResearchGoal{Description: "compare alpha and beta"}

	out := ensureSynthesisSubGoal(goal, specs(nil, nil, []int{0}))
	require.Len(t, out, 4)
	assert.Equal(t, []int{0, 1, 2}, out[3].DependsOn)
	assert.Contains(t, out[3].Description, "compare alpha and beta")
}

func TestEnsureSynthesisSubGoalKeepsExisting(t *testing.T) {
	goal := types.ResearchGoal{Description: "compare alpha and beta"}

	// Last sub-goal already depends on every other; nothing to add.
	in := specs(nil, nil, []int{0, 1})
	assert.Len(t, ensureSynthesisSubGoal(goal, in), 3)

	// Partial coverage does not count as a synthesis step.
	in = specs(nil, nil, nil, []int{0, 1})
	assert.Len(t, ensureSynthesisSubGoal(goal, in), 5)
}

func TestDecomposePromptComparativeInstruction(t *testing.T) {
	goal := types.ResearchGoal{Description: "compare alpha and beta"}

	plain := decomposePrompt(goal, false)
	assert.NotContains(t, plain, "comparative")

	comp := decomposePrompt(goal, true)
	assert.Contains(t, comp, "synthesize and compare")
	assert.Contains(t, comp, "depends_on must list every one")
}

func TestAssessPromptShowsBudgetAndSiblings(t *testing.T) {
	goal := types.ResearchGoal{
		ID: "0.2", Depth: 1,
		Description:   "who decided",
		PriorFindings: []string{"who bid: three firms submitted offers"},
	}
	cons := types.DefaultConstraints()

	prompt := assessPrompt(goal, cons, "Budget remaining: $4.10 of $5.00, goal 3 of 40, 2m0s elapsed of 20m0s.", nil, true, false)
	assert.Contains(t, prompt, "Budget remaining: $4.10")
	assert.Contains(t, prompt, "Findings from sibling goals already completed:")
	assert.Contains(t, prompt, "three firms submitted offers")
}

func TestMergeIDs(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, mergeIDs([]int{1, 2}, []int{2, 3}))
	assert.Equal(t, []int{5}, mergeIDs(nil, []int{5, 5}))
	assert.Equal(t, []int{1}, mergeIDs([]int{1}, nil))
}
