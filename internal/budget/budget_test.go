package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"muckrake/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestController(c types.Constraints) (*Controller, context.Context) {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 2
	}
	return NewController(context.Background(), c)
}

func TestAddCostFirstBreachAdmitted(t *testing.T) {
	ctrl, _ := newTestController(types.Constraints{MaxCostUSD: 1.0})

	ctrl.AddCost(0.6)
	assert.False(t, ctrl.CostBreached())

	// The breaching call itself is recorded, then the gate closes.
	ctrl.AddCost(0.6)
	assert.True(t, ctrl.CostBreached())
	assert.InDelta(t, 1.2, ctrl.SpentUSD(), 0.0001)
	assert.Equal(t, StopCost, ctrl.ShouldStop())
}

func TestZeroCostBudgetBreachesImmediately(t *testing.T) {
	ctrl, _ := newTestController(types.Constraints{MaxCostUSD: 0})

	// max_cost of zero still allows exactly one observable call.
	assert.False(t, ctrl.CostBreached())
	ctrl.AddCost(0.001)
	assert.True(t, ctrl.CostBreached())
	assert.Equal(t, StopCost, ctrl.ShouldStop())
}

func TestAdmitGoalCap(t *testing.T) {
	ctrl, _ := newTestController(types.Constraints{MaxGoals: 2})

	assert.True(t, ctrl.AdmitGoal())
	assert.True(t, ctrl.AdmitGoal())
	assert.False(t, ctrl.AdmitGoal())
	assert.Equal(t, 2, ctrl.StartedGoals())

	// The cap refuses new admissions but never stops admitted work: a run
	// that used its last slot still finishes that goal.
	assert.Equal(t, StopNone, ctrl.ShouldStop())
}

func TestAdmitGoalUnlimitedWhenZero(t *testing.T) {
	ctrl, _ := newTestController(types.Constraints{MaxGoals: 0})
	for i := 0; i < 100; i++ {
		require.True(t, ctrl.AdmitGoal())
	}
	assert.Equal(t, StopNone, ctrl.ShouldStop())
}

func TestTimeBudget(t *testing.T) {
	ctrl, _ := newTestController(types.Constraints{MaxTime: time.Nanosecond})
	time.Sleep(time.Millisecond)
	assert.Equal(t, StopTime, ctrl.ShouldStop())
}

func TestCancelTripsContextOnce(t *testing.T) {
	ctrl, ctx := newTestController(types.Constraints{})

	ctrl.Cancel(StopTime)
	ctrl.Cancel(StopCost) // second cancel must not overwrite the reason

	<-ctx.Done()
	assert.Equal(t, StopTime, ctrl.CancelReason())
	assert.Equal(t, StopTime, ctrl.ShouldStop())
}

func TestCancelDefaultsReason(t *testing.T) {
	ctrl, ctx := newTestController(types.Constraints{})
	ctrl.Cancel(StopNone)
	<-ctx.Done()
	assert.Equal(t, StopCancelled, ctrl.CancelReason())
}

func TestAcquireBoundsConcurrency(t *testing.T) {
	ctrl, ctx := newTestController(types.Constraints{MaxConcurrent: 1})

	p1, err := ctrl.Acquire(ctx)
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = ctrl.Acquire(blockedCtx)
	assert.Error(t, err, "second acquire must block until timeout")

	p1.Release()
	p2, err := ctrl.Acquire(ctx)
	require.NoError(t, err)
	p2.Release()
}

func TestPermitReleaseIdempotent(t *testing.T) {
	ctrl, ctx := newTestController(types.Constraints{MaxConcurrent: 1})
	p, err := ctrl.Acquire(ctx)
	require.NoError(t, err)

	p.Release()
	p.Release() // must not double-release the semaphore

	p2, err := ctrl.Acquire(ctx)
	require.NoError(t, err)
	p2.Release()
}
