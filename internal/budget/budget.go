// Package budget enforces the run-wide resource caps: wall-clock time,
// LLM spend, goal count, and goal concurrency. One Controller exists per
// run; multiple runs in a process never share one.
package budget

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"muckrake/internal/types"
)

// StopReason explains why shouldStop rejected new work.
type StopReason string

const (
	StopNone      StopReason = ""
	StopTime      StopReason = "time"
	StopCost      StopReason = "cost"
	StopGoals     StopReason = "goals"
	StopCancelled StopReason = "cancelled"
)

// Controller tracks spend and in-flight work for a single run. The
// concurrency semaphore bounds simultaneously active goals across the whole
// recursion.
type Controller struct {
	constraints types.Constraints
	start       time.Time
	sem         *semaphore.Weighted

	mu           sync.Mutex
	spentUSD     float64
	startedGoals int
	inFlight     int
	costBreached bool

	cancelMu     sync.Mutex
	cancelled    bool
	cancelReason StopReason
	cancel       context.CancelFunc
}

// NewController builds a controller and derives the run context from parent.
// Cancel trips the returned context; in-flight work aborts at its next check.
func NewController(parent context.Context, c types.Constraints) (*Controller, context.Context) {
	maxConc := c.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 1
	}
	ctx, cancel := context.WithCancel(parent)
	ctrl := &Controller{
		constraints: c,
		start:       time.Now(),
		sem:         semaphore.NewWeighted(int64(maxConc)),
		cancel:      cancel,
	}
	return ctrl, ctx
}

// Permit is a held concurrency slot. Release is mandatory on every exit
// path, including cancellation and panics.
type Permit struct {
	ctrl *Controller
	once sync.Once
}

// Release returns the slot. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.ctrl.mu.Lock()
		p.ctrl.inFlight--
		p.ctrl.mu.Unlock()
		p.ctrl.sem.Release(1)
	})
}

// Acquire blocks until a concurrency slot is free or ctx is done.
func (b *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.inFlight++
	b.mu.Unlock()
	return &Permit{ctrl: b}, nil
}

// AddCost records LLM spend. The first call that breaches the cap is still
// admitted so the cost of that call is observable; it flips costBreached,
// which shouldStop and the LLM gateway consult before any new work.
func (b *Controller) AddCost(usd float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spentUSD += usd
	if b.constraints.MaxCostUSD >= 0 && b.spentUSD >= b.constraints.MaxCostUSD {
		b.costBreached = true
	}
}

// CostBreached reports whether the spend cap has been reached.
func (b *Controller) CostBreached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.costBreached
}

// SpentUSD returns the spend so far.
func (b *Controller) SpentUSD() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spentUSD
}

// AdmitGoal counts a new goal against max_goals. Returns false when the cap
// is already consumed; the goal must then be skipped, not started.
func (b *Controller) AdmitGoal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.constraints.MaxGoals > 0 && b.startedGoals >= b.constraints.MaxGoals {
		return false
	}
	b.startedGoals++
	return true
}

// StartedGoals returns how many goals have been admitted.
func (b *Controller) StartedGoals() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedGoals
}

// Elapsed is the wall-clock time since the run began.
func (b *Controller) Elapsed() time.Duration {
	return time.Since(b.start)
}

// ShouldStop is checked before every new LLM call, source call, and
// sub-goal admission. The goal cap is not consulted here: max_goals gates
// admission through AdmitGoal, and an already-admitted goal keeps working.
func (b *Controller) ShouldStop() StopReason {
	b.cancelMu.Lock()
	if b.cancelled {
		reason := b.cancelReason
		b.cancelMu.Unlock()
		return reason
	}
	b.cancelMu.Unlock()

	if b.constraints.MaxTime > 0 && b.Elapsed() >= b.constraints.MaxTime {
		return StopTime
	}
	if b.CostBreached() {
		return StopCost
	}
	return StopNone
}

// Cancel trips the run context. In-flight work completes or aborts at its
// next check; reason is preserved for the run bundle.
func (b *Controller) Cancel(reason StopReason) {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	if b.cancelled {
		return
	}
	b.cancelled = true
	if reason == StopNone {
		reason = StopCancelled
	}
	b.cancelReason = reason
	b.cancel()
}

// CancelReason returns the recorded cancellation reason, if any.
func (b *Controller) CancelReason() StopReason {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	return b.cancelReason
}
