// Package agent implements the goal-pursuit engine: the recursive
// assess/execute/decompose/analyze state machine, budget-aware fan-out, and
// the run lifecycle around it.
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"muckrake/internal/budget"
	"muckrake/internal/config"
	"muckrake/internal/evidence"
	"muckrake/internal/llm"
	"muckrake/internal/logging"
	"muckrake/internal/report"
	"muckrake/internal/source"
	"muckrake/internal/types"
)

// Runner executes research runs. One Runner may serve many runs; all per-run
// state lives on the run struct.
type Runner struct {
	cfg      *config.Config
	log      *zap.Logger
	provider llm.Provider
	// setup registers source adapters into a fresh per-run registry.
	setup func(reg *source.Registry)
}

// NewRunner wires a runner. setup is called once per run with that run's
// registry; it must register every adapter the run may use.
func NewRunner(cfg *config.Config, log *zap.Logger, provider llm.Provider, setup func(reg *source.Registry)) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, log: log, provider: provider, setup: setup}
}

// run is the per-run state shared by the whole goal tree.
type run struct {
	runID    string
	question string
	cons     types.Constraints

	gw     *llm.Gateway
	ctrl   *budget.Controller
	reg    *source.Registry
	store  *evidence.Store
	perf   *evidence.PerfTracker
	limits *source.RateLimitSet
	exec   *logging.ExecutionLogger
	writer *report.Writer
	log    *zap.Logger

	// criticalFail is set when a source the assessor relied on failed
	// terminally; it caps reported confidence for the rest of the run.
	criticalFail atomic.Bool
}

// Run performs one complete research run: pursue the question, write every
// artifact, and return the bundle. A panic anywhere in the tree is converted
// into a crashed run with artifacts intact.
func (r *Runner) Run(ctx context.Context, question string) (bundle *types.RunBundle, err error) {
	cons := r.cfg.Constraints()
	startedAt := time.Now()

	writer, err := report.NewWriter(r.cfg.OutDir, question, startedAt)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	exec, err := logging.NewExecutionLogger(writer.RunDir(), runID)
	if err != nil {
		return nil, err
	}
	defer exec.Close()

	ctrl, runCtx := budget.NewController(ctx, cons)
	gw := llm.NewGateway(r.provider, ctrl, r.log, time.Duration(r.cfg.LLM.TimeoutS)*time.Second)
	gw.OnCost(func(label string, cost float64) {
		exec.Emit("", logging.EventCostTick, map[string]any{
			"label": label, "cost_usd": cost, "total_usd": ctrl.SpentUSD(),
		})
	})

	reg := source.NewRegistry(source.Deps{Gateway: gw, Log: r.log})
	if r.setup != nil {
		r.setup(reg)
	}
	for _, f := range reg.Failures() {
		exec.Emit("", logging.EventSourceRegistrationFailed, map[string]any{
			"source": f.SourceID, "reason": f.Reason,
		})
	}

	rn := &run{
		runID:    runID,
		question: question,
		cons:     cons,
		gw:       gw,
		ctrl:     ctrl,
		reg:      reg,
		store:    evidence.NewStore(),
		perf:     evidence.NewPerfTracker(),
		limits:   source.NewRateLimitSet(),
		exec:     exec,
		writer:   writer,
		log:      r.log.With(zap.String("run_id", runID)),
	}

	exec.Emit("", logging.EventRunStarted, map[string]any{
		"question":    question,
		"model":       gw.Model(),
		"constraints": cons,
		"sources":     reg.IDs(),
	})

	// A crash must still leave a readable run directory behind.
	defer func() {
		if rec := recover(); rec != nil {
			rn.log.Error("run crashed", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			r.writeArtifacts(rn, types.GoalResult{
				Goal:   types.ResearchGoal{ID: "0", Description: question},
				Status: types.StatusFailed,
				Error:  fmt.Sprintf("panic: %v", rec),
			}, types.RunCrashed, startedAt)
			exec.Emit("", logging.EventRunCompleted, map[string]any{
				"status": string(types.RunCrashed), "panic": fmt.Sprint(rec),
			})
			bundle = nil
			err = fmt.Errorf("run crashed: %v", rec)
		}
	}()

	root := rn.pursueGoal(runCtx, types.ResearchGoal{
		ID:          "0",
		Description: question,
		Depth:       0,
	})

	// A breach during the root's last call may never hit another ShouldStop
	// check; the run still ended over budget and must say so.
	if reason := ctrl.ShouldStop(); reason == budget.StopTime || reason == budget.StopCost {
		ctrl.Cancel(reason)
	}

	status := types.RunCompleted
	switch {
	case ctrl.CancelReason() != budget.StopNone, root.Status == types.StatusCancelled:
		status = types.RunCancelled
	case root.Status == types.StatusFailed:
		status = types.RunFailed
	}

	reportPath := r.writeArtifacts(rn, root, status, startedAt)

	exec.Emit("", logging.EventRunCompleted, map[string]any{
		"status":      string(status),
		"goals":       ctrl.StartedGoals(),
		"evidence":    rn.store.Count(),
		"cost_usd":    ctrl.SpentUSD(),
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})

	return &types.RunBundle{
		RunID:      runID,
		Status:     status,
		Root:       root,
		RunDir:     writer.RunDir(),
		ReportPath: reportPath,
		Totals: types.RunTotals{
			Goals:    ctrl.StartedGoals(),
			Evidence: rn.store.Count(),
			CostUSD:  ctrl.SpentUSD(),
		},
	}, nil
}

// writeArtifacts writes metadata.json, evidence.json, result.json, and
// report.md. Failures are logged, never fatal: a partial run directory beats
// none.
func (r *Runner) writeArtifacts(rn *run, root types.GoalResult, status types.RunStatus, startedAt time.Time) string {
	evs := rn.store.All()

	if err := rn.writer.WriteEvidence(evs); err != nil {
		rn.log.Error("write evidence.json failed", zap.Error(err))
	}
	if err := rn.writer.WriteResult(report.BuildResult(root)); err != nil {
		rn.log.Error("write result.json failed", zap.Error(err))
	}

	var regFailures []report.RegistrationFailureRecord
	var unavailable []string
	for _, f := range rn.reg.Failures() {
		regFailures = append(regFailures, report.RegistrationFailureRecord{SourceID: f.SourceID, Reason: f.Reason})
		unavailable = append(unavailable, f.SourceID)
	}
	sourceStats := make(map[string]any)
	for id, st := range rn.perf.Stats() {
		sourceStats[id] = st
	}
	for id, c := range rn.perf.Snapshot() {
		sourceStats[id+"_counters"] = c
	}

	if err := rn.writer.WriteMetadata(report.Metadata{
		RunID:                rn.runID,
		Question:             rn.question,
		Model:                rn.gw.Model(),
		StartedAt:            startedAt.UTC(),
		FinishedAt:           time.Now().UTC(),
		Status:               status,
		StopReason:           string(rn.ctrl.CancelReason()),
		Constraints:          rn.cons,
		Totals:               types.RunTotals{Goals: rn.ctrl.StartedGoals(), Evidence: len(evs), CostUSD: rn.ctrl.SpentUSD()},
		SourceStats:          sourceStats,
		RegistrationFailures: regFailures,
		RateLimitedSources:   rn.limits.Sources(),
	}); err != nil {
		rn.log.Error("write metadata.json failed", zap.Error(err))
	}

	body := rn.synthesizeReportBody(root, evs)
	failed, skipped, truncated := report.CollectLimitations(root)
	markdown := report.Assemble(rn.question, body, evs, root, report.Limitations{
		StopReason:           string(rn.ctrl.CancelReason()),
		UnavailableSources:   unavailable,
		RateLimitedSources:   rn.limits.Sources(),
		FailedGoals:          failed,
		SkippedGoals:         skipped,
		TruncatedGoals:       truncated,
		CriticalSourceFailed: rn.criticalFail.Load(),
	}, time.Now())

	path, err := rn.writer.WriteReport(markdown)
	if err != nil {
		rn.log.Error("write report.md failed", zap.Error(err))
		return ""
	}
	rn.exec.Emit("", logging.EventReportWritten, map[string]any{"path": path, "bytes": len(markdown)})
	return path
}

// synthesizeReportBody asks the model for the findings body. Empty on any
// failure; the assembled report then falls back to the evidence listing.
func (rn *run) synthesizeReportBody(root types.GoalResult, evs []types.ProcessedEvidence) string {
	if len(evs) == 0 {
		return ""
	}
	var body reportBody
	// Detached context: report writing happens after the run context may
	// already be cancelled, and the body is worth one last call if budget
	// remains.
	ctx, cancel := context.WithTimeout(context.Background(), llm.DefaultCallTimeout)
	defer cancel()
	_, err := rn.gw.Call(ctx, llm.Prompt{
		Label:      "report_body",
		System:     "You write investigative research reports grounded strictly in provided evidence. Return JSON only.",
		User:       reportPrompt(rn.question, root, evs),
		InjectDate: true,
	}, &body)
	if err != nil {
		rn.log.Warn("report body synthesis failed", zap.Error(err))
		return ""
	}
	return body.Body
}
