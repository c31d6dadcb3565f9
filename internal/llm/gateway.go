package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"muckrake/internal/budget"
)

// ErrBudgetExceeded is returned once the run's spend cap has been breached.
// Callers must propagate it; the gateway refuses all further calls.
var ErrBudgetExceeded = errors.New("llm budget exceeded")

// ErrSchemaValidation is returned when the model could not produce output
// matching the requested schema after repair retries.
var ErrSchemaValidation = errors.New("llm schema validation failed")

// repairRetries is how many times a failed unmarshal/validate is sent back
// to the model with the error appended to the prompt.
const repairRetries = 2

// DefaultCallTimeout bounds a single LLM call.
const DefaultCallTimeout = 180 * time.Second

// Validator lets response types check semantic constraints beyond what the
// JSON unmarshal enforces.
type Validator interface {
	Validate() error
}

// Prompt is one structured call. When InjectDate is set the gateway prepends
// the current date to the system prompt so temporal questions resolve
// against run time, not training time.
type Prompt struct {
	Label      string // short name for logs, e.g. "assess_action"
	System     string
	User       string
	InjectDate bool
}

// CallStats reports what one structured call cost.
type CallStats struct {
	CostUSD   float64
	TokensIn  int
	TokensOut int
	Attempts  int
}

// Gateway wraps a Provider with schema validation, timeout enforcement,
// and budget accounting. Every structured LLM call in the system goes
// through Call.
type Gateway struct {
	provider Provider
	ctrl     *budget.Controller
	log      *zap.Logger
	timeout  time.Duration
	clock    func() time.Time
	// onCost is invoked after every successful call so the agent can emit
	// cost_tick events without the gateway importing the logger package.
	onCost func(label string, cost float64)
}

// NewGateway builds the gateway. ctrl may not be nil; cost accounting is the
// point of this layer.
func NewGateway(p Provider, ctrl *budget.Controller, log *zap.Logger, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{provider: p, ctrl: ctrl, log: log, timeout: timeout, clock: time.Now}
}

// OnCost registers a cost observer. One observer; last registration wins.
func (g *Gateway) OnCost(fn func(label string, cost float64)) { g.onCost = fn }

// Model returns the underlying provider's model name.
func (g *Gateway) Model() string { return g.provider.Model() }

// Call runs one structured call and unmarshals the model's JSON into out.
// On unmarshal or Validate failure it retries up to repairRetries times with
// the validation error appended to the prompt. A hard budget breach returns
// ErrBudgetExceeded before any transport work.
func (g *Gateway) Call(ctx context.Context, p Prompt, out any) (CallStats, error) {
	var stats CallStats
	if g.ctrl.CostBreached() {
		g.ctrl.Cancel(budget.StopCost)
		return stats, ErrBudgetExceeded
	}

	system := p.System
	if p.InjectDate {
		now := g.clock()
		header := fmt.Sprintf("Current date: %s. Current year: %d.", now.Format("2006-01-02"), now.Year())
		if system == "" {
			system = header
		} else {
			system = header + "\n\n" + system
		}
	}

	user := p.User
	var lastErr error
	for attempt := 0; attempt <= repairRetries; attempt++ {
		stats.Attempts = attempt + 1

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		comp, err := g.provider.CompleteWithSystem(callCtx, system, user)
		cancel()
		if err != nil {
			return stats, fmt.Errorf("llm call %q: %w", p.Label, err)
		}

		cost := CostUSD(g.provider.Model(), comp.Usage)
		stats.CostUSD += cost
		stats.TokensIn += comp.Usage.InputTokens
		stats.TokensOut += comp.Usage.OutputTokens
		g.ctrl.AddCost(cost)
		if g.onCost != nil {
			g.onCost(p.Label, cost)
		}

		if err := decodeInto(comp.Text, out); err != nil {
			lastErr = err
			g.log.Debug("llm output failed validation, repairing",
				zap.String("label", p.Label),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			// Repair: resend with the validation error appended.
			user = p.User + fmt.Sprintf(
				"\n\nYour previous response was invalid: %v\nReturn corrected JSON only, no prose.", err)
			if g.ctrl.CostBreached() {
				g.ctrl.Cancel(budget.StopCost)
				return stats, ErrBudgetExceeded
			}
			continue
		}
		return stats, nil
	}
	return stats, fmt.Errorf("%w for %q after %d attempts: %v",
		ErrSchemaValidation, p.Label, repairRetries+1, lastErr)
}

// decodeInto strips code fences, unmarshals, and runs Validate when the
// target supports it.
func decodeInto(text string, out any) error {
	cleaned := CleanJSONResponse(text)
	if cleaned == "" {
		return fmt.Errorf("empty response")
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CleanJSONResponse strips markdown fences and surrounding prose from a
// model response, keeping the outermost JSON value.
func CleanJSONResponse(resp string) string {
	s := strings.TrimSpace(resp)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	// Keep from the first { or [ so prefatory prose does not break parsing.
	objIdx := strings.IndexAny(s, "{[")
	if objIdx > 0 {
		s = s[objIdx:]
	}
	return strings.TrimSpace(s)
}
