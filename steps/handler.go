// Package steps implements the Step Registry and Step Runner: the
// catalog of handlers per step kind, and the per-step deadline/
// cancellation/progress-emission composition that wraps every handler
// invocation.
package steps

import (
	"context"
	"time"

	"github.com/fctr-id/queryengine/plan"
)

// Emitter is bound to one running step; handlers call it to report
// STEP-PROGRESS/STEP-TOKENS/STEP-COUNT without holding a reference to the
// bus or to the step's index.
type Emitter interface {
	Progress(p Progress)
	Tokens(inputTokens, outputTokens int, agentName string)
	Count(recordCount int, operationType string)
}

// Progress is the handler-facing shape of a STEP-PROGRESS update; the
// runner translates it into the wire event and attaches the step number.
type Progress struct {
	Type        string // generic | rate_limit | rate_limit_wait
	Current     *int
	Total       *int
	Percentage  *float64
	Message     string
	WaitSeconds *int
}

// Outcome is what a handler returns: the normalized pieces of a Step
// Result that only the handler can know.
type Outcome struct {
	RecordCount int
	// Sample is the bounded preview forwarded as context to the next
	// step: bounded size, default <= 20 rows or <= 8 KiB.
	Sample []map[string]any
	// Rows is the full row set a data-producing step returns, retained
	// only by the Plan Executor for final formatter assembly -- it is
	// never forwarded downstream as a following step's context; the full
	// data remains with the Executor. Handlers that already bound their
	// own output to Sample size may leave this nil.
	Rows     []map[string]any
	Artifact *plan.Artifact
}

// Handler executes one step kind. summary is the bounded sample forwarded
// from the immediately preceding step (nil for the first data step).
// Handlers must return promptly when ctx is cancelled or past its
// deadline; the runner enforces the deadline itself but a handler that
// ignores ctx can still overrun its local grace period.
type Handler func(ctx context.Context, step plan.Step, summary []map[string]any, emit Emitter) (Outcome, error)

// Defaults describes the registry's declared behavior for a step kind.
type Defaults struct {
	Timeout      time.Duration
	Critical     bool
	EmitsProgress bool
}

var defaultTable = map[plan.StepKind]Defaults{
	plan.StepSQL:                {Timeout: 60 * time.Second, Critical: true, EmitsProgress: false},
	plan.StepAPI:                {Timeout: 180 * time.Second, Critical: true, EmitsProgress: true},
	plan.StepSystemLog:          {Timeout: 180 * time.Second, Critical: true, EmitsProgress: true},
	plan.StepResultsFormatter:   {Timeout: 60 * time.Second, Critical: true, EmitsProgress: false},
	plan.StepScriptExecution:    {Timeout: 180 * time.Second, Critical: true, EmitsProgress: true},
	plan.StepSecurityValidation: {Timeout: 30 * time.Second, Critical: true, EmitsProgress: false},
	plan.StepReactDiscovery:     {Timeout: 60 * time.Second, Critical: false, EmitsProgress: true},
	plan.StepThinking:           {Timeout: 30 * time.Second, Critical: false, EmitsProgress: false},
	plan.StepGeneratingSteps:    {Timeout: 30 * time.Second, Critical: false, EmitsProgress: false},
	plan.StepFinalizingResults:  {Timeout: 60 * time.Second, Critical: true, EmitsProgress: false},
}

// DefaultsFor returns the registry defaults for a step kind, falling back
// to a conservative 60s/non-critical/no-progress entry for unknown kinds.
func DefaultsFor(kind plan.StepKind) Defaults {
	if d, ok := defaultTable[kind]; ok {
		return d
	}
	return Defaults{Timeout: 60 * time.Second, Critical: false, EmitsProgress: false}
}
