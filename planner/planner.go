// Package planner defines the Planner collaborator contract: an external
// producer invoked once per Process that turns a sanitized query into a
// plan.Plan, emitting its own planning_start phase event (planning_complete
// is emitted by the Plan Executor) and optional STEP-TOKENS usage along
// the way. Grounded on the
// Planner interface used by the agent planner elsewhere in this
// codebase, narrowed from a multi-turn tool-calling contract
// (PlanStart/PlanResume) to the single-shot "query in, plan out" contract
// this engine's orchestrator needs -- the Plan Executor owns everything
// that happens after a Plan exists, so a planner never sees step results.
package planner

import (
	"context"

	"github.com/fctr-id/queryengine/plan"
)

// Emitter lets a Planner implementation report progress back through the
// owning Process's Event Bus without holding a reference to the bus
// itself, mirroring steps.Emitter's role for step handlers.
type Emitter interface {
	// PlanningPhase emits PLANNING-PHASE(phase). Planners must call this
	// with "planning_start" before doing any work; "planning_complete" is
	// left to the caller (the Plan Executor emits it once the returned
	// Plan is handed back), so implementations only ever pass
	// "planning_start" here.
	PlanningPhase(phase string)
	// Tokens reports STEP-TOKENS usage for the bookend steps a planner's
	// own reasoning consumes.
	Tokens(inputTokens, outputTokens int, agentName string)
}

// RetryReason categorizes why a planning attempt needs to be retried,
// narrowed to the subset meaningful for single-shot plan generation.
type RetryReason string

const (
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonUnavailable       RetryReason = "tool_unavailable"
)

// Planner turns a sanitized user query into an executable Plan.
// Implementations must be safe for concurrent use across Processes: the
// orchestrator invokes Plan once per Process, potentially many Processes
// concurrently.
type Planner interface {
	// Plan analyzes query (already sanitized/length-bounded by the
	// orchestrator facade) plus any prior-turn context and returns a
	// fully formed, structurally valid plan.Plan (see plan.Plan.Validate)
	// -- including its thinking/generating_steps/finalizing_results
	// bookends. emit is bound to the owning Process for the duration of
	// this call only.
	Plan(ctx context.Context, query string, priorContext map[string]any, emit Emitter) (plan.Plan, error)
}
