// Package react implements a ReAct-style planning variant: iterative
// tool-driven discovery that culminates in a generated script executed
// in a sandboxed subprocess. Where anthropicplanner asks a model for a
// complete plan up front, this Planner runs a bounded discovery loop --
// model proposes a tool call, the orchestrator's tool executor runs it,
// the observation feeds the next turn -- until the model emits a final
// script, then assembles a Plan ending in
// security_validation/script_execution steps. The model side is any
// DiscoveryClient (this package does not use anthropicplanner), and a
// discovery turn that fails ends planning with an error; it is not
// retried.
package react

import (
	"context"
	"errors"
	"fmt"

	"github.com/fctr-id/queryengine/plan"
	qplanner "github.com/fctr-id/queryengine/planner"
	"github.com/fctr-id/queryengine/steps"
)

// Tool is one discovery-turn tool invocation the model requested.
type Tool struct {
	Name string
	Args map[string]any
}

// Observation is the result of executing one Tool, fed back into the
// next discovery turn.
type Observation struct {
	Tool   string
	Result map[string]any
	Err    string
}

// DiscoveryTurn is what the model returns for one round of discovery:
// either a Tool to execute next, or a completed Script, never both.
type DiscoveryTurn struct {
	Thought      string
	Tool         *Tool
	Script       string
	InputTokens  int
	OutputTokens int
}

// DiscoveryClient drives one round of model-based reasoning over the
// query and the discovery history so far.
type DiscoveryClient interface {
	Discover(ctx context.Context, query string, history []Observation) (DiscoveryTurn, error)
}

// ToolExecutor runs one discovery-turn tool call, calling back into the
// orchestrator's collaborators -- planners are pluggable producers that
// call back into the orchestrator with tool invocations.
type ToolExecutor interface {
	Execute(ctx context.Context, tool Tool) (map[string]any, error)
}

const defaultMaxTurns = 8

// Options configures the Planner.
type Options struct {
	Client   DiscoveryClient
	Tools    ToolExecutor
	MaxTurns int
}

// Planner implements qplanner.Planner via the discovery loop above.
type Planner struct {
	client   DiscoveryClient
	tools    ToolExecutor
	maxTurns int
}

// New builds a react Planner.
func New(opts Options) (*Planner, error) {
	if opts.Client == nil {
		return nil, errors.New("react: discovery client is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("react: tool executor is required")
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Planner{client: opts.Client, tools: opts.Tools, maxTurns: maxTurns}, nil
}

// Plan implements qplanner.Planner: it runs the discovery loop to
// produce a generated script, then wraps it in a Plan whose trailing
// steps are react_discovery (one per turn taken), security_validation,
// and script_execution. The generated script itself travels in the
// script_execution (and security_validation) step's Operation field --
// plan.Step has no dedicated code field, and Operation is documented as
// a free-form descriptor, so it is the natural carrier for a reference
// implementation that has no separate script-artifact store.
func (p *Planner) Plan(ctx context.Context, query string, priorContext map[string]any, emit qplanner.Emitter) (plan.Plan, error) {
	emit.PlanningPhase("planning_start")

	var history []Observation
	var turns []DiscoveryTurn

	for turn := 0; turn < p.maxTurns; turn++ {
		dt, err := p.client.Discover(ctx, query, history)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("react: discovery turn %d failed: %w", turn, err)
		}
		emit.Tokens(dt.InputTokens, dt.OutputTokens, "react-discovery")
		turns = append(turns, dt)

		if dt.Script != "" {
			return p.buildPlan(turns, dt.Script), nil
		}
		if dt.Tool == nil {
			return plan.Plan{}, errors.New("react: discovery turn produced neither a tool call nor a script")
		}

		result, execErr := p.tools.Execute(ctx, *dt.Tool)
		obs := Observation{Tool: dt.Tool.Name}
		if execErr != nil {
			obs.Err = execErr.Error()
		} else {
			obs.Result = result
		}
		history = append(history, obs)
	}

	return plan.Plan{}, fmt.Errorf("react: exceeded max discovery turns (%d) without producing a script", p.maxTurns)
}

func (p *Planner) buildPlan(turns []DiscoveryTurn, script string) plan.Plan {
	steps := []plan.Step{
		{Kind: plan.StepThinking, Critical: false},
		{Kind: plan.StepGeneratingSteps, Critical: false},
	}
	for i, t := range turns {
		steps = append(steps, plan.Step{
			Kind:      plan.StepReactDiscovery,
			Operation: describeTurn(i, t),
			Reasoning: t.Thought,
			Critical:  plan.StepReactDiscovery.Critical(),
		})
	}
	steps = append(steps,
		plan.Step{
			Kind:      plan.StepSecurityValidation,
			Operation: script,
			Reasoning: "Validate the generated script before execution.",
			Critical:  plan.StepSecurityValidation.Critical(),
		},
		plan.Step{
			Kind:      plan.StepScriptExecution,
			Operation: script,
			Reasoning: "Execute the validated discovery script.",
			Critical:  plan.StepScriptExecution.Critical(),
		},
		plan.Step{Kind: plan.StepFinalizingResults, Critical: plan.StepFinalizingResults.Critical()},
	)
	for i := range steps {
		steps[i].Index = i
	}
	return plan.Plan{Steps: steps}
}

func describeTurn(i int, t DiscoveryTurn) string {
	if t.Tool == nil {
		return fmt.Sprintf("discovery turn %d", i)
	}
	return fmt.Sprintf("discovery turn %d: %s", i, t.Tool.Name)
}

// DiscoveryStepHandler registers plan.StepReactDiscovery with the Step
// Registry. The discovery work itself already ran during Plan (the tool
// calls that produced history/turns), so replaying it at execution time
// would repeat side effects; this handler only replays the STEP-START/
// STEP-END bookkeeping the Step Runner provides around every registry
// dispatch, succeeding immediately.
func DiscoveryStepHandler() steps.Handler {
	return func(_ context.Context, _ plan.Step, _ []map[string]any, _ steps.Emitter) (steps.Outcome, error) {
		return steps.Outcome{}, nil
	}
}
