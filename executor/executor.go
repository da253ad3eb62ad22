// Package executor implements the Plan Executor: it drives a produced
// Plan's steps in order through the pluggable engine.Engine backend,
// fail-stopping on the first critical failure, bookending the synthetic
// thinking/generating_steps/finalizing_results positions itself, and
// handing the accumulated results to the formatter and Chunked Result
// Streamer once the data steps complete. Grounded on the
// engine.WorkflowFunc/ExecuteActivity pattern used elsewhere in this
// codebase (engine/engine.go): the executor's workflow body is
// structurally that same workflow function, generalized to iterate
// plan.Step instead of agent turns.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fctr-id/queryengine/engine"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/formatter"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/process"
	"github.com/fctr-id/queryengine/steps"
	"github.com/fctr-id/queryengine/streamer"
)

const (
	workflowName = "plan_execution"
	activityName = "execute_step"
)

// WorkflowInput is the engine.WorkflowStartRequest payload: just the
// Process id, since every other piece of per-run state lives in the
// Executor's own run table, keyed by that id. This keeps the payload
// small and JSON-serializable, a requirement for durable engines like
// engine/temporal that round-trip activity/workflow input through a
// data converter.
type WorkflowInput struct {
	ProcessID string
}

// StepActivityInput names which step of which Process's plan to run.
type StepActivityInput struct {
	ProcessID string
	StepIndex int
}

// Executor owns the registered workflow/activity pair and the live
// per-Process run state needed to service them.
type Executor struct {
	eng          engine.Engine
	registry     *steps.Registry
	streamerOpts streamer.Options

	mu     sync.Mutex
	states map[string]*runState
}

type runState struct {
	proc         *process.Process
	runner       *steps.Runner
	queryContext string

	mu         sync.Mutex
	results    []plan.Result
	rows       []map[string]any
	lastSample []map[string]any
}

// New builds an Executor bound to eng, registering its workflow and
// single generic step activity. Call once per engine instance during
// wiring, before any Process starts.
func New(ctx context.Context, eng engine.Engine, registry *steps.Registry, opts streamer.Options) (*Executor, error) {
	e := &Executor{eng: eng, registry: registry, streamerOpts: opts, states: make(map[string]*runState)}
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: workflowName, Handler: e.workflow}); err != nil {
		return nil, err
	}
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: activityName, Handler: e.activity}); err != nil {
		return nil, err
	}
	return e, nil
}

// Start registers proc's Plan and launches its workflow execution
// asynchronously; it does not block on the plan completing. The caller
// (orchestrator) observes progress entirely through proc.Bus.
func (e *Executor) Start(ctx context.Context, proc *process.Process, pl plan.Plan, queryContext string) error {
	if err := pl.Validate(); err != nil {
		return err
	}
	proc.SetPlan(pl)

	st := &runState{
		proc:         proc,
		runner:       steps.NewRunner(e.registry, proc.Bus, proc.ID),
		queryContext: queryContext,
	}
	e.mu.Lock()
	e.states[proc.ID] = st
	e.mu.Unlock()

	handle, err := e.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       proc.ID,
		Workflow: workflowName,
		Input:    WorkflowInput{ProcessID: proc.ID},
	})
	if err != nil {
		e.mu.Lock()
		delete(e.states, proc.ID)
		e.mu.Unlock()
		return err
	}

	go func() {
		var result any
		_ = handle.Wait(context.Background(), &result)
		e.mu.Lock()
		delete(e.states, proc.ID)
		e.mu.Unlock()
	}()
	return nil
}

func (e *Executor) lookup(id string) (*runState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	return st, ok
}

// workflow is the plan-execution workflow body registered with the
// engine. It never performs I/O directly -- every step's real work
// happens inside the execute_step activity -- so it stays engine-agnostic
// between the in-memory and durable backends.
func (e *Executor) workflow(wctx engine.WorkflowContext, input any) (any, error) {
	in, _ := input.(WorkflowInput)
	st, ok := e.lookup(in.ProcessID)
	if !ok {
		return nil, fmt.Errorf("executor: unknown process %q", in.ProcessID)
	}
	proc := st.proc
	b := proc.Bus

	proc.SetStatus(process.StatusExecuting)
	b.Publish(events.PlanningPhase{
		Base:          events.NewBase(events.TypePlanningPhase, proc.ID),
		Phase:         events.PhasePlanningComplete,
		FormattedTime: events.FormattedTime(wctx.Now()),
	})

	pl := *proc.Plan()
	b.Publish(events.PlanGenerated{
		Base:          events.NewBase(events.TypePlanGenerated, proc.ID),
		Plan:          pl,
		StepCount:     pl.StepCount(),
		FormattedTime: events.FormattedTime(wctx.Now()),
	})

	for _, step := range pl.Steps {
		select {
		case <-proc.Cancelled():
			return e.finishCancelled(st)
		default:
		}

		switch step.Kind {
		case plan.StepThinking, plan.StepGeneratingSteps:
			e.runBookend(st, step)
			continue
		case plan.StepFinalizingResults:
			return e.finalize(wctx, st, step)
		}

		var result plan.Result
		err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{
			Name:  activityName,
			Input: StepActivityInput{ProcessID: proc.ID, StepIndex: step.Index},
		}, &result)

		st.mu.Lock()
		st.results = append(st.results, result)
		if len(result.Rows) > 0 {
			st.rows = append(st.rows, result.Rows...)
		}
		st.mu.Unlock()

		if err != nil {
			return e.finishError(st, step, result, err)
		}
	}

	// plan.Validate guarantees the last step is finalizing_results, so
	// the loop above always returns through that case; reaching here
	// means Validate's invariant was violated after the fact.
	return nil, fmt.Errorf("executor: plan has no finalizing_results step")
}

// activity is the single generic step activity every non-bookend step
// kind dispatches through. It is deliberately thin: all deadline,
// cancellation, and event bookending live in steps.Runner.
func (e *Executor) activity(ctx context.Context, input any) (any, error) {
	in, _ := input.(StepActivityInput)
	st, ok := e.lookup(in.ProcessID)
	if !ok {
		return plan.Result{}, fmt.Errorf("executor: unknown process %q", in.ProcessID)
	}
	pl := st.proc.Plan()
	if pl == nil || in.StepIndex < 0 || in.StepIndex >= len(pl.Steps) {
		return plan.Result{}, fmt.Errorf("executor: invalid step index %d", in.StepIndex)
	}
	step := pl.Steps[in.StepIndex]

	st.mu.Lock()
	summary := st.lastSample
	st.mu.Unlock()

	result, err := st.runner.Run(ctx, step, summary, st.proc.Cancelled(), st.queryContext)

	st.mu.Lock()
	st.lastSample = result.Sample
	st.mu.Unlock()

	return result, err
}

// runBookend synthesizes the STEP-START/STEP-END pair for a planning
// bookend directly, without dispatching through the Step Registry: these
// are emitted by the Executor on behalf of the planner rather than by a
// registered handler.
func (e *Executor) runBookend(st *runState, step plan.Step) {
	b := st.proc.Bus
	now := nowFunc()
	b.Publish(events.StepStart{
		Base:          events.NewBase(events.TypeStepStart, st.proc.ID),
		StepNumber:    step.Index,
		StepType:      string(step.Kind),
		Critical:      step.Critical,
		FormattedTime: events.FormattedTime(now),
	})
	b.Publish(events.StepEnd{
		Base:            events.NewBase(events.TypeStepEnd, st.proc.ID),
		StepNumber:      step.Index,
		StepType:        string(step.Kind),
		Success:         true,
		DurationSeconds: nowFunc().Sub(now).Seconds(),
		FormattedTime:   events.FormattedTime(nowFunc()),
	})
	st.mu.Lock()
	st.results = append(st.results, plan.Result{Index: step.Index, Success: true, StartedAt: now})
	st.mu.Unlock()
}

// finalize runs the results_formatter step over every accumulated
// result/row, then streams the artifact. The wire step_type is
// "results_formatter" (not the plan step's nominal "finalizing_results"
// kind) since that is what actually executes here.
func (e *Executor) finalize(wctx engine.WorkflowContext, st *runState, step plan.Step) (any, error) {
	b := st.proc.Bus
	pid := st.proc.ID
	started := nowFunc()

	b.Publish(events.StepStart{
		Base:          events.NewBase(events.TypeStepStart, pid),
		StepNumber:    step.Index,
		StepType:      string(plan.StepResultsFormatter),
		Critical:      step.Critical,
		FormattedTime: events.FormattedTime(started),
	})

	st.mu.Lock()
	results := append([]plan.Result(nil), st.results...)
	rows := st.rows
	st.mu.Unlock()

	artifact, err := formatter.Build(wctx.Context(), formatter.Accumulator{Results: results}, rows)
	if err != nil {
		se := execerrors.FromError(err)
		b.Publish(events.StepError{
			Base:             events.NewBase(events.TypeStepError, pid),
			StepNumber:       step.Index,
			ErrorType:        string(se.Kind),
			ErrorMessage:     se.Message,
			RetryPossible:    se.RetryPossible,
			TechnicalDetails: se.TechnicalDetails,
			FormattedTime:    events.FormattedTime(nowFunc()),
		})
		b.Publish(events.StepEnd{
			Base:            events.NewBase(events.TypeStepEnd, pid),
			StepNumber:      step.Index,
			StepType:        string(plan.StepResultsFormatter),
			Success:         false,
			DurationSeconds: nowFunc().Sub(started).Seconds(),
			FormattedTime:   events.FormattedTime(nowFunc()),
			ErrorMessage:    se.Message,
		})
		return e.finishError(st, step, plan.Result{Index: step.Index, Error: &plan.ErrorInfo{Kind: string(se.Kind), Message: se.Message}}, se)
	}

	b.Publish(events.StepEnd{
		Base:            events.NewBase(events.TypeStepEnd, pid),
		StepNumber:      step.Index,
		StepType:        string(plan.StepResultsFormatter),
		Success:         true,
		DurationSeconds: nowFunc().Sub(started).Seconds(),
		RecordCount:     artifact.Count,
		FormattedTime:   events.FormattedTime(nowFunc()),
	})

	streamer.Stream(b, pid, artifact, e.streamerOpts)
	st.proc.SetStatus(process.StatusCompleted)
	b.Publish(events.Done{Base: events.NewBase(events.TypeDone, pid)})
	return artifact, nil
}

// finishError halts the Process on a critical-step failure: STEP-ERROR
// and STEP-END(false) have already been emitted (by steps.Runner for
// data steps, or inline above for finalize); this publishes the terminal
// ERROR + DONE and sets the final status.
func (e *Executor) finishError(st *runState, step plan.Step, result plan.Result, cause error) (any, error) {
	b := st.proc.Bus
	pid := st.proc.ID

	if result.Error != nil && result.Error.Kind == string(execerrors.KindCancelled) {
		st.proc.SetStatus(process.StatusCancelled)
		b.Publish(events.Error{Base: events.NewBase(events.TypeError, pid), ErrorField: "cancelled"})
	} else {
		st.proc.SetStatus(process.StatusError)
		b.Publish(events.Error{
			Base:       events.NewBase(events.TypeError, pid),
			ErrorField: fmt.Sprintf("Step %d failed", step.Index),
			Message:    errString(result),
		})
	}
	b.Publish(events.Done{Base: events.NewBase(events.TypeDone, pid)})
	return nil, cause
}

func (e *Executor) finishCancelled(st *runState) (any, error) {
	b := st.proc.Bus
	pid := st.proc.ID
	st.proc.SetStatus(process.StatusCancelled)
	b.Publish(events.Error{Base: events.NewBase(events.TypeError, pid), ErrorField: "cancelled"})
	b.Publish(events.Done{Base: events.NewBase(events.TypeDone, pid)})
	return nil, context.Canceled
}

func errString(result plan.Result) string {
	if result.Error != nil {
		return result.Error.Message
	}
	return ""
}

var nowFunc = time.Now
