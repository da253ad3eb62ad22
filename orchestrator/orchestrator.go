// Package orchestrator implements the Orchestrator Facade: the public
// StartProcess/Subscribe/Cancel surface that wires the Process Registry,
// the Planner collaborator, and the Plan Executor behind one coherent
// lifecycle. Grounded on the overall shape of the top-level runtime/agent
// package elsewhere in this codebase -- the facade that wires engine +
// stream + run store together -- generalized to this module's
// components.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/config"
	"github.com/fctr-id/queryengine/engine"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/executor"
	"github.com/fctr-id/queryengine/planner"
	"github.com/fctr-id/queryengine/process"
	"github.com/fctr-id/queryengine/steps"
	"github.com/fctr-id/queryengine/streamer"
	"github.com/fctr-id/queryengine/telemetry"
)

// MaxQueryLength is the non-empty, length <= 2000 after sanitation
// bound enforced on every incoming query.
const MaxQueryLength = 2000

// Errors returned by Orchestrator operations.
var (
	ErrInvalidQuery = errors.New("orchestrator: invalid query")
)

// History is the narrow surface the orchestrator needs from the history
// collaborator: completed queries are persisted by a separate
// component. Nil is a valid Options.History: the orchestrator simply
// skips persistence.
type History interface {
	Persist(ctx context.Context, p *process.Process) error
}

// Sink is an optional secondary event consumer (e.g. eventsink/pulse)
// that mirrors every event a Process emits, independent of whichever
// client currently holds the sole Subscribe consumer.
type Sink interface {
	Send(ctx context.Context, e events.Event) error
}

// Options configures a new Orchestrator.
type Options struct {
	Engine    engine.Engine
	Registry  *steps.Registry
	Planner   planner.Planner
	Processes *process.Registry
	Config    config.Config
	History   History
	Sink      Sink
	Logger    telemetry.Logger
}

// Orchestrator is the public facade: StartProcess/Subscribe/Cancel.
type Orchestrator struct {
	engine   engine.Engine
	planner  planner.Planner
	procs    *process.Registry
	executor *executor.Executor
	cfg      config.Config
	history  History
	sink     Sink
	logger   telemetry.Logger

	mu      sync.Mutex
	started map[string]bool
}

// New wires the Plan Executor to eng/registry and returns a ready
// Orchestrator. Call once per engine instance during application
// startup.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, errors.New("orchestrator: engine is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("orchestrator: step registry is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("orchestrator: planner is required")
	}
	if opts.Processes == nil {
		return nil, errors.New("orchestrator: process registry is required")
	}
	exec, err := executor.New(ctx, opts.Engine, opts.Registry, streamer.Options{
		BatchSize:      opts.Config.BatchSize,
		BatchThreshold: opts.Config.BatchThreshold,
	})
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Orchestrator{
		engine:   opts.Engine,
		planner:  opts.Planner,
		procs:    opts.Processes,
		executor: exec,
		cfg:      opts.Config,
		history:  opts.History,
		sink:     opts.Sink,
		logger:   logger,
		started:  make(map[string]bool),
	}, nil
}

// StartProcess creates a new Process for query/owner and returns its
// id. It does not block on plan generation: the plan is produced (and
// execution begun) lazily, the first time a consumer Subscribes.
func (o *Orchestrator) StartProcess(ctx context.Context, query, owner string) (string, error) {
	sanitized, err := sanitizeQuery(query)
	if err != nil {
		return "", err
	}
	if owner == "" {
		return "", errors.New("orchestrator: owner is required")
	}

	id := uuid.NewString()
	proc := process.New(id, sanitized, owner, o.cfg.EventBusCapacity)
	if err := o.procs.Create(proc); err != nil {
		return "", err
	}
	if o.sink != nil {
		go pulseRelay(o.sink, o.logger, proc.Bus.Tap(0))
	}
	return id, nil
}

// Subscribe attaches the caller as the sole consumer of the Process's
// event stream. A prior active subscriber (if any) is detached; on
// first attach this also kicks off planning + execution for the
// Process.
func (o *Orchestrator) Subscribe(ctx context.Context, processID, owner string) (*bus.Subscription, error) {
	proc, err := o.procs.Get(processID)
	if err != nil {
		return nil, err
	}
	if proc.Owner != owner {
		return nil, process.ErrForbidden
	}
	sub := proc.Bus.Subscribe()
	o.ensureStarted(proc)
	return sub, nil
}

// Cancel requests cancellation of a Process. Idempotent: repeated
// cancels of an already-cancelled or terminal Process are no-ops.
func (o *Orchestrator) Cancel(processID, owner string) error {
	proc, err := o.procs.Get(processID)
	if err != nil {
		return err
	}
	if proc.Owner != owner {
		return process.ErrForbidden
	}
	proc.Cancel()
	return nil
}

// Close tears down the owned Process Registry's reaper goroutine. Call
// during application shutdown.
func (o *Orchestrator) Close() {
	o.procs.Close()
}

// ensureStarted launches planning + execution for proc exactly once,
// the first time any Subscribe call observes it.
func (o *Orchestrator) ensureStarted(proc *process.Process) {
	o.mu.Lock()
	if o.started[proc.ID] {
		o.mu.Unlock()
		return
	}
	o.started[proc.ID] = true
	o.mu.Unlock()

	go o.runPlanning(proc)
}

// runPlanning drives the Planner collaborator, then hands the produced
// Plan to the Plan Executor. Failures here (planner error, invalid plan)
// are reported the same way a critical step failure is: STEP-ERROR is
// skipped (no step has started yet) but ERROR + DONE still terminate the
// client-visible stream.
func (o *Orchestrator) runPlanning(proc *process.Process) {
	proc.SetStatus(process.StatusPlanning)

	select {
	case <-proc.Cancelled():
		o.finishCancelled(proc)
		return
	default:
	}

	emit := &planningEmitter{b: proc.Bus, processID: proc.ID}
	ctx := context.Background()
	pl, err := o.planner.Plan(ctx, proc.Query, nil, emit)
	if err != nil {
		o.finishPlanningError(proc, err)
		return
	}

	if err := o.executor.Start(ctx, proc, pl, proc.Query); err != nil {
		o.finishPlanningError(proc, err)
		return
	}

	go o.persistOnTerminal(proc)
}

func (o *Orchestrator) finishPlanningError(proc *process.Process, err error) {
	proc.SetStatus(process.StatusError)
	proc.Bus.Publish(events.Error{
		Base:       events.NewBase(events.TypeError, proc.ID),
		ErrorField: "planning failed",
		Message:    err.Error(),
	})
	proc.Bus.Publish(events.Done{Base: events.NewBase(events.TypeDone, proc.ID)})
	o.logger.Error(context.Background(), "orchestrator: planning failed", "process_id", proc.ID, "error", err)
}

func (o *Orchestrator) finishCancelled(proc *process.Process) {
	proc.SetStatus(process.StatusCancelled)
	proc.Bus.Publish(events.Error{Base: events.NewBase(events.TypeError, proc.ID), ErrorField: "cancelled"})
	proc.Bus.Publish(events.Done{Base: events.NewBase(events.TypeDone, proc.ID)})
}

// persistOnTerminal waits for proc to reach a terminal status (polling
// at a modest interval -- the Process exposes no completion channel of
// its own, only Status()) and, once terminal, hands it to the history
// collaborator.
func (o *Orchestrator) persistOnTerminal(proc *process.Process) {
	if o.history == nil {
		return
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if proc.Status().Terminal() {
			if err := o.history.Persist(context.Background(), proc); err != nil {
				o.logger.Error(context.Background(), "orchestrator: history persist failed", "process_id", proc.ID, "error", err)
			}
			return
		}
	}
}

// planningEmitter adapts the Process's bus into the planner.Emitter
// interface, publishing PLANNING-PHASE(planning_start) and STEP-TOKENS
// under the generating_steps bookend's step number (index 1).
type planningEmitter struct {
	b         *bus.Bus
	processID string
}

func (e *planningEmitter) PlanningPhase(phase string) {
	e.b.Publish(events.PlanningPhase{
		Base:          events.NewBase(events.TypePlanningPhase, e.processID),
		Phase:         phase,
		FormattedTime: events.FormattedTime(time.Now()),
	})
}

func (e *planningEmitter) Tokens(inputTokens, outputTokens int, agentName string) {
	e.b.Publish(events.StepTokens{
		Base:          events.NewBase(events.TypeStepTokens, e.processID),
		StepNumber:    1,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		AgentName:     agentName,
		FormattedTime: events.FormattedTime(time.Now()),
	})
}

// pulseRelay forwards every event tapped off a Process's bus to the
// configured Sink, logging (but not failing the Process on) delivery
// errors -- the Sink is a secondary mirror, never load-bearing for the
// client-visible event stream.
func pulseRelay(sink Sink, logger telemetry.Logger, tap <-chan events.Event) {
	ctx := context.Background()
	for e := range tap {
		if err := sink.Send(ctx, e); err != nil {
			logger.Error(ctx, "orchestrator: sink relay failed", "process_id", e.ProcessID(), "error", err)
		}
	}
}

// sanitizeQuery strips control characters and trims whitespace, then
// enforces the non-empty/length bound.
func sanitizeQuery(query string) (string, error) {
	var b strings.Builder
	for _, r := range query {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	sanitized := strings.TrimSpace(b.String())
	if sanitized == "" {
		return "", ErrInvalidQuery
	}
	if len(sanitized) > MaxQueryLength {
		return "", ErrInvalidQuery
	}
	return sanitized, nil
}
