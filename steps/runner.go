package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
)

// Runner executes one step at a time: deadline composition, cancellation,
// event bookending, and outcome normalization. It holds no per-Process
// state beyond the bus it publishes to, so one Runner can be reused
// across every step of a Plan Executor run.
type Runner struct {
	registry  *Registry
	b         *bus.Bus
	processID string
}

// NewRunner builds a Runner bound to one Process's registry and bus.
func NewRunner(registry *Registry, b *bus.Bus, processID string) *Runner {
	return &Runner{registry: registry, b: b, processID: processID}
}

// Run executes step, enforcing its kind's timeout (a registered override,
// else the registry default) composed with cancel and the parent ctx,
// and returns the normalized
// plan.Result. The returned error is non-nil only for critical-step
// failures the caller must fail-stop on; the plan.Result itself always
// carries the full success/failure detail regardless.
func (r *Runner) Run(ctx context.Context, step plan.Step, summary []map[string]any, cancel <-chan struct{}, queryContext string) (plan.Result, error) {
	started := nowFunc()
	r.b.Publish(events.StepStart{
		Base:          events.NewBase(events.TypeStepStart, r.processID),
		StepNumber:    step.Index,
		StepType:      string(step.Kind),
		StepName:      stepName(step),
		QueryContext:  queryContext,
		Critical:      step.Critical,
		FormattedTime: events.FormattedTime(started),
	})

	timeout := r.registry.Timeout(step.Kind)
	stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
	defer stepCancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			stepCancel()
		case <-stepCtx.Done():
		case <-done:
		}
	}()
	defer close(done)

	handler, err := r.registry.Handler(step.Kind)
	if err != nil {
		return r.fail(step, started, execerrors.New(execerrors.KindInternal, err.Error()))
	}

	emit := newEmitter(r.b, r.processID, step.Index)

	type result struct {
		outcome Outcome
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		outcome, err := handler(stepCtx, step, summary, emit)
		resCh <- result{outcome, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return r.fail(step, started, classify(res.err, stepCtx, cancel, timeout))
		}
		return r.succeed(step, started, res.outcome), nil
	case <-stepCtx.Done():
		// The handler did not return promptly after its context was
		// cancelled/expired; report the timeout/cancellation regardless,
		// the handler's eventual return (if any) is discarded.
		kind := execerrors.KindTimeout
		msg := timeoutMessage(timeout)
		select {
		case <-cancel:
			kind = execerrors.KindCancelled
			msg = "cancelled"
		default:
		}
		return r.fail(step, started, execerrors.New(kind, msg))
	}
}

// classify normalizes a handler error against the step's cancellation
// state: the Process cancel signal dominates everything (a handler that
// yields with context.Canceled must surface as "cancelled", not
// internal), then a tripped deadline dominates the handler's own
// classification.
func classify(err error, ctx context.Context, cancel <-chan struct{}, timeout time.Duration) *execerrors.StepError {
	select {
	case <-cancel:
		return execerrors.New(execerrors.KindCancelled, "cancelled")
	default:
	}
	se := execerrors.FromError(err)
	if ctx.Err() == context.DeadlineExceeded && se.Kind != execerrors.KindCancelled {
		return execerrors.New(execerrors.KindTimeout, timeoutMessage(timeout)).
			WithDetails(se.Message)
	}
	return se
}

// timeoutMessage renders the deadline in whole seconds ("step timed out
// after 180s"), not time.Duration's mixed-unit form ("3m0s").
func timeoutMessage(timeout time.Duration) string {
	if timeout < time.Second {
		return "step timed out after " + timeout.String()
	}
	return fmt.Sprintf("step timed out after %ds", int(timeout/time.Second))
}

func (r *Runner) succeed(step plan.Step, started time.Time, outcome Outcome) plan.Result {
	duration := nowFunc().Sub(started)
	r.b.Publish(events.StepEnd{
		Base:            events.NewBase(events.TypeStepEnd, r.processID),
		StepNumber:      step.Index,
		StepType:        string(step.Kind),
		Success:         true,
		DurationSeconds: duration.Seconds(),
		RecordCount:     outcome.RecordCount,
		FormattedTime:   events.FormattedTime(nowFunc()),
	})
	return plan.Result{
		Index:       step.Index,
		Success:     true,
		StartedAt:   started,
		Duration:    duration,
		RecordCount: outcome.RecordCount,
		Sample:      boundSample(outcome.Sample),
		Artifact:    outcome.Artifact,
		Rows:        outcome.Rows,
	}
}

func (r *Runner) fail(step plan.Step, started time.Time, se *execerrors.StepError) (plan.Result, error) {
	duration := nowFunc().Sub(started)
	now := nowFunc()
	r.b.Publish(events.StepError{
		Base:             events.NewBase(events.TypeStepError, r.processID),
		StepNumber:       step.Index,
		ErrorType:        string(se.Kind),
		ErrorMessage:     se.Message,
		RetryPossible:    se.RetryPossible,
		TechnicalDetails: se.TechnicalDetails,
		FormattedTime:    events.FormattedTime(now),
	})
	r.b.Publish(events.StepEnd{
		Base:            events.NewBase(events.TypeStepEnd, r.processID),
		StepNumber:      step.Index,
		StepType:        string(step.Kind),
		Success:         false,
		DurationSeconds: duration.Seconds(),
		FormattedTime:   events.FormattedTime(now),
		ErrorMessage:    se.Message,
	})
	result := plan.Result{
		Index:     step.Index,
		Success:   false,
		StartedAt: started,
		Duration:  duration,
		Error:     &plan.ErrorInfo{Kind: string(se.Kind), Message: se.Message},
	}
	if !step.Critical {
		return result, nil
	}
	return result, se
}

// maxSampleRows and maxSampleBytes bound the sample forwarded between
// steps: bounded size, default <= 20 rows or <= 8 KiB.
const (
	maxSampleRows  = 20
	maxSampleBytes = 8 * 1024
)

func boundSample(rows []map[string]any) []map[string]any {
	if len(rows) > maxSampleRows {
		rows = rows[:maxSampleRows]
	}
	size := 0
	for i, row := range rows {
		size += approxSize(row)
		if size > maxSampleBytes {
			return rows[:i]
		}
	}
	return rows
}

func approxSize(row map[string]any) int {
	n := 0
	for k, v := range row {
		n += len(k) + approxValueSize(v)
	}
	return n
}

func approxValueSize(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	default:
		return 16
	}
}
