package steps_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/steps"
)

func newTestRunner(t *testing.T) (*steps.Runner, *steps.Registry, *bus.Bus, *bus.Subscription) {
	t.Helper()
	reg := steps.NewRegistry()
	b := bus.New(32)
	sub := b.Subscribe()
	r := steps.NewRunner(reg, b, "proc-1")
	return r, reg, b, sub
}

func TestRunnerSuccessEmitsStartThenEnd(t *testing.T) {
	r, reg, _, sub := newTestRunner(t)
	reg.Register(plan.StepSQL, func(ctx context.Context, s plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		return steps.Outcome{RecordCount: 37}, nil
	}, time.Second)

	cancel := make(chan struct{})
	result, err := r.Run(context.Background(), plan.Step{Index: 2, Kind: plan.StepSQL, Critical: true}, nil, cancel, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 37, result.RecordCount)

	first := <-sub.Events()
	assert.Equal(t, events.TypeStepStart, first.Type())
	second := <-sub.Events()
	assert.Equal(t, events.TypeStepEnd, second.Type())
	assert.True(t, second.(events.StepEnd).Success)
}

func TestRunnerCriticalFailureReturnsError(t *testing.T) {
	r, reg, _, sub := newTestRunner(t)
	reg.Register(plan.StepAPI, func(ctx context.Context, s plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		return steps.Outcome{}, assertError("boom")
	}, time.Second)

	cancel := make(chan struct{})
	_, err := r.Run(context.Background(), plan.Step{Index: 3, Kind: plan.StepAPI, Critical: true}, nil, cancel, "")
	require.Error(t, err)

	<-sub.Events() // STEP-START
	stepErr := <-sub.Events()
	assert.Equal(t, events.TypeStepError, stepErr.Type())
	end := <-sub.Events()
	assert.False(t, end.(events.StepEnd).Success)
}

func TestRunnerNonCriticalFailureDoesNotHaltPlan(t *testing.T) {
	r, reg, _, _ := newTestRunner(t)
	reg.Register(plan.StepThinking, func(ctx context.Context, s plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		return steps.Outcome{}, assertError("minor")
	}, time.Second)

	cancel := make(chan struct{})
	result, err := r.Run(context.Background(), plan.Step{Index: 0, Kind: plan.StepThinking, Critical: false}, nil, cancel, "")
	assert.NoError(t, err)
	assert.False(t, result.Success)
}

func TestRunnerDeadlineProducesTimeout(t *testing.T) {
	r, reg, _, _ := newTestRunner(t)
	reg.Register(plan.StepSQL, func(ctx context.Context, s plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		<-ctx.Done()
		return steps.Outcome{}, ctx.Err()
	}, 10*time.Millisecond)

	cancel := make(chan struct{})
	result, err := r.Run(context.Background(), plan.Step{Index: 2, Kind: plan.StepSQL, Critical: true}, nil, cancel, "")
	require.Error(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, "timeout", result.Error.Kind)
}

func TestRunnerCancelSignalYieldsCancelled(t *testing.T) {
	r, reg, _, _ := newTestRunner(t)
	reg.Register(plan.StepSQL, func(ctx context.Context, s plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		<-ctx.Done()
		return steps.Outcome{}, ctx.Err()
	}, time.Minute)

	cancel := make(chan struct{})
	close(cancel)
	result, err := r.Run(context.Background(), plan.Step{Index: 2, Kind: plan.StepSQL, Critical: true}, nil, cancel, "")
	require.Error(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, "cancelled", result.Error.Kind)
}

type assertError string

func (e assertError) Error() string { return string(e) }
