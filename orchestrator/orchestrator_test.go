package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fctr-id/queryengine/config"
	"github.com/fctr-id/queryengine/engine/inmem"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/orchestrator"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/planner"
	"github.com/fctr-id/queryengine/process"
	"github.com/fctr-id/queryengine/steps"
)

type fakePlanner struct {
	pl  plan.Plan
	err error
}

func (p *fakePlanner) Plan(ctx context.Context, query string, prior map[string]any, emit planner.Emitter) (plan.Plan, error) {
	emit.PlanningPhase(events.PhasePlanningStart)
	emit.Tokens(120, 40, "query-planner")
	if p.err != nil {
		return plan.Plan{}, p.err
	}
	return p.pl, nil
}

func sqlPlan() plan.Plan {
	return plan.Plan{Steps: []plan.Step{
		{Index: 0, Kind: plan.StepThinking},
		{Index: 1, Kind: plan.StepGeneratingSteps},
		{Index: 2, Kind: plan.StepSQL, Entity: "users", Critical: true},
		{Index: 3, Kind: plan.StepFinalizingResults, Critical: true},
	}}
}

func newOrchestrator(t *testing.T, p planner.Planner, opts process.Options) *orchestrator.Orchestrator {
	t.Helper()
	reg := steps.NewRegistry()
	reg.Register(plan.StepSQL, func(ctx context.Context, s plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		rows := []map[string]any{{"id": "u1"}, {"id": "u2"}}
		return steps.Outcome{RecordCount: 2, Sample: rows, Rows: rows}, nil
	}, 0)

	procs := process.NewRegistry(opts)
	t.Cleanup(procs.Close)

	o, err := orchestrator.New(context.Background(), orchestrator.Options{
		Engine:    inmem.New(),
		Registry:  reg,
		Planner:   p,
		Processes: procs,
		Config:    config.Default(),
	})
	require.NoError(t, err)
	return o
}

func drainUntilDone(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var got []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "stream closed before DONE")
			got = append(got, e)
			if e.Type() == events.TypeDone {
				return got
			}
		case <-deadline:
			t.Fatalf("stream stalled after %d events", len(got))
		}
	}
}

func TestStartProcessRejectsInvalidQueries(t *testing.T) {
	o := newOrchestrator(t, &fakePlanner{pl: sqlPlan()}, process.Options{})
	ctx := context.Background()

	_, err := o.StartProcess(ctx, "", "alice")
	assert.ErrorIs(t, err, orchestrator.ErrInvalidQuery)

	_, err = o.StartProcess(ctx, "\x00\x01  \x02", "alice")
	assert.ErrorIs(t, err, orchestrator.ErrInvalidQuery)

	_, err = o.StartProcess(ctx, strings.Repeat("x", orchestrator.MaxQueryLength+1), "alice")
	assert.ErrorIs(t, err, orchestrator.ErrInvalidQuery)

	id, err := o.StartProcess(ctx, "  list all users  ", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStartProcessEnforcesOwnerQuota(t *testing.T) {
	o := newOrchestrator(t, &fakePlanner{pl: sqlPlan()}, process.Options{OwnerQuota: 1})
	ctx := context.Background()

	_, err := o.StartProcess(ctx, "first", "alice")
	require.NoError(t, err)

	_, err = o.StartProcess(ctx, "second", "alice")
	assert.ErrorIs(t, err, process.ErrTooManyProcesses)

	_, err = o.StartProcess(ctx, "other owner", "bob")
	assert.NoError(t, err)
}

func TestSubscribeAuthorization(t *testing.T) {
	o := newOrchestrator(t, &fakePlanner{pl: sqlPlan()}, process.Options{})
	ctx := context.Background()

	_, err := o.Subscribe(ctx, "missing", "alice")
	assert.ErrorIs(t, err, process.ErrNotFound)

	id, err := o.StartProcess(ctx, "list users", "alice")
	require.NoError(t, err)

	_, err = o.Subscribe(ctx, id, "mallory")
	assert.ErrorIs(t, err, process.ErrForbidden)

	assert.ErrorIs(t, o.Cancel(id, "mallory"), process.ErrForbidden)
	assert.ErrorIs(t, o.Cancel("missing", "alice"), process.ErrNotFound)
}

func TestSubscribeDrivesPlanningThroughCompletion(t *testing.T) {
	o := newOrchestrator(t, &fakePlanner{pl: sqlPlan()}, process.Options{})
	ctx := context.Background()

	id, err := o.StartProcess(ctx, "list all users", "alice")
	require.NoError(t, err)

	sub, err := o.Subscribe(ctx, id, "alice")
	require.NoError(t, err)
	got := drainUntilDone(t, sub.Events())

	// The planner's own planning_start arrives first, then the executor's
	// planning_complete and the rest of the lifecycle.
	first := got[0].(events.PlanningPhase)
	assert.Equal(t, events.PhasePlanningStart, first.Phase)

	var phases []string
	var sawTokens, sawComplete bool
	for _, e := range got {
		switch v := e.(type) {
		case events.PlanningPhase:
			phases = append(phases, v.Phase)
		case events.StepTokens:
			sawTokens = true
		case events.Complete:
			sawComplete = true
		}
	}
	assert.Equal(t, []string{events.PhasePlanningStart, events.PhasePlanningComplete}, phases)
	assert.True(t, sawTokens)
	assert.True(t, sawComplete)
	assert.Equal(t, events.TypeDone, got[len(got)-1].Type())
}

func TestCancelBeforeSubscribeTerminatesCancelled(t *testing.T) {
	o := newOrchestrator(t, &fakePlanner{pl: sqlPlan()}, process.Options{})
	ctx := context.Background()

	id, err := o.StartProcess(ctx, "list users", "alice")
	require.NoError(t, err)
	require.NoError(t, o.Cancel(id, "alice"))
	require.NoError(t, o.Cancel(id, "alice")) // idempotent

	sub, err := o.Subscribe(ctx, id, "alice")
	require.NoError(t, err)
	got := drainUntilDone(t, sub.Events())

	require.Len(t, got, 2)
	errEvt := got[0].(events.Error)
	assert.Equal(t, "cancelled", errEvt.ErrorField)
	assert.Equal(t, events.TypeDone, got[1].Type())
}

func TestPlannerFailureTerminatesWithError(t *testing.T) {
	o := newOrchestrator(t, &fakePlanner{err: errors.New("model unavailable")}, process.Options{})
	ctx := context.Background()

	id, err := o.StartProcess(ctx, "list users", "alice")
	require.NoError(t, err)

	sub, err := o.Subscribe(ctx, id, "alice")
	require.NoError(t, err)
	got := drainUntilDone(t, sub.Events())

	var sawError bool
	for _, e := range got {
		if v, ok := e.(events.Error); ok {
			sawError = true
			assert.Contains(t, v.Message, "model unavailable")
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, events.TypeDone, got[len(got)-1].Type())
}

func TestSecondSubscribeDetachesFirst(t *testing.T) {
	o := newOrchestrator(t, &fakePlanner{pl: sqlPlan()}, process.Options{})
	ctx := context.Background()

	id, err := o.StartProcess(ctx, "list users", "alice")
	require.NoError(t, err)

	first, err := o.Subscribe(ctx, id, "alice")
	require.NoError(t, err)
	second, err := o.Subscribe(ctx, id, "alice")
	require.NoError(t, err)

	// The first stream must close; the second must still reach DONE.
	require.Eventually(t, func() bool {
		select {
		case _, open := <-first.Events():
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	got := drainUntilDone(t, second.Events())
	assert.Equal(t, events.TypeDone, got[len(got)-1].Type())
}
