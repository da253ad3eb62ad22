package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fctr-id/queryengine/engine"
	"github.com/fctr-id/queryengine/engine/inmem"
)

func TestWorkflowRunsActivityAndReturnsResult(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(ctx context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "double", Input: input}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: 21})
	require.NoError(t, err)

	var result any
	require.NoError(t, h.Wait(ctx, &result))
	assert.Equal(t, 42, result)
}

func TestActivityTimeoutCancelsHandlerContext(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "slow",
		Handler: func(ctx context.Context, input any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "slow", Timeout: 10 * time.Millisecond}, nil)
			return nil, err
		},
	}))

	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-2", Workflow: "wf"})
	require.NoError(t, err)

	err = h.Wait(ctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelPropagatesToWorkflowContext(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			close(started)
			<-wctx.Context().Done()
			return nil, wctx.Context().Err()
		},
	}))

	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-3", Workflow: "wf"})
	require.NoError(t, err)
	<-started
	require.NoError(t, h.Cancel(ctx))

	err = h.Wait(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()
	def := engine.ActivityDefinition{Name: "a", Handler: func(context.Context, any) (any, error) { return nil, nil }}
	require.NoError(t, eng.RegisterActivity(ctx, def))
	assert.Error(t, eng.RegisterActivity(ctx, def))

	wf := engine.WorkflowDefinition{Name: "wf", Handler: func(engine.WorkflowContext, any) (any, error) { return nil, nil }}
	require.NoError(t, eng.RegisterWorkflow(ctx, wf))
	assert.Error(t, eng.RegisterWorkflow(ctx, wf))
}
