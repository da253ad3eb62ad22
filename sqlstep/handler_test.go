package sqlstep_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/sqlstep"
	"github.com/fctr-id/queryengine/steps"
)

type fakeCursor struct {
	docs   []bson.M
	pos    int
	err    error
	closed bool
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(v any) error {
	*(v.(*bson.M)) = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                     { return c.err }
func (c *fakeCursor) Close(ctx context.Context) error { c.closed = true; return nil }

type fakeClient struct {
	cursor *fakeCursor
	err    error
	entity string
}

func (c *fakeClient) Aggregate(ctx context.Context, entity string, pipeline bson.A) (sqlstep.Cursor, error) {
	c.entity = entity
	if c.err != nil {
		return nil, c.err
	}
	return c.cursor, nil
}

type nopEmitter struct{}

func (nopEmitter) Progress(steps.Progress)      {}
func (nopEmitter) Tokens(int, int, string)      {}
func (nopEmitter) Count(int, string)            {}

func docsNamed(n int) []bson.M {
	docs := make([]bson.M, n)
	for i := range docs {
		docs[i] = bson.M{"id": i, "status": "ACTIVE"}
	}
	return docs
}

func sqlStep() plan.Step {
	return plan.Step{Index: 2, Kind: plan.StepSQL, Entity: "users", Critical: true}
}

func TestHandlerPagesThroughCursor(t *testing.T) {
	cursor := &fakeCursor{docs: docsNamed(5)}
	client := &fakeClient{cursor: cursor}
	h := sqlstep.Handler(sqlstep.Options{Client: client, PageSize: 2})

	out, err := h(context.Background(), sqlStep(), nil, nopEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 5, out.RecordCount)
	assert.Len(t, out.Rows, 5)
	assert.Equal(t, "users", client.entity)
	assert.True(t, cursor.closed)
}

func TestHandlerMissingEntityIsInvalidInput(t *testing.T) {
	h := sqlstep.Handler(sqlstep.Options{Client: &fakeClient{cursor: &fakeCursor{}}})
	_, err := h(context.Background(), plan.Step{Index: 2, Kind: plan.StepSQL}, nil, nopEmitter{})
	require.Error(t, err)
	assert.Equal(t, execerrors.KindInvalidInput, execerrors.FromError(err).Kind)
}

func TestHandlerClassifiesAggregateErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	h := sqlstep.Handler(sqlstep.Options{Client: client})
	_, err := h(context.Background(), sqlStep(), nil, nopEmitter{})
	require.Error(t, err)
	se := execerrors.FromError(err)
	assert.Equal(t, execerrors.KindUpstreamUnavailable, se.Kind)
	assert.True(t, se.RetryPossible)
}

func TestHandlerDeadlineErrorIsTimeout(t *testing.T) {
	client := &fakeClient{err: context.DeadlineExceeded}
	h := sqlstep.Handler(sqlstep.Options{Client: client})
	_, err := h(context.Background(), sqlStep(), nil, nopEmitter{})
	require.Error(t, err)
	assert.Equal(t, execerrors.KindTimeout, execerrors.FromError(err).Kind)
}

func TestHandlerHonorsCancellationBetweenPages(t *testing.T) {
	cursor := &fakeCursor{docs: docsNamed(10)}
	client := &fakeClient{cursor: cursor}
	h := sqlstep.Handler(sqlstep.Options{Client: client, PageSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h(ctx, sqlStep(), nil, nopEmitter{})
	require.Error(t, err)
}

func TestHandlerBoundsSampleToTwentyRows(t *testing.T) {
	cursor := &fakeCursor{docs: docsNamed(40)}
	client := &fakeClient{cursor: cursor}
	h := sqlstep.Handler(sqlstep.Options{Client: client})

	out, err := h(context.Background(), sqlStep(), nil, nopEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 40, out.RecordCount)
	assert.Len(t, out.Sample, 20)
}
