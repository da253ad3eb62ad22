package apistep_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fctr-id/queryengine/apistep"
	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/steps"
)

// recordingEmitter captures everything a handler emits.
type recordingEmitter struct {
	progress []steps.Progress
	counts   []int
}

func (e *recordingEmitter) Progress(p steps.Progress)        { e.progress = append(e.progress, p) }
func (e *recordingEmitter) Tokens(in, out int, agent string) {}
func (e *recordingEmitter) Count(n int, op string)           { e.counts = append(e.counts, n) }

// scriptedClient replays a fixed sequence of pages/errors.
type scriptedClient struct {
	pages []pageOrErr
	calls int
}

type pageOrErr struct {
	page apistep.Page
	err  error
}

func (c *scriptedClient) Get(ctx context.Context, endpoint string, params map[string]string, cursor string) (apistep.Page, error) {
	if c.calls >= len(c.pages) {
		return apistep.Page{}, errors.New("scripted client exhausted")
	}
	p := c.pages[c.calls]
	c.calls++
	return p.page, p.err
}

func rowsNamed(names ...string) []map[string]any {
	rows := make([]map[string]any, len(names))
	for i, n := range names {
		rows[i] = map[string]any{"id": n}
	}
	return rows
}

func apiStep() plan.Step {
	return plan.Step{Index: 3, Kind: plan.StepAPI, Entity: "users", Critical: true}
}

func TestHandlerAggregatesAllPagesAndEmitsProgress(t *testing.T) {
	client := &scriptedClient{pages: []pageOrErr{
		{page: apistep.Page{Records: rowsNamed("u1", "u2"), HasMore: true, NextCursor: "c1"}},
		{page: apistep.Page{Records: rowsNamed("u3")}},
	}}
	emit := &recordingEmitter{}
	h := apistep.Handler(apistep.Options{Client: client})

	out, err := h(context.Background(), apiStep(), nil, emit)
	require.NoError(t, err)
	assert.Equal(t, 3, out.RecordCount)
	assert.Len(t, out.Rows, 3)
	require.Len(t, emit.progress, 2)
	assert.Equal(t, "generic", emit.progress[0].Type)
	assert.Equal(t, 2, *emit.progress[1].Current)
	assert.Equal(t, []int{3}, emit.counts)
}

func TestHandlerRetriesAfter429WithWaitProgress(t *testing.T) {
	client := &scriptedClient{pages: []pageOrErr{
		{page: apistep.Page{StatusCode: http.StatusTooManyRequests, RetryAfter: 10 * time.Millisecond}},
		{page: apistep.Page{Records: rowsNamed("u1")}},
	}}
	emit := &recordingEmitter{}
	h := apistep.Handler(apistep.Options{Client: client})

	out, err := h(context.Background(), apiStep(), nil, emit)
	require.NoError(t, err)
	assert.Equal(t, 1, out.RecordCount)

	require.NotEmpty(t, emit.progress)
	assert.Equal(t, "rate_limit", emit.progress[0].Type)
	require.NotNil(t, emit.progress[0].WaitSeconds)
	assert.Equal(t, 2, client.calls)
}

func TestHandlerRateLimitRetriesExhausted(t *testing.T) {
	limited := pageOrErr{page: apistep.Page{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Millisecond}}
	client := &scriptedClient{pages: []pageOrErr{limited, limited, limited, limited}}
	h := apistep.Handler(apistep.Options{Client: client, MaxRetries: 3})

	_, err := h(context.Background(), apiStep(), nil, &recordingEmitter{})
	require.Error(t, err)
	se := execerrors.FromError(err)
	assert.Equal(t, execerrors.KindRateLimited, se.Kind)
	assert.True(t, se.RetryPossible)
}

func TestHandlerFailureMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   execerrors.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, execerrors.KindAuth},
		{"forbidden", http.StatusForbidden, execerrors.KindAuth},
		{"bad request", http.StatusBadRequest, execerrors.KindInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &scriptedClient{pages: []pageOrErr{
				{page: apistep.Page{StatusCode: tc.status}, err: errors.New("okta said no")},
			}}
			h := apistep.Handler(apistep.Options{Client: client})
			_, err := h(context.Background(), apiStep(), nil, &recordingEmitter{})
			require.Error(t, err)
			assert.Equal(t, tc.want, execerrors.FromError(err).Kind)
			assert.Equal(t, 1, client.calls, "non-retryable failures must not be retried")
		})
	}
}

func TestHandlerRetriesTransientErrorsWithBackoff(t *testing.T) {
	client := &scriptedClient{pages: []pageOrErr{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{page: apistep.Page{Records: rowsNamed("u1")}},
	}}
	h := apistep.Handler(apistep.Options{Client: client, RetryBackoff: time.Millisecond})

	out, err := h(context.Background(), apiStep(), nil, &recordingEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.RecordCount)
	assert.Equal(t, 3, client.calls)
}

func TestHandlerTransientRetriesExhausted(t *testing.T) {
	down := pageOrErr{err: errors.New("connection refused")}
	client := &scriptedClient{pages: []pageOrErr{down, down, down, down}}
	h := apistep.Handler(apistep.Options{Client: client, MaxRetries: 3, RetryBackoff: time.Millisecond})

	_, err := h(context.Background(), apiStep(), nil, &recordingEmitter{})
	require.Error(t, err)
	se := execerrors.FromError(err)
	assert.Equal(t, execerrors.KindUpstreamUnavailable, se.Kind)
	assert.True(t, se.RetryPossible)
	assert.Equal(t, 4, client.calls)
}

func TestHandlerCancelledDuringRateLimitWait(t *testing.T) {
	client := &scriptedClient{pages: []pageOrErr{
		{page: apistep.Page{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Minute}},
	}}
	h := apistep.Handler(apistep.Options{Client: client})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h(ctx, apiStep(), nil, &recordingEmitter{})
	require.Error(t, err)
	assert.Equal(t, execerrors.KindCancelled, execerrors.FromError(err).Kind)
}

func TestHandlerBoundsSampleToTwentyRows(t *testing.T) {
	names := make([]string, 30)
	for i := range names {
		names[i] = "u"
	}
	client := &scriptedClient{pages: []pageOrErr{{page: apistep.Page{Records: rowsNamed(names...)}}}}
	h := apistep.Handler(apistep.Options{Client: client})

	out, err := h(context.Background(), apiStep(), nil, &recordingEmitter{})
	require.NoError(t, err)
	assert.Equal(t, 30, out.RecordCount)
	assert.Len(t, out.Sample, 20)
}
