// Package inmem implements engine.Engine entirely in-process with one
// goroutine per workflow run and one goroutine per activity invocation.
// It is not durable or replay-safe -- a process restart loses every live
// Process, with no built-in persistence of in-flight executions across a
// process restart. Adapted from runtime/agent/engine/inmem/engine.go
// elsewhere in this codebase, narrowed to a single registered workflow
// and ctx-based cancellation instead of a signal channel.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fctr-id/queryengine/engine"
	"github.com/fctr-id/queryengine/telemetry"
)

type eng struct {
	mu         sync.RWMutex
	workflow   *engine.WorkflowDefinition
	activities map[string]activityEntry

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

type activityEntry struct {
	handler engine.ActivityFunc
	opts    engine.ActivityOptions
}

// Option configures telemetry wiring on New.
type Option func(*eng)

func WithLogger(l telemetry.Logger) Option   { return func(e *eng) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *eng) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *eng) { e.tracer = t } }

// New returns an in-memory engine.Engine suitable for local development,
// tests, and the default single-process deployment.
func New(opts ...Option) engine.Engine {
	e := &eng{
		activities: make(map[string]activityEntry),
		logger:     telemetry.NoopLogger{},
		metrics:    telemetry.NoopMetrics{},
		tracer:     telemetry.NoopTracer{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflow != nil {
		return fmt.Errorf("inmem: workflow %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("inmem: invalid workflow definition")
	}
	d := def
	e.workflow = &d
	return nil
}

func (e *eng) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("inmem: activity %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("inmem: invalid activity definition")
	}
	e.activities[def.Name] = activityEntry{handler: def.Handler, opts: def.Options}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def := e.workflow
	e.mu.RUnlock()
	if def == nil || def.Name != req.Workflow {
		return nil, fmt.Errorf("inmem: workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("inmem: workflow id is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	wctx := &wfCtx{ctx: runCtx, id: req.ID, eng: e}

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.result, h.err = res, err
	}()

	return h, nil
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	result any
	err    error
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		assign(result, h.result)
		return h.err
	}
}

func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}

type wfCtx struct {
	ctx context.Context
	id  string
	eng *eng
}

func (w *wfCtx) Context() context.Context   { return w.ctx }
func (w *wfCtx) WorkflowID() string         { return w.id }
func (w *wfCtx) Logger() telemetry.Logger   { return w.eng.logger }
func (w *wfCtx) Metrics() telemetry.Metrics { return w.eng.metrics }
func (w *wfCtx) Tracer() telemetry.Tracer   { return w.eng.tracer }
func (w *wfCtx) Now() time.Time             { return nowFunc() }

func (w *wfCtx) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	w.eng.mu.RLock()
	entry, ok := w.eng.activities[req.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inmem: activity %q not registered", req.Name)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = entry.opts.Timeout
	}
	actCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		actCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := entry.handler(actCtx, req.Input)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		assign(result, o.res)
		return o.err
	case <-actCtx.Done():
		return actCtx.Err()
	}
}

// nowFunc is indirected so tests can pin wall-clock time, matching the
// convention the other packages in this module use.
var nowFunc = time.Now

// assign copies src into the pointer dst points at, mirroring the
// reflection-based assignResult helper used elsewhere in this codebase,
// since Go has no generic "assign into any pointer type" primitive.
func assign(dst, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if !sv.IsValid() {
		return
	}
	if sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
		return
	}
	if dv.Elem().Kind() == reflect.Interface && sv.Type().Implements(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
