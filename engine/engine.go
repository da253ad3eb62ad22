// Package engine abstracts the durable-execution backend that drives one
// Process's Plan from start to terminal status, so the Plan Executor can
// be written once against RegisterActivity/StartWorkflow and swapped
// between an in-memory backend (engine/inmem, default) and a durable one
// (engine/temporal) without touching executor code. Adapted from the
// workflow/activity engine abstraction used elsewhere in this codebase
// (runtime/agent/engine/engine.go), narrowed from a generic multi-
// workflow registry to the one workflow (plan execution) this module
// needs, since every Process drives the same workflow body.
package engine

import (
	"context"
	"time"

	"github.com/fctr-id/queryengine/telemetry"
)

type (
	// Engine registers the plan-execution workflow and its step
	// activities, then starts one workflow run per Process.
	Engine interface {
		// RegisterWorkflow registers the workflow handler invoked once
		// per StartWorkflow call. Called once during engine wiring,
		// before any Process starts.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers one step kind's handler. Called once
		// per step kind during engine wiring.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches one Process's plan execution and
		// returns a handle for waiting on/cancelling it.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds the plan-execution workflow body to a
	// logical name.
	WorkflowDefinition struct {
		Name    string
		Handler WorkflowFunc
	}

	// WorkflowFunc is the plan-execution workflow body: input is the
	// executor.WorkflowInput value the caller passed to StartWorkflow (an
	// opaque `any` at this layer so engine has no import cycle on
	// executor), output is the formatter artifact or an error.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext is the engine-facing handle a workflow body uses to
	// run activities and observe cancellation/time. Narrowed from the
	// fuller WorkflowContext used elsewhere in this codebase: no
	// SignalChannel (a Process's plan has no external signal input --
	// cancellation flows through ctx cancellation instead, a cooperative
	// model).
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer
		Now() time.Time
	}

	// ActivityDefinition registers one step kind's handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc executes one step. Unlike the workflow body,
	// activities may perform real I/O (SQL queries, HTTP calls, subprocess
	// launches).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures a step activity's timeout. RetryPolicy
	// is intentionally absent: step-level retry is handled inside each
	// handler, which performs its own bounded local retries, not by the
	// engine.
	ActivityOptions struct {
		Timeout time.Duration
	}

	// WorkflowStartRequest describes one Process's workflow launch.
	WorkflowStartRequest struct {
		ID       string
		Workflow string
		Input    any
	}

	// ActivityRequest names the step activity to invoke from within the
	// workflow body.
	ActivityRequest struct {
		Name    string
		Input   any
		Timeout time.Duration
	}

	// WorkflowHandle lets the caller wait for or cancel a running plan
	// execution.
	WorkflowHandle interface {
		Wait(ctx context.Context, result any) error
		Cancel(ctx context.Context) error
	}
)
