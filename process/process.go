// Package process implements the Process type and the Process Registry:
// the per-owner quota, grace-window reaper, and thread-safe id -> handle
// map that every orchestrator operation looks up through. Grounded on
// runtime/agent/run/run.go (Status/Phase as plain string types, a
// Record/Store split between live state and durable metadata), extended
// with an explicit reaper goroutine since this engine requires
// in-memory-only retention -- durable Temporal workflows elsewhere in
// this codebase have no reaper.
package process

import (
	"errors"
	"sync"
	"time"

	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/plan"
)

// Status is the Process lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusPlanning     Status = "planning"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is a terminal status eligible for the
// reaper's grace window.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Process is one end-to-end query execution.
type Process struct {
	mu sync.RWMutex

	ID        string
	Query     string
	Owner     string
	CreatedAt time.Time

	status      Status
	plan        *plan.Plan
	terminatedAt time.Time

	Bus          *bus.Bus
	cancelSignal chan struct{}
	cancelOnce   sync.Once
}

// New constructs a Process in StatusInitializing.
func New(id, query, owner string, busCapacity int) *Process {
	return &Process{
		ID:           id,
		Query:        query,
		Owner:        owner,
		CreatedAt:    nowFunc(),
		status:       StatusInitializing,
		Bus:          bus.New(busCapacity),
		cancelSignal: make(chan struct{}),
	}
}

// Status returns the current lifecycle status.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetStatus transitions the Process to s. Transitioning into a terminal
// status records the termination time the reaper uses for the grace
// window.
func (p *Process) SetStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
	if s.Terminal() && p.terminatedAt.IsZero() {
		p.terminatedAt = nowFunc()
	}
}

// SetPlan attaches the produced Plan. Immutable once set.
func (p *Process) SetPlan(pl plan.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.plan == nil {
		p.plan = &pl
	}
}

// Plan returns the attached Plan, or nil if planning has not completed.
func (p *Process) Plan() *plan.Plan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.plan
}

// Cancel sets the cancel signal. Idempotent: repeated calls are no-ops.
func (p *Process) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancelSignal) })
}

// Cancelled returns a channel that closes when Cancel has been called,
// the channel the Step Runner selects on alongside its own deadline.
func (p *Process) Cancelled() <-chan struct{} { return p.cancelSignal }

// terminatedSince reports how long ago the Process reached a terminal
// status; ok is false if it has not yet terminated.
func (p *Process) terminatedSince() (time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.terminatedAt.IsZero() {
		return 0, false
	}
	return nowFunc().Sub(p.terminatedAt), true
}

var nowFunc = time.Now

// Errors returned by Registry operations.
var (
	ErrNotFound        = errors.New("process: not found")
	ErrForbidden       = errors.New("process: owner mismatch")
	ErrTooManyProcesses = errors.New("process: owner quota exceeded")
)
