package steps

import (
	"fmt"
	"sync"
	"time"

	"github.com/fctr-id/queryengine/plan"
)

// Registry is the catalog mapping step kinds to handlers, grounded on
// the ActivityDefinition/ActivityOptions pairing of a handler with its
// declared retry/timeout policy (one registration per kind here, since
// step kinds -- unlike activity names -- are a closed enum).
type Registry struct {
	mu       sync.RWMutex
	handlers map[plan.StepKind]Handler
	timeouts map[plan.StepKind]time.Duration
}

// NewRegistry returns an empty Registry. Register each step kind's
// handler before starting the Plan Executor.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[plan.StepKind]Handler),
		timeouts: make(map[plan.StepKind]time.Duration),
	}
}

// Register associates a handler with a step kind, optionally overriding
// the registry default timeout (pass 0 to keep the default).
func (r *Registry) Register(kind plan.StepKind, h Handler, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	if timeout > 0 {
		r.timeouts[kind] = timeout
	}
}

// Handler looks up the registered handler for a step kind.
func (r *Registry) Handler(kind plan.StepKind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("steps: no handler registered for kind %q", kind)
	}
	return h, nil
}

// Timeout returns the effective timeout for a step kind: a registered
// override if present, otherwise the built-in default.
func (r *Registry) Timeout(kind plan.StepKind) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.timeouts[kind]; ok {
		return t
	}
	return DefaultsFor(kind).Timeout
}
