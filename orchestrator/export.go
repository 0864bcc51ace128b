package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Orchestrator is the trigger surface of the engine. One execution is driven
// by at most one goroutine at a time; a concurrent RunExecution on the same
// execution is a no-op that returns the execution unchanged.
type Orchestrator interface {
	// StartExecution creates a pending execution of a registered workflow.
	StartExecution(ctx context.Context, req *StartExecutionReq) (*WorkflowExecution, error)
	// RunExecution drives an execution to a pause point or terminal state.
	RunExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	// GetExecution returns a detached snapshot of an execution.
	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	// PauseExecution stops a running execution at the next step boundary.
	PauseExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	// ResumeExecution continues a paused execution from the next pending step.
	ResumeExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	// CancelExecution moves an execution to canceled; terminal executions
	// are left untouched.
	CancelExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	// RestoreFromCheckpoint rewinds context and step statuses to a named
	// checkpoint taken earlier in the same execution.
	RestoreFromCheckpoint(ctx context.Context, executionID string, checkpointName string) (*WorkflowExecution, error)
	// RecoverExecution reloads the last persisted snapshot and re-runs the
	// execution, skipping steps that already completed.
	RecoverExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	// Signal delivers a payload to a blocked wait step.
	Signal(executionID string, stepID string, payload map[string]any) error
	// Approve answers a blocked human_approval step.
	Approve(executionID string, stepID string, approved bool, payload map[string]any) error
}

var _ Orchestrator = (*Engine)(nil)

type EngineOption func(*Engine)

// WithTableCapacity bounds the in-memory execution table. Least recently
// used executions are evicted once the bound is hit; evicted executions
// remain loadable from the snapshot store.
func WithTableCapacity(capacity int) EngineOption {
	return func(e *Engine) {
		e.table = newExecutionTable(capacity)
	}
}

// WithLockTTL overrides the execution lock lease. It should comfortably
// exceed the longest expected gap between step boundaries.
func WithLockTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.lockTTL = ttl
	}
}

// WithMetrics wires engine counters and histograms into a registry.
func WithMetrics(metrics *EngineMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine builds an engine from its injected collaborators. Nothing is
// global: tests and embedders construct as many engines as they need.
func NewEngine(registry *WorkflowRegistry, services *ServiceRegistry, lock ExecutionLock, store SnapshotStore, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		services: services,
		lock:     lock,
		store:    store,
		table:    newExecutionTable(0),
		holderID: uuid.NewString(),
		lockTTL:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
