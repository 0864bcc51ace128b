package orchestrator

import (
	"context"
	"time"
)

// ExecutionSnapshot is the durable JSON projection of a WorkflowExecution.
// It is written after every step transition and at terminal state so a
// crashed process can resume from the last persisted step.
type ExecutionSnapshot struct {
	ExecutionID    string                    `json:"execution_id"`
	WorkflowID     string                    `json:"workflow_id"`
	Status         ExecutionStatus           `json:"status"`
	CurrentStepID  string                    `json:"current_step_id"`
	Context        map[string]any            `json:"context"`
	StepExecutions map[string]*StepExecution `json:"step_executions"`
	Checkpoints    map[string]*Checkpoint    `json:"checkpoints"`
	InputData      map[string]any            `json:"input_data"`
	OutputData     map[string]any            `json:"output_data"`
	ErrorMessage   string                    `json:"error_message"`
	OwnerID        string                    `json:"owner_id,omitempty"`
	ProjectID      string                    `json:"project_id,omitempty"`
	StartedAt      int64                     `json:"started_at"`
	CompletedAt    int64                     `json:"completed_at"`
	PersistedAt    int64                     `json:"persisted_at"`
}

// SnapshotStore persists execution snapshots keyed "workflow_{executionId}".
//
// Persist never raises to the caller: a persistence failure is logged and
// reported as false, and the workflow keeps running without durability for
// that step. Load returns ErrExecutionNotFound when no snapshot exists.
type SnapshotStore interface {
	Persist(ctx context.Context, snapshot *ExecutionSnapshot) bool
	Load(ctx context.Context, executionID string) (*ExecutionSnapshot, error)
}

func snapshotKey(executionID string) string {
	return "workflow_" + executionID
}

// snapshotOf projects an execution into its durable shape. Context, step
// records and checkpoints are deep-copied, the snapshot must not alias live
// engine state.
func snapshotOf(exec *WorkflowExecution) *ExecutionSnapshot {
	return &ExecutionSnapshot{
		ExecutionID:    exec.ID,
		WorkflowID:     exec.WorkflowID,
		Status:         exec.Status,
		CurrentStepID:  exec.CurrentStepID,
		Context:        exec.Context.Map(),
		StepExecutions: cloneStepExecutions(exec.StepExecutions),
		Checkpoints:    cloneCheckpoints(exec.Checkpoints),
		InputData:      exec.InputData,
		OutputData:     exec.OutputData,
		ErrorMessage:   exec.ErrorMessage,
		OwnerID:        exec.OwnerID,
		ProjectID:      exec.ProjectID,
		StartedAt:      exec.StartedAt,
		CompletedAt:    exec.CompletedAt,
		PersistedAt:    time.Now().Unix(),
	}
}

// executionOf rebuilds an execution from its snapshot for crash recovery.
func executionOf(snapshot *ExecutionSnapshot) *WorkflowExecution {
	stepExecutions := snapshot.StepExecutions
	if stepExecutions == nil {
		stepExecutions = make(map[string]*StepExecution)
	}
	checkpoints := snapshot.Checkpoints
	if checkpoints == nil {
		checkpoints = make(map[string]*Checkpoint)
	}
	return &WorkflowExecution{
		ID:             snapshot.ExecutionID,
		WorkflowID:     snapshot.WorkflowID,
		Status:         snapshot.Status,
		CurrentStepID:  snapshot.CurrentStepID,
		Context:        NewExecutionContextFromMap(snapshot.Context),
		StepExecutions: stepExecutions,
		Checkpoints:    checkpoints,
		InputData:      snapshot.InputData,
		OutputData:     snapshot.OutputData,
		ErrorMessage:   snapshot.ErrorMessage,
		OwnerID:        snapshot.OwnerID,
		ProjectID:      snapshot.ProjectID,
		StartedAt:      snapshot.StartedAt,
		CompletedAt:    snapshot.CompletedAt,
		UpdatedAt:      snapshot.PersistedAt,
	}
}

func cloneStepExecutions(in map[string]*StepExecution) map[string]*StepExecution {
	out := make(map[string]*StepExecution, len(in))
	for id, se := range in {
		copied := *se
		out[id] = &copied
	}
	return out
}

func cloneCheckpoints(in map[string]*Checkpoint) map[string]*Checkpoint {
	out := make(map[string]*Checkpoint, len(in))
	for name, cp := range in {
		out[name] = &Checkpoint{
			Name:           cp.Name,
			Context:        copyAnyMap(cp.Context),
			StepExecutions: cloneStepExecutions(cp.StepExecutions),
			CreatedAt:      cp.CreatedAt,
		}
	}
	return out
}
