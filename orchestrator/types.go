package orchestrator

// Workflow is an immutable named graph of steps. A workflow is created once
// and versioned by recreating, never by mutating.
type Workflow struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Steps          []*Step  `json:"steps" yaml:"steps"`
	TimeoutSeconds int64    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Tags           []string `json:"tags" yaml:"tags"`
	CreatedAt      int64    `json:"created_at" yaml:"-"`
}

// Step is one unit of work inside a workflow. Parallel and loop steps carry
// their body in Steps.
type Step struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	Name      string         `json:"name" yaml:"name"`
	Type      StepType       `json:"type" yaml:"type"`
	Service   string         `json:"service" yaml:"service"`
	Action    string         `json:"action" yaml:"action"`
	Params    map[string]any `json:"params" yaml:"params"`
	DependsOn []string       `json:"depends_on" yaml:"depends_on"`
	// Condition gates the step. Empty means always run; a falsy or
	// malformed expression skips the step.
	Condition      string          `json:"condition" yaml:"condition"`
	Retry          *RetryConfig    `json:"retry" yaml:"retry"`
	TimeoutSeconds int64           `json:"timeout_seconds" yaml:"timeout_seconds"`
	OnFailure      OnFailurePolicy `json:"on_failure" yaml:"on_failure"`
	Steps          []*Step         `json:"steps" yaml:"steps"`
}

// WorkflowExecution is one run of a workflow bound to input data. The engine
// mutates it step by step and persists a snapshot after every transition.
type WorkflowExecution struct {
	ID             string                    `json:"id"`
	WorkflowID     string                    `json:"workflow_id"`
	Status         ExecutionStatus           `json:"status"`
	CurrentStepID  string                    `json:"current_step_id"`
	Context        *ExecutionContext         `json:"-"`
	StepExecutions map[string]*StepExecution `json:"step_executions"`
	Checkpoints    map[string]*Checkpoint    `json:"checkpoints"`
	InputData      map[string]any            `json:"input_data"`
	OutputData     map[string]any            `json:"output_data"`
	ErrorMessage   string                    `json:"error_message"`
	OwnerID        string                    `json:"owner_id"`
	ProjectID      string                    `json:"project_id"`
	StartedAt      int64                     `json:"started_at"`
	CompletedAt    int64                     `json:"completed_at"`
	CreatedAt      int64                     `json:"created_at"`
	UpdatedAt      int64                     `json:"updated_at"`
}

// StepExecution tracks one step inside an execution.
type StepExecution struct {
	StepID     string         `json:"step_id"`
	Status     StepStatus     `json:"status"`
	RetryCount int            `json:"retry_count"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	StartedAt  int64          `json:"started_at,omitempty"`
}

// Checkpoint is a named on-demand snapshot of the execution context and the
// step statuses, created by a checkpoint step and restorable by name. It is
// for manual restore only; crash recovery goes through the snapshot store.
type Checkpoint struct {
	Name           string                    `json:"name"`
	Context        map[string]any            `json:"context"`
	StepExecutions map[string]*StepExecution `json:"step_executions"`
	CreatedAt      int64                     `json:"created_at"`
}

// CreateWorkflowReq creates a workflow in the registry.
type CreateWorkflowReq struct {
	Name           string   `json:"name" validate:"required"`
	Steps          []*Step  `json:"steps" validate:"required,min=1"`
	TimeoutSeconds int64    `json:"timeout_seconds"`
	Tags           []string `json:"tags"`
}

// StartExecutionReq creates a pending execution bound to input data.
type StartExecutionReq struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	InputData  map[string]any `json:"input_data"`
	OwnerID    string         `json:"owner_id"`
	ProjectID  string         `json:"project_id"`
}
