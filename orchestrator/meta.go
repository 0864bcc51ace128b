package orchestrator

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrTemplateNotFound  = errors.New("workflow template not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrWorkflowInvalid   = errors.New("workflow definition invalid")
	// ErrCyclicDependency: the declared dependency graph contains a cycle.
	// A cyclic graph would leave every step waiting on its dependencies
	// forever, so it is rejected at creation time.
	ErrCyclicDependency   = errors.New("workflow dependency graph contains a cycle")
	ErrParamInvalid       = errors.New("request param invalid")
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrActionNotAllowed: the action is not in the service's declared
	// action set. Fatal for the step, never retried.
	ErrActionNotAllowed = errors.New("action not allowed for service")
	// ErrServiceUnavailable: no concrete implementation registered under the
	// service name. Soft error, the dispatcher substitutes a stub result.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrArgumentMismatch: the service rejected the parameter shape. The
	// dispatcher retries once with no parameters before propagating.
	ErrArgumentMismatch = errors.New("service argument mismatch")
	// ErrStepTimeout: a single attempt exceeded the step timeout. Transient,
	// retried per the step's retry policy.
	ErrStepTimeout = errors.New("step attempt timed out")
	// ErrApprovalDenied: a human_approval step was answered with a denial.
	ErrApprovalDenied = errors.New("approval denied")
	// ErrLockUnavailable: another instance already holds the execution lock.
	// Not an error for callers, RunExecution degrades to a no-op.
	ErrLockUnavailable = errors.New("execution lock unavailable")
)

type ExecutionStatus = string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "canceled"
)

// IsOverExecutionStatus reports whether the execution reached a terminal
// state. Terminal executions are immutable.
func IsOverExecutionStatus(status ExecutionStatus) bool {
	return status == ExecutionStatusCompleted || status == ExecutionStatusFailed || status == ExecutionStatusCancelled
}

type StepStatus = string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

func IsOverStepStatus(status StepStatus) bool {
	return status == StepStatusCompleted || status == StepStatusFailed || status == StepStatusSkipped
}

type StepType = string

const (
	StepTypeServiceCall   StepType = "service_call"
	StepTypeParallel      StepType = "parallel"
	StepTypeConditional   StepType = "conditional"
	StepTypeLoop          StepType = "loop"
	StepTypeWait          StepType = "wait"
	StepTypeCheckpoint    StepType = "checkpoint"
	StepTypeHumanApproval StepType = "human_approval"
)

// OnFailurePolicy decides what a failed step does to the rest of the run.
//
//   - fail: the whole execution fails, the first fatal error lands on the
//     execution's error_message.
//   - skip: the step stays failed; downstream steps depending on it are
//     skipped because their dependency never completes.
//   - continue: the step is treated as completed with an empty output so
//     downstream steps still run.
type OnFailurePolicy = string

const (
	OnFailureFail     OnFailurePolicy = "fail"
	OnFailureSkip     OnFailurePolicy = "skip"
	OnFailureContinue OnFailurePolicy = "continue"
)

// IsFatalStepError reports whether a step error must never be retried.
// Whitelist violations and approval denials cannot succeed on retry.
func IsFatalStepError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	return errors.Is(causeErr, ErrActionNotAllowed) || errors.Is(causeErr, ErrApprovalDenied)
}

var validatorUtil = validator.New()
