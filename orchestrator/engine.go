package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// executionRuntime is the engine's in-memory wrapper around one execution.
// mu serializes every mutation of the shared execution state; the run loop
// and parallel sub-step goroutines both go through it.
type executionRuntime struct {
	mu      sync.Mutex
	exec    *WorkflowExecution
	cancel  context.CancelFunc
	waiters map[string]chan *stepSignal
}

type stepSignal struct {
	payload    map[string]any
	isApproval bool
	approved   bool
}

// waiter returns the signal channel for a step, creating it on first use.
// Both the waiting step and the signaler create-if-missing, so a signal that
// arrives before the step starts waiting is kept (the channel is buffered).
func (rt *executionRuntime) waiter(stepID string) chan *stepSignal {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ch, ok := rt.waiters[stepID]
	if !ok {
		ch = make(chan *stepSignal, 1)
		rt.waiters[stepID] = ch
	}
	return ch
}

func executionLockKey(executionID string) string {
	return "lock:workflow:" + executionID
}

// Engine walks the step graph of workflow executions. Construct one per
// process with NewEngine and share it; every dependency is injected, there
// is no package-level engine state.
type Engine struct {
	registry *WorkflowRegistry
	services *ServiceRegistry
	lock     ExecutionLock
	store    SnapshotStore
	metrics  *EngineMetrics
	table    *executionTable

	// holderID identifies this engine instance as a lock holder.
	holderID string
	lockTTL  time.Duration
}

func (e *Engine) Registry() *WorkflowRegistry { return e.registry }

// StartExecution creates a pending execution bound to input data. It returns
// immediately; RunExecution drives it.
func (e *Engine) StartExecution(ctx context.Context, req *StartExecutionReq) (*WorkflowExecution, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "StartExecution failed, req: %v, err: %v", req, err)
	}
	if _, err := e.registry.GetWorkflow(req.WorkflowID); err != nil {
		return nil, errors.WithMessagef(err, "StartExecution failed")
	}

	now := time.Now().Unix()
	exec := &WorkflowExecution{
		ID:             uuid.NewString(),
		WorkflowID:     req.WorkflowID,
		Status:         ExecutionStatusPending,
		Context:        NewExecutionContextFromMap(copyAnyMap(req.InputData)),
		StepExecutions: make(map[string]*StepExecution),
		Checkpoints:    make(map[string]*Checkpoint),
		InputData:      req.InputData,
		OwnerID:        req.OwnerID,
		ProjectID:      req.ProjectID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rt := &executionRuntime{exec: exec, waiters: make(map[string]chan *stepSignal)}
	if evicted := e.table.put(exec.ID, rt); evicted != nil {
		slog.InfoContext(ctx, fmt.Sprintf("[Engine.StartExecution] execution table full, evicted executionID: %s", evicted.exec.ID))
	}
	e.persist(ctx, rt)
	return e.view(rt), nil
}

// RunExecution drives the execution to a pause point or a terminal state.
// The run is guarded by the cross-process execution lock: when another
// instance already holds it, this call is an idempotent no-op that returns
// the execution unchanged.
func (e *Engine) RunExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	rt, err := e.runtime(executionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "RunExecution failed")
	}
	rt.mu.Lock()
	workflowID := rt.exec.WorkflowID
	over := IsOverExecutionStatus(rt.exec.Status)
	rt.mu.Unlock()
	if over {
		return e.view(rt), nil
	}
	wf, err := e.registry.GetWorkflow(workflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "RunExecution failed, executionID: %s", executionID)
	}

	// The holder is this run invocation, not the engine: two concurrent
	// runs of one execution must exclude each other even in-process.
	holder := e.holderID + ":" + uuid.NewString()
	lockName := executionLockKey(executionID)
	if !e.lock.Acquire(ctx, lockName, holder, e.lockTTL) {
		// Another instance is progressing this run. Not an error.
		e.metrics.observeLockRejection()
		slog.InfoContext(ctx, fmt.Sprintf("[Engine.RunExecution] returning unchanged, executionID: %s, err: %v", executionID, ErrLockUnavailable))
		return e.view(rt), nil
	}
	defer e.lock.Release(ctx, lockName, holder)

	runCtx := ctx
	var cancel context.CancelFunc
	if wf.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(wf.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	rt.mu.Lock()
	rt.cancel = cancel
	rt.exec.Status = ExecutionStatusRunning
	if rt.exec.StartedAt == 0 {
		rt.exec.StartedAt = time.Now().Unix()
	}
	rt.mu.Unlock()
	e.persist(runCtx, rt)

	e.run(runCtx, rt, wf)
	return e.view(rt), nil
}

// run walks the steps in definition order. Steps already completed (or
// skipped) in an earlier run are passed over, which is what makes resume
// after pause and crash recovery work.
func (e *Engine) run(ctx context.Context, rt *executionRuntime, wf *Workflow) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.ErrorContext(ctx, fmt.Sprintf("[Engine.run] panic, executionID: %s, panic: %v, stack: %s", rt.exec.ID, r, string(stack)))
			rt.mu.Lock()
			if !IsOverExecutionStatus(rt.exec.Status) {
				rt.exec.Status = ExecutionStatusFailed
				rt.exec.ErrorMessage = fmt.Sprintf("engine panic: %v", r)
				rt.exec.CompletedAt = time.Now().Unix()
			}
			rt.mu.Unlock()
			e.persist(ctx, rt)
			e.metrics.observeExecution(ExecutionStatusFailed)
		}
	}()

	for _, step := range wf.Steps {
		rt.mu.Lock()
		status := rt.exec.Status
		se := rt.exec.StepExecutions[step.ID]
		rt.mu.Unlock()

		if status == ExecutionStatusPaused {
			e.persist(ctx, rt)
			return
		}
		if IsOverExecutionStatus(status) {
			return
		}
		if ctx.Err() != nil {
			e.finishInterrupted(ctx, rt)
			return
		}
		if se != nil && (se.Status == StepStatusCompleted || se.Status == StepStatusSkipped) {
			continue
		}

		rt.mu.Lock()
		rt.exec.CurrentStepID = step.ID
		rt.mu.Unlock()

		if unmetDep, ok := e.unmetDependency(rt, step); ok {
			e.markStepSkipped(ctx, rt, step, fmt.Sprintf("dependency %s not completed", unmetDep))
			continue
		}
		// Conditional steps record their result instead of being gated.
		if step.Type != StepTypeConditional && step.Condition != "" && !EvaluateCondition(step.Condition, rt.exec.Context) {
			e.markStepSkipped(ctx, rt, step, "condition evaluated false")
			continue
		}

		err := e.runStepWithRetry(ctx, rt, step)
		if err == nil {
			e.persist(ctx, rt)
			continue
		}

		switch onFailurePolicy(step) {
		case OnFailureContinue:
			// Treated as completed with empty output so dependents run.
			rt.mu.Lock()
			if se := rt.exec.StepExecutions[step.ID]; se != nil {
				se.Status = StepStatusCompleted
				se.Output = map[string]any{}
			}
			rt.mu.Unlock()
			e.persist(ctx, rt)
		case OnFailureSkip:
			// The step stays failed; dependents will be skipped.
			e.persist(ctx, rt)
		default:
			rt.mu.Lock()
			rt.exec.Status = ExecutionStatusFailed
			rt.exec.ErrorMessage = err.Error()
			rt.exec.CompletedAt = time.Now().Unix()
			rt.mu.Unlock()
			e.persist(ctx, rt)
			e.metrics.observeExecution(ExecutionStatusFailed)
			return
		}
	}

	rt.mu.Lock()
	if !IsOverExecutionStatus(rt.exec.Status) && rt.exec.Status != ExecutionStatusPaused {
		rt.exec.Status = ExecutionStatusCompleted
		rt.exec.CompletedAt = time.Now().Unix()
		rt.exec.OutputData = rt.exec.Context.Map()
		rt.exec.CurrentStepID = ""
	}
	finalStatus := rt.exec.Status
	rt.mu.Unlock()
	e.persist(ctx, rt)
	if IsOverExecutionStatus(finalStatus) {
		e.metrics.observeExecution(finalStatus)
	}
}

// finishInterrupted records why the run context ended: workflow timeout or
// cancellation.
func (e *Engine) finishInterrupted(ctx context.Context, rt *executionRuntime) {
	rt.mu.Lock()
	if !IsOverExecutionStatus(rt.exec.Status) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			rt.exec.Status = ExecutionStatusFailed
			rt.exec.ErrorMessage = "workflow timeout exceeded"
		} else {
			rt.exec.Status = ExecutionStatusCancelled
		}
		rt.exec.CompletedAt = time.Now().Unix()
	}
	finalStatus := rt.exec.Status
	rt.mu.Unlock()
	e.persist(ctx, rt)
	e.metrics.observeExecution(finalStatus)
}

func onFailurePolicy(step *Step) OnFailurePolicy {
	if step.OnFailure == "" {
		return OnFailureFail
	}
	return step.OnFailure
}

// unmetDependency returns the first dependency that is not completed.
func (e *Engine) unmetDependency(rt *executionRuntime, step *Step) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, dep := range step.DependsOn {
		se, ok := rt.exec.StepExecutions[dep]
		if !ok || se.Status != StepStatusCompleted {
			return dep, true
		}
	}
	return "", false
}

// skipGatedSubStep applies the condition gate to a parallel or loop body
// step, the same gate top-level steps get in the run loop. Reports whether
// the sub-step was skipped.
func (e *Engine) skipGatedSubStep(ctx context.Context, rt *executionRuntime, sub *Step) bool {
	if sub.Type == StepTypeConditional || sub.Condition == "" {
		return false
	}
	if EvaluateCondition(sub.Condition, rt.exec.Context) {
		return false
	}
	e.markStepSkipped(ctx, rt, sub, "condition evaluated false")
	return true
}

func (e *Engine) markStepSkipped(ctx context.Context, rt *executionRuntime, step *Step, reason string) {
	rt.mu.Lock()
	rt.exec.StepExecutions[step.ID] = &StepExecution{
		StepID: step.ID,
		Status: StepStatusSkipped,
		Error:  reason,
	}
	rt.mu.Unlock()
	e.metrics.observeStep(StepStatusSkipped, 0)
	e.persist(ctx, rt)
}

// runStepWithRetry executes one step through an explicit bounded attempt
// loop: the first try plus max_retries retries, with context-aware backoff
// in between. Deliberately iterative, recursion would grow the stack with
// the retry count and make cancellation awkward.
func (e *Engine) runStepWithRetry(ctx context.Context, rt *executionRuntime, step *Step) error {
	resolvedInput := rt.exec.Context.ResolveParams(step.Params)
	rt.mu.Lock()
	se := &StepExecution{
		StepID:    step.ID,
		Status:    StepStatusRunning,
		Input:     resolvedInput,
		StartedAt: time.Now().Unix(),
	}
	rt.exec.StepExecutions[step.ID] = se
	rt.mu.Unlock()

	start := time.Now()
	attempts := maxAttempts(step.Retry)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			e.metrics.observeRetry()
			rt.mu.Lock()
			se.Status = StepStatusRetrying
			se.RetryCount = attempt - 1
			rt.mu.Unlock()
			e.persist(ctx, rt)
			if err := sleepBackoff(ctx, ComputeDelay(step.Retry, attempt-1)); err != nil {
				lastErr = errors.WithMessagef(err, "retry backoff aborted, stepID: %s", step.ID)
				break
			}
			rt.mu.Lock()
			se.Status = StepStatusRunning
			rt.mu.Unlock()
		}

		output, err := e.executeStep(ctx, rt, step)
		if err == nil {
			duration := time.Since(start)
			rt.mu.Lock()
			se.Status = StepStatusCompleted
			se.Output = output
			se.DurationMs = duration.Milliseconds()
			rt.exec.Context.Merge(step.ID, output)
			rt.mu.Unlock()
			e.metrics.observeStep(StepStatusCompleted, duration)
			return nil
		}

		lastErr = err
		if IsFatalStepError(err) || ctx.Err() != nil {
			break
		}
	}

	duration := time.Since(start)
	rt.mu.Lock()
	se.Status = StepStatusFailed
	se.Error = lastErr.Error()
	se.DurationMs = duration.Milliseconds()
	rt.mu.Unlock()
	e.metrics.observeStep(StepStatusFailed, duration)
	return errors.WithMessagef(lastErr, "step failed after %d attempt(s), stepID: %s", attempts, step.ID)
}

// executeStep runs a single attempt of a step. The per-step timeout bounds
// one attempt, not the whole retry sequence.
func (e *Engine) executeStep(ctx context.Context, rt *executionRuntime, step *Step) (map[string]any, error) {
	attemptCtx := ctx
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var output map[string]any
	var err error
	switch step.Type {
	case "", StepTypeServiceCall:
		output, err = e.executeServiceCall(attemptCtx, rt, step)
	case StepTypeParallel:
		output, err = e.executeParallel(attemptCtx, rt, step)
	case StepTypeConditional:
		output, err = e.executeConditional(rt, step)
	case StepTypeLoop:
		output, err = e.executeLoop(attemptCtx, rt, step)
	case StepTypeWait:
		output, err = e.executeWait(attemptCtx, rt, step)
	case StepTypeHumanApproval:
		output, err = e.executeApproval(attemptCtx, rt, step)
	case StepTypeCheckpoint:
		output, err = e.executeCheckpoint(rt, step)
	default:
		return nil, errors.Errorf("unknown step type %q, stepID: %s", step.Type, step.ID)
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// The attempt deadline fired while the run is still alive:
		// a transient step timeout, retried per policy.
		return nil, errors.WithMessagef(ErrStepTimeout, "stepID: %s, timeoutSeconds: %d", step.ID, step.TimeoutSeconds)
	}
	return output, err
}

func (e *Engine) executeServiceCall(ctx context.Context, rt *executionRuntime, step *Step) (map[string]any, error) {
	params := rt.exec.Context.ResolveParams(step.Params)
	return e.services.Dispatch(ctx, step.Service, step.Action, params)
}

// executeParallel fans the sub-steps out concurrently and gathers their
// outputs keyed by sub-step id. The first failure cancels the siblings and
// propagates; partial sibling results are discarded.
func (e *Engine) executeParallel(ctx context.Context, rt *executionRuntime, step *Step) (map[string]any, error) {
	g, groupCtx := errgroup.WithContext(ctx)
	for _, sub := range step.Steps {
		sub := sub
		g.Go(func() error {
			if e.skipGatedSubStep(groupCtx, rt, sub) {
				return nil
			}
			if err := e.runStepWithRetry(groupCtx, rt, sub); err != nil {
				return errors.WithMessagef(err, "parallel sub-step failed, stepID: %s", sub.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputs := make(map[string]any, len(step.Steps))
	rt.mu.Lock()
	for _, sub := range step.Steps {
		if se := rt.exec.StepExecutions[sub.ID]; se != nil {
			outputs[sub.ID] = se.Output
		}
	}
	rt.mu.Unlock()
	return outputs, nil
}

// executeConditional evaluates the step's expression and records the result
// in its output; downstream steps gate themselves on it.
func (e *Engine) executeConditional(rt *executionRuntime, step *Step) (map[string]any, error) {
	expression := step.Condition
	if expression == "" {
		if fromParams, ok := step.Params["expression"].(string); ok {
			expression = fromParams
		}
	}
	return map[string]any{"result": EvaluateCondition(expression, rt.exec.Context)}, nil
}

// executeLoop resolves an item list from the context and runs the body
// sequentially once per item. The current item is exposed to the body as
// "<stepID>_item" / "<stepID>_index" in the context.
func (e *Engine) executeLoop(ctx context.Context, rt *executionRuntime, step *Step) (map[string]any, error) {
	params := rt.exec.Context.ResolveParams(step.Params)
	items, ok := params["items"].([]any)
	if !ok {
		return nil, errors.Errorf("loop step %s: params.items does not resolve to a list", step.ID)
	}

	itemKey := step.ID + "_item"
	indexKey := step.ID + "_index"
	defer func() {
		rt.exec.Context.Delete(itemKey)
		rt.exec.Context.Delete(indexKey)
	}()

	results := make([]any, 0, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_ = rt.exec.Context.Set([]string{itemKey}, item)
		_ = rt.exec.Context.Set([]string{indexKey}, i)

		iteration := make(map[string]any, len(step.Steps))
		for _, sub := range step.Steps {
			// The gate is re-evaluated per item, the loop variables are
			// part of the context.
			if e.skipGatedSubStep(ctx, rt, sub) {
				continue
			}
			if err := e.runStepWithRetry(ctx, rt, sub); err != nil {
				return nil, errors.WithMessagef(err, "loop body failed, stepID: %s, item index: %d", sub.ID, i)
			}
			rt.mu.Lock()
			if se := rt.exec.StepExecutions[sub.ID]; se != nil {
				iteration[sub.ID] = se.Output
			}
			rt.mu.Unlock()
		}
		results = append(results, iteration)
	}
	return map[string]any{"results": results, "count": len(items)}, nil
}

// executeWait suspends the step: for params.seconds when given, otherwise
// until Signal delivers a payload or the attempt times out.
func (e *Engine) executeWait(ctx context.Context, rt *executionRuntime, step *Step) (map[string]any, error) {
	params := rt.exec.Context.ResolveParams(step.Params)
	if seconds, ok := toFloat64(params["seconds"]); ok && seconds > 0 {
		if err := sleepBackoff(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
			return nil, err
		}
		return map[string]any{"waited_seconds": seconds}, nil
	}

	select {
	case sig := <-rt.waiter(step.ID):
		out := map[string]any{"signaled": true}
		if sig.payload != nil {
			out["payload"] = sig.payload
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeApproval suspends until Approve answers. A denial is fatal for the
// step; whether it sinks the execution is the step's on_failure policy.
func (e *Engine) executeApproval(ctx context.Context, rt *executionRuntime, step *Step) (map[string]any, error) {
	select {
	case sig := <-rt.waiter(step.ID):
		if sig.isApproval && !sig.approved {
			return nil, errors.WithMessagef(ErrApprovalDenied, "stepID: %s", step.ID)
		}
		out := map[string]any{"approved": true}
		if sig.payload != nil {
			out["payload"] = sig.payload
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeCheckpoint snapshots the context and step statuses under a name.
// No external call is made.
func (e *Engine) executeCheckpoint(rt *executionRuntime, step *Step) (map[string]any, error) {
	name := step.ID
	if fromParams, ok := step.Params["name"].(string); ok && fromParams != "" {
		name = fromParams
	}
	contextCopy := rt.exec.Context.Map()
	rt.mu.Lock()
	rt.exec.Checkpoints[name] = &Checkpoint{
		Name:           name,
		Context:        contextCopy,
		StepExecutions: cloneStepExecutions(rt.exec.StepExecutions),
		CreatedAt:      time.Now().Unix(),
	}
	rt.mu.Unlock()
	return map[string]any{"checkpoint": name}, nil
}

// GetExecution returns a detached snapshot of the execution, falling back to
// the persistence store when it is no longer in the table.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	if rt, ok := e.table.get(executionID); ok {
		return e.view(rt), nil
	}
	snapshot, err := e.store.Load(ctx, executionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetExecution failed, executionID: %s", executionID)
	}
	return executionOf(snapshot), nil
}

// PauseExecution asks a running execution to stop at the next step boundary.
func (e *Engine) PauseExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	rt, err := e.runtime(executionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "PauseExecution failed")
	}
	rt.mu.Lock()
	if rt.exec.Status != ExecutionStatusRunning && rt.exec.Status != ExecutionStatusPending {
		status := rt.exec.Status
		rt.mu.Unlock()
		return nil, errors.Errorf("PauseExecution failed, executionID: %s, status: %s", executionID, status)
	}
	rt.exec.Status = ExecutionStatusPaused
	rt.mu.Unlock()
	e.persist(ctx, rt)
	return e.view(rt), nil
}

// ResumeExecution flips a paused execution back to running and drives it.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	rt, err := e.runtime(executionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "ResumeExecution failed")
	}
	rt.mu.Lock()
	if rt.exec.Status != ExecutionStatusPaused {
		status := rt.exec.Status
		rt.mu.Unlock()
		return nil, errors.Errorf("ResumeExecution failed, executionID: %s, status: %s", executionID, status)
	}
	rt.exec.Status = ExecutionStatusRunning
	rt.mu.Unlock()
	e.persist(ctx, rt)
	return e.RunExecution(ctx, executionID)
}

// CancelExecution transitions to canceled and best-effort interrupts
// in-flight work through context cancellation. Canceling a terminal
// execution is a no-op.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	rt, err := e.runtime(executionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "CancelExecution failed")
	}
	rt.mu.Lock()
	if IsOverExecutionStatus(rt.exec.Status) {
		rt.mu.Unlock()
		return e.view(rt), nil
	}
	rt.exec.Status = ExecutionStatusCancelled
	rt.exec.CompletedAt = time.Now().Unix()
	cancel := rt.cancel
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.persist(ctx, rt)
	e.metrics.observeExecution(ExecutionStatusCancelled)
	return e.view(rt), nil
}

// RestoreFromCheckpoint replaces the context and step statuses with a named
// checkpoint's capture. Terminal executions are immutable and refuse it.
func (e *Engine) RestoreFromCheckpoint(ctx context.Context, executionID string, checkpointName string) (*WorkflowExecution, error) {
	rt, err := e.runtime(executionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "RestoreFromCheckpoint failed")
	}
	rt.mu.Lock()
	if IsOverExecutionStatus(rt.exec.Status) {
		status := rt.exec.Status
		rt.mu.Unlock()
		return nil, errors.Errorf("RestoreFromCheckpoint failed, execution is over, executionID: %s, status: %s", executionID, status)
	}
	cp, ok := rt.exec.Checkpoints[checkpointName]
	if !ok {
		rt.mu.Unlock()
		return nil, errors.WithMessagef(ErrCheckpointNotFound, "executionID: %s, checkpoint: %s", executionID, checkpointName)
	}
	rt.exec.Context.Replace(copyAnyMap(cp.Context))
	rt.exec.StepExecutions = cloneStepExecutions(cp.StepExecutions)
	rt.mu.Unlock()
	e.persist(ctx, rt)
	return e.view(rt), nil
}

// RecoverExecution reloads the last persisted snapshot, puts the execution
// back into the table and, unless it already finished, re-runs it. Steps
// that completed before the crash are skipped by the run loop.
func (e *Engine) RecoverExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	snapshot, err := e.store.Load(ctx, executionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "RecoverExecution failed, executionID: %s", executionID)
	}
	exec := executionOf(snapshot)
	if exec.Status == ExecutionStatusRunning {
		// The crashed owner never finished; the lock TTL has or will expire.
		exec.Status = ExecutionStatusPending
	}
	rt := &executionRuntime{exec: exec, waiters: make(map[string]chan *stepSignal)}
	e.table.put(executionID, rt)
	if IsOverExecutionStatus(exec.Status) || exec.Status == ExecutionStatusPaused {
		return e.view(rt), nil
	}
	return e.RunExecution(ctx, executionID)
}

// Signal delivers a payload to a wait step. An early signal (before the
// step starts waiting) is buffered.
func (e *Engine) Signal(executionID string, stepID string, payload map[string]any) error {
	rt, err := e.runtime(executionID)
	if err != nil {
		return errors.WithMessagef(err, "Signal failed")
	}
	select {
	case rt.waiter(stepID) <- &stepSignal{payload: payload}:
		return nil
	default:
		return errors.Errorf("Signal dropped, step already signaled, executionID: %s, stepID: %s", executionID, stepID)
	}
}

// Approve answers a human_approval step.
func (e *Engine) Approve(executionID string, stepID string, approved bool, payload map[string]any) error {
	rt, err := e.runtime(executionID)
	if err != nil {
		return errors.WithMessagef(err, "Approve failed")
	}
	select {
	case rt.waiter(stepID) <- &stepSignal{payload: payload, isApproval: true, approved: approved}:
		return nil
	default:
		return errors.Errorf("Approve dropped, step already signaled, executionID: %s, stepID: %s", executionID, stepID)
	}
}

func (e *Engine) runtime(executionID string) (*executionRuntime, error) {
	rt, ok := e.table.get(executionID)
	if !ok {
		return nil, errors.WithMessagef(ErrExecutionNotFound, "executionID: %s", executionID)
	}
	return rt, nil
}

// view returns a detached copy of the execution, rebuilt from its snapshot
// projection so callers can never mutate live engine state.
func (e *Engine) view(rt *executionRuntime) *WorkflowExecution {
	rt.mu.Lock()
	snapshot := snapshotOf(rt.exec)
	snapshot.PersistedAt = rt.exec.UpdatedAt
	createdAt := rt.exec.CreatedAt
	rt.mu.Unlock()
	view := executionOf(snapshot)
	view.CreatedAt = createdAt
	return view
}

// persist writes the current snapshot. Failures are counted and logged by
// the store; the workflow keeps going either way.
func (e *Engine) persist(ctx context.Context, rt *executionRuntime) {
	rt.mu.Lock()
	snapshot := snapshotOf(rt.exec)
	rt.exec.UpdatedAt = snapshot.PersistedAt
	rt.mu.Unlock()
	if !e.store.Persist(ctx, snapshot) {
		e.metrics.observePersistFailure()
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	return NewExecutionContextFromMap(in).Map()
}
