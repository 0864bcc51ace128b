package tests

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/orchestrator/orchestrator"
)

func TestEngine_ParallelFanOut(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	recorder := &recordingService{}
	require.NoError(t, h.services.Register(orchestrator.NewFuncService("worker").
		Handle("do", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			label := params["label"].(string)
			recorder.record(label)
			return map[string]any{"label": label}, nil
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "fanout",
		Steps: []*orchestrator.Step{
			{ID: "fan", Type: orchestrator.StepTypeParallel, Steps: []*orchestrator.Step{
				{ID: "a", Service: "worker", Action: "do", Params: map[string]any{"label": "a"}},
				{ID: "b", Service: "worker", Action: "do", Params: map[string]any{"label": "b"}},
				{ID: "c", Service: "worker", Action: "do", Params: map[string]any{"label": "c"}},
			}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
	require.NoError(t, err)

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)

	ran := recorder.recorded()
	sort.Strings(ran)
	assert.Equal(t, []string{"a", "b", "c"}, ran)

	// the parallel step's output gathers every branch keyed by sub-step id
	fan := result.StepExecutions["fan"]
	require.NotNil(t, fan)
	assert.Equal(t, orchestrator.StepStatusCompleted, fan.Status)
	for _, sub := range []string{"a", "b", "c"} {
		branch, ok := fan.Output[sub].(map[string]any)
		require.True(t, ok, "missing branch output %s", sub)
		assert.Equal(t, sub, branch["label"])
		assert.Equal(t, orchestrator.StepStatusCompleted, result.StepExecutions[sub].Status)
	}
}

func TestEngine_ParallelFailFast(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.services.Register(orchestrator.NewFuncService("worker").
		Handle("ok", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}).
		Handle("boom", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "failfast",
		Steps: []*orchestrator.Step{
			{ID: "fan", Type: orchestrator.StepTypeParallel, Steps: []*orchestrator.Step{
				{ID: "good", Service: "worker", Action: "ok"},
				{ID: "bad", Service: "worker", Action: "boom"},
			}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
	require.NoError(t, err)

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusFailed, result.Status)

	fan := result.StepExecutions["fan"]
	require.NotNil(t, fan)
	assert.Equal(t, orchestrator.StepStatusFailed, fan.Status)
	// the failing branch names itself in the error; partial output is dropped
	assert.Contains(t, fan.Error, "bad")
	assert.Nil(t, fan.Output)
	assert.Equal(t, orchestrator.StepStatusFailed, result.StepExecutions["bad"].Status)
}

func TestEngine_LoopOverItems(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	recorder := &recordingService{}
	require.NoError(t, h.services.Register(orchestrator.NewFuncService("worker").
		Handle("handle", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			item := params["item"].(string)
			recorder.record(item)
			return map[string]any{"handled": item}, nil
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "batch",
		Steps: []*orchestrator.Step{
			{ID: "each", Type: orchestrator.StepTypeLoop,
				Params: map[string]any{"items": "$files"},
				Steps: []*orchestrator.Step{
					{ID: "handle", Service: "worker", Action: "handle",
						Params: map[string]any{"item": "$each_item", "index": "$each_index"}},
				}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{
		WorkflowID: wf.ID,
		InputData:  map[string]any{"files": []any{"one.csv", "two.csv", "three.csv"}},
	})
	require.NoError(t, err)

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, []string{"one.csv", "two.csv", "three.csv"}, recorder.recorded())

	each := result.StepExecutions["each"]
	require.NotNil(t, each)
	results, ok := each.Output["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 3)
}

func TestEngine_ConditionalStepRecordsResult(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	recorder := &recordingService{}
	require.NoError(t, h.services.Register(orchestrator.NewFuncService("svc").
		Handle("run", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			recorder.record("ran")
			return map[string]any{}, nil
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "branching",
		Steps: []*orchestrator.Step{
			{ID: "check", Type: orchestrator.StepTypeConditional, Condition: "score > 80"},
			{ID: "promote", Service: "svc", Action: "run",
				DependsOn: []string{"check"},
				Condition: "check.result == true"},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{
		WorkflowID: wf.ID,
		InputData:  map[string]any{"score": 91},
	})
	require.NoError(t, err)

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, true, result.StepExecutions["check"].Output["result"])
	assert.Equal(t, []string{"ran"}, recorder.recorded())
}

func TestEngine_WaitStepReleasedBySignal(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "gated",
		Steps: []*orchestrator.Step{
			{ID: "hold", Type: orchestrator.StepTypeWait},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
	require.NoError(t, err)

	// a signal delivered before the step starts waiting is buffered
	require.NoError(t, h.engine.Signal(exec.ID, "hold", map[string]any{"released_by": "tester"}))

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)

	hold := result.StepExecutions["hold"]
	require.NotNil(t, hold)
	assert.Equal(t, true, hold.Output["signaled"])
	payload, ok := hold.Output["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tester", payload["released_by"])
}

func TestEngine_WaitStepWithDuration(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "timed",
		Steps: []*orchestrator.Step{
			{ID: "nap", Type: orchestrator.StepTypeWait, Params: map[string]any{"seconds": 0.05}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
	require.NoError(t, err)

	start := time.Now()
	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEngine_HumanApproval(t *testing.T) {
	t.Run("approved continues", func(t *testing.T) {
		h := newTestHarness(t)
		ctx := context.Background()

		recorder := &recordingService{}
		require.NoError(t, h.services.Register(orchestrator.NewFuncService("svc").
			Handle("publish", func(ctx context.Context, params map[string]any) (map[string]any, error) {
				recorder.record("published")
				return map[string]any{}, nil
			})))

		wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
			Name: "review",
			Steps: []*orchestrator.Step{
				{ID: "gate", Type: orchestrator.StepTypeHumanApproval},
				{ID: "publish", Service: "svc", Action: "publish", DependsOn: []string{"gate"}},
			},
		})
		require.NoError(t, err)

		exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
		require.NoError(t, err)
		require.NoError(t, h.engine.Approve(exec.ID, "gate", true, map[string]any{"reviewer": "lead"}))

		result, err := h.engine.RunExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)
		assert.Equal(t, []string{"published"}, recorder.recorded())
		assert.Equal(t, true, result.StepExecutions["gate"].Output["approved"])
	})

	t.Run("denied fails the step permanently", func(t *testing.T) {
		h := newTestHarness(t)
		ctx := context.Background()

		wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
			Name: "review",
			Steps: []*orchestrator.Step{
				{ID: "gate", Type: orchestrator.StepTypeHumanApproval,
					Retry: &orchestrator.RetryConfig{
						Policy:         orchestrator.RetryPolicyFixed,
						MaxRetries:     3,
						InitialDelayMs: 1,
					}},
			},
		})
		require.NoError(t, err)

		exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
		require.NoError(t, err)
		require.NoError(t, h.engine.Approve(exec.ID, "gate", false, nil))

		result, err := h.engine.RunExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.ExecutionStatusFailed, result.Status)
		// a denial is final, no retry budget is spent waiting for a new answer
		assert.Equal(t, 0, result.StepExecutions["gate"].RetryCount)
	})
}

func TestEngine_CheckpointAndRestore(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.services.Register(orchestrator.NewFuncService("svc").
		Handle("prepare", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"version": float64(1)}, nil
		}).
		Handle("finish", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"finished": true}, nil
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "resumable",
		Steps: []*orchestrator.Step{
			{ID: "prepare", Service: "svc", Action: "prepare"},
			{ID: "save", Type: orchestrator.StepTypeCheckpoint, Params: map[string]any{"name": "after-prepare"}},
			{ID: "hold", Type: orchestrator.StepTypeWait},
			{ID: "finish", Service: "svc", Action: "finish", DependsOn: []string{"prepare"}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{
		WorkflowID: wf.ID,
		InputData:  map[string]any{"doc": "draft-7"},
	})
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_, _ = h.engine.RunExecution(ctx, exec.ID)
	}()

	// wait for the run to reach the blocking wait step
	require.Eventually(t, func() bool {
		current, err := h.engine.GetExecution(ctx, exec.ID)
		if err != nil {
			return false
		}
		return current.CurrentStepID == "hold" && current.Status == orchestrator.ExecutionStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.engine.PauseExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, h.engine.Signal(exec.ID, "hold", nil))
	<-runDone

	paused, err := h.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.ExecutionStatusPaused, paused.Status)
	cp, ok := paused.Checkpoints["after-prepare"]
	require.True(t, ok)

	// the context moved past the checkpoint (the wait output was merged)
	movedOn, err := json.Marshal(paused.Context.Map())
	require.NoError(t, err)
	captured, err := json.Marshal(cp.Context)
	require.NoError(t, err)
	require.NotEqual(t, string(captured), string(movedOn))

	restored, err := h.engine.RestoreFromCheckpoint(ctx, exec.ID, "after-prepare")
	require.NoError(t, err)
	restoredJSON, err := json.Marshal(restored.Context.Map())
	require.NoError(t, err)
	assert.Equal(t, string(captured), string(restoredJSON))

	// the wait step rolled back to not-run; answer it again and resume
	require.NoError(t, h.engine.Signal(exec.ID, "hold", nil))
	final, err := h.engine.ResumeExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, orchestrator.StepStatusCompleted, final.StepExecutions["finish"].Status)

	_, err = h.engine.RestoreFromCheckpoint(ctx, exec.ID, "missing")
	require.Error(t, err)
}

func TestEngine_CancelInterruptsBlockedStep(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "cancelable",
		Steps: []*orchestrator.Step{
			{ID: "hold", Type: orchestrator.StepTypeWait},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_, _ = h.engine.RunExecution(ctx, exec.ID)
	}()

	require.Eventually(t, func() bool {
		current, err := h.engine.GetExecution(ctx, exec.ID)
		return err == nil && current.Status == orchestrator.ExecutionStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	canceled, err := h.engine.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCancelled, canceled.Status)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not unwind after cancel")
	}

	// canceling again is a no-op
	again, err := h.engine.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCancelled, again.Status)

	// terminal executions refuse resume
	_, err = h.engine.ResumeExecution(ctx, exec.ID)
	require.Error(t, err)
}

func TestEngine_StepTimeoutIsRetried(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, h.services.Register(orchestrator.NewFuncService("slow").
		Handle("work", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			attempts++
			if attempts == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return map[string]any{"ok": true}, nil
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "slowpoke",
		Steps: []*orchestrator.Step{
			{ID: "work", Service: "slow", Action: "work", TimeoutSeconds: 1,
				Retry: &orchestrator.RetryConfig{
					Policy:         orchestrator.RetryPolicyFixed,
					MaxRetries:     1,
					InitialDelayMs: 1,
				}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{WorkflowID: wf.ID})
	require.NoError(t, err)

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, result.StepExecutions["work"].RetryCount)
}

func TestEngine_CheckpointViewIsDetached(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "snapshotted",
		Steps: []*orchestrator.Step{
			{ID: "save", Type: orchestrator.StepTypeCheckpoint, Params: map[string]any{"name": "cp1"}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{
		WorkflowID: wf.ID,
		InputData:  map[string]any{"doc": "v1"},
	})
	require.NoError(t, err)
	_, err = h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)

	view, err := h.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	cp, ok := view.Checkpoints["cp1"]
	require.True(t, ok)
	require.Equal(t, "v1", cp.Context["doc"])

	// mutating the returned execution must not reach the engine's state
	originalStatus := cp.StepExecutions["save"].Status
	cp.Context["doc"] = "TAMPERED"
	cp.Context["extra"] = true
	cp.StepExecutions["save"].Status = orchestrator.StepStatusFailed
	view.Checkpoints["cp2"] = &orchestrator.Checkpoint{Name: "cp2"}

	fresh, err := h.engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	intact, ok := fresh.Checkpoints["cp1"]
	require.True(t, ok)
	assert.Equal(t, "v1", intact.Context["doc"])
	_, leaked := intact.Context["extra"]
	assert.False(t, leaked)
	assert.Equal(t, originalStatus, intact.StepExecutions["save"].Status)
	_, leaked = fresh.Checkpoints["cp2"]
	assert.False(t, leaked)
}

func TestEngine_ParallelSubStepConditionGate(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	recorder := &recordingService{}
	require.NoError(t, h.services.Register(orchestrator.NewFuncService("worker").
		Handle("do", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			recorder.record(params["label"].(string))
			return map[string]any{}, nil
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "gated fanout",
		Steps: []*orchestrator.Step{
			{ID: "fan", Type: orchestrator.StepTypeParallel, Steps: []*orchestrator.Step{
				{ID: "always", Service: "worker", Action: "do", Params: map[string]any{"label": "a"}},
				{ID: "gated", Service: "worker", Action: "do", Params: map[string]any{"label": "b"},
					Condition: "flag == true"},
			}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{
		WorkflowID: wf.ID,
		InputData:  map[string]any{"flag": false},
	})
	require.NoError(t, err)

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, []string{"a"}, recorder.recorded())
	assert.Equal(t, orchestrator.StepStatusCompleted, result.StepExecutions["always"].Status)

	gated := result.StepExecutions["gated"]
	require.NotNil(t, gated)
	assert.Equal(t, orchestrator.StepStatusSkipped, gated.Status)
	assert.Contains(t, gated.Error, "condition evaluated false")
}

func TestEngine_LoopSubStepGateReevaluatedPerItem(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	recorder := &recordingService{}
	require.NoError(t, h.services.Register(orchestrator.NewFuncService("worker").
		Handle("handle", func(ctx context.Context, params map[string]any) (map[string]any, error) {
			recorder.record(params["item"].(string))
			return map[string]any{}, nil
		})))

	wf, err := h.registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
		Name: "selective batch",
		Steps: []*orchestrator.Step{
			{ID: "each", Type: orchestrator.StepTypeLoop,
				Params: map[string]any{"items": "$files"},
				Steps: []*orchestrator.Step{
					{ID: "handle", Service: "worker", Action: "handle",
						Params:    map[string]any{"item": "$each_item"},
						Condition: "each_item == 'keep'"},
				}},
		},
	})
	require.NoError(t, err)

	exec, err := h.engine.StartExecution(ctx, &orchestrator.StartExecutionReq{
		WorkflowID: wf.ID,
		InputData:  map[string]any{"files": []any{"keep", "drop", "keep"}},
	})
	require.NoError(t, err)

	result, err := h.engine.RunExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionStatusCompleted, result.Status)
	// the gate sees each item in turn, only matching items run the body
	assert.Equal(t, []string{"keep", "keep"}, recorder.recorded())
	each := result.StepExecutions["each"]
	require.NotNil(t, each)
	results, ok := each.Output["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 3)
}
