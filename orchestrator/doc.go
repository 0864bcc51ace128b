// Package orchestrator provides workflow orchestration for multi-step
// service pipelines.
//
// It is a lightweight, embeddable Go workflow engine with durable execution
// state and distributed run coordination.
//
// Main features:
//   - Explicit wiring: every collaborator is injected, no package globals
//   - Flexible orchestration: sequential, conditional, parallel, loop,
//     wait, checkpoint and human approval steps
//   - Bounded retries: fixed, linear and exponential backoff per step
//   - Durable state: JSON snapshots after every step via GORM (MySQL,
//     PostgreSQL, SQLite) or Redis
//   - Run coordination: local or Redis-backed execution locks, one runner
//     per execution across processes
//   - Safe conditions: a small comparison grammar evaluated against the
//     execution context, no code execution
//
// Basic usage:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/storyloom/orchestrator/orchestrator"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. Open the database and migrate the snapshot table.
//	    db, _ := gorm.Open(sqlite.Open("orchestrator.db"), &gorm.Config{})
//	    db.AutoMigrate(&orchestrator.ExecutionSnapshotPo{})
//
//	    // 2. Register the services steps may call.
//	    services := orchestrator.NewServiceRegistry(0)
//	    services.Register(orchestrator.NewFuncService("billing").
//	        Handle("charge", func(ctx context.Context, params map[string]any) (map[string]any, error) {
//	            return map[string]any{"charged": true}, nil
//	        }))
//
//	    // 3. Build the engine from its collaborators.
//	    registry := orchestrator.NewWorkflowRegistry()
//	    engine := orchestrator.NewEngine(
//	        registry,
//	        services,
//	        orchestrator.NewLocalExecutionLock(),
//	        orchestrator.NewGormSnapshotStore(db),
//	    )
//
//	    // 4. Define a workflow.
//	    wf, _ := registry.CreateWorkflow(&orchestrator.CreateWorkflowReq{
//	        Name: "order",
//	        Steps: []*orchestrator.Step{
//	            {ID: "charge", Service: "billing", Action: "charge",
//	                Params: map[string]any{"order_id": "$order_id"}},
//	            {ID: "notify", Service: "mailer", Action: "send",
//	                DependsOn: []string{"charge"},
//	                Condition: "charge.charged == true"},
//	        },
//	    })
//
//	    // 5. Start and run an execution.
//	    exec, _ := engine.StartExecution(context.Background(),
//	        &orchestrator.StartExecutionReq{
//	            WorkflowID: wf.ID,
//	            InputData:  map[string]any{"order_id": "ORDER-001"},
//	        })
//	    engine.RunExecution(context.Background(), exec.ID)
//	}
//
// Execution context data flow:
//
// The execution context is the data bus between steps. It starts as a copy
// of the input data; each completed step's output is merged under the step's
// id. Later steps reach earlier outputs through dotted paths:
//
//	// "$charge.charged" in params substitutes the charge step's output field
//	// "charge.charged == true" in a condition gates on it
//
// Conditions are not code. They support ==, !=, <, <=, >, >=, "in", "not"
// and bare truthiness over context paths and literals, and any condition
// that cannot be evaluated is false, which skips the step instead of
// guessing.
package orchestrator
