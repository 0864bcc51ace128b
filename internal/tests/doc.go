// Package tests holds the engine's integration tests.
//
// It lives under internal/ so the compiler keeps it out of downstream
// import graphs; external projects importing it get:
//
//	use of internal package github.com/storyloom/orchestrator/internal/tests not allowed
//
// The suites wire a real engine against in-memory SQLite and the local
// execution lock:
//   - engine_basic_test.go: linear runs, parameter substitution, retries,
//     failure policies, condition gating, dispatch fallbacks
//   - engine_advanced_test.go: parallel, loop, wait/signal, human approval,
//     checkpoint restore, pause/resume, cancel, step timeouts
//   - engine_recovery_test.go: lock contention, snapshot idempotence,
//     store fallback, crash recovery
//
// Run them from the repository root:
//
//	go test ./internal/tests/...
package tests
