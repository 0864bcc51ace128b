package orchestrator

import (
	"context"
	"time"
)

// ExecutionLock is a cross-process mutual-exclusion primitive with TTL-based
// auto-release. It guards RunExecution so a horizontally scaled deployment
// never progresses the same execution from two instances at once.
type ExecutionLock interface {
	// Acquire is an atomic set-if-absent with expiry. It never overwrites
	// another holder's lock. Implementations whose backend is unreachable
	// return true (fail-open): availability is favored over strict mutual
	// exclusion, and callers accept the documented risk.
	Acquire(ctx context.Context, name string, holderID string, ttl time.Duration) bool
	// Release atomically removes the lock only while holderID is still the
	// recorded holder. A lock that expired and was re-acquired by someone
	// else is left untouched.
	Release(ctx context.Context, name string, holderID string) bool
	// IsLocked reports whether any holder currently owns the lock.
	IsLocked(ctx context.Context, name string) bool
}
