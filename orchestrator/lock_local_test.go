package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalExecutionLock_MutualExclusion(t *testing.T) {
	lock := NewLocalExecutionLock()
	ctx := context.Background()

	assert.True(t, lock.Acquire(ctx, "lock:workflow:exec-1", "holder-a", time.Minute))
	assert.False(t, lock.Acquire(ctx, "lock:workflow:exec-1", "holder-b", time.Minute))
	assert.True(t, lock.IsLocked(ctx, "lock:workflow:exec-1"))

	// a different execution is unaffected
	assert.True(t, lock.Acquire(ctx, "lock:workflow:exec-2", "holder-b", time.Minute))
}

func TestLocalExecutionLock_ReentrantForSameHolder(t *testing.T) {
	lock := NewLocalExecutionLock()
	ctx := context.Background()

	assert.True(t, lock.Acquire(ctx, "lock:workflow:exec-1", "holder-a", time.Minute))
	assert.True(t, lock.Acquire(ctx, "lock:workflow:exec-1", "holder-a", time.Minute))
}

func TestLocalExecutionLock_ReleaseVerifiesHolder(t *testing.T) {
	lock := NewLocalExecutionLock()
	ctx := context.Background()

	assert.True(t, lock.Acquire(ctx, "lock:workflow:exec-1", "holder-a", time.Minute))

	// a non-holder cannot release someone else's lock
	assert.False(t, lock.Release(ctx, "lock:workflow:exec-1", "holder-b"))
	assert.True(t, lock.IsLocked(ctx, "lock:workflow:exec-1"))

	assert.True(t, lock.Release(ctx, "lock:workflow:exec-1", "holder-a"))
	assert.False(t, lock.IsLocked(ctx, "lock:workflow:exec-1"))

	// releasing an unheld lock reports false
	assert.False(t, lock.Release(ctx, "lock:workflow:exec-1", "holder-a"))
}

func TestLocalExecutionLock_TTLExpiry(t *testing.T) {
	lock := NewLocalExecutionLock()
	ctx := context.Background()

	assert.True(t, lock.Acquire(ctx, "lock:workflow:exec-1", "holder-a", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	// the lease lapsed, another holder may take over
	assert.True(t, lock.Acquire(ctx, "lock:workflow:exec-1", "holder-b", time.Minute))

	// the previous holder's release must not evict the new holder
	assert.False(t, lock.Release(ctx, "lock:workflow:exec-1", "holder-a"))
	assert.True(t, lock.IsLocked(ctx, "lock:workflow:exec-1"))
}
