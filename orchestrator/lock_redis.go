package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// delCommand releases a lock only while the caller is still the recorded
// holder. GET+DEL must be one transaction, otherwise a lock that expired and
// was re-acquired by another instance could be deleted under it.
const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisExecutionLock returns a Redis-backed lock. When Redis is
// unreachable, Acquire fails open and returns true: a lock backend outage
// degrades cross-instance exclusivity instead of halting every workflow.
func NewRedisExecutionLock(redisClient redis.Cmdable) ExecutionLock {
	return &redisExecutionLock{redisClient: redisClient}
}

type redisExecutionLock struct {
	redisClient redis.Cmdable
}

func (d *redisExecutionLock) Acquire(ctx context.Context, name string, holderID string, ttl time.Duration) bool {
	isLock, err := d.redisClient.SetNX(ctx, name, holderID, ttl).Result()
	if err != nil {
		// Fail-open by design, see NewRedisExecutionLock.
		slog.WarnContext(ctx, fmt.Sprintf("[redisExecutionLock.Acquire] backend unreachable, proceeding unlocked, name: %s, err: %v", name, err))
		return true
	}
	return isLock
}

func (d *redisExecutionLock) Release(ctx context.Context, name string, holderID string) bool {
	// The caller's context may already be canceled when releasing from a
	// defer; the release itself must still go through.
	replyInterface, err := d.redisClient.Eval(context.WithoutCancel(ctx), delCommand, []string{name}, holderID).Result()
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[redisExecutionLock.Release] release failed, name: %s, err: %v", name, err))
		return false
	}
	reply, ok := replyInterface.(int64)
	if !ok || reply != 1 {
		slog.WarnContext(ctx, fmt.Sprintf("[redisExecutionLock.Release] lock not held by caller, name: %s, reply: %v", name, replyInterface))
		return false
	}
	return true
}

func (d *redisExecutionLock) IsLocked(ctx context.Context, name string) bool {
	count, err := d.redisClient.Exists(ctx, name).Result()
	if err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[redisExecutionLock.IsLocked] backend unreachable, name: %s, err: %v", name, err))
		return false
	}
	return count > 0
}
