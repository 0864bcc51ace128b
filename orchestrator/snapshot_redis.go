package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// NewRedisSnapshotStore persists snapshots to a Redis key per execution,
// for deployments that already run Redis for the execution lock and do not
// want a relational store. Snapshots never expire; cleanup is the operator's
// retention policy, not the engine's.
func NewRedisSnapshotStore(redisClient redis.Cmdable) SnapshotStore {
	return &redisSnapshotStore{redisClient: redisClient}
}

type redisSnapshotStore struct {
	redisClient redis.Cmdable
}

func (s *redisSnapshotStore) Persist(ctx context.Context, snapshot *ExecutionSnapshot) bool {
	if snapshot == nil {
		return false
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[redisSnapshotStore.Persist] marshal failed, executionID: %s, err: %v", snapshot.ExecutionID, err))
		return false
	}
	if err := s.redisClient.Set(ctx, snapshotKey(snapshot.ExecutionID), payload, 0).Err(); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[redisSnapshotStore.Persist] write failed, executionID: %s, err: %v", snapshot.ExecutionID, err))
		return false
	}
	return true
}

func (s *redisSnapshotStore) Load(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	payload, err := s.redisClient.Get(ctx, snapshotKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.WithMessagef(ErrExecutionNotFound, "no snapshot, executionID: %s", executionID)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "Load snapshot failed, executionID: %s", executionID)
	}
	snapshot := &ExecutionSnapshot{}
	if err := json.Unmarshal(payload, snapshot); err != nil {
		return nil, errors.WithMessagef(err, "Unmarshal snapshot failed, executionID: %s", executionID)
	}
	return snapshot, nil
}
