package orchestrator

import (
	"context"
	"sync"
	"time"
)

// NewLocalExecutionLock returns an in-process lock. It gives the same
// acquire/release semantics as the Redis lock without any backend, which is
// what single-instance deployments and tests want.
func NewLocalExecutionLock() ExecutionLock {
	return &localExecutionLock{entries: make(map[string]*localLockEntry)}
}

type localExecutionLock struct {
	mu      sync.Mutex
	entries map[string]*localLockEntry
}

type localLockEntry struct {
	holderID string
	expireAt time.Time
}

func (l *localExecutionLock) Acquire(_ context.Context, name string, holderID string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[name]
	if ok && time.Now().Before(entry.expireAt) {
		// Re-entrant for the same holder, refused for anyone else.
		if entry.holderID == holderID {
			entry.expireAt = time.Now().Add(ttl)
			return true
		}
		return false
	}
	l.entries[name] = &localLockEntry{holderID: holderID, expireAt: time.Now().Add(ttl)}
	return true
}

func (l *localExecutionLock) Release(_ context.Context, name string, holderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[name]
	if !ok {
		return false
	}
	// Check-and-delete: a lock that expired and changed hands stays put.
	if entry.holderID != holderID {
		return false
	}
	delete(l.entries, name)
	return true
}

func (l *localExecutionLock) IsLocked(_ context.Context, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[name]
	if !ok {
		return false
	}
	if time.Now().After(entry.expireAt) {
		delete(l.entries, name)
		return false
	}
	return true
}
