package orchestrator

import (
	"container/list"
	"sync"
)

// executionTable is the engine's in-memory map of live executions. It is
// bounded: when capacity is exceeded the least recently touched execution is
// evicted regardless of its status, durable state lives in the snapshot
// store. Evicted executions remain reachable through RecoverExecution.
type executionTable struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type tableEntry struct {
	id string
	rt *executionRuntime
}

func newExecutionTable(capacity int) *executionTable {
	if capacity <= 0 {
		capacity = 1024
	}
	return &executionTable{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (t *executionTable) get(id string) (*executionRuntime, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elem, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	t.order.MoveToFront(elem)
	return elem.Value.(*tableEntry).rt, true
}

// put inserts or refreshes an execution and returns the evicted runtime, if
// any, so the caller can log it.
func (t *executionTable) put(id string, rt *executionRuntime) *executionRuntime {
	t.mu.Lock()
	defer t.mu.Unlock()
	if elem, ok := t.entries[id]; ok {
		elem.Value.(*tableEntry).rt = rt
		t.order.MoveToFront(elem)
		return nil
	}
	t.entries[id] = t.order.PushFront(&tableEntry{id: id, rt: rt})
	if t.order.Len() <= t.capacity {
		return nil
	}
	oldest := t.order.Back()
	if oldest == nil {
		return nil
	}
	entry := oldest.Value.(*tableEntry)
	t.order.Remove(oldest)
	delete(t.entries, entry.id)
	return entry.rt
}

func (t *executionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if elem, ok := t.entries[id]; ok {
		t.order.Remove(elem)
		delete(t.entries, id)
	}
}

func (t *executionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
