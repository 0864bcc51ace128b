package orchestrator

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ExecutionContext is the mutable shared state of a running execution.
// Steps read their parameters from it and merge their outputs back into it.
// All methods are safe for concurrent use; parallel sub-steps write to the
// same context.
type ExecutionContext struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewExecutionContext creates a context from JSON bytes. Invalid bytes leave
// the context empty.
func NewExecutionContext(b []byte) *ExecutionContext {
	c := &ExecutionContext{data: make(map[string]any)}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &c.data)
	}
	return c
}

// NewExecutionContextFromMap wraps an existing map. The map is taken over by
// the context, callers must not keep writing to it.
func NewExecutionContextFromMap(m map[string]any) *ExecutionContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &ExecutionContext{data: m}
}

// Get reads a value at a nested key path, e.g. Get("chapter", "title").
func (c *ExecutionContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// Lookup resolves a dot-separated path, e.g. "outline.sections".
func (c *ExecutionContext) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return c.Get(strings.Split(path, ".")...)
}

func (c *ExecutionContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (c *ExecutionContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *ExecutionContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set writes a value at a nested key path, creating intermediate maps as
// needed. Non-map intermediates are overwritten.
func (c *ExecutionContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		nextMap, ok := current[key].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Delete removes the value at a nested key path.
func (c *ExecutionContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			return
		}
		current = nextMap
	}
	delete(current, keys[len(keys)-1])
}

// Merge copies every entry of m into the context under key. Used to merge a
// step's output keyed by step id.
func (c *ExecutionContext) Merge(key string, m map[string]any) {
	if m == nil {
		m = make(map[string]any)
	}
	_ = c.Set([]string{key}, m)
}

// ToBytes serializes the context to JSON. encoding/json sorts map keys, so
// equal contexts produce identical bytes.
func (c *ExecutionContext) ToBytes() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.data)
}

func (c *ExecutionContext) ToBytesWithoutError() []byte {
	b, err := c.ToBytes()
	if err != nil {
		return nil
	}
	return b
}

// Map returns a deep copy of the underlying data, detached from the live
// context. Checkpoints and snapshots rely on this detachment.
func (c *ExecutionContext) Map() map[string]any {
	b, err := c.ToBytes()
	if err != nil {
		return make(map[string]any)
	}
	out := make(map[string]any)
	_ = json.Unmarshal(b, &out)
	return out
}

// Clone deep-copies the context.
func (c *ExecutionContext) Clone() *ExecutionContext {
	b, _ := c.ToBytes()
	return NewExecutionContext(b)
}

// Unmarshal decodes the context into a struct.
func (c *ExecutionContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Replace swaps the whole content of the context. Used by checkpoint restore.
func (c *ExecutionContext) Replace(m map[string]any) {
	if m == nil {
		m = make(map[string]any)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = m
}

// ResolveParams substitutes "$path" string values with the context value at
// that dot path. Unresolvable references become nil. Nested maps and lists
// are resolved recursively; everything else passes through as a literal.
func (c *ExecutionContext) ResolveParams(params map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		resolved[k] = c.resolveValue(v)
	}
	return resolved
}

func (c *ExecutionContext) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$") {
			resolved, _ := c.Lookup(strings.TrimPrefix(val, "$"))
			return resolved
		}
		return val
	case map[string]any:
		return c.ResolveParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = c.resolveValue(item)
		}
		return out
	default:
		return v
	}
}
