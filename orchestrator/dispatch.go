package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

// Service is a registered capability: a named collaborator exposing a
// declared set of actions. The action set is the whitelist; the dispatcher
// never invokes anything a service did not declare.
type Service interface {
	Name() string
	Actions() []string
	Call(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

type ActionFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// FuncService builds a Service from plain functions, one per action.
type FuncService struct {
	name     string
	handlers map[string]ActionFunc
}

func NewFuncService(name string) *FuncService {
	return &FuncService{name: name, handlers: make(map[string]ActionFunc)}
}

// Handle declares an action and returns the service for chaining.
func (s *FuncService) Handle(action string, fn ActionFunc) *FuncService {
	s.handlers[action] = fn
	return s
}

func (s *FuncService) Name() string { return s.name }

func (s *FuncService) Actions() []string {
	actions := make([]string, 0, len(s.handlers))
	for action := range s.handlers {
		actions = append(actions, action)
	}
	return actions
}

func (s *FuncService) Call(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	fn, ok := s.handlers[action]
	if !ok {
		return nil, errors.WithMessagef(ErrActionNotAllowed, "service: %s, action: %s", s.name, action)
	}
	return fn(ctx, params)
}

// ServiceRegistry is the dispatcher's capability table. Blocking service
// implementations run on a bounded call pool so a slow step cannot stall
// other executions sharing the engine.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]Service
	sem      chan struct{}
}

// NewServiceRegistry creates a registry whose dispatches share at most
// maxConcurrentCalls in-flight service calls. Zero or negative picks a
// default of 32.
func NewServiceRegistry(maxConcurrentCalls int) *ServiceRegistry {
	if maxConcurrentCalls <= 0 {
		maxConcurrentCalls = 32
	}
	return &ServiceRegistry{
		services: make(map[string]Service),
		sem:      make(chan struct{}, maxConcurrentCalls),
	}
}

// Register adds a service under its own name. Registering the same name
// twice is refused, capability tables must not drift silently.
func (r *ServiceRegistry) Register(svc Service) error {
	if svc == nil {
		return errors.New("service is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.Name()]; ok {
		return errors.Errorf("service already registered, name: %s", svc.Name())
	}
	r.services[svc.Name()] = svc
	return nil
}

func (r *ServiceRegistry) lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Dispatch invokes action on the named service.
//
// An unregistered service is a soft failure: the step gets a marked stub
// result and a warning is logged, so workflows can be authored before every
// service is rolled out. An undeclared action is a whitelist violation and
// fails the step permanently. A service reporting ErrArgumentMismatch is
// retried once with no parameters before the error propagates.
func (r *ServiceRegistry) Dispatch(ctx context.Context, serviceName string, action string, params map[string]any) (map[string]any, error) {
	svc, ok := r.lookup(serviceName)
	if !ok {
		slog.WarnContext(ctx, fmt.Sprintf("[ServiceRegistry.Dispatch] returning stub, service: %s, action: %s, err: %v", serviceName, action, ErrServiceUnavailable))
		return map[string]any{
			"stub":    true,
			"service": serviceName,
			"action":  action,
			"error":   ErrServiceUnavailable.Error(),
		}, nil
	}
	if !actionAllowed(svc, action) {
		return nil, errors.WithMessagef(ErrActionNotAllowed, "service: %s, action: %s", serviceName, action)
	}

	result, err := r.offload(ctx, svc, action, params)
	if err != nil && errors.Is(errors.Cause(err), ErrArgumentMismatch) {
		// One fallback call without parameters, some actions take none.
		result, err = r.offload(ctx, svc, action, nil)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "Dispatch failed, service: %s, action: %s", serviceName, action)
	}
	return result, nil
}

func actionAllowed(svc Service, action string) bool {
	for _, allowed := range svc.Actions() {
		if allowed == action {
			return true
		}
	}
	return false
}

type callResult struct {
	result map[string]any
	err    error
}

// offload runs the call on its own goroutine gated by the semaphore. The
// engine's walk keeps responding to cancellation even while a synchronous
// service blocks; an abandoned call finishes on its own and is discarded.
func (r *ServiceRegistry) offload(ctx context.Context, svc Service, action string, params map[string]any) (map[string]any, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.WithMessagef(ctx.Err(), "Dispatch queue wait aborted, service: %s, action: %s", svc.Name(), action)
	}

	resultCh := make(chan callResult, 1)
	go func() {
		defer func() { <-r.sem }()
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				slog.ErrorContext(ctx, fmt.Sprintf("[ServiceRegistry.offload] service panic, service: %s, action: %s, panic: %v, stack: %s", svc.Name(), action, rec, string(stack)))
				resultCh <- callResult{err: errors.Errorf("service panic: %v, service: %s, action: %s", rec, svc.Name(), action)}
			}
		}()
		result, err := svc.Call(ctx, action, params)
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
