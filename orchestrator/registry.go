package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WorkflowRegistry stores workflow definitions and templates. Workflows are
// validated once at creation and immutable afterwards; a new version is a
// new workflow.
type WorkflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	templates map[string]*WorkflowTemplate
}

// WorkflowTemplate is a reusable workflow definition, typically authored in
// YAML and stamped into concrete workflows with per-use overrides.
type WorkflowTemplate struct {
	ID             string   `json:"id" yaml:"id" validate:"required"`
	Name           string   `json:"name" yaml:"name" validate:"required"`
	Steps          []*Step  `json:"steps" yaml:"steps" validate:"required,min=1"`
	TimeoutSeconds int64    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Tags           []string `json:"tags" yaml:"tags"`
}

// TemplateOverrides customizes a template at CreateFromTemplate time. Only
// set fields override; StepParams merges into the params of the step with
// the matching id.
type TemplateOverrides struct {
	Name           *string
	TimeoutSeconds *int64
	Tags           []string
	StepParams     map[string]map[string]any
}

func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{
		workflows: make(map[string]*Workflow),
		templates: make(map[string]*WorkflowTemplate),
	}
}

// CreateWorkflow validates and stores a workflow. Step ids must be unique,
// every dependency must name an existing step, and the dependency graph must
// be acyclic. A cyclic graph would never make progress at run time, so it is
// refused here instead of stalling an execution later.
func (r *WorkflowRegistry) CreateWorkflow(req *CreateWorkflowReq) (*Workflow, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "CreateWorkflow failed, req: %v, err: %v", req, err)
	}
	if err := validateSteps(req.Steps); err != nil {
		return nil, errors.WithMessagef(err, "CreateWorkflow failed, name: %s", req.Name)
	}
	wf := &Workflow{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Steps:          req.Steps,
		TimeoutSeconds: req.TimeoutSeconds,
		Tags:           req.Tags,
		CreatedAt:      time.Now().Unix(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
	return wf, nil
}

func (r *WorkflowRegistry) GetWorkflow(id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowNotFound, "workflowID: %s", id)
	}
	return wf, nil
}

// RegisterTemplate stores a template under its id.
func (r *WorkflowRegistry) RegisterTemplate(tpl *WorkflowTemplate) error {
	if err := validatorUtil.Struct(tpl); err != nil {
		return errors.Wrapf(ErrParamInvalid, "RegisterTemplate failed, tpl: %v, err: %v", tpl, err)
	}
	if err := validateSteps(tpl.Steps); err != nil {
		return errors.WithMessagef(err, "RegisterTemplate failed, templateID: %s", tpl.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[tpl.ID]; ok {
		return errors.Errorf("template already registered, templateID: %s", tpl.ID)
	}
	r.templates[tpl.ID] = tpl
	return nil
}

// LoadTemplateYAML parses a YAML template document and registers it.
func (r *WorkflowRegistry) LoadTemplateYAML(data []byte) (*WorkflowTemplate, error) {
	tpl := &WorkflowTemplate{}
	if err := yaml.Unmarshal(data, tpl); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "LoadTemplateYAML failed, err: %v", err)
	}
	if err := r.RegisterTemplate(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// CreateFromTemplate stamps a template into a concrete workflow, applying
// overrides. The template itself is never mutated.
func (r *WorkflowRegistry) CreateFromTemplate(templateID string, overrides *TemplateOverrides) (*Workflow, error) {
	r.mu.RLock()
	tpl, ok := r.templates[templateID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WithMessagef(ErrTemplateNotFound, "templateID: %s", templateID)
	}

	req := &CreateWorkflowReq{
		Name:           tpl.Name,
		Steps:          cloneSteps(tpl.Steps),
		TimeoutSeconds: tpl.TimeoutSeconds,
		Tags:           append([]string(nil), tpl.Tags...),
	}
	if overrides != nil {
		if overrides.Name != nil {
			req.Name = *overrides.Name
		}
		if overrides.TimeoutSeconds != nil {
			req.TimeoutSeconds = *overrides.TimeoutSeconds
		}
		if len(overrides.Tags) > 0 {
			req.Tags = overrides.Tags
		}
		applyStepParamOverrides(req.Steps, overrides.StepParams)
	}
	return r.CreateWorkflow(req)
}

func applyStepParamOverrides(steps []*Step, stepParams map[string]map[string]any) {
	if len(stepParams) == 0 {
		return
	}
	for _, step := range steps {
		if params, ok := stepParams[step.ID]; ok {
			if step.Params == nil {
				step.Params = make(map[string]any, len(params))
			}
			for k, v := range params {
				step.Params[k] = v
			}
		}
		applyStepParamOverrides(step.Steps, stepParams)
	}
}

func cloneSteps(steps []*Step) []*Step {
	out := make([]*Step, 0, len(steps))
	for _, step := range steps {
		copied := *step
		if step.Params != nil {
			params := make(map[string]any, len(step.Params))
			for k, v := range step.Params {
				params[k] = v
			}
			copied.Params = params
		}
		if step.Retry != nil {
			retry := *step.Retry
			copied.Retry = &retry
		}
		copied.DependsOn = append([]string(nil), step.DependsOn...)
		copied.Steps = cloneSteps(step.Steps)
		out = append(out, &copied)
	}
	return out
}

// validateSteps enforces the creation-time invariants: ids unique across the
// whole workflow (nested sub-steps included, execution records are keyed by
// id), resolvable dependencies, acyclic graph (Kahn's algorithm), and valid
// retry policies. Dependencies are only honored between top-level steps, so
// a sub-step declaring depends_on is refused here instead of being ignored
// at run time.
func validateSteps(steps []*Step) error {
	byID := make(map[string]*Step, len(steps))
	if err := validateStepTree(steps, byID, false); err != nil {
		return err
	}

	topLevel := make(map[string]bool, len(steps))
	for _, step := range steps {
		topLevel[step.ID] = true
	}
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if !topLevel[dep] {
				return errors.WithMessagef(ErrWorkflowInvalid, "step %s depends on unknown step %s", step.ID, dep)
			}
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}
	queue := make([]string, 0, len(steps))
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(steps) {
		return errors.WithMessage(ErrCyclicDependency, "topological sort did not reach every step")
	}
	return nil
}

// validateStepTree walks one nesting level and recurses into sub-steps. byID
// spans the whole workflow so a parallel or loop body cannot reuse the id of
// a step anywhere else in the tree.
func validateStepTree(steps []*Step, byID map[string]*Step, nested bool) error {
	for _, step := range steps {
		if step.ID == "" {
			return errors.WithMessage(ErrWorkflowInvalid, "step id is empty")
		}
		if _, ok := byID[step.ID]; ok {
			return errors.WithMessagef(ErrWorkflowInvalid, "duplicate step id: %s", step.ID)
		}
		byID[step.ID] = step
		if nested && len(step.DependsOn) > 0 {
			return errors.WithMessagef(ErrWorkflowInvalid, "sub-step %s declares depends_on, dependencies only apply to top-level steps", step.ID)
		}
		if step.Retry != nil {
			switch step.Retry.Policy {
			case RetryPolicyNone, RetryPolicyFixed, RetryPolicyLinear, RetryPolicyExponential:
			default:
				return errors.WithMessagef(ErrWorkflowInvalid, "unknown retry policy %q on step %s", step.Retry.Policy, step.ID)
			}
		}
		if len(step.Steps) > 0 {
			if err := validateStepTree(step.Steps, byID, true); err != nil {
				return errors.WithMessagef(err, "sub-steps of step %s", step.ID)
			}
		}
	}
	return nil
}
