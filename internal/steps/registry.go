package steps

import (
	"sort"
	"sync"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// Registry is a thread-safe step registry.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]Step),
	}
}

// Register adds a step to the registry. Duplicate names are an error.
func (r *Registry) Register(step Step) error {
	if step == nil {
		return schema.NewError(schema.ErrCodeValidation, "step is nil")
	}
	name := step.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "step name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q already registered", name)
	}
	r.steps[name] = step
	return nil
}

// Get retrieves a step by name.
func (r *Registry) Get(name string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepNotFound, "step %q not registered", name)
	}
	return step, nil
}

// Has checks if a step is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[name]
	return ok
}

// List returns info for all registered steps, sorted by name.
func (r *Registry) List() []StepInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StepInfo, 0, len(r.steps))
	for _, s := range r.steps {
		infos = append(infos, StepInfo{
			Name:        s.Name(),
			Description: s.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered steps.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}
