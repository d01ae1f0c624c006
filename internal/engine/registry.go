package engine

import (
	"slices"
	"sync"

	"github.com/rendis/maildigest/pkg/schema"
)

// Registration binds a step to its name and declares the state fields it may
// write (Owns) and must find present before running (Requires).
type Registration struct {
	Name     string
	Step     Step
	Owns     []string
	Requires []string
}

// Registry holds the named steps of a graph.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]*Registration
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]*Registration)}
}

// Register adds a step. Names must be unique and not collide with End.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" || reg.Name == End {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid step name %q", reg.Name)
	}
	if reg.Step == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q has no implementation", reg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[reg.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q already registered", reg.Name)
	}
	r.steps[reg.Name] = &reg
	r.order = append(r.order, reg.Name)
	return nil
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.steps[name]
	return reg, ok
}

// Names lists registered steps in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// CheckRequires reports every required field absent from st.
func (reg *Registration) CheckRequires(st *schema.WorkflowState) error {
	check := schema.BoundaryCheck{Step: reg.Name}
	for _, f := range reg.Requires {
		if !st.Has(f) {
			check.Missing(f)
		}
	}
	return check.ToError()
}

// CheckOwns reports every field present in update that the step does not own.
func (reg *Registration) CheckOwns(update *schema.WorkflowState) error {
	if update == nil {
		return nil
	}
	check := schema.BoundaryCheck{Step: reg.Name}
	for _, f := range update.Fields() {
		if !slices.Contains(reg.Owns, f) {
			check.NotOwned(f)
		}
	}
	return check.ToError()
}
