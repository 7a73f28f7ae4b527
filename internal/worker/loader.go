package worker

import (
	"fmt"
	"sort"
	"sync"
)

// Loader is the model-specific contract hosted by the runtime. InitModel is
// called exactly once before the worker starts serving; it may fail to signal
// an unrecoverable startup problem, which terminates the worker process.
// Transform is a pure function of the payload; errors (and panics) it raises
// are contained by the runtime and reported as failed responses.
type Loader interface {
	InitModel() error
	Transform(data map[string]any) (map[string]any, error)
}

// Factory builds a Loader pinned to the given model identity.
type Factory func(model string) Loader

// Registry maps loader names to factories. Registration belongs to the
// embedding application; worker child processes resolve their loader here.
// Scoped per instance rather than package-global so tests and tenants do not
// share hidden state.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under name. Duplicate names are an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("loader name is empty")
	}
	if f == nil {
		return fmt.Errorf("loader factory for %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("loader %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists registered loader names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
