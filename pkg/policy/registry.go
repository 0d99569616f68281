// Registry manages named policy instances for hosts that bind policies by
// name: daemon sessions, rules files, and configuration all refer to
// policies through a registry rather than holding instances directly, so a
// configuration reload can swap every binding in one step.

package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named edit policies with per-name enable state.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	specs    map[string]Spec
	enabled  map[string]bool
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
		specs:    make(map[string]Spec),
		enabled:  make(map[string]bool),
	}
}

// Register adds or replaces a policy under the given name. Registered
// policies are enabled until explicitly disabled.
func (r *Registry) Register(name string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = p
	r.enabled[name] = true
	delete(r.specs, name)
}

// RegisterSpec builds the spec and registers the result under its name.
func (r *Registry) RegisterSpec(spec Spec) error {
	p, err := spec.Build()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[spec.Name] = p
	r.specs[spec.Name] = spec
	r.enabled[spec.Name] = !spec.Disabled
	return nil
}

// Replace atomically swaps the registry contents for the given specs. All
// specs are built before anything is replaced, so a bad spec leaves the
// previous registry state fully intact. This is the configuration-reload
// path.
func (r *Registry) Replace(specs []Spec) error {
	built := make(map[string]Policy, len(specs))
	for _, spec := range specs {
		if _, dup := built[spec.Name]; dup {
			return fmt.Errorf("%w: duplicate policy name %q", ErrBadSpec, spec.Name)
		}
		p, err := spec.Build()
		if err != nil {
			return err
		}
		built[spec.Name] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.policies = built
	r.specs = make(map[string]Spec, len(specs))
	r.enabled = make(map[string]bool, len(specs))
	for _, spec := range specs {
		r.specs[spec.Name] = spec
		r.enabled[spec.Name] = !spec.Disabled
	}
	return nil
}

// Get returns the policy registered under name, regardless of enable state.
func (r *Registry) Get(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// Active returns the policy registered under name if it is enabled. Hosts
// binding a session to a named policy go through Active.
func (r *Registry) Active(name string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	if !r.enabled[name] {
		return nil, fmt.Errorf("%w: %q", ErrPolicyDisabled, name)
	}
	return p, nil
}

// Enable activates a registered policy.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.policies[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	r.enabled[name] = true
	return nil
}

// Disable deactivates a policy without removing it.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = false
}

// IsEnabled checks whether a policy is registered and enabled.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// Names returns the registered policy names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs of all spec-built policies, sorted by name.
// Policies registered directly as instances have no spec and are omitted.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// DefaultRegistry is the global registry instance used by hosts that do not
// construct their own.
var DefaultRegistry = NewRegistry()
