package modes

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Registry is the mode catalog. It is built with NewRegistry and injected
// into whatever needs it; there is no package-level catalog.
type Registry struct {
	mu          sync.RWMutex
	cat         catalog
	builtins    map[string]Mode
	defaultName string
}

type catalog struct {
	order      []string
	modes      map[string]Mode
	overridden map[string]bool
}

func (c catalog) clone() catalog {
	out := catalog{
		order:      slices.Clone(c.order),
		modes:      make(map[string]Mode, len(c.modes)),
		overridden: make(map[string]bool, len(c.overridden)),
	}
	for k, v := range c.modes {
		out.modes[k] = v
	}
	for k, v := range c.overridden {
		out.overridden[k] = v
	}
	return out
}

type Option func(*Registry)

// WithDefault selects the fallback mode. Unknown names keep "assistant".
func WithDefault(name string) Option {
	return func(r *Registry) {
		if _, ok := r.cat.modes[name]; ok {
			r.defaultName = name
		}
	}
}

// NewRegistry returns a registry seeded with the built-in modes in
// assistant, companion, roleplay, dungeon_master, storyteller order.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		cat: catalog{
			modes:      make(map[string]Mode),
			overridden: make(map[string]bool),
		},
		builtins:    make(map[string]Mode),
		defaultName: Assistant,
	}
	for _, m := range builtinModes() {
		m.builtin = true
		r.cat.order = append(r.cat.order, m.Name)
		r.cat.modes[m.Name] = m
		r.builtins[m.Name] = m
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Get(name string) (Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.cat.modes[name]
	if !ok {
		return Mode{}, fmt.Errorf("%w: %q", ErrModeNotFound, name)
	}
	return m.clone(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cat.modes[name]
	return ok
}

// List returns every mode in registration order. Overridden built-ins keep
// their original slot.
func (r *Registry) List() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mode, 0, len(r.cat.order))
	for _, name := range r.cat.order {
		out = append(out, r.cat.modes[name].clone())
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.cat.order)
}

// Register adds a custom mode. Built-in names must go through Override.
func (r *Registry) Register(m Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cat.clone()
	if err := r.register(&next, m); err != nil {
		return err
	}
	r.cat = next
	return nil
}

// Override shadows a built-in mode. The original definition is kept and
// can be brought back with Restore.
func (r *Registry) Override(m Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cat.clone()
	if err := r.override(&next, m); err != nil {
		return err
	}
	r.cat = next
	return nil
}

// Restore drops an override and reinstates the seeded built-in.
func (r *Registry) Restore(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	orig, ok := r.builtins[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotBuiltin, name)
	}
	r.cat.modes[name] = orig
	delete(r.cat.overridden, name)
	return nil
}

func (r *Registry) register(c *catalog, m Mode) error {
	norm, err := m.normalize()
	if err != nil {
		return err
	}
	if _, exists := c.modes[norm.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateMode, norm.Name)
	}
	c.order = append(c.order, norm.Name)
	c.modes[norm.Name] = norm
	return nil
}

func (r *Registry) override(c *catalog, m Mode) error {
	norm, err := m.normalize()
	if err != nil {
		return err
	}
	if _, ok := r.builtins[norm.Name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotBuiltin, norm.Name)
	}
	norm.builtin = true
	c.modes[norm.Name] = norm
	c.overridden[norm.Name] = true
	return nil
}

// Resolve returns the named mode, or the default mode when the name is not
// registered. Callers that must signal unknown names use Get.
func (r *Registry) Resolve(name string) Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.cat.modes[name]; ok {
		return m.clone()
	}
	return r.cat.modes[r.defaultName].clone()
}

func (r *Registry) Default() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cat.modes[r.defaultName].clone()
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cat.modes[name]; !ok {
		return fmt.Errorf("%w: %q", ErrModeNotFound, name)
	}
	r.defaultName = name
	return nil
}

// Overrides returns the custom modes and the overridden built-ins, in
// registration order. This is the part of the catalog that travels with an
// export.
func (r *Registry) Overrides() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Mode
	for _, name := range r.cat.order {
		m := r.cat.modes[name]
		if !m.builtin || r.cat.overridden[name] {
			out = append(out, m.clone())
		}
	}
	return out
}

// CheckOverrides reports whether ApplyOverrides would succeed, without
// changing the registry.
func (r *Registry) CheckOverrides(list []Mode) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := r.cat.clone()
	return r.applyOverrides(&next, list)
}

// ApplyOverrides installs modes carried by an export: built-in names
// override, other names register. A custom mode that already exists with an
// identical definition is left alone; a different definition is a
// conflict. Either every entry applies or none does.
func (r *Registry) ApplyOverrides(list []Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cat.clone()
	if err := r.applyOverrides(&next, list); err != nil {
		return err
	}
	r.cat = next
	return nil
}

func (r *Registry) applyOverrides(c *catalog, list []Mode) error {
	for _, m := range list {
		if _, ok := r.builtins[m.Name]; ok {
			if err := r.override(c, m); err != nil {
				return err
			}
			continue
		}
		if existing, ok := c.modes[m.Name]; ok {
			norm, err := m.normalize()
			if err != nil {
				return err
			}
			if !reflect.DeepEqual(existing, norm) {
				return fmt.Errorf("%w: %q has a different definition", ErrDuplicateMode, m.Name)
			}
			continue
		}
		if err := r.register(c, m); err != nil {
			return err
		}
	}
	return nil
}
