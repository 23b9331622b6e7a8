package permission

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const maxNameLength = 64

var (
	// ErrUnknownCapability is returned when a claimed capability was never registered.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidName is returned for capability names outside the allowed alphabet.
	ErrInvalidName = errors.New("invalid capability name")
)

// Registry holds the enumerated capability names known to the process.
//
//	Docs: docs/permission.md
type Registry struct {
	mu     sync.RWMutex
	names  map[string]struct{}
	frozen bool
}

// NewRegistry creates an empty, unfrozen [Registry].
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds a capability name. Names are 1–64 characters of lowercase
// letters, digits, '.', ':', '_' or '-'. Must be called before [Registry.Freeze].
func (r *Registry) Register(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New("registry frozen")
	}
	if _, exists := r.names[name]; exists {
		return errors.New("capability already registered")
	}
	r.names[name] = struct{}{}
	return nil
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Names returns the registered capabilities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parse validates names against the registry and returns the canonical [Set]
// (sorted, de-duplicated). Any unknown name fails the whole call.
func (r *Registry) Parse(names []string) (Set, error) {
	if len(names) == 0 {
		return Set{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(names))
	out := make(Set, 0, len(names))
	for _, name := range names {
		if _, ok := r.names[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Set is a sorted, de-duplicated list of capability names.
type Set []string

// Has reports whether the set contains name.
func (s Set) Has(name string) bool {
	i := sort.SearchStrings(s, name)
	return i < len(s) && s[i] == name
}

// HasAll reports whether the set contains every name in names.
func (s Set) HasAll(names ...string) bool {
	for _, name := range names {
		if !s.Has(name) {
			return false
		}
	}
	return true
}

// Strings returns a copy of the set as a plain slice.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func validateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == ':' || c == '_' || c == '-':
		default:
			return ErrInvalidName
		}
	}
	return nil
}
