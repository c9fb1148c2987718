package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Factory builds a Backend implementation from its type-specific settings.
type Factory func(settings map[string]any, log zerolog.Logger) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterType adds a backend type. Types cannot be replaced or removed; a
// duplicate name is an error.
func RegisterType(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register backend type: name and factory are required")
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[name]; ok {
		return fmt.Errorf("backend type %q already registered", name)
	}
	factories[name] = f
	return nil
}

// MustRegisterType is RegisterType for package init; it panics on error.
func MustRegisterType(name string, f Factory) {
	if err := RegisterType(name, f); err != nil {
		panic(err)
	}
}

// LookupType returns the factory for name.
func LookupType(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// TypeNames lists registered types in sorted order.
func TypeNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
