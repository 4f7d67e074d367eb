package provider

import (
	"fmt"
	"sort"
	"sync"
)

var (
	mu       sync.RWMutex
	adapters = map[string]Adapter{}
)

// Register makes an Adapter available by its Name().
// It is typically called from an init() function.
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters[a.Name()] = a
}

// Get returns the Adapter with the given name, or an error if not found.
func Get(name string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, Names())
	}
	return a, nil
}

// Names returns the sorted list of registered provider names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AutoCreatable reports whether a provider type may be created implicitly
// with empty config when a trigger references it.
func AutoCreatable(name string) bool {
	a, err := Get(name)
	if err != nil {
		return false
	}
	return !a.HasSetupSteps()
}
