package aiconnector

import (
	"fmt"
	"slices"
	"sync"
)

// Factory is a constructor function that creates a new Connector instance.
type Factory func(s Settings) (Connector, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a connector factory available by name.
// It is typically called from an init() function in the adapter package.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("aiconnector: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a Connector by name using the registered factory.
func New(name string, s Settings) (Connector, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("aiconnector: unknown connector %q (available: %v)", name, Available())
	}
	return factory(s)
}

// Available returns the sorted names of all registered connectors.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
