package agent

import (
	"fmt"
	"sync"

	"github.com/Strob0t/PipeForge/internal/config"
)

// Factory is a constructor function that creates a new Invoker instance.
type Factory func(cfg config.Agent) (Invoker, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes an invoker factory available by name.
// It is typically called from an init() function in the adapter package.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("agent: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a new Invoker by name using the registered factory.
func New(name string, cfg config.Agent) (Invoker, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agent: unknown invoker %q", name)
	}
	return factory(cfg)
}

// Available returns the names of all registered invokers.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
