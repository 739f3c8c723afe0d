// Package factory maps storage backend names to constructors. Backend
// packages register themselves from an init function, so importing a backend
// for side effects is enough to make it available by name in configuration.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/driftlabs/drift/registry/storage"
)

// BackendFactory constructs a storage backend from configuration parameters.
type BackendFactory interface {
	Create(parameters map[string]interface{}) (storage.Backend, error)
}

var (
	mu        sync.Mutex
	factories = map[string]BackendFactory{}
)

// Register makes a backend available by name. It panics on duplicate
// registration, which indicates a programming error.
func Register(name string, factory BackendFactory) {
	mu.Lock()
	defer mu.Unlock()
	if factory == nil {
		panic("factory: attempted to register nil backend factory")
	}
	if _, registered := factories[name]; registered {
		panic(fmt.Sprintf("factory: backend %q already registered", name))
	}
	factories[name] = factory
}

// Create constructs the named backend with the given parameters.
func Create(name string, parameters map[string]interface{}) (storage.Backend, error) {
	mu.Lock()
	factory, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, InvalidBackendError{Name: name}
	}
	return factory.Create(parameters)
}

// List returns the registered backend names, for error messages and the
// startup log line.
func List() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InvalidBackendError records a request for an unregistered backend.
type InvalidBackendError struct {
	Name string
}

func (err InvalidBackendError) Error() string {
	return fmt.Sprintf("storage backend not registered: %s", err.Name)
}
