package driver

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// The global backend registry. Backends register themselves from init(), so
// which drivers are compiled in is decided by imports, never by runtime
// plugin loading.
var (
	registryMu sync.RWMutex
	registry   = map[string]Driver{}
)

// Register registers a backend under its name.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, old := registry[d.Name()]; old {
		panic(errors.Errorf("trying to register two drivers with the same name %q", d.Name()))
	}
	registry[d.Name()] = d
}

// Deregister removes a backend by name, if present. It exists for tests.
func Deregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// Lookup returns the backend registered under the given name. nil is
// returned if there is no such backend.
func Lookup(name string) Driver {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// Registered returns a snapshot of all registered backends, ordered by name.
func Registered() []Driver {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	drivers := make([]Driver, 0, len(names))
	for _, name := range names {
		drivers = append(drivers, registry[name])
	}
	return drivers
}
