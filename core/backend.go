package core

import (
	"fmt"
	"sort"
	"sync"
)

// BackendOptions are the settings handed to a backend factory.
type BackendOptions struct {
	DeviceCount                int
	CurrentDevice              int
	StreamsPerPool             int
	HighPriorityStreamsPerPool int
	HistoryCapacity            int
	Logger                     Logger
}

// BackendFactory creates a Runtime. The returned close function releases the
// runtime's resources.
type BackendFactory func(opts BackendOptions) (Runtime, func() error, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a runtime backend available by name. Backends call it
// from init; registering the same name twice panics.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if factory == nil {
		panic("core: RegisterBackend factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("core: RegisterBackend called twice for " + name)
	}
	backends[name] = factory
}

// OpenBackend creates a runtime using the backend registered under name.
func OpenBackend(name string, opts BackendOptions) (Runtime, func() error, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, nil, configurationError("backend.open",
			fmt.Sprintf("unknown backend %q (registered: %v)", name, Backends()), nil)
	}
	rt, closeFn, err := factory(opts)
	if err != nil {
		return nil, nil, configurationError("backend.open", fmt.Sprintf("backend %q failed to start", name), err)
	}
	return rt, closeFn, nil
}

// Backends returns the sorted names of registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
