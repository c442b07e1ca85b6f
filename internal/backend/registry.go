package backend

import (
	"slices"
	"sync"

	"github.com/tphakala/pcmstream/internal/errors"
)

// Factory creates a driver instance. Drivers that hold a native context
// create it lazily so registration stays free.
type Factory func() (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available under name. A second registration under
// the same name replaces the first.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New creates the driver registered under name.
func New(name string) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf("%w: %q", ErrUnknownDriver, name).
			Component(ComponentBackend).
			Category(errors.CategoryConfiguration).
			Context("driver", name).
			Context("available", Names()).
			Build()
	}

	drv, err := factory()
	if err != nil {
		return nil, InitError(ComponentBackend, "create_driver", err)
	}
	return drv, nil
}

// Names lists registered drivers in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
