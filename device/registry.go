package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Backend names.
const (
	// BackendHAL is the gogpu/wgpu HAL adapter.
	BackendHAL = "hal"

	// BackendSoftware is the CPU reference device.
	BackendSoftware = "software"
)

// ErrBackendNotAvailable is returned when a requested backend is not
// registered or could not open a device.
var ErrBackendNotAvailable = errors.New("device: backend not available")

// Factory opens a new device.
type Factory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for Default (first backend that opens wins).
	backendPriority = []string{BackendHAL, BackendSoftware}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the sorted names of registered backends.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open opens a device from the named backend.
func Open(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := factory()
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", name, err)
	}
	Logger().Info("device: opened", "backend", name, "adapter", dev.Info().Name)
	return dev, nil
}

// Default opens the best available backend based on priority.
// Backends outside the priority list are tried last, in name order.
func Default() (Device, error) {
	tried := make(map[string]bool)
	order := append([]string(nil), backendPriority...)
	order = append(order, Available()...)

	var errs []error
	for _, name := range order {
		if tried[name] || !IsRegistered(name) {
			continue
		}
		tried[name] = true

		dev, err := Open(name)
		if err == nil {
			return dev, nil
		}
		Logger().Warn("device: backend unavailable", "backend", name, "err", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrBackendNotAvailable
	}
	return nil, errors.Join(append([]error{ErrBackendNotAvailable}, errs...)...)
}
