package haldevice

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// DefaultHeapSize is the size of the host-visible heap (1 GiB).
const DefaultHeapSize = 1 << 30

// Option configures a HAL device.
type Option func(*config)

type config struct {
	backend  hal.Backend
	limits   gputypes.Limits
	heapSize uint64
	label    string
}

func defaultConfig() config {
	return config{
		limits:   gputypes.DefaultLimits(),
		heapSize: DefaultHeapSize,
		label:    "gpujob",
	}
}

// WithBackend opens the device on backend instead of the best registered
// GPU backend.
func WithBackend(b hal.Backend) Option {
	return func(c *config) {
		c.backend = b
	}
}

// WithLimits sets the limits requested when opening the adapter.
func WithLimits(limits gputypes.Limits) Option {
	return func(c *config) {
		c.limits = limits
	}
}

// WithHeapSize sets the size of the host-visible heap in bytes.
func WithHeapSize(size uint64) Option {
	return func(c *config) {
		c.heapSize = size
	}
}

// WithLabel sets the label prefix of HAL objects created by the device.
func WithLabel(label string) Option {
	return func(c *config) {
		c.label = label
	}
}
