package software

import (
	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gputypes"
)

// DefaultHeapSize is the size of each memory heap (1 GiB).
const DefaultHeapSize = 1 << 30

// DefaultName is the adapter name reported by Info.
const DefaultName = "gpujob software device"

// Option configures a software device.
type Option func(*config)

type config struct {
	name         string
	heapSize     uint64
	limits       gputypes.Limits
	memoryTypes  []device.MemoryType
	storageAlign uint64
	uniformAlign uint64
}

func defaultConfig() config {
	limits := gputypes.DefaultLimits()
	return config{
		name:         DefaultName,
		heapSize:     DefaultHeapSize,
		limits:       limits,
		storageAlign: uint64(limits.MinStorageBufferOffsetAlignment),
		uniformAlign: uint64(limits.MinUniformBufferOffsetAlignment),
		memoryTypes: []device.MemoryType{
			{Properties: device.MemoryDeviceLocal, HeapIndex: 0},
			{Properties: device.MemoryHostVisible | device.MemoryHostCoherent | device.MemoryHostCached, HeapIndex: 1},
			{Properties: device.MemoryDeviceLocal | device.MemoryHostVisible | device.MemoryHostCoherent, HeapIndex: 0},
		},
	}
}

// WithName sets the adapter name reported by Info.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithHeapSize sets the size of every memory heap in bytes.
func WithHeapSize(size uint64) Option {
	return func(c *config) {
		c.heapSize = size
	}
}

// WithLimits replaces the device limits. Buffer alignments are taken from
// the offset alignment limits unless set explicitly afterwards.
func WithLimits(limits gputypes.Limits) Option {
	return func(c *config) {
		c.limits = limits
		c.storageAlign = uint64(limits.MinStorageBufferOffsetAlignment)
		c.uniformAlign = uint64(limits.MinUniformBufferOffsetAlignment)
	}
}

// WithStorageAlignment sets the memory alignment reported for storage buffers.
func WithStorageAlignment(align uint64) Option {
	return func(c *config) {
		c.storageAlign = align
	}
}

// WithUniformAlignment sets the memory alignment reported for uniform buffers.
func WithUniformAlignment(align uint64) Option {
	return func(c *config) {
		c.uniformAlign = align
	}
}

// WithMemoryTypes replaces the memory type table. Heap indices must be 0
// or 1.
func WithMemoryTypes(types ...device.MemoryType) Option {
	return func(c *config) {
		c.memoryTypes = append([]device.MemoryType(nil), types...)
	}
}
