// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package haldevice implements device.Device on a gogpu/wgpu HAL device.
//
// WebGPU-style HALs do not expose raw device memory, so the adapter keeps
// allocations in host memory (one host-visible, host-coherent memory type)
// and gives every buffer its own HAL buffer. Submit uploads the bound
// buffers, replays the recorded commands into a HAL command encoder and
// copies storage buffers back into their allocations once the queue has
// finished the submission.
//
// Importing the package registers the device under device.BackendHAL. Open
// uses the Vulkan backend when it is available.
package haldevice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/internal/inflight"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// HAL adapter errors.
var (
	// ErrNoAdapter is returned when no backend exposes a usable adapter.
	ErrNoAdapter = errors.New("haldevice: no GPU adapter found")

	// ErrProvider is returned when a device provider does not expose HAL
	// device and queue handles.
	ErrProvider = errors.New("haldevice: provider does not expose HAL types")

	// ErrNotMapped is returned when unmapping memory that is not mapped.
	ErrNotMapped = errors.New("haldevice: memory not mapped")
)

// copyAlignment is the size and offset granularity of HAL buffer copies.
const copyAlignment = 4

func init() {
	device.Register(device.BackendHAL, func() (device.Device, error) {
		return Open()
	})
}

// Device adapts a HAL device and queue to device.Device.
//
// Device is safe for concurrent use.
type Device struct {
	cfg   config
	dev   hal.Device
	queue hal.Queue
	info  gputypes.AdapterInfo

	// release destroys the HAL objects Open created. Nil for wrapped devices.
	release func()

	mu       sync.Mutex
	heapUsed uint64
	submitMu sync.Mutex

	pending   inflight.Counter
	destroyed atomic.Bool
}

// Open opens the first adapter of the configured backend, or of the best
// registered GPU backend, and wraps it.
func Open(opts ...Option) (*Device, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	backend := cfg.backend
	if backend == nil {
		var err error
		if backend, err = selectBackend(); err != nil {
			return nil, err
		}
	}

	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Backends: gputypes.BackendsAll})
	if err != nil {
		return nil, fmt.Errorf("haldevice: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	selected := pickAdapter(adapters)

	open, err := selected.Adapter.Open(gputypes.Features(0), cfg.limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("haldevice: open %s: %w", selected.Info.Name, err)
	}

	d := newDevice(cfg, open.Device, open.Queue, selected.Info)
	d.release = func() {
		open.Device.Destroy()
		selected.Adapter.Destroy()
		instance.Destroy()
	}
	device.Logger().Info("haldevice: opened",
		"adapter", selected.Info.Name, "backend", selected.Info.Backend.String())
	return d, nil
}

// New wraps an existing HAL device and queue. The caller keeps ownership:
// Destroy does not destroy dev.
func New(dev hal.Device, queue hal.Queue, info gputypes.AdapterInfo, opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newDevice(cfg, dev, queue, info)
}

// FromProvider wraps the HAL device of a host application, such as a gogpu
// window, that exposes HalDevice and HalQueue accessors.
func FromProvider(provider any, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProvider
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrProvider)
	}

	info := gputypes.AdapterInfo{Name: "provider"}
	if dp, ok := provider.(gpucontext.DeviceProvider); ok {
		pi := dp.AdapterInfo()
		info.Name = pi.Name
		info.DeviceType = deviceType(pi.Type)
	}
	return New(dev, queue, info, opts...), nil
}

func newDevice(cfg config, dev hal.Device, queue hal.Queue, info gputypes.AdapterInfo) *Device {
	return &Device{cfg: cfg, dev: dev, queue: queue, info: info}
}

// selectBackend returns the first registered GPU backend in priority order.
// The no-op backend is never chosen implicitly.
func selectBackend() (hal.Backend, error) {
	priority := []gputypes.Backend{
		gputypes.BackendVulkan,
		gputypes.BackendMetal,
		gputypes.BackendDX12,
		gputypes.BackendGL,
	}
	for _, variant := range priority {
		if b, ok := hal.GetBackend(variant); ok {
			return b, nil
		}
		if b, err := hal.CreateBackend(variant); err == nil {
			hal.RegisterBackend(b)
			return b, nil
		}
	}
	return nil, fmt.Errorf("haldevice: %w", hal.ErrBackendNotFound)
}

// pickAdapter prefers discrete, then integrated GPUs.
func pickAdapter(adapters []hal.ExposedAdapter) *hal.ExposedAdapter {
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return &adapters[i]
			}
		}
	}
	return &adapters[0]
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}

func deviceType(t gpucontext.AdapterType) gputypes.DeviceType {
	switch t {
	case gpucontext.AdapterTypeDiscrete:
		return gputypes.DeviceTypeDiscreteGPU
	case gpucontext.AdapterTypeIntegrated:
		return gputypes.DeviceTypeIntegratedGPU
	case gpucontext.AdapterTypeSoftware:
		return gputypes.DeviceTypeCPU
	default:
		return gputypes.DeviceTypeOther
	}
}

// Info describes the wrapped adapter.
func (d *Device) Info() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: d.info.Name, Type: adapterType(d.info.DeviceType)}
}

// MemoryProperties reports one host-visible, host-coherent memory type.
func (d *Device) MemoryProperties() device.MemoryProperties {
	return device.MemoryProperties{
		Types: []device.MemoryType{{Properties: device.MemoryHostVisible | device.MemoryHostCoherent, HeapIndex: 0}},
		Heaps: []device.MemoryHeap{{Size: d.cfg.heapSize}},
	}
}

// =============================================================================
// Buffers and memory
// =============================================================================

type buffer struct {
	label string
	size  uint64
	kind  device.BufferKind

	gpu     hal.Buffer
	staging hal.Buffer // storage buffers only
	gpuSize uint64

	// Set by BindBufferMemory.
	mem    *memory
	offset uint64
}

func (b *buffer) Size() uint64 { return b.size }

type memory struct {
	data   []byte
	mapped bool // guarded by Device.mu
}

func (m *memory) Size() uint64 { return uint64(len(m.data)) }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// CreateBuffer creates a HAL buffer for desc. Storage buffers also get a
// mappable staging buffer for readback.
func (d *Device) CreateBuffer(desc *device.BufferDescriptor) (device.Buffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("haldevice: create buffer: %w", device.ErrInvalidHandle)
	}
	if limit := d.cfg.limits.MaxBufferSize; limit > 0 && desc.Size > limit {
		return nil, fmt.Errorf("haldevice: create buffer %q: size %d exceeds limit %d: %w",
			desc.Label, desc.Size, limit, device.ErrOutOfDeviceMemory)
	}

	b := &buffer{
		label:   desc.Label,
		size:    desc.Size,
		kind:    desc.Kind,
		gpuSize: alignUp(max(desc.Size, copyAlignment), copyAlignment),
	}
	usage := gputypes.BufferUsageCopyDst
	if desc.Kind == device.Uniform {
		usage |= gputypes.BufferUsageUniform
	} else {
		usage |= gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc
	}

	var err error
	b.gpu, err = d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: d.cfg.label + "_" + desc.Label,
		Size:  b.gpuSize,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("haldevice: create buffer %q: %w", desc.Label, err)
	}

	if desc.Kind == device.Storage {
		b.staging, err = d.dev.CreateBuffer(&hal.BufferDescriptor{
			Label: d.cfg.label + "_" + desc.Label + "_staging",
			Size:  b.gpuSize,
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			d.dev.DestroyBuffer(b.gpu)
			return nil, fmt.Errorf("haldevice: create staging buffer %q: %w", desc.Label, err)
		}
	}
	return b, nil
}

// DestroyBuffer destroys the HAL buffers of b.
func (d *Device) DestroyBuffer(b device.Buffer) {
	hb, ok := b.(*buffer)
	if !ok {
		return
	}
	if hb.gpu != nil {
		d.dev.DestroyBuffer(hb.gpu)
		hb.gpu = nil
	}
	if hb.staging != nil {
		d.dev.DestroyBuffer(hb.staging)
		hb.staging = nil
	}
	hb.mem = nil
}

// BufferRequirements returns the offset alignment the adapter requires for
// the buffer's binding kind.
func (d *Device) BufferRequirements(b device.Buffer) device.MemoryRequirements {
	hb, ok := b.(*buffer)
	if !ok {
		return device.MemoryRequirements{}
	}
	align := uint64(d.cfg.limits.MinStorageBufferOffsetAlignment)
	if hb.kind == device.Uniform {
		align = uint64(d.cfg.limits.MinUniformBufferOffsetAlignment)
	}
	return device.MemoryRequirements{
		Size:      hb.size,
		Alignment: max(align, copyAlignment),
		TypeBits:  1,
	}
}

// AllocateMemory allocates size bytes of host memory.
func (d *Device) AllocateMemory(size uint64, typeIndex int) (device.Memory, error) {
	if d.destroyed.Load() {
		return nil, device.ErrDeviceLost
	}
	if typeIndex != 0 {
		return nil, fmt.Errorf("haldevice: allocate memory: type %d: %w", typeIndex, device.ErrInvalidHandle)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heapUsed+size > d.cfg.heapSize || d.heapUsed+size < size {
		return nil, fmt.Errorf("haldevice: allocate %d bytes (%d/%d used): %w",
			size, d.heapUsed, d.cfg.heapSize, device.ErrOutOfDeviceMemory)
	}
	d.heapUsed += size
	return &memory{data: make([]byte, size)}, nil
}

// FreeMemory releases an allocation.
func (d *Device) FreeMemory(m device.Memory) {
	hm, ok := m.(*memory)
	if !ok || hm.data == nil {
		return
	}
	d.mu.Lock()
	d.heapUsed -= uint64(len(hm.data))
	hm.mapped = false
	d.mu.Unlock()
	hm.data = nil
}

// BindBufferMemory places b in m at offset.
func (d *Device) BindBufferMemory(b device.Buffer, m device.Memory, offset uint64) error {
	hb, ok := b.(*buffer)
	if !ok || hb.gpu == nil {
		return fmt.Errorf("haldevice: bind buffer: %w", device.ErrInvalidHandle)
	}
	hm, ok := m.(*memory)
	if !ok || hm.data == nil {
		return fmt.Errorf("haldevice: bind buffer %q: memory: %w", hb.label, device.ErrInvalidHandle)
	}
	if hb.mem != nil {
		return fmt.Errorf("haldevice: bind buffer %q: already bound: %w", hb.label, device.ErrInvalidHandle)
	}
	if offset > hm.Size() || hb.size > hm.Size()-offset {
		return fmt.Errorf("haldevice: bind buffer %q at %d+%d in %d bytes: %w",
			hb.label, offset, hb.size, hm.Size(), device.ErrMapRange)
	}
	hb.mem = hm
	hb.offset = offset
	return nil
}

// MapMemory returns a view of [offset, offset+size) of m.
func (d *Device) MapMemory(m device.Memory, offset, size uint64) ([]byte, error) {
	hm, ok := m.(*memory)
	if !ok || hm.data == nil {
		return nil, fmt.Errorf("haldevice: map memory: %w", device.ErrInvalidHandle)
	}
	if offset > hm.Size() || size > hm.Size()-offset {
		return nil, fmt.Errorf("haldevice: map [%d, %d+%d) of %d bytes: %w",
			offset, offset, size, hm.Size(), device.ErrMapRange)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if hm.mapped {
		return nil, device.ErrAlreadyMapped
	}
	hm.mapped = true
	end := offset + size
	return hm.data[offset:end:end], nil
}

// UnmapMemory ends the mapping of m.
func (d *Device) UnmapMemory(m device.Memory) error {
	hm, ok := m.(*memory)
	if !ok {
		return fmt.Errorf("haldevice: unmap memory: %w", device.ErrInvalidHandle)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !hm.mapped {
		return ErrNotMapped
	}
	hm.mapped = false
	return nil
}

// host returns the allocation bytes backing b.
func (b *buffer) host() []byte {
	end := b.offset + b.size
	return b.mem.data[b.offset:end:end]
}

// =============================================================================
// Kernels, layouts and descriptor sets
// =============================================================================

type shaderKernel struct {
	module hal.ShaderModule
	entry  string
}

func (k *shaderKernel) EntryPoint() string { return k.entry }

type setLayout struct {
	layout hal.BindGroupLayout
	kinds  map[uint32]device.BufferKind
}

type pipeline struct {
	label    string
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

type binding struct {
	buf    *buffer
	offset uint64
	size   uint64
}

type descriptorSet struct {
	layout *setLayout

	mu       sync.Mutex
	bindings map[uint32]binding
	group    hal.BindGroup
	dirty    bool
}

// CreateKernel creates a HAL shader module from SPIR-V words.
func (d *Device) CreateKernel(desc *device.KernelDescriptor) (device.Kernel, error) {
	if desc == nil {
		return nil, fmt.Errorf("haldevice: create kernel: %w", device.ErrInvalidHandle)
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	mod, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.Code},
	})
	if err != nil {
		return nil, fmt.Errorf("haldevice: create kernel %q: %w", desc.Label, err)
	}
	return &shaderKernel{module: mod, entry: entry}, nil
}

// DestroyKernel destroys the shader module of k.
func (d *Device) DestroyKernel(k device.Kernel) {
	if hk, ok := k.(*shaderKernel); ok && hk.module != nil {
		d.dev.DestroyShaderModule(hk.module)
		hk.module = nil
	}
}

// CreateSetLayout creates a HAL bind group layout visible to compute.
func (d *Device) CreateSetLayout(bindings []device.LayoutBinding) (device.SetLayout, error) {
	l := &setLayout{kinds: make(map[uint32]device.BufferKind, len(bindings))}
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(bindings))
	for _, b := range bindings {
		if _, dup := l.kinds[b.Binding]; dup {
			return nil, fmt.Errorf("haldevice: create set layout: duplicate binding %d", b.Binding)
		}
		l.kinds[b.Binding] = b.Kind

		typ := gputypes.BufferBindingTypeStorage
		if b.Kind == device.Uniform {
			typ = gputypes.BufferBindingTypeUniform
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		})
	}

	var err error
	l.layout, err = d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   d.cfg.label + "_set_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("haldevice: create set layout: %w", err)
	}
	return l, nil
}

// DestroySetLayout destroys the HAL bind group layout of l.
func (d *Device) DestroySetLayout(l device.SetLayout) {
	if hl, ok := l.(*setLayout); ok && hl.layout != nil {
		d.dev.DestroyBindGroupLayout(hl.layout)
		hl.layout = nil
	}
}

// CreatePipeline creates a HAL pipeline layout and compute pipeline.
func (d *Device) CreatePipeline(desc *device.PipelineDescriptor) (device.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("haldevice: create pipeline: %w", device.ErrInvalidHandle)
	}
	k, ok := desc.Kernel.(*shaderKernel)
	if !ok || k.module == nil {
		return nil, fmt.Errorf("haldevice: create pipeline %q: kernel: %w", desc.Label, device.ErrInvalidHandle)
	}
	layouts := make([]hal.BindGroupLayout, len(desc.SetLayouts))
	for i, l := range desc.SetLayouts {
		hl, ok := l.(*setLayout)
		if !ok {
			return nil, fmt.Errorf("haldevice: create pipeline %q: set layout %d: %w", desc.Label, i, device.ErrInvalidHandle)
		}
		layouts[i] = hl.layout
	}

	p := &pipeline{label: desc.Label}
	var err error
	p.layout, err = d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_layout",
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return nil, fmt.Errorf("haldevice: create pipeline layout %q: %w", desc.Label, err)
	}
	p.pipeline, err = d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  p.layout,
		Compute: hal.ComputeState{Module: k.module, EntryPoint: k.entry},
	})
	if err != nil {
		d.dev.DestroyPipelineLayout(p.layout)
		return nil, fmt.Errorf("haldevice: create pipeline %q: %w", desc.Label, err)
	}
	return p, nil
}

// DestroyPipeline destroys the HAL pipeline and its layout.
func (d *Device) DestroyPipeline(p device.Pipeline) {
	hp, ok := p.(*pipeline)
	if !ok {
		return
	}
	if hp.pipeline != nil {
		d.dev.DestroyComputePipeline(hp.pipeline)
		hp.pipeline = nil
	}
	if hp.layout != nil {
		d.dev.DestroyPipelineLayout(hp.layout)
		hp.layout = nil
	}
}

// AllocateDescriptorSet allocates an empty descriptor set. The HAL bind
// group is created when the set is first submitted.
func (d *Device) AllocateDescriptorSet(l device.SetLayout) (device.DescriptorSet, error) {
	hl, ok := l.(*setLayout)
	if !ok {
		return nil, fmt.Errorf("haldevice: allocate descriptor set: %w", device.ErrInvalidHandle)
	}
	return &descriptorSet{layout: hl, bindings: make(map[uint32]binding, len(hl.kinds))}, nil
}

// WriteDescriptorSet attaches buffer ranges to the bindings of s.
func (d *Device) WriteDescriptorSet(s device.DescriptorSet, writes []device.DescriptorWrite) error {
	ds, ok := s.(*descriptorSet)
	if !ok {
		return fmt.Errorf("haldevice: write descriptor set: %w", device.ErrInvalidHandle)
	}

	pending := make(map[uint32]binding, len(writes))
	for _, w := range writes {
		kind, ok := ds.layout.kinds[w.Binding]
		if !ok {
			return fmt.Errorf("haldevice: write descriptor set: binding %d not in layout", w.Binding)
		}
		if kind != w.Kind {
			return fmt.Errorf("haldevice: write descriptor set: binding %d is %s, got %s", w.Binding, kind, w.Kind)
		}
		b, ok := w.Buffer.(*buffer)
		if !ok || b.gpu == nil {
			return fmt.Errorf("haldevice: write descriptor set: binding %d: %w", w.Binding, device.ErrInvalidHandle)
		}
		size := w.Size
		if size == 0 && w.Offset <= b.size {
			size = b.size - w.Offset
		}
		if w.Offset > b.size || size > b.size-w.Offset {
			return fmt.Errorf("haldevice: write descriptor set: binding %d range %d+%d past size %d: %w",
				w.Binding, w.Offset, size, b.size, device.ErrMapRange)
		}
		pending[w.Binding] = binding{buf: b, offset: w.Offset, size: size}
	}

	ds.mu.Lock()
	for k, v := range pending {
		ds.bindings[k] = v
	}
	ds.dirty = true
	ds.mu.Unlock()
	return nil
}

// bindGroup returns the HAL bind group of ds, creating it after writes.
func (d *Device) bindGroup(ds *descriptorSet) (hal.BindGroup, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.dirty && ds.group != nil {
		return ds.group, nil
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(ds.bindings))
	for idx, b := range ds.bindings {
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: idx,
			Resource: gputypes.BufferBinding{
				Buffer: b.buf.gpu.NativeHandle(),
				Offset: b.offset,
				Size:   alignUp(max(b.size, copyAlignment), copyAlignment),
			},
		})
	}
	group, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   d.cfg.label + "_set",
		Layout:  ds.layout.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("haldevice: create bind group: %w", err)
	}
	if ds.group != nil {
		d.dev.DestroyBindGroup(ds.group)
	}
	ds.group = group
	ds.dirty = false
	return group, nil
}

// buffers returns the buffers attached to ds.
func (ds *descriptorSet) buffers() []*buffer {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]*buffer, 0, len(ds.bindings))
	for _, b := range ds.bindings {
		out = append(out, b.buf)
	}
	return out
}

// FreeDescriptorSet destroys the HAL bind group of s.
func (d *Device) FreeDescriptorSet(s device.DescriptorSet) {
	ds, ok := s.(*descriptorSet)
	if !ok {
		return
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.group != nil {
		d.dev.DestroyBindGroup(ds.group)
		ds.group = nil
	}
}

// =============================================================================
// Command buffers
// =============================================================================

type opcode uint8

const (
	opBindPipeline opcode = iota
	opBindSet
	opDispatch
	opBarrier
)

type command struct {
	op       opcode
	pipeline *pipeline
	index    uint32
	set      *descriptorSet
	groups   [3]uint32
	barriers []device.BufferBarrier
}

type commandBuffer struct {
	label string
	cmds  []command
	ended bool
	err   error
}

func (cb *commandBuffer) BindPipeline(p device.Pipeline) {
	hp, ok := p.(*pipeline)
	if !ok {
		cb.fail(fmt.Errorf("haldevice: bind pipeline: %w", device.ErrInvalidHandle))
		return
	}
	cb.record(command{op: opBindPipeline, pipeline: hp})
}

func (cb *commandBuffer) BindDescriptorSet(index uint32, set device.DescriptorSet) {
	ds, ok := set.(*descriptorSet)
	if !ok {
		cb.fail(fmt.Errorf("haldevice: bind descriptor set %d: %w", index, device.ErrInvalidHandle))
		return
	}
	cb.record(command{op: opBindSet, index: index, set: ds})
}

func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	cb.record(command{op: opDispatch, groups: [3]uint32{x, y, z}})
}

func (cb *commandBuffer) Barrier(barriers []device.BufferBarrier) {
	cb.record(command{op: opBarrier, barriers: append([]device.BufferBarrier(nil), barriers...)})
}

func (cb *commandBuffer) End() error {
	if cb.err != nil {
		return cb.err
	}
	cb.ended = true
	return nil
}

func (cb *commandBuffer) record(c command) {
	if cb.ended {
		cb.fail(fmt.Errorf("haldevice: command buffer %q: record after End", cb.label))
		return
	}
	cb.cmds = append(cb.cmds, c)
}

func (cb *commandBuffer) fail(err error) {
	if cb.err == nil {
		cb.err = err
	}
}

// CreateCommandBuffer creates a command buffer in the recording state.
// Commands are replayed into a HAL encoder at Submit.
func (d *Device) CreateCommandBuffer(label string) (device.CommandBuffer, error) {
	if d.destroyed.Load() {
		return nil, device.ErrDeviceLost
	}
	return &commandBuffer{label: label}, nil
}

// FreeCommandBuffer drops the recorded commands.
func (d *Device) FreeCommandBuffer(cb device.CommandBuffer) {
	if hcb, ok := cb.(*commandBuffer); ok {
		hcb.cmds = nil
	}
}

// =============================================================================
// Fences and submission
// =============================================================================

type fence struct {
	state     atomic.Uint32
	submitted atomic.Bool
	done      chan struct{}
}

func (f *fence) load() device.FenceState { return device.FenceState(f.state.Load()) }

func (f *fence) signal(s device.FenceState) {
	f.state.Store(uint32(s))
	close(f.done)
}

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence() (device.Fence, error) {
	f := &fence{done: make(chan struct{})}
	f.state.Store(uint32(device.FenceUnsignaled))
	return f, nil
}

// DestroyFence is a no-op.
func (d *Device) DestroyFence(device.Fence) {}

// submission is one HAL submit in flight.
type submission struct {
	index    uint64
	encoder  hal.CommandEncoder
	cmdBuf   hal.CommandBuffer
	readback []*buffer
	fence    *fence
}

// Submit uploads every buffer the command buffers bind, encodes their
// commands into one HAL command buffer and submits it. The fence signals
// after storage buffers have been copied back into their allocations.
func (d *Device) Submit(cbs []device.CommandBuffer, f device.Fence) error {
	if d.destroyed.Load() {
		return device.ErrDeviceLost
	}
	hf, ok := f.(*fence)
	if !ok {
		return fmt.Errorf("haldevice: submit: fence: %w", device.ErrInvalidHandle)
	}
	recorded := make([]*commandBuffer, len(cbs))
	for i, cb := range cbs {
		hcb, ok := cb.(*commandBuffer)
		if !ok {
			return fmt.Errorf("haldevice: submit: command buffer %d: %w", i, device.ErrInvalidHandle)
		}
		if !hcb.ended {
			return fmt.Errorf("haldevice: submit %q: %w", hcb.label, device.ErrNotRecorded)
		}
		recorded[i] = hcb
	}
	if !d.pending.Begin() {
		return device.ErrDeviceLost
	}
	if !hf.submitted.CompareAndSwap(false, true) {
		d.pending.Done()
		return device.ErrFenceInUse
	}

	d.submitMu.Lock()
	sub, err := d.encode(recorded)
	if err == nil {
		sub.index, err = d.queue.Submit([]hal.CommandBuffer{sub.cmdBuf})
		if err != nil {
			sub.release(d)
			err = fmt.Errorf("haldevice: queue submit: %w", err)
		}
	}
	d.submitMu.Unlock()
	if err != nil {
		hf.submitted.Store(false)
		d.pending.Done()
		return err
	}

	sub.fence = hf
	go d.complete(sub)
	return nil
}

// encode uploads bound buffers and replays cbs into a HAL command buffer.
func (d *Device) encode(cbs []*commandBuffer) (*submission, error) {
	bound := make(map[*buffer]bool)
	for _, cb := range cbs {
		for _, c := range cb.cmds {
			if c.op != opBindSet {
				continue
			}
			for _, b := range c.set.buffers() {
				bound[b] = true
			}
		}
	}

	sub := &submission{}
	for b := range bound {
		if b.mem == nil || b.mem.data == nil {
			return nil, fmt.Errorf("haldevice: buffer %q has no memory: %w", b.label, device.ErrInvalidHandle)
		}
		if err := d.queue.WriteBuffer(b.gpu, 0, padded(b.host(), b.gpuSize)); err != nil {
			return nil, fmt.Errorf("haldevice: upload %q: %w", b.label, err)
		}
		if b.kind == device.Storage {
			sub.readback = append(sub.readback, b)
		}
	}

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: d.cfg.label + "_encoder"})
	if err != nil {
		return nil, fmt.Errorf("haldevice: create command encoder: %w", err)
	}
	sub.encoder = encoder
	if err := encoder.BeginEncoding(d.cfg.label); err != nil {
		encoder.Destroy()
		return nil, fmt.Errorf("haldevice: begin encoding: %w", err)
	}

	for _, cb := range cbs {
		if err := d.replay(encoder, cb); err != nil {
			encoder.DiscardEncoding()
			encoder.Destroy()
			return nil, err
		}
	}
	for _, b := range sub.readback {
		encoder.CopyBufferToBuffer(b.gpu, b.staging, []hal.BufferCopy{{Size: b.gpuSize}})
	}

	sub.cmdBuf, err = encoder.EndEncoding()
	if err != nil {
		encoder.Destroy()
		return nil, fmt.Errorf("haldevice: end encoding: %w", err)
	}
	return sub, nil
}

// replay encodes one recorded command buffer. Each dispatch runs in its own
// compute pass with the currently bound pipeline and sets.
func (d *Device) replay(encoder hal.CommandEncoder, cb *commandBuffer) error {
	var (
		bound *pipeline
		sets  = make(map[uint32]hal.BindGroup)
	)
	for _, c := range cb.cmds {
		switch c.op {
		case opBindPipeline:
			bound = c.pipeline
		case opBindSet:
			group, err := d.bindGroup(c.set)
			if err != nil {
				return err
			}
			sets[c.index] = group
		case opDispatch:
			if bound == nil {
				return fmt.Errorf("haldevice: %q: dispatch without pipeline", cb.label)
			}
			pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: cb.label})
			pass.SetPipeline(bound.pipeline)
			for idx, group := range sets {
				pass.SetBindGroup(idx, group, nil)
			}
			pass.Dispatch(c.groups[0], c.groups[1], c.groups[2])
			pass.End()
		case opBarrier:
			barriers := make([]hal.BufferBarrier, 0, len(c.barriers))
			for _, b := range c.barriers {
				hb, ok := b.Buffer.(*buffer)
				if !ok || hb.gpu == nil {
					continue
				}
				barriers = append(barriers, hal.BufferBarrier{
					Buffer: hb.gpu,
					Usage: hal.BufferUsageTransition{
						OldUsage: gputypes.BufferUsageStorage,
						NewUsage: gputypes.BufferUsageStorage,
					},
				})
			}
			encoder.TransitionBuffers(barriers)
		}
	}
	return nil
}

// padded returns data extended with zeros to size bytes.
func padded(data []byte, size uint64) []byte {
	if uint64(len(data)) == size {
		return data
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}

// complete waits for sub on the queue, reads storage buffers back and
// signals its fence.
func (d *Device) complete(sub *submission) {
	defer d.pending.Done()
	defer sub.release(d)

	state := device.FenceSignaled
	if err := d.waitSubmission(sub.index); err != nil {
		device.Logger().Error("haldevice: submission failed", "index", sub.index, "err", err)
		sub.fence.signal(device.FenceLost)
		return
	}
	for _, b := range sub.readback {
		if err := d.readBack(b); err != nil {
			device.Logger().Error("haldevice: readback failed", "buffer", b.label, "err", err)
			state = device.FenceLost
			break
		}
	}
	sub.fence.signal(state)
}

func (d *Device) waitSubmission(index uint64) error {
	if d.queue.PollCompleted() >= index {
		return nil
	}
	return d.dev.WaitIdle()
}

// readBack copies the staging buffer of b into its allocation.
func (d *Device) readBack(b *buffer) error {
	mapping, err := d.dev.MapBuffer(b.staging, 0, b.gpuSize)
	if err != nil {
		return err
	}
	src := unsafe.Slice((*byte)(mapping.Ptr), b.gpuSize)
	copy(b.host(), src)
	return d.dev.UnmapBuffer(b.staging)
}

func (s *submission) release(d *Device) {
	if s.cmdBuf != nil {
		d.dev.FreeCommandBuffer(s.cmdBuf)
		s.cmdBuf = nil
	}
	if s.encoder != nil {
		s.encoder.Destroy()
		s.encoder = nil
	}
}

// FenceStatus returns the state of f without blocking.
func (d *Device) FenceStatus(f device.Fence) device.FenceState {
	hf, ok := f.(*fence)
	if !ok {
		return device.FenceUnknown
	}
	return hf.load()
}

// WaitFence waits up to timeout for f to leave the unsignaled state.
// A timeout <= 0 polls.
func (d *Device) WaitFence(f device.Fence, timeout time.Duration) (device.FenceState, error) {
	hf, ok := f.(*fence)
	if !ok {
		return device.FenceUnknown, fmt.Errorf("haldevice: wait fence: %w", device.ErrInvalidHandle)
	}
	if timeout <= 0 {
		return hf.load(), nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-hf.done:
	case <-timer.C:
	}
	return hf.load(), nil
}

// WaitIdle blocks until every submission has completed and been read back.
func (d *Device) WaitIdle() error {
	d.pending.Wait()
	if err := d.dev.WaitIdle(); err != nil {
		if errors.Is(err, hal.ErrDeviceLost) {
			return fmt.Errorf("haldevice: %w", device.ErrDeviceLost)
		}
		return fmt.Errorf("haldevice: wait idle: %w", err)
	}
	return nil
}

// Destroy waits for pending work and releases the HAL device if Open
// created it.
func (d *Device) Destroy() {
	d.destroyed.Store(true)
	if !d.pending.Close() {
		return
	}
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

var _ device.Device = (*Device)(nil)
