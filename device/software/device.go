// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package software implements device.Device on the host CPU.
//
// Memory allocations are plain byte slices split across two heaps: a
// device-local heap and a host heap. Kernels are SPIR-V modules run by the
// gogpu/wgpu shader interpreter. Submissions execute on their own goroutine,
// so fences behave like real GPU fences: Submit returns immediately and the
// fence signals once every command buffer has run.
//
// Importing the package registers the device under device.BackendSoftware.
package software

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/internal/inflight"
	"github.com/gogpu/wgpu/hal/software/shader"
)

// Software device errors.
var (
	// ErrMisaligned is returned when a buffer is bound at an offset that does
	// not satisfy its alignment requirement.
	ErrMisaligned = errors.New("software: misaligned buffer offset")

	// ErrNotMapped is returned when unmapping memory that is not mapped.
	ErrNotMapped = errors.New("software: memory not mapped")

	// ErrUnboundResource is returned when a dispatch references a kernel
	// binding with no buffer attached.
	ErrUnboundResource = errors.New("software: kernel binding has no buffer")
)

func init() {
	device.Register(device.BackendSoftware, func() (device.Device, error) {
		return New(), nil
	})
}

// Device is a CPU implementation of device.Device.
//
// Device is safe for concurrent use.
type Device struct {
	cfg config

	mu       sync.Mutex
	heapUsed []uint64

	pending   inflight.Counter
	destroyed atomic.Bool
}

// New creates a software device.
func New(opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Device{
		cfg:      cfg,
		heapUsed: make([]uint64, 2),
	}
}

// Info describes the device as a software adapter.
func (d *Device) Info() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: d.cfg.name, Type: gpucontext.AdapterTypeSoftware}
}

// MemoryProperties returns the configured memory types over two heaps of
// equal size.
func (d *Device) MemoryProperties() device.MemoryProperties {
	return device.MemoryProperties{
		Types: append([]device.MemoryType(nil), d.cfg.memoryTypes...),
		Heaps: []device.MemoryHeap{{Size: d.cfg.heapSize}, {Size: d.cfg.heapSize}},
	}
}

// =============================================================================
// Buffers and memory
// =============================================================================

type buffer struct {
	dev   *Device
	label string
	size  uint64
	kind  device.BufferKind

	// Set by BindBufferMemory.
	mem    *memory
	offset uint64
}

func (b *buffer) Size() uint64 { return b.size }

type memory struct {
	dev       *Device
	typeIndex int
	data      []byte
	mapped    bool // guarded by dev.mu
}

func (m *memory) Size() uint64 { return uint64(len(m.data)) }

// CreateBuffer creates an unbound buffer.
func (d *Device) CreateBuffer(desc *device.BufferDescriptor) (device.Buffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("software: create buffer: %w", device.ErrInvalidHandle)
	}
	if limit := d.cfg.limits.MaxBufferSize; limit > 0 && desc.Size > limit {
		return nil, fmt.Errorf("software: create buffer %q: size %d exceeds limit %d: %w",
			desc.Label, desc.Size, limit, device.ErrOutOfDeviceMemory)
	}
	return &buffer{dev: d, label: desc.Label, size: desc.Size, kind: desc.Kind}, nil
}

// DestroyBuffer destroys a buffer. The memory it was bound to is unaffected.
func (d *Device) DestroyBuffer(b device.Buffer) {
	if sb, ok := b.(*buffer); ok && sb.dev == d {
		sb.mem = nil
	}
}

// BufferRequirements returns the size, alignment and allowed memory types of b.
// Every memory type can back every buffer.
func (d *Device) BufferRequirements(b device.Buffer) device.MemoryRequirements {
	sb, ok := b.(*buffer)
	if !ok {
		return device.MemoryRequirements{}
	}
	align := d.cfg.storageAlign
	if sb.kind == device.Uniform {
		align = d.cfg.uniformAlign
	}
	return device.MemoryRequirements{
		Size:      sb.size,
		Alignment: max(align, 1),
		TypeBits:  uint32(1)<<len(d.cfg.memoryTypes) - 1,
	}
}

// AllocateMemory allocates size bytes from memory type typeIndex.
func (d *Device) AllocateMemory(size uint64, typeIndex int) (device.Memory, error) {
	if d.destroyed.Load() {
		return nil, device.ErrDeviceLost
	}
	if typeIndex < 0 || typeIndex >= len(d.cfg.memoryTypes) {
		return nil, fmt.Errorf("software: allocate memory: type %d: %w", typeIndex, device.ErrInvalidHandle)
	}
	heap := d.cfg.memoryTypes[typeIndex].HeapIndex
	if heap < 0 || heap >= len(d.heapUsed) {
		return nil, fmt.Errorf("software: allocate memory: heap %d: %w", heap, device.ErrInvalidHandle)
	}

	d.mu.Lock()
	if d.heapUsed[heap]+size > d.cfg.heapSize || d.heapUsed[heap]+size < size {
		used := d.heapUsed[heap]
		d.mu.Unlock()
		return nil, fmt.Errorf("software: allocate %d bytes (heap %d, %d/%d used): %w",
			size, heap, used, d.cfg.heapSize, device.ErrOutOfDeviceMemory)
	}
	d.heapUsed[heap] += size
	d.mu.Unlock()

	device.Logger().Debug("software: memory allocated", "size", size, "type", typeIndex)
	return &memory{dev: d, typeIndex: typeIndex, data: make([]byte, size)}, nil
}

// FreeMemory returns an allocation to its heap.
func (d *Device) FreeMemory(m device.Memory) {
	sm, ok := m.(*memory)
	if !ok || sm.dev != d || sm.data == nil {
		return
	}
	heap := d.cfg.memoryTypes[sm.typeIndex].HeapIndex

	d.mu.Lock()
	d.heapUsed[heap] -= uint64(len(sm.data))
	sm.mapped = false
	d.mu.Unlock()
	sm.data = nil
}

// BindBufferMemory places b in m at offset.
func (d *Device) BindBufferMemory(b device.Buffer, m device.Memory, offset uint64) error {
	sb, ok := b.(*buffer)
	if !ok || sb.dev != d {
		return fmt.Errorf("software: bind buffer: %w", device.ErrInvalidHandle)
	}
	sm, ok := m.(*memory)
	if !ok || sm.dev != d || sm.data == nil {
		return fmt.Errorf("software: bind buffer %q: memory: %w", sb.label, device.ErrInvalidHandle)
	}
	if sb.mem != nil {
		return fmt.Errorf("software: bind buffer %q: already bound: %w", sb.label, device.ErrInvalidHandle)
	}
	req := d.BufferRequirements(sb)
	if offset%req.Alignment != 0 {
		return fmt.Errorf("%w: %q at %d (alignment %d)", ErrMisaligned, sb.label, offset, req.Alignment)
	}
	if offset > sm.Size() || sb.size > sm.Size()-offset {
		return fmt.Errorf("software: bind buffer %q at %d+%d in %d bytes: %w",
			sb.label, offset, sb.size, sm.Size(), device.ErrMapRange)
	}
	sb.mem = sm
	sb.offset = offset
	return nil
}

// MapMemory returns a view of [offset, offset+size) of m.
func (d *Device) MapMemory(m device.Memory, offset, size uint64) ([]byte, error) {
	sm, ok := m.(*memory)
	if !ok || sm.dev != d || sm.data == nil {
		return nil, fmt.Errorf("software: map memory: %w", device.ErrInvalidHandle)
	}
	if !d.cfg.memoryTypes[sm.typeIndex].Properties.Has(device.MemoryHostVisible) {
		return nil, fmt.Errorf("software: map memory: type %d is not host visible: %w",
			sm.typeIndex, device.ErrInvalidHandle)
	}
	if offset > sm.Size() || size > sm.Size()-offset {
		return nil, fmt.Errorf("software: map [%d, %d+%d) of %d bytes: %w",
			offset, offset, size, sm.Size(), device.ErrMapRange)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if sm.mapped {
		return nil, device.ErrAlreadyMapped
	}
	sm.mapped = true
	end := offset + size
	return sm.data[offset:end:end], nil
}

// UnmapMemory ends the mapping of m.
func (d *Device) UnmapMemory(m device.Memory) error {
	sm, ok := m.(*memory)
	if !ok || sm.dev != d {
		return fmt.Errorf("software: unmap memory: %w", device.ErrInvalidHandle)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !sm.mapped {
		return ErrNotMapped
	}
	sm.mapped = false
	return nil
}

// view returns the bytes of b in [off, off+size). A size of 0 selects the
// rest of the buffer.
func (b *buffer) view(off, size uint64) ([]byte, error) {
	if b.mem == nil || b.mem.data == nil {
		return nil, fmt.Errorf("software: buffer %q has no memory: %w", b.label, device.ErrInvalidHandle)
	}
	if off > b.size {
		return nil, fmt.Errorf("software: buffer %q offset %d past size %d: %w", b.label, off, b.size, device.ErrMapRange)
	}
	if size == 0 {
		size = b.size - off
	}
	if size > b.size-off {
		return nil, fmt.Errorf("software: buffer %q range %d+%d past size %d: %w",
			b.label, off, size, b.size, device.ErrMapRange)
	}
	start := b.offset + off
	end := start + size
	return b.mem.data[start:end:end], nil
}

// =============================================================================
// Kernels, layouts and descriptor sets
// =============================================================================

type computeKernel struct {
	label  string
	entry  string
	module *shader.Module

	// bindings the entry point reads or writes.
	bindings []shader.BindingKey
}

func (k *computeKernel) EntryPoint() string { return k.entry }

type setLayout struct {
	kinds map[uint32]device.BufferKind
}

type pipeline struct {
	label   string
	kernel  *computeKernel
	layouts []*setLayout
}

type descriptorSet struct {
	layout *setLayout

	mu    sync.Mutex
	views map[uint32][]byte
}

// CreateKernel parses a SPIR-V kernel and checks that its entry point is a
// compute entry point.
func (d *Device) CreateKernel(desc *device.KernelDescriptor) (device.Kernel, error) {
	if desc == nil {
		return nil, fmt.Errorf("software: create kernel: %w", device.ErrInvalidHandle)
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}

	mod, err := shader.ParseModule(desc.Code)
	if err != nil {
		return nil, fmt.Errorf("software: create kernel %q: %w", desc.Label, err)
	}
	ep, ok := mod.EntryPoints[entry]
	if !ok || ep.ExecutionModel != shader.ExecutionModelGLCompute {
		return nil, fmt.Errorf("software: create kernel %q: no compute entry point %q", desc.Label, entry)
	}

	k := &computeKernel{label: desc.Label, entry: entry, module: mod}
	for id, v := range mod.Variables {
		if v.StorageClass != shader.StorageClassStorageBuffer && v.StorageClass != shader.StorageClassUniform {
			continue
		}
		if bk, ok := mod.GetBinding(id); ok {
			k.bindings = append(k.bindings, bk)
		}
	}
	return k, nil
}

// DestroyKernel is a no-op; kernels hold no device resources.
func (d *Device) DestroyKernel(device.Kernel) {}

// CreateSetLayout creates a set layout. Binding indices must be unique.
func (d *Device) CreateSetLayout(bindings []device.LayoutBinding) (device.SetLayout, error) {
	l := &setLayout{kinds: make(map[uint32]device.BufferKind, len(bindings))}
	for _, b := range bindings {
		if _, dup := l.kinds[b.Binding]; dup {
			return nil, fmt.Errorf("software: create set layout: duplicate binding %d", b.Binding)
		}
		l.kinds[b.Binding] = b.Kind
	}
	return l, nil
}

// DestroySetLayout is a no-op.
func (d *Device) DestroySetLayout(device.SetLayout) {}

// CreatePipeline creates a compute pipeline from a kernel and its set layouts.
func (d *Device) CreatePipeline(desc *device.PipelineDescriptor) (device.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("software: create pipeline: %w", device.ErrInvalidHandle)
	}
	k, ok := desc.Kernel.(*computeKernel)
	if !ok {
		return nil, fmt.Errorf("software: create pipeline %q: kernel: %w", desc.Label, device.ErrInvalidHandle)
	}
	if limit := d.cfg.limits.MaxBindGroups; limit > 0 && uint32(len(desc.SetLayouts)) > limit {
		return nil, fmt.Errorf("software: create pipeline %q: %d set layouts exceed limit %d",
			desc.Label, len(desc.SetLayouts), limit)
	}

	p := &pipeline{label: desc.Label, kernel: k, layouts: make([]*setLayout, len(desc.SetLayouts))}
	for i, l := range desc.SetLayouts {
		sl, ok := l.(*setLayout)
		if !ok {
			return nil, fmt.Errorf("software: create pipeline %q: set layout %d: %w", desc.Label, i, device.ErrInvalidHandle)
		}
		p.layouts[i] = sl
	}
	return p, nil
}

// DestroyPipeline is a no-op.
func (d *Device) DestroyPipeline(device.Pipeline) {}

// AllocateDescriptorSet allocates an empty descriptor set for l.
func (d *Device) AllocateDescriptorSet(l device.SetLayout) (device.DescriptorSet, error) {
	sl, ok := l.(*setLayout)
	if !ok {
		return nil, fmt.Errorf("software: allocate descriptor set: %w", device.ErrInvalidHandle)
	}
	return &descriptorSet{layout: sl, views: make(map[uint32][]byte, len(sl.kinds))}, nil
}

// WriteDescriptorSet attaches buffer ranges to the bindings of s.
func (d *Device) WriteDescriptorSet(s device.DescriptorSet, writes []device.DescriptorWrite) error {
	ds, ok := s.(*descriptorSet)
	if !ok {
		return fmt.Errorf("software: write descriptor set: %w", device.ErrInvalidHandle)
	}

	views := make(map[uint32][]byte, len(writes))
	for _, w := range writes {
		kind, ok := ds.layout.kinds[w.Binding]
		if !ok {
			return fmt.Errorf("software: write descriptor set: binding %d not in layout", w.Binding)
		}
		if kind != w.Kind {
			return fmt.Errorf("software: write descriptor set: binding %d is %s, got %s", w.Binding, kind, w.Kind)
		}
		b, ok := w.Buffer.(*buffer)
		if !ok || b.dev != d {
			return fmt.Errorf("software: write descriptor set: binding %d: %w", w.Binding, device.ErrInvalidHandle)
		}
		v, err := b.view(w.Offset, w.Size)
		if err != nil {
			return fmt.Errorf("software: write descriptor set: binding %d: %w", w.Binding, err)
		}
		views[w.Binding] = v
	}

	ds.mu.Lock()
	for k, v := range views {
		ds.views[k] = v
	}
	ds.mu.Unlock()
	return nil
}

// FreeDescriptorSet is a no-op.
func (d *Device) FreeDescriptorSet(device.DescriptorSet) {}

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
}

type commandBuffer struct {
	label string
	cmds  []command
	ended bool
	err   error
}

// BindPipeline records a pipeline bind.
func (cb *commandBuffer) BindPipeline(p device.Pipeline) {
	sp, ok := p.(*pipeline)
	if !ok {
		cb.fail(fmt.Errorf("software: bind pipeline: %w", device.ErrInvalidHandle))
		return
	}
	cb.record(command{op: opBindPipeline, pipeline: sp})
}

// BindDescriptorSet records a descriptor set bind at index.
func (cb *commandBuffer) BindDescriptorSet(index uint32, set device.DescriptorSet) {
	ds, ok := set.(*descriptorSet)
	if !ok {
		cb.fail(fmt.Errorf("software: bind descriptor set %d: %w", index, device.ErrInvalidHandle))
		return
	}
	cb.record(command{op: opBindSet, index: index, set: ds})
}

// Dispatch records a dispatch over x*y*z workgroups.
func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	cb.record(command{op: opDispatch, groups: [3]uint32{x, y, z}})
}

// Barrier records a barrier. Commands already run in submission order, so
// barriers only mark ordering points in the recorded stream.
func (cb *commandBuffer) Barrier([]device.BufferBarrier) {
	cb.record(command{op: opBarrier})
}

// End finishes recording and reports the first recording error.
func (cb *commandBuffer) End() error {
	if cb.err != nil {
		return cb.err
	}
	cb.ended = true
	return nil
}

func (cb *commandBuffer) record(c command) {
	if cb.ended {
		cb.fail(fmt.Errorf("software: command buffer %q: record after End", cb.label))
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
func (d *Device) CreateCommandBuffer(label string) (device.CommandBuffer, error) {
	if d.destroyed.Load() {
		return nil, device.ErrDeviceLost
	}
	return &commandBuffer{label: label}, nil
}

// FreeCommandBuffer drops the recorded commands.
func (d *Device) FreeCommandBuffer(cb device.CommandBuffer) {
	if scb, ok := cb.(*commandBuffer); ok {
		scb.cmds = nil
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

// Submit runs cbs in order on a new goroutine and signals fence when they
// complete. A command that fails marks the fence lost.
func (d *Device) Submit(cbs []device.CommandBuffer, f device.Fence) error {
	if d.destroyed.Load() {
		return device.ErrDeviceLost
	}
	sf, ok := f.(*fence)
	if !ok {
		return fmt.Errorf("software: submit: fence: %w", device.ErrInvalidHandle)
	}

	work := make([][]command, len(cbs))
	for i, cb := range cbs {
		scb, ok := cb.(*commandBuffer)
		if !ok {
			return fmt.Errorf("software: submit: command buffer %d: %w", i, device.ErrInvalidHandle)
		}
		if !scb.ended {
			return fmt.Errorf("software: submit %q: %w", scb.label, device.ErrNotRecorded)
		}
		work[i] = scb.cmds
	}

	if !d.pending.Begin() {
		return device.ErrDeviceLost
	}
	if !sf.submitted.CompareAndSwap(false, true) {
		d.pending.Done()
		return device.ErrFenceInUse
	}
	go d.execute(work, sf)
	return nil
}

func (d *Device) execute(work [][]command, f *fence) {
	defer d.pending.Done()

	state := device.FenceSignaled
	for i, cmds := range work {
		if err := run(cmds); err != nil {
			device.Logger().Error("software: command buffer failed", "index", i, "err", err)
			state = device.FenceLost
			break
		}
	}
	f.signal(state)
}

// run executes one command buffer.
func run(cmds []command) error {
	var (
		bound *pipeline
		sets  = make(map[uint32]*descriptorSet)
	)
	for _, c := range cmds {
		switch c.op {
		case opBindPipeline:
			bound = c.pipeline
		case opBindSet:
			sets[c.index] = c.set
		case opDispatch:
			if bound == nil {
				return errors.New("software: dispatch without pipeline")
			}
			if c.groups[0] == 0 || c.groups[1] == 0 || c.groups[2] == 0 {
				continue
			}
			if err := dispatch(bound, sets, c.groups); err != nil {
				return err
			}
		case opBarrier:
		}
	}
	return nil
}

func dispatch(p *pipeline, sets map[uint32]*descriptorSet, groups [3]uint32) error {
	buffers := make(map[shader.BindingKey][]byte)
	for index, ds := range sets {
		ds.mu.Lock()
		for binding, v := range ds.views {
			buffers[shader.BindingKey{Group: index, Binding: binding}] = v
		}
		ds.mu.Unlock()
	}

	k := p.kernel
	for _, bk := range k.bindings {
		if _, ok := buffers[bk]; !ok {
			return fmt.Errorf("%w: %q at %d/%d", ErrUnboundResource, k.label, bk.Group, bk.Binding)
		}
	}

	ctx := &shader.ExecutionContext{Buffers: buffers}
	if err := k.module.DispatchCompute(k.entry, ctx, groups[0], groups[1], groups[2]); err != nil {
		return fmt.Errorf("software: dispatch %q: %w", p.label, err)
	}
	return nil
}

// FenceStatus returns the state of f without blocking.
func (d *Device) FenceStatus(f device.Fence) device.FenceState {
	sf, ok := f.(*fence)
	if !ok {
		return device.FenceUnknown
	}
	return sf.load()
}

// WaitFence waits up to timeout for f to leave the unsignaled state.
// A timeout <= 0 polls.
func (d *Device) WaitFence(f device.Fence, timeout time.Duration) (device.FenceState, error) {
	sf, ok := f.(*fence)
	if !ok {
		return device.FenceUnknown, fmt.Errorf("software: wait fence: %w", device.ErrInvalidHandle)
	}
	if timeout <= 0 {
		return sf.load(), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sf.done:
	case <-timer.C:
	}
	return sf.load(), nil
}

// WaitIdle blocks until every submission has completed.
func (d *Device) WaitIdle() error {
	d.pending.Wait()
	return nil
}

// Destroy waits for pending work and rejects further submissions.
func (d *Device) Destroy() {
	d.destroyed.Store(true)
	d.pending.Close()
}

var _ device.Device = (*Device)(nil)
