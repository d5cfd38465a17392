// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gpucontext"
)

// Common device errors.
var (
	// ErrDeviceLost is returned when the device stopped executing work.
	ErrDeviceLost = errors.New("device: device lost")

	// ErrInvalidHandle is returned when a handle was not created by the device
	// it is passed to, or has already been destroyed.
	ErrInvalidHandle = errors.New("device: invalid handle")

	// ErrOutOfDeviceMemory is returned when an allocation exceeds its heap.
	ErrOutOfDeviceMemory = errors.New("device: out of device memory")

	// ErrMapRange is returned when a mapping falls outside its allocation.
	ErrMapRange = errors.New("device: map range out of bounds")

	// ErrAlreadyMapped is returned when mapping memory that is already mapped.
	ErrAlreadyMapped = errors.New("device: memory already mapped")

	// ErrFenceInUse is returned when submitting with a fence that was already
	// submitted once.
	ErrFenceInUse = errors.New("device: fence already submitted")

	// ErrNotRecorded is returned when submitting a command buffer whose
	// recording has not been ended.
	ErrNotRecorded = errors.New("device: command buffer not ended")
)

// BufferKind tags a buffer with the descriptor type it is bound as.
type BufferKind uint8

const (
	// Storage is a read/write storage buffer (SSBO).
	Storage BufferKind = iota

	// Uniform is a read-only uniform block (UBO).
	Uniform
)

// String returns the kind name.
func (k BufferKind) String() string {
	switch k {
	case Storage:
		return "storage"
	case Uniform:
		return "uniform"
	default:
		return fmt.Sprintf("BufferKind(%d)", uint8(k))
	}
}

// BindPoint is the location a buffer is attached to in a kernel's resource
// layout: descriptor set index and binding index within that set.
type BindPoint struct {
	Set     uint32
	Binding uint32
}

// String returns the bind point in "set/binding" form.
func (b BindPoint) String() string {
	return fmt.Sprintf("%d/%d", b.Set, b.Binding)
}

// MemoryProperty is a bit set describing how a memory type can be accessed.
type MemoryProperty uint32

const (
	// MemoryDeviceLocal memory is fastest for device access.
	MemoryDeviceLocal MemoryProperty = 1 << iota

	// MemoryHostVisible memory can be mapped by the host.
	MemoryHostVisible

	// MemoryHostCoherent memory needs no explicit flush or invalidate.
	MemoryHostCoherent

	// MemoryHostCached memory is cached on the host.
	MemoryHostCached
)

// Has reports whether all bits of f are set in p.
func (p MemoryProperty) Has(f MemoryProperty) bool { return p&f == f }

// MemoryType is one entry of the device memory type table.
type MemoryType struct {
	Properties MemoryProperty
	HeapIndex  int
}

// MemoryHeap is a physical pool of memory backing one or more memory types.
type MemoryHeap struct {
	Size uint64
}

// MemoryProperties is the device memory type and heap table.
type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

// MemoryRequirements are the placement constraints the device reports for
// one buffer.
type MemoryRequirements struct {
	// Size is the number of bytes the buffer occupies in memory.
	Size uint64

	// Alignment is the required alignment of the buffer's memory offset.
	Alignment uint64

	// TypeBits has bit i set when memory type i can back the buffer.
	TypeBits uint32
}

// FenceState is the host-observable state of a fence.
type FenceState uint8

const (
	// FenceUnsignaled means submitted work is still pending.
	FenceUnsignaled FenceState = iota

	// FenceSignaled means all work submitted with the fence has completed.
	FenceSignaled

	// FenceLost means the device was lost before the fence signaled.
	FenceLost

	// FenceUnknown means the fence state could not be queried.
	FenceUnknown
)

// String returns the fence state name.
func (s FenceState) String() string {
	switch s {
	case FenceUnsignaled:
		return "unsignaled"
	case FenceSignaled:
		return "signaled"
	case FenceLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Access describes how a command touches a buffer, for barriers.
type Access uint8

const (
	// AccessShaderRead is a read from a kernel.
	AccessShaderRead Access = 1 << iota

	// AccessShaderWrite is a write from a kernel.
	AccessShaderWrite

	// AccessHostRead is a host read through a mapping.
	AccessHostRead

	// AccessHostWrite is a host write through a mapping.
	AccessHostWrite
)

// BufferBarrier makes SrcAccess operations on Buffer visible to subsequent
// DstAccess operations.
type BufferBarrier struct {
	Buffer    Buffer
	SrcAccess Access
	DstAccess Access
}

// Buffer is an unbound or bound buffer handle.
type Buffer interface {
	Size() uint64
}

// Memory is one device memory allocation.
type Memory interface {
	Size() uint64
}

// Kernel is a compiled compute kernel with its entry point.
type Kernel interface {
	EntryPoint() string
}

// SetLayout describes the bindings of one descriptor set.
type SetLayout interface{}

// Pipeline is a compute pipeline: a kernel plus its set layouts.
type Pipeline interface{}

// DescriptorSet exposes buffers at the bindings of its layout.
type DescriptorSet interface{}

// Fence is a host-observable completion signal.
type Fence interface{}

// CommandBuffer records commands for a single submission.
// A command buffer is recorded once and ended with End before Submit.
type CommandBuffer interface {
	// BindPipeline sets the pipeline for subsequent dispatches.
	BindPipeline(p Pipeline)

	// BindDescriptorSet attaches set at the given set index.
	BindDescriptorSet(index uint32, set DescriptorSet)

	// Dispatch runs the bound pipeline over x*y*z workgroups.
	Dispatch(x, y, z uint32)

	// Barrier orders the accesses described by barriers.
	Barrier(barriers []BufferBarrier)

	// End finishes recording.
	End() error
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Kind  BufferKind
}

// KernelDescriptor describes a kernel to create from a compiled binary.
type KernelDescriptor struct {
	Label string

	// Code is the kernel binary as 32-bit words (SPIR-V).
	Code []uint32

	// EntryPoint is the kernel function name.
	EntryPoint string
}

// LayoutBinding is one binding slot of a set layout.
type LayoutBinding struct {
	Binding uint32
	Kind    BufferKind
}

// PipelineDescriptor describes a compute pipeline.
// SetLayouts[i] is the layout of descriptor set i.
type PipelineDescriptor struct {
	Label      string
	Kernel     Kernel
	SetLayouts []SetLayout
}

// DescriptorWrite writes one buffer range into a descriptor set slot.
// Offset is relative to the start of Buffer.
type DescriptorWrite struct {
	Binding uint32
	Kind    BufferKind
	Buffer  Buffer
	Offset  uint64
	Size    uint64
}

// Device is the GPU device consumed by the job engine. It exposes the
// capability queries the engine depends on and the Vulkan-style resource
// model the engine drives: unbound buffers placed into memory allocations,
// kernels, descriptor sets, command buffers and fences.
//
// A Device is shared by all jobs created on it. Implementations must be safe
// for concurrent use by multiple jobs.
type Device interface {
	// Info describes the adapter behind the device.
	Info() gpucontext.AdapterInfo

	// MemoryProperties returns the memory type and heap table.
	MemoryProperties() MemoryProperties

	// CreateBuffer creates a buffer with no memory bound to it.
	CreateBuffer(desc *BufferDescriptor) (Buffer, error)

	// DestroyBuffer destroys a buffer.
	DestroyBuffer(b Buffer)

	// BufferRequirements returns the memory requirements of b.
	BufferRequirements(b Buffer) MemoryRequirements

	// AllocateMemory allocates size bytes from the given memory type.
	AllocateMemory(size uint64, typeIndex int) (Memory, error)

	// FreeMemory releases an allocation.
	FreeMemory(m Memory)

	// BindBufferMemory places b in m at offset.
	BindBufferMemory(b Buffer, m Memory, offset uint64) error

	// MapMemory maps [offset, offset+size) of m for host access.
	// The returned slice is valid until UnmapMemory.
	MapMemory(m Memory, offset, size uint64) ([]byte, error)

	// UnmapMemory ends the current mapping of m.
	UnmapMemory(m Memory) error

	// CreateKernel creates a kernel from a compiled binary.
	CreateKernel(desc *KernelDescriptor) (Kernel, error)

	// DestroyKernel destroys a kernel.
	DestroyKernel(k Kernel)

	// CreateSetLayout creates a descriptor set layout.
	CreateSetLayout(bindings []LayoutBinding) (SetLayout, error)

	// DestroySetLayout destroys a set layout.
	DestroySetLayout(l SetLayout)

	// CreatePipeline creates a compute pipeline.
	CreatePipeline(desc *PipelineDescriptor) (Pipeline, error)

	// DestroyPipeline destroys a pipeline.
	DestroyPipeline(p Pipeline)

	// AllocateDescriptorSet allocates one descriptor set for layout l.
	AllocateDescriptorSet(l SetLayout) (DescriptorSet, error)

	// WriteDescriptorSet writes buffer ranges into s.
	WriteDescriptorSet(s DescriptorSet, writes []DescriptorWrite) error

	// FreeDescriptorSet releases a descriptor set.
	FreeDescriptorSet(s DescriptorSet)

	// CreateCommandBuffer creates a command buffer in the recording state.
	CreateCommandBuffer(label string) (CommandBuffer, error)

	// FreeCommandBuffer releases a command buffer.
	FreeCommandBuffer(cb CommandBuffer)

	// CreateFence creates an unsignaled fence.
	CreateFence() (Fence, error)

	// DestroyFence destroys a fence.
	DestroyFence(f Fence)

	// Submit queues cbs for execution in order. fence signals once all of
	// them completed. Submit does not wait for execution.
	Submit(cbs []CommandBuffer, fence Fence) error

	// FenceStatus returns the current state of f without blocking.
	FenceStatus(f Fence) FenceState

	// WaitFence blocks until f leaves the unsignaled state or timeout
	// elapses, and returns the state observed last.
	WaitFence(f Fence, timeout time.Duration) (FenceState, error)

	// WaitIdle blocks until all submitted work completed.
	WaitIdle() error

	// Destroy releases the device.
	Destroy()
}
