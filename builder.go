package gpujob

import (
	"fmt"

	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/kernel"
)

// bufferDecl is one declared buffer. data is nil for scratch buffers.
type bufferDecl struct {
	bind device.BindPoint
	size uint64
	kind device.BufferKind
	data []byte
}

type kernelDecl struct {
	code  []uint32
	entry string
}

// link attaches buffer to kernel at bind, replacing the buffer's default
// bind point for that kernel.
type link struct {
	kernel int
	buffer int
	bind   device.BindPoint
}

// Builder declares the buffers, kernels and dispatches of a job. Nothing
// touches the device until Build and Execute.
//
// Buffers are exposed to every kernel at their bind point. A buffer added
// with AddBuffer or AddROBuffer gets bind point {0, i}, where i is its
// declaration index. A kernel with at least one Link sees only its linked
// buffers.
//
// Builder methods return the builder for chaining. The first declaration
// error is kept and returned by Build.
type Builder struct {
	opts       options
	buffers    []bufferDecl
	kernels    []kernelDecl
	dispatches [][3]uint32
	links      []link
	err        error
}

// NewBuilder returns an empty job declaration.
func NewBuilder(opts ...Option) *Builder {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Builder{opts: o}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) defaultBind() device.BindPoint {
	return device.BindPoint{Set: 0, Binding: uint32(len(b.buffers))}
}

// AddBuffer adds a storage buffer initialized with a copy of data.
func (b *Builder) AddBuffer(data []byte) *Builder {
	return b.AddBufferAt(b.defaultBind(), data)
}

// AddBufferAt adds a storage buffer initialized with a copy of data at an
// explicit bind point.
func (b *Builder) AddBufferAt(bind device.BindPoint, data []byte) *Builder {
	if len(data) == 0 {
		return b.fail(fmt.Errorf("%w: buffer %d", ErrEmptyBuffer, len(b.buffers)))
	}
	b.buffers = append(b.buffers, bufferDecl{
		bind: bind,
		size: uint64(len(data)),
		kind: device.Storage,
		data: append([]byte(nil), data...),
	})
	return b
}

// AddROBuffer adds a zero-initialized storage buffer of size bytes,
// typically used for kernel output.
func (b *Builder) AddROBuffer(size uint64) *Builder {
	return b.AddROBufferAt(b.defaultBind(), size)
}

// AddROBufferAt adds a zero-initialized storage buffer at an explicit bind
// point.
func (b *Builder) AddROBufferAt(bind device.BindPoint, size uint64) *Builder {
	if size == 0 {
		return b.fail(fmt.Errorf("%w: buffer %d", ErrEmptyBuffer, len(b.buffers)))
	}
	b.buffers = append(b.buffers, bufferDecl{bind: bind, size: size, kind: device.Storage})
	return b
}

// AddUniform adds a uniform block holding a copy of data at bind.
// UniformBytes encodes a fixed-layout value for it.
func (b *Builder) AddUniform(data []byte, bind device.BindPoint) *Builder {
	if len(data) == 0 {
		return b.fail(fmt.Errorf("%w: uniform %d", ErrEmptyBuffer, len(b.buffers)))
	}
	b.buffers = append(b.buffers, bufferDecl{
		bind: bind,
		size: uint64(len(data)),
		kind: device.Uniform,
		data: append([]byte(nil), data...),
	})
	return b
}

// AddKernel adds a SPIR-V kernel run at the builder's entry point.
// Kernels run in the order they are added.
func (b *Builder) AddKernel(code []uint32) *Builder {
	return b.AddKernelEntry(code, b.opts.entryPoint)
}

// AddKernelEntry adds a SPIR-V kernel run at the given entry point.
func (b *Builder) AddKernelEntry(code []uint32, entry string) *Builder {
	if len(code) == 0 {
		return b.fail(fmt.Errorf("gpujob: kernel %d: empty binary", len(b.kernels)))
	}
	b.kernels = append(b.kernels, kernelDecl{code: append([]uint32(nil), code...), entry: entry})
	return b
}

// AddKernelBytes adds a SPIR-V kernel given as bytes. The binary must be
// word aligned.
func (b *Builder) AddKernelBytes(bin []byte) *Builder {
	code, err := kernel.Words(bin)
	if err != nil {
		return b.fail(fmt.Errorf("gpujob: kernel %d: %w", len(b.kernels), err))
	}
	return b.AddKernel(code)
}

// AddDispatch adds the workgroup counts of the next kernel. Dispatches are
// matched to kernels in declaration order.
func (b *Builder) AddDispatch(x, y, z uint32) *Builder {
	b.dispatches = append(b.dispatches, [3]uint32{x, y, z})
	return b
}

// Link exposes buffer to kernel at bind. Indices are declaration indices.
// Once a kernel has a link, only linked buffers are bound to it.
func (b *Builder) Link(kernelIndex, bufferIndex int, bind device.BindPoint) *Builder {
	b.links = append(b.links, link{kernel: kernelIndex, buffer: bufferIndex, bind: bind})
	return b
}

// Build validates the declaration and returns a job ready to execute on
// dev. The builder can be reused afterwards; the job keeps its own copy of
// the declaration.
func (b *Builder) Build(dev device.Device) (*Job, error) {
	if b.err != nil {
		return nil, b.err
	}
	if dev == nil {
		return nil, ErrNilDevice
	}
	if len(b.dispatches) != len(b.kernels) {
		return nil, fmt.Errorf("%w: %d kernels, %d dispatches", ErrDispatchCount, len(b.kernels), len(b.dispatches))
	}
	for i, d := range b.dispatches {
		if d[0] == 0 || d[1] == 0 || d[2] == 0 {
			return nil, fmt.Errorf("%w: kernel %d dispatch %v", ErrInvalidDispatch, i, d)
		}
	}
	for _, l := range b.links {
		if l.kernel < 0 || l.kernel >= len(b.kernels) || l.buffer < 0 || l.buffer >= len(b.buffers) {
			return nil, fmt.Errorf("%w: kernel %d, buffer %d", ErrInvalidLink, l.kernel, l.buffer)
		}
	}

	j := &Job{
		dev:        dev,
		opts:       b.opts,
		buffers:    append([]bufferDecl(nil), b.buffers...),
		kernels:    append([]kernelDecl(nil), b.kernels...),
		dispatches: append([][3]uint32(nil), b.dispatches...),
	}
	j.uses = make([][]use, len(j.kernels))
	for k := range j.kernels {
		j.uses[k] = b.kernelUses(k)
		seen := make(map[device.BindPoint]int, len(j.uses[k]))
		for _, u := range j.uses[k] {
			if prev, dup := seen[u.bind]; dup {
				return nil, fmt.Errorf("%w: kernel %d: buffers %d and %d at %s",
					ErrDuplicateBindPoint, k, prev, u.buffer, u.bind)
			}
			seen[u.bind] = u.buffer
		}
	}
	if len(j.kernels) == 0 {
		seen := make(map[device.BindPoint]int, len(j.buffers))
		for i, d := range j.buffers {
			if prev, dup := seen[d.bind]; dup {
				return nil, fmt.Errorf("%w: buffers %d and %d at %s", ErrDuplicateBindPoint, prev, i, d.bind)
			}
			seen[d.bind] = i
		}
	}
	return j, nil
}

// use is one buffer as seen by one kernel.
type use struct {
	buffer int
	bind   device.BindPoint
}

// kernelUses returns the buffers bound to kernel k, in declaration order
// for default bindings and in link order otherwise.
func (b *Builder) kernelUses(k int) []use {
	var uses []use
	for _, l := range b.links {
		if l.kernel == k {
			uses = append(uses, use{buffer: l.buffer, bind: l.bind})
		}
	}
	if uses != nil {
		return uses
	}
	uses = make([]use, len(b.buffers))
	for i, d := range b.buffers {
		uses[i] = use{buffer: i, bind: d.bind}
	}
	return uses
}
