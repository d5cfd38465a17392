package software

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/kernel"
)

const scaleWGSL = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

@compute @workgroup_size(16)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.x;
    dst[i] = src[i] * 2.0;
}
`

const elements = 16

func compileScale(t *testing.T) []uint32 {
	t.Helper()
	code, err := kernel.CompileWGSL(scaleWGSL)
	if err != nil {
		t.Fatalf("CompileWGSL() error = %v", err)
	}
	return code
}

func TestInfo(t *testing.T) {
	d := New(WithName("cpu"))
	info := d.Info()
	if info.Name != "cpu" || info.Type != gpucontext.AdapterTypeSoftware {
		t.Errorf("Info() = %+v, want software adapter named cpu", info)
	}
	if !device.IsRegistered(device.BackendSoftware) {
		t.Error("software backend is not registered")
	}
}

func TestMemoryProperties(t *testing.T) {
	d := New(WithHeapSize(4096))
	props := d.MemoryProperties()
	if len(props.Types) != 3 || len(props.Heaps) != 2 {
		t.Fatalf("MemoryProperties() = %+v, want 3 types over 2 heaps", props)
	}
	if props.Heaps[0].Size != 4096 {
		t.Errorf("heap size = %d, want 4096", props.Heaps[0].Size)
	}
	if props.Types[0].Properties.Has(device.MemoryHostVisible) {
		t.Error("type 0 should be device local only")
	}
	want := device.MemoryHostVisible | device.MemoryHostCoherent
	if !props.Types[1].Properties.Has(want) || !props.Types[2].Properties.Has(want) {
		t.Error("types 1 and 2 should be host visible and coherent")
	}
}

func TestBufferRequirements(t *testing.T) {
	d := New(WithStorageAlignment(64), WithUniformAlignment(128))
	for _, tt := range []struct {
		kind  device.BufferKind
		align uint64
	}{
		{device.Storage, 64},
		{device.Uniform, 128},
	} {
		b, err := d.CreateBuffer(&device.BufferDescriptor{Size: 100, Kind: tt.kind})
		if err != nil {
			t.Fatal(err)
		}
		req := d.BufferRequirements(b)
		if req.Size != 100 || req.Alignment != tt.align || req.TypeBits != 0b111 {
			t.Errorf("%s requirements = %+v, want size 100 align %d bits 0b111", tt.kind, req, tt.align)
		}
	}
}

func TestAllocateMemoryHeapLimit(t *testing.T) {
	d := New(WithHeapSize(1024))

	m, err := d.AllocateMemory(1000, 1)
	if err != nil {
		t.Fatalf("AllocateMemory() error = %v", err)
	}
	if _, err := d.AllocateMemory(100, 1); !errors.Is(err, device.ErrOutOfDeviceMemory) {
		t.Errorf("AllocateMemory(over heap) error = %v, want ErrOutOfDeviceMemory", err)
	}
	// Heap 0 is accounted separately.
	if _, err := d.AllocateMemory(100, 0); err != nil {
		t.Errorf("AllocateMemory(other heap) error = %v", err)
	}

	d.FreeMemory(m)
	if _, err := d.AllocateMemory(100, 1); err != nil {
		t.Errorf("AllocateMemory(after free) error = %v", err)
	}

	if _, err := d.AllocateMemory(8, 7); !errors.Is(err, device.ErrInvalidHandle) {
		t.Errorf("AllocateMemory(bad type) error = %v, want ErrInvalidHandle", err)
	}
}

func TestBindBufferMemory(t *testing.T) {
	d := New(WithStorageAlignment(16))
	m, err := d.AllocateMemory(64, 1)
	if err != nil {
		t.Fatal(err)
	}
	newBuf := func(size uint64) device.Buffer {
		b, err := d.CreateBuffer(&device.BufferDescriptor{Size: size})
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	tests := []struct {
		name    string
		size    uint64
		offset  uint64
		wantErr error
	}{
		{"fits", 32, 16, nil},
		{"misaligned", 8, 4, ErrMisaligned},
		{"past end", 32, 48, device.ErrMapRange},
		{"offset past end", 0, 80, device.ErrMapRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.BindBufferMemory(newBuf(tt.size), m, tt.offset)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("BindBufferMemory() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	b := newBuf(16)
	if err := d.BindBufferMemory(b, m, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.BindBufferMemory(b, m, 16); !errors.Is(err, device.ErrInvalidHandle) {
		t.Errorf("second BindBufferMemory() error = %v, want ErrInvalidHandle", err)
	}
}

func TestMapMemory(t *testing.T) {
	d := New()

	local, err := d.AllocateMemory(64, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.MapMemory(local, 0, 64); !errors.Is(err, device.ErrInvalidHandle) {
		t.Errorf("MapMemory(device local) error = %v, want ErrInvalidHandle", err)
	}

	m, err := d.AllocateMemory(64, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.MapMemory(m, 32, 64); !errors.Is(err, device.ErrMapRange) {
		t.Errorf("MapMemory(out of range) error = %v, want ErrMapRange", err)
	}

	view, err := d.MapMemory(m, 8, 16)
	if err != nil {
		t.Fatalf("MapMemory() error = %v", err)
	}
	if len(view) != 16 || cap(view) != 16 {
		t.Errorf("view len/cap = %d/%d, want 16/16", len(view), cap(view))
	}
	copy(view, "0123456789abcdef")

	if _, err := d.MapMemory(m, 0, 8); !errors.Is(err, device.ErrAlreadyMapped) {
		t.Errorf("MapMemory(mapped) error = %v, want ErrAlreadyMapped", err)
	}
	if err := d.UnmapMemory(m); err != nil {
		t.Fatalf("UnmapMemory() error = %v", err)
	}
	if err := d.UnmapMemory(m); !errors.Is(err, ErrNotMapped) {
		t.Errorf("UnmapMemory(unmapped) error = %v, want ErrNotMapped", err)
	}

	view, err = d.MapMemory(m, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(view[8:24]); got != "0123456789abcdef" {
		t.Errorf("remapped contents = %q, want written bytes", got)
	}
}

// scaleJob is a kernel, pipeline and descriptor set that doubles src into
// dst, with both buffers placed in one allocation.
type scaleJob struct {
	mem      device.Memory
	src, dst device.Buffer
	pipeline device.Pipeline
	set      device.DescriptorSet
}

func newScaleJob(t *testing.T, d *Device) *scaleJob {
	t.Helper()
	const size = elements * 4

	j := &scaleJob{}
	var err error
	if j.mem, err = d.AllocateMemory(512, 2); err != nil {
		t.Fatal(err)
	}
	if j.src, err = d.CreateBuffer(&device.BufferDescriptor{Label: "src", Size: size}); err != nil {
		t.Fatal(err)
	}
	if j.dst, err = d.CreateBuffer(&device.BufferDescriptor{Label: "dst", Size: size}); err != nil {
		t.Fatal(err)
	}
	if err := d.BindBufferMemory(j.src, j.mem, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.BindBufferMemory(j.dst, j.mem, 256); err != nil {
		t.Fatal(err)
	}

	k, err := d.CreateKernel(&device.KernelDescriptor{Label: "scale", Code: compileScale(t)})
	if err != nil {
		t.Fatalf("CreateKernel() error = %v", err)
	}
	layout, err := d.CreateSetLayout([]device.LayoutBinding{
		{Binding: 0, Kind: device.Storage},
		{Binding: 1, Kind: device.Storage},
	})
	if err != nil {
		t.Fatal(err)
	}
	if j.pipeline, err = d.CreatePipeline(&device.PipelineDescriptor{
		Label:      "scale",
		Kernel:     k,
		SetLayouts: []device.SetLayout{layout},
	}); err != nil {
		t.Fatal(err)
	}
	if j.set, err = d.AllocateDescriptorSet(layout); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteDescriptorSet(j.set, []device.DescriptorWrite{
		{Binding: 0, Kind: device.Storage, Buffer: j.src, Size: size},
		{Binding: 1, Kind: device.Storage, Buffer: j.dst, Size: size},
	}); err != nil {
		t.Fatalf("WriteDescriptorSet() error = %v", err)
	}

	view, err := d.MapMemory(j.mem, 0, size)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < elements; i++ {
		binary.LittleEndian.PutUint32(view[i*4:], math.Float32bits(float32(i)))
	}
	if err := d.UnmapMemory(j.mem); err != nil {
		t.Fatal(err)
	}
	return j
}

func (j *scaleJob) record(t *testing.T, d *Device) device.CommandBuffer {
	t.Helper()
	cb, err := d.CreateCommandBuffer("scale")
	if err != nil {
		t.Fatal(err)
	}
	cb.BindPipeline(j.pipeline)
	cb.BindDescriptorSet(0, j.set)
	cb.Dispatch(1, 1, 1)
	cb.Barrier([]device.BufferBarrier{{Buffer: j.dst, SrcAccess: device.AccessShaderWrite, DstAccess: device.AccessShaderRead}})
	if err := cb.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	return cb
}

func TestSubmitDispatch(t *testing.T) {
	d := New()
	defer d.Destroy()
	j := newScaleJob(t, d)

	fence, err := d.CreateFence()
	if err != nil {
		t.Fatal(err)
	}
	if got := d.FenceStatus(fence); got != device.FenceUnsignaled {
		t.Errorf("FenceStatus(new) = %v, want unsignaled", got)
	}

	if err := d.Submit([]device.CommandBuffer{j.record(t, d)}, fence); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	state, err := d.WaitFence(fence, 10*time.Second)
	if err != nil || state != device.FenceSignaled {
		t.Fatalf("WaitFence() = %v, %v; want signaled", state, err)
	}

	view, err := d.MapMemory(j.mem, 256, elements*4)
	if err != nil {
		t.Fatal(err)
	}
	defer d.UnmapMemory(j.mem)
	for i := 0; i < elements; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(view[i*4:]))
		if got != float32(2*i) {
			t.Errorf("dst[%d] = %v, want %v", i, got, float32(2*i))
		}
	}
}

func TestSubmitErrors(t *testing.T) {
	d := New()
	defer d.Destroy()
	j := newScaleJob(t, d)

	open, err := d.CreateCommandBuffer("open")
	if err != nil {
		t.Fatal(err)
	}
	fence, _ := d.CreateFence()
	if err := d.Submit([]device.CommandBuffer{open}, fence); !errors.Is(err, device.ErrNotRecorded) {
		t.Errorf("Submit(not ended) error = %v, want ErrNotRecorded", err)
	}

	if err := d.Submit([]device.CommandBuffer{j.record(t, d)}, fence); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.Submit([]device.CommandBuffer{j.record(t, d)}, fence); !errors.Is(err, device.ErrFenceInUse) {
		t.Errorf("Submit(reused fence) error = %v, want ErrFenceInUse", err)
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if got := d.FenceStatus(fence); got != device.FenceSignaled {
		t.Errorf("FenceStatus() after WaitIdle = %v, want signaled", got)
	}

	d.Destroy()
	other, _ := d.CreateFence()
	if err := d.Submit(nil, other); !errors.Is(err, device.ErrDeviceLost) {
		t.Errorf("Submit(destroyed) error = %v, want ErrDeviceLost", err)
	}
}

func TestUnboundBindingLosesFence(t *testing.T) {
	d := New()
	defer d.Destroy()
	j := newScaleJob(t, d)

	// A set whose layout lacks binding 1 leaves dst unbound.
	partial, err := d.CreateSetLayout([]device.LayoutBinding{{Binding: 0, Kind: device.Storage}})
	if err != nil {
		t.Fatal(err)
	}
	set, err := d.AllocateDescriptorSet(partial)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WriteDescriptorSet(set, []device.DescriptorWrite{
		{Binding: 0, Kind: device.Storage, Buffer: j.src},
	}); err != nil {
		t.Fatal(err)
	}

	cb, _ := d.CreateCommandBuffer("partial")
	cb.BindPipeline(j.pipeline)
	cb.BindDescriptorSet(0, set)
	cb.Dispatch(1, 1, 1)
	if err := cb.End(); err != nil {
		t.Fatal(err)
	}

	fence, _ := d.CreateFence()
	if err := d.Submit([]device.CommandBuffer{cb}, fence); err != nil {
		t.Fatal(err)
	}
	if state, _ := d.WaitFence(fence, 10*time.Second); state != device.FenceLost {
		t.Errorf("WaitFence() = %v, want lost", state)
	}
}

func TestWriteDescriptorSetValidation(t *testing.T) {
	d := New()
	j := newScaleJob(t, d)
	layout, _ := d.CreateSetLayout([]device.LayoutBinding{{Binding: 0, Kind: device.Uniform}})
	set, _ := d.AllocateDescriptorSet(layout)

	tests := []struct {
		name  string
		write device.DescriptorWrite
	}{
		{"missing binding", device.DescriptorWrite{Binding: 3, Kind: device.Uniform, Buffer: j.src}},
		{"kind mismatch", device.DescriptorWrite{Binding: 0, Kind: device.Storage, Buffer: j.src}},
		{"range", device.DescriptorWrite{Binding: 0, Kind: device.Uniform, Buffer: j.src, Offset: 32, Size: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.WriteDescriptorSet(set, []device.DescriptorWrite{tt.write}); err == nil {
				t.Error("WriteDescriptorSet() error = nil, want error")
			}
		})
	}

	if _, err := d.CreateSetLayout([]device.LayoutBinding{{Binding: 1}, {Binding: 1}}); err == nil {
		t.Error("CreateSetLayout(duplicate) error = nil, want error")
	}
}

func TestWaitFencePoll(t *testing.T) {
	d := New()
	fence, _ := d.CreateFence()

	start := time.Now()
	state, err := d.WaitFence(fence, 0)
	if err != nil || state != device.FenceUnsignaled {
		t.Errorf("WaitFence(0) = %v, %v; want unsignaled", state, err)
	}
	if time.Since(start) > time.Second {
		t.Error("WaitFence(0) blocked")
	}

	state, _ = d.WaitFence(fence, 10*time.Millisecond)
	if state != device.FenceUnsignaled {
		t.Errorf("WaitFence(10ms) on unsubmitted fence = %v, want unsignaled", state)
	}

	if got := d.FenceStatus(struct{}{}); got != device.FenceUnknown {
		t.Errorf("FenceStatus(foreign) = %v, want unknown", got)
	}
}

func TestCreateKernelEntryPoint(t *testing.T) {
	d := New()
	code := compileScale(t)
	if _, err := d.CreateKernel(&device.KernelDescriptor{Code: code, EntryPoint: "missing"}); err == nil {
		t.Error("CreateKernel(missing entry) error = nil, want error")
	}
	if _, err := d.CreateKernel(&device.KernelDescriptor{Code: []uint32{1, 2, 3}}); err == nil {
		t.Error("CreateKernel(garbage) error = nil, want error")
	}
	k, err := d.CreateKernel(&device.KernelDescriptor{Code: code})
	if err != nil {
		t.Fatal(err)
	}
	if k.EntryPoint() != "main" {
		t.Errorf("EntryPoint() = %q, want main", k.EntryPoint())
	}
}
