// Package memory manages the single device allocation that backs all
// buffers of one job.
//
// A Pool owns the allocation and every buffer bound into it. Buffers are
// addressed by BufferID, an index into the pool, so callers never hold the
// device handles themselves.
package memory

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpujob/device"
)

// Pool errors.
var (
	// ErrNoSuitableMemoryType is returned when no memory type is host
	// visible, host coherent and large enough. It is not retried.
	ErrNoSuitableMemoryType = errors.New("memory: no suitable memory type")

	// ErrAlreadyBound is returned when binding a buffer handle twice.
	ErrAlreadyBound = errors.New("memory: buffer already bound")

	// ErrOutOfRange is returned when a bind offset or a copy falls outside
	// its range.
	ErrOutOfRange = errors.New("memory: out of range")

	// ErrInvalidBuffer is returned for a BufferID the pool did not issue.
	ErrInvalidBuffer = errors.New("memory: invalid buffer id")

	// ErrReleased is returned when using a pool after Release.
	ErrReleased = errors.New("memory: pool released")
)

// hostAccess is the property set every pool allocation needs.
const hostAccess = device.MemoryHostVisible | device.MemoryHostCoherent

// BufferID identifies a buffer bound into a Pool.
type BufferID int

// Buffer is a buffer after layout and binding.
type Buffer struct {
	Size      uint64
	Offset    uint64
	Alignment uint64
	Handle    device.Buffer
}

// Pool is one host-visible device allocation and the buffers bound into it.
//
// Pool is not safe for concurrent use.
type Pool struct {
	dev       device.Device
	mem       device.Memory
	total     uint64
	typeIndex int
	buffers   []Buffer
	released  bool
}

// FindMemoryType returns the index of a memory type that is host visible
// and host coherent, allowed by typeBits, and whose heap is larger than
// size. Types past index 31 cannot be named by typeBits and never
// qualify. When several types qualify the last one wins.
func FindMemoryType(props device.MemoryProperties, size uint64, typeBits uint32) (int, error) {
	found := -1
	for i, t := range props.Types {
		if i >= 32 || typeBits&(1<<i) == 0 {
			continue
		}
		if !t.Properties.Has(hostAccess) {
			continue
		}
		if t.HeapIndex < 0 || t.HeapIndex >= len(props.Heaps) {
			continue
		}
		if props.Heaps[t.HeapIndex].Size > size {
			found = i
		}
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: %d bytes", ErrNoSuitableMemoryType, size)
	}
	return found, nil
}

// Allocate allocates total bytes from a suitable memory type of dev.
// A total of zero allocates nothing; the pool then accepts no buffers.
func Allocate(dev device.Device, total uint64, typeBits uint32) (*Pool, error) {
	p := &Pool{dev: dev, total: total, typeIndex: -1}
	if total == 0 {
		return p, nil
	}

	idx, err := FindMemoryType(dev.MemoryProperties(), total, typeBits)
	if err != nil {
		return nil, err
	}
	mem, err := dev.AllocateMemory(total, idx)
	if err != nil {
		return nil, fmt.Errorf("memory: allocate %d bytes: %w", total, err)
	}
	p.mem = mem
	p.typeIndex = idx

	device.Logger().Debug("memory: pool allocated", "size", total, "type", idx)
	return p, nil
}

// Total returns the allocation size in bytes.
func (p *Pool) Total() uint64 { return p.total }

// TypeIndex returns the memory type used, or -1 for an empty pool.
func (p *Pool) TypeIndex() int { return p.typeIndex }

// Len returns the number of bound buffers.
func (p *Pool) Len() int { return len(p.buffers) }

// Bind binds handle into the pool at offset and takes ownership of it.
// The returned id stays valid until Release.
func (p *Pool) Bind(handle device.Buffer, size, alignment, offset uint64) (BufferID, error) {
	if p.released {
		return -1, ErrReleased
	}
	for i := range p.buffers {
		if p.buffers[i].Handle == handle {
			return -1, fmt.Errorf("%w: buffer %d", ErrAlreadyBound, i)
		}
	}
	if offset >= p.total || size > p.total-offset {
		return -1, fmt.Errorf("%w: bind %d bytes at %d in %d", ErrOutOfRange, size, offset, p.total)
	}
	if err := p.dev.BindBufferMemory(handle, p.mem, offset); err != nil {
		return -1, fmt.Errorf("memory: bind: %w", err)
	}

	p.buffers = append(p.buffers, Buffer{
		Size:      size,
		Offset:    offset,
		Alignment: alignment,
		Handle:    handle,
	})
	return BufferID(len(p.buffers) - 1), nil
}

// Buffer returns the buffer with the given id.
func (p *Pool) Buffer(id BufferID) (Buffer, error) {
	if id < 0 || int(id) >= len(p.buffers) {
		return Buffer{}, fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	return p.buffers[id], nil
}

// Write copies data to the start of buffer id. Data longer than the
// buffer is rejected.
func (p *Pool) Write(id BufferID, data []byte) error {
	if p.released {
		return ErrReleased
	}
	b, err := p.Buffer(id)
	if err != nil {
		return err
	}
	if uint64(len(data)) > b.Size {
		return fmt.Errorf("%w: write %d bytes into buffer %d of %d", ErrOutOfRange, len(data), id, b.Size)
	}
	if len(data) == 0 {
		return nil
	}

	view, err := p.dev.MapMemory(p.mem, b.Offset, uint64(len(data)))
	if err != nil {
		return fmt.Errorf("memory: write buffer %d: %w", id, err)
	}
	copy(view, data)
	return p.unmap(id)
}

// Read returns a copy of the contents of buffer id.
func (p *Pool) Read(id BufferID) ([]byte, error) {
	if p.released {
		return nil, ErrReleased
	}
	b, err := p.Buffer(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, b.Size)
	if b.Size == 0 {
		return out, nil
	}

	view, err := p.dev.MapMemory(p.mem, b.Offset, b.Size)
	if err != nil {
		return nil, fmt.Errorf("memory: read buffer %d: %w", id, err)
	}
	copy(out, view)
	if err := p.unmap(id); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pool) unmap(id BufferID) error {
	if err := p.dev.UnmapMemory(p.mem); err != nil {
		return fmt.Errorf("memory: unmap buffer %d: %w", id, err)
	}
	return nil
}

// Release destroys every bound buffer, then frees the allocation.
// Release is idempotent.
func (p *Pool) Release() {
	if p.released {
		return
	}
	p.released = true
	for i := len(p.buffers) - 1; i >= 0; i-- {
		p.dev.DestroyBuffer(p.buffers[i].Handle)
	}
	p.buffers = nil
	if p.mem != nil {
		p.dev.FreeMemory(p.mem)
		p.mem = nil
	}
}
