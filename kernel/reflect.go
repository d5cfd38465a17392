package kernel

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/wgpu/hal/software/shader"
)

// Binding is one buffer resource a kernel declares.
type Binding struct {
	device.BindPoint
	Kind device.BufferKind
}

// Layout is the resource interface of one kernel entry point.
type Layout struct {
	EntryPoint    string
	WorkgroupSize [3]uint32

	// Bindings are sorted by set, then binding.
	Bindings []Binding
}

// Lookup returns the binding declared at bp.
func (l *Layout) Lookup(bp device.BindPoint) (Binding, bool) {
	i, found := slices.BinarySearchFunc(l.Bindings, bp, func(b Binding, t device.BindPoint) int {
		if c := cmp.Compare(b.Set, t.Set); c != 0 {
			return c
		}
		return cmp.Compare(b.Binding, t.Binding)
	})
	if !found {
		return Binding{}, false
	}
	return l.Bindings[i], true
}

// Reflect parses a SPIR-V kernel and returns the buffer bindings and
// workgroup size of the given compute entry point.
//
// Uniform blocks decorated BufferBlock (SPIR-V 1.0 storage buffers) are
// reported as storage buffers.
func Reflect(code []uint32, entryPoint string) (*Layout, error) {
	m, err := shader.ParseModule(code)
	if err != nil {
		return nil, fmt.Errorf("kernel: reflect: %w", err)
	}

	ep, ok := m.EntryPoints[entryPoint]
	if !ok || ep.ExecutionModel != shader.ExecutionModelGLCompute {
		return nil, fmt.Errorf("%w: %q", ErrEntryPoint, entryPoint)
	}

	bufferBlocks := make(map[uint32]bool)
	for k := range m.Decorations {
		if k.Decoration == shader.DecorationBufferBlock {
			bufferBlocks[k.TargetID] = true
		}
	}

	l := &Layout{
		EntryPoint:    entryPoint,
		WorkgroupSize: m.GetWorkgroupSize(entryPoint),
	}
	for id, v := range m.Variables {
		var kind device.BufferKind
		switch v.StorageClass {
		case shader.StorageClassStorageBuffer:
			kind = device.Storage
		case shader.StorageClassUniform:
			kind = device.Uniform
			if ptr, ok := m.Types[v.TypeID]; ok && bufferBlocks[ptr.ElemType] {
				kind = device.Storage
			}
		default:
			continue
		}
		bk, ok := m.GetBinding(id)
		if !ok {
			continue
		}
		l.Bindings = append(l.Bindings, Binding{
			BindPoint: device.BindPoint{Set: bk.Group, Binding: bk.Binding},
			Kind:      kind,
		})
	}

	slices.SortFunc(l.Bindings, func(a, b Binding) int {
		if c := cmp.Compare(a.Set, b.Set); c != 0 {
			return c
		}
		return cmp.Compare(a.Binding, b.Binding)
	})
	return l, nil
}
