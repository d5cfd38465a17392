// Package binder wires job buffers to the descriptor sets of one kernel.
package binder

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/kernel"
)

// ErrBindingMismatch is returned when the buffers given to a kernel do not
// match the bindings the kernel declares.
var ErrBindingMismatch = errors.New("binder: binding mismatch")

// Resource is one buffer exposed to a kernel.
type Resource struct {
	Bind   device.BindPoint
	Kind   device.BufferKind
	Buffer device.Buffer
	Size   uint64
}

// Request describes the resources of one kernel.
type Request struct {
	Label  string
	Kernel device.Kernel

	// Expect is the reflected interface of Kernel. When nil the resources
	// are bound as given and matching them to the kernel is up to the
	// caller.
	Expect *kernel.Layout

	Resources []Resource
}

// Set is a descriptor set and the set index it is bound at.
type Set struct {
	Index uint32
	Set   device.DescriptorSet
}

// Binding is the pipeline and descriptor sets built for one kernel.
type Binding struct {
	Pipeline device.Pipeline

	// Sets holds one descriptor set per set index that has resources,
	// in ascending index order.
	Sets []Set

	dev     device.Device
	layouts []device.SetLayout
}

// Validate checks resources against the bindings a kernel declares. Every
// declared binding must be provided with the same kind, and no two
// resources may share a bind point. Resources the kernel does not declare
// are allowed.
func Validate(expect *kernel.Layout, resources []Resource) error {
	seen := make(map[device.BindPoint]device.BufferKind, len(resources))
	for _, r := range resources {
		if _, dup := seen[r.Bind]; dup {
			return fmt.Errorf("%w: bind point %s used twice", ErrBindingMismatch, r.Bind)
		}
		seen[r.Bind] = r.Kind
	}
	if expect == nil {
		return nil
	}

	for _, b := range expect.Bindings {
		kind, ok := seen[b.BindPoint]
		if !ok {
			return fmt.Errorf("%w: kernel %q reads %s binding %s, no buffer provided",
				ErrBindingMismatch, expect.EntryPoint, b.Kind, b.BindPoint)
		}
		if kind != b.Kind {
			return fmt.Errorf("%w: kernel %q declares %s as %s, buffer is %s",
				ErrBindingMismatch, expect.EntryPoint, b.BindPoint, b.Kind, kind)
		}
	}
	return nil
}

// Bind validates req, then creates one set layout per set index, the
// pipeline, and one descriptor set per used set index with every resource
// written into it. On error everything created so far is destroyed.
func Bind(dev device.Device, req *Request) (*Binding, error) {
	if err := Validate(req.Expect, req.Resources); err != nil {
		return nil, err
	}

	groups := groupBySet(req.Resources)
	b := &Binding{dev: dev}

	// Set indices without resources still need a layout so that set i of
	// the pipeline is layouts[i].
	count := 0
	if len(req.Resources) > 0 {
		count = int(slices.MaxFunc(req.Resources, func(a, b Resource) int {
			return cmp.Compare(a.Bind.Set, b.Bind.Set)
		}).Bind.Set) + 1
	}
	for set := range count {
		entries := make([]device.LayoutBinding, 0, len(groups[uint32(set)]))
		for _, r := range groups[uint32(set)] {
			entries = append(entries, device.LayoutBinding{Binding: r.Bind.Binding, Kind: r.Kind})
		}
		l, err := dev.CreateSetLayout(entries)
		if err != nil {
			b.Release()
			return nil, fmt.Errorf("binder: %s: set layout %d: %w", req.Label, set, err)
		}
		b.layouts = append(b.layouts, l)
	}

	p, err := dev.CreatePipeline(&device.PipelineDescriptor{
		Label:      req.Label,
		Kernel:     req.Kernel,
		SetLayouts: b.layouts,
	})
	if err != nil {
		b.Release()
		return nil, fmt.Errorf("binder: %s: pipeline: %w", req.Label, err)
	}
	b.Pipeline = p

	for set := range count {
		res := groups[uint32(set)]
		if len(res) == 0 {
			continue
		}
		ds, err := dev.AllocateDescriptorSet(b.layouts[set])
		if err != nil {
			b.Release()
			return nil, fmt.Errorf("binder: %s: descriptor set %d: %w", req.Label, set, err)
		}
		b.Sets = append(b.Sets, Set{Index: uint32(set), Set: ds})

		writes := make([]device.DescriptorWrite, 0, len(res))
		for _, r := range res {
			writes = append(writes, device.DescriptorWrite{
				Binding: r.Bind.Binding,
				Kind:    r.Kind,
				Buffer:  r.Buffer,
				Size:    r.Size,
			})
		}
		if err := dev.WriteDescriptorSet(ds, writes); err != nil {
			b.Release()
			return nil, fmt.Errorf("binder: %s: write set %d: %w", req.Label, set, err)
		}
	}

	device.Logger().Debug("binder: kernel bound",
		"kernel", req.Label, "sets", len(b.Sets), "bindings", len(req.Resources))
	return b, nil
}

func groupBySet(resources []Resource) map[uint32][]Resource {
	groups := make(map[uint32][]Resource)
	for _, r := range resources {
		groups[r.Bind.Set] = append(groups[r.Bind.Set], r)
	}
	return groups
}

// Release destroys the descriptor sets, the pipeline and the set layouts.
// Release is idempotent.
func (b *Binding) Release() {
	if b == nil || b.dev == nil {
		return
	}
	for _, s := range b.Sets {
		b.dev.FreeDescriptorSet(s.Set)
	}
	b.Sets = nil
	if b.Pipeline != nil {
		b.dev.DestroyPipeline(b.Pipeline)
		b.Pipeline = nil
	}
	for _, l := range b.layouts {
		b.dev.DestroySetLayout(l)
	}
	b.layouts = nil
}
