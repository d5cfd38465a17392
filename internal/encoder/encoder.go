// Package encoder records the command buffers of a job.
package encoder

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/internal/binder"
)

// ErrInvalidDispatch is returned for a dispatch with a zero workgroup count.
var ErrInvalidDispatch = errors.New("encoder: workgroup counts must be at least 1")

// Step is one kernel run: its bound resources and workgroup counts.
type Step struct {
	Label    string
	Binding  *binder.Binding
	Dispatch [3]uint32
}

// Encode records one command buffer per step, in order. Each buffer binds
// the step's pipeline and descriptor sets, dispatches, and ends with a
// barrier making shader writes to every buffer in barrier visible to
// shader reads of the next step.
//
// On error the command buffers recorded so far are freed.
func Encode(dev device.Device, steps []Step, barrier []device.Buffer) ([]device.CommandBuffer, error) {
	for i, s := range steps {
		if s.Dispatch[0] == 0 || s.Dispatch[1] == 0 || s.Dispatch[2] == 0 {
			return nil, fmt.Errorf("%w: step %d (%s) dispatch %v", ErrInvalidDispatch, i, s.Label, s.Dispatch)
		}
		if s.Binding == nil || s.Binding.Pipeline == nil {
			return nil, fmt.Errorf("encoder: step %d (%s): no pipeline", i, s.Label)
		}
	}

	barriers := make([]device.BufferBarrier, len(barrier))
	for i, b := range barrier {
		barriers[i] = device.BufferBarrier{
			Buffer:    b,
			SrcAccess: device.AccessShaderWrite,
			DstAccess: device.AccessShaderRead,
		}
	}

	cbs := make([]device.CommandBuffer, 0, len(steps))
	for i, s := range steps {
		cb, err := dev.CreateCommandBuffer(s.Label)
		if err != nil {
			Free(dev, cbs)
			return nil, fmt.Errorf("encoder: step %d (%s): %w", i, s.Label, err)
		}
		cbs = append(cbs, cb)

		cb.BindPipeline(s.Binding.Pipeline)
		for _, set := range s.Binding.Sets {
			cb.BindDescriptorSet(set.Index, set.Set)
		}
		cb.Dispatch(s.Dispatch[0], s.Dispatch[1], s.Dispatch[2])
		if len(barriers) > 0 {
			cb.Barrier(barriers)
		}
		if err := cb.End(); err != nil {
			Free(dev, cbs)
			return nil, fmt.Errorf("encoder: step %d (%s): %w", i, s.Label, err)
		}

		device.Logger().Debug("encoder: recorded",
			"step", i, "kernel", s.Label,
			"x", s.Dispatch[0], "y", s.Dispatch[1], "z", s.Dispatch[2])
	}
	return cbs, nil
}

// Free releases command buffers.
func Free(dev device.Device, cbs []device.CommandBuffer) {
	for _, cb := range cbs {
		dev.FreeCommandBuffer(cb)
	}
}
