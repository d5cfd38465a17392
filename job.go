package gpujob

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/internal/binder"
	"github.com/gogpu/gpujob/internal/encoder"
	"github.com/gogpu/gpujob/internal/layout"
	"github.com/gogpu/gpujob/internal/memory"
	"github.com/gogpu/gpujob/internal/tracker"
	"github.com/gogpu/gpujob/kernel"
)

// Job is a single-shot batch of compute work: buffers packed into one
// device allocation, kernels run in declaration order with a barrier
// between each, and a fence followed by Status and Wait.
//
// A Job is not safe for concurrent use. Jobs on the same device are
// independent of each other.
type Job struct {
	dev        device.Device
	opts       options
	buffers    []bufferDecl
	kernels    []kernelDecl
	dispatches [][3]uint32
	uses       [][]use

	executed bool
	closed   bool
	err      error

	// Acquired by Execute, released by Close in reverse order.
	handles  []device.Buffer // created but not yet owned by pool
	pool     *memory.Pool
	ids      []memory.BufferID
	programs []device.Kernel
	bindings []*binder.Binding
	cbs      []device.CommandBuffer
	tracker  *tracker.Tracker

	submitted time.Time
	timing    Timing
	output    [][]byte
}

// Label returns the job label.
func (j *Job) Label() string { return j.opts.label }

// Execute uploads the buffers, binds and records every kernel, and submits
// the work. It returns once the work is queued; use Status or Wait to
// follow it.
//
// Layout, allocation and binding errors abort Execute and release
// everything it acquired. Execute may be called once; later calls return
// ErrAlreadyExecuted.
func (j *Job) Execute() error {
	if j.closed {
		return ErrClosed
	}
	if j.executed {
		return ErrAlreadyExecuted
	}
	j.executed = true

	if err := j.execute(); err != nil {
		j.err = err
		j.release()
		return err
	}
	return nil
}

func (j *Job) execute() error {
	start := time.Now()
	if err := j.upload(); err != nil {
		return err
	}
	j.timing.Upload = time.Since(start)

	start = time.Now()
	if err := j.bind(); err != nil {
		return err
	}
	j.timing.Bind = time.Since(start)

	start = time.Now()
	if err := j.encode(); err != nil {
		return err
	}
	j.timing.Encode = time.Since(start)

	j.tracker = tracker.New(j.dev)
	j.submitted = time.Now()
	if err := j.tracker.Submit(j.cbs); err != nil {
		return fmt.Errorf("gpujob: %s: %w", j.opts.label, err)
	}

	Logger().Debug("gpujob: submitted", "job", j.opts.label,
		"buffers", len(j.buffers), "kernels", len(j.kernels))
	return nil
}

// upload creates the buffers, packs them into one allocation and copies
// the initial data.
func (j *Job) upload() error {
	reqs := make([]layout.Requirement, len(j.buffers))
	typeBits := ^uint32(0)
	for i, d := range j.buffers {
		h, err := j.dev.CreateBuffer(&device.BufferDescriptor{
			Label: fmt.Sprintf("%s/buffer%d", j.opts.label, i),
			Size:  d.size,
			Kind:  d.kind,
		})
		if err != nil {
			return fmt.Errorf("gpujob: %s: buffer %d: %w", j.opts.label, i, err)
		}
		j.handles = append(j.handles, h)

		r := j.dev.BufferRequirements(h)
		reqs[i] = layout.Requirement{Size: max(r.Size, d.size), Alignment: r.Alignment}
		typeBits &= r.TypeBits
	}

	l, err := layout.Compute(reqs)
	if err != nil {
		return fmt.Errorf("gpujob: %s: %w", j.opts.label, err)
	}
	Logger().Debug("gpujob: layout", "job", j.opts.label, "size", l.Total, "buffers", len(reqs))

	pool, err := memory.Allocate(j.dev, l.Total, typeBits)
	if err != nil {
		return fmt.Errorf("gpujob: %s: %w", j.opts.label, err)
	}
	j.pool = pool

	// Ownership of each handle moves to the pool as it is bound.
	handles := j.handles
	j.handles = nil
	for i, h := range handles {
		id, err := pool.Bind(h, reqs[i].Size, reqs[i].Alignment, l.Offsets[i])
		if err != nil {
			j.handles = handles[i:]
			return fmt.Errorf("gpujob: %s: buffer %d: %w", j.opts.label, i, err)
		}
		j.ids = append(j.ids, id)
	}

	for i, d := range j.buffers {
		if d.data == nil {
			continue
		}
		if err := pool.Write(j.ids[i], d.data); err != nil {
			return fmt.Errorf("gpujob: %s: buffer %d: %w", j.opts.label, i, err)
		}
	}
	return nil
}

// bind creates the device kernels and their descriptor sets.
func (j *Job) bind() error {
	for k, kd := range j.kernels {
		label := fmt.Sprintf("%s/kernel%d", j.opts.label, k)
		prog, err := j.dev.CreateKernel(&device.KernelDescriptor{
			Label:      label,
			Code:       kd.code,
			EntryPoint: kd.entry,
		})
		if err != nil {
			return fmt.Errorf("gpujob: %s: kernel %d: %w", j.opts.label, k, err)
		}
		j.programs = append(j.programs, prog)

		expect, err := j.reflect(k)
		if err != nil {
			return err
		}

		res := make([]binder.Resource, len(j.uses[k]))
		for i, u := range j.uses[k] {
			buf, err := j.pool.Buffer(j.ids[u.buffer])
			if err != nil {
				return fmt.Errorf("gpujob: %s: kernel %d: %w", j.opts.label, k, err)
			}
			res[i] = binder.Resource{
				Bind:   u.bind,
				Kind:   j.buffers[u.buffer].kind,
				Buffer: buf.Handle,
				Size:   j.buffers[u.buffer].size,
			}
		}

		b, err := binder.Bind(j.dev, &binder.Request{
			Label:     label,
			Kernel:    prog,
			Expect:    expect,
			Resources: res,
		})
		if err != nil {
			return fmt.Errorf("gpujob: %s: kernel %d: %w", j.opts.label, k, err)
		}
		j.bindings = append(j.bindings, b)
	}
	return nil
}

// reflect returns the declared bindings of kernel k, or nil when
// validation is off or the binary cannot be reflected.
func (j *Job) reflect(k int) (*kernel.Layout, error) {
	if !j.opts.validate {
		return nil, nil
	}
	kd := j.kernels[k]
	l, err := kernel.Reflect(kd.code, kd.entry)
	switch {
	case errors.Is(err, kernel.ErrEntryPoint):
		return nil, fmt.Errorf("gpujob: %s: kernel %d: %w", j.opts.label, k, err)
	case err != nil:
		Logger().Debug("gpujob: kernel not reflected, bindings unchecked",
			"job", j.opts.label, "kernel", k, "err", err)
		return nil, nil
	}
	return l, nil
}

func (j *Job) encode() error {
	steps := make([]encoder.Step, len(j.kernels))
	for k := range j.kernels {
		steps[k] = encoder.Step{
			Label:    fmt.Sprintf("%s/kernel%d", j.opts.label, k),
			Binding:  j.bindings[k],
			Dispatch: j.dispatches[k],
		}
	}

	barrier := make([]device.Buffer, len(j.ids))
	for i, id := range j.ids {
		buf, err := j.pool.Buffer(id)
		if err != nil {
			return fmt.Errorf("gpujob: %s: %w", j.opts.label, err)
		}
		barrier[i] = buf.Handle
	}

	cbs, err := encoder.Encode(j.dev, steps, barrier)
	if err != nil {
		return fmt.Errorf("gpujob: %s: %w", j.opts.label, err)
	}
	j.cbs = cbs
	return nil
}

// Status reports the job state without blocking. Once it returns
// StatusSuccess or StatusFailure it keeps returning it.
func (j *Job) Status() Status {
	if j.tracker == nil {
		if j.err != nil {
			return StatusFailure
		}
		return StatusInit
	}
	return j.observe(statusOf(j.tracker.Status()))
}

// Wait blocks up to timeout for the job to finish and returns Status.
// Before Execute it returns StatusInit immediately. A timeout of zero or
// less polls.
func (j *Job) Wait(timeout time.Duration) Status {
	if j.tracker == nil {
		return j.Status()
	}
	return j.observe(statusOf(j.tracker.Wait(timeout)))
}

// observe records the execute time and the terminal error when s is the
// first terminal state seen.
func (j *Job) observe(s Status) Status {
	if !s.Done() || j.timing.Execute != 0 {
		return s
	}
	j.timing.Execute = time.Since(j.submitted)
	if s == StatusFailure && j.err == nil {
		j.err = fmt.Errorf("gpujob: %s: %w", j.opts.label, ErrDeviceLost)
	}
	Logger().Info("gpujob: finished", "job", j.opts.label, "status", s, "execute", j.timing.Execute)
	return s
}

// Output returns the contents of every declared buffer, in declaration
// order. It returns nil and false unless the job succeeded.
//
// The first call reads the buffers back from the device; later calls
// return the same slices. After Close only slices read before are
// available.
func (j *Job) Output() ([][]byte, bool) {
	if j.Status() != StatusSuccess {
		return nil, false
	}
	if j.output != nil {
		return j.output, true
	}

	start := time.Now()
	out := make([][]byte, len(j.ids))
	for i, id := range j.ids {
		data, err := j.pool.Read(id)
		if err != nil {
			Logger().Warn("gpujob: read back failed", "job", j.opts.label, "buffer", i, "err", err)
			return nil, false
		}
		out[i] = data[:j.buffers[i].size]
	}
	j.timing.Download = time.Since(start)
	j.output = out
	return out, true
}

// Timing returns the time spent in each phase so far.
func (j *Job) Timing() Timing { return j.timing }

// Err returns the error that made the job fail, or nil.
func (j *Job) Err() error {
	j.Status()
	return j.err
}

// Close waits until the device is idle, then releases every resource of
// the job. Output slices returned earlier stay valid. Close is idempotent.
func (j *Job) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true

	var err error
	if j.tracker != nil {
		if werr := j.dev.WaitIdle(); werr != nil {
			Logger().Warn("gpujob: wait idle failed", "job", j.opts.label, "err", werr)
			err = fmt.Errorf("gpujob: %s: close: %w", j.opts.label, werr)
		}
		j.Status()
	}
	j.release()
	return err
}

// release frees resources in reverse acquisition order.
func (j *Job) release() {
	if j.tracker != nil {
		j.tracker.Release()
	}
	encoder.Free(j.dev, j.cbs)
	j.cbs = nil
	for i := len(j.bindings) - 1; i >= 0; i-- {
		j.bindings[i].Release()
	}
	j.bindings = nil
	for i := len(j.programs) - 1; i >= 0; i-- {
		j.dev.DestroyKernel(j.programs[i])
	}
	j.programs = nil
	if j.pool != nil {
		j.pool.Release()
	}
	for _, h := range j.handles {
		j.dev.DestroyBuffer(h)
	}
	j.handles = nil
}
