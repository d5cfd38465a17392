// Package tracker submits a job's command buffers and follows their
// completion fence.
package tracker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpujob/device"
)

// Tracker errors.
var (
	// ErrAlreadySubmitted is returned by a second Submit.
	ErrAlreadySubmitted = errors.New("tracker: already submitted")

	// ErrSubmission wraps a queue submission failure.
	ErrSubmission = errors.New("tracker: submission failed")
)

// State is the execution state derived from the fence.
type State uint8

const (
	// Init means nothing was submitted yet.
	Init State = iota

	// Executing means work was submitted and the fence is unsignaled.
	Executing

	// Success means the fence signaled.
	Success

	// Failure means submission failed or the device was lost.
	Failure
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Executing:
		return "executing"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Tracker owns the fence of one submission.
//
// Status and Wait may run concurrently with each other, but not with
// Submit or Release.
type Tracker struct {
	dev   device.Device
	fence device.Fence

	submitted atomic.Bool
	failed    atomic.Bool

	// terminal latches Success or Failure once observed.
	terminal atomic.Uint32
}

// New returns a tracker in the Init state.
func New(dev device.Device) *Tracker {
	return &Tracker{dev: dev}
}

// Submit creates a fresh fence and submits cbs with it. It may be called
// once.
func (t *Tracker) Submit(cbs []device.CommandBuffer) error {
	if !t.submitted.CompareAndSwap(false, true) {
		return ErrAlreadySubmitted
	}

	fence, err := t.dev.CreateFence()
	if err != nil {
		t.failed.Store(true)
		return fmt.Errorf("%w: create fence: %w", ErrSubmission, err)
	}
	t.fence = fence

	if err := t.dev.Submit(cbs, fence); err != nil {
		t.failed.Store(true)
		return fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	device.Logger().Debug("tracker: submitted", "command_buffers", len(cbs))
	return nil
}

// Status returns the current state without blocking.
func (t *Tracker) Status() State {
	if s := State(t.terminal.Load()); s != Init {
		return s
	}
	if t.failed.Load() {
		return Failure
	}
	if !t.submitted.Load() || t.fence == nil {
		return Init
	}
	return t.latch(t.dev.FenceStatus(t.fence))
}

// Wait blocks until the fence leaves the unsignaled state or timeout
// elapses, then returns Status. Before Submit it returns Init. A timeout
// of zero or less polls.
func (t *Tracker) Wait(timeout time.Duration) State {
	s := t.Status()
	if s != Executing || timeout <= 0 {
		return s
	}
	if _, err := t.dev.WaitFence(t.fence, timeout); err != nil {
		device.Logger().Warn("tracker: wait failed", "err", err)
	}
	return t.Status()
}

func (t *Tracker) latch(fs device.FenceState) State {
	var s State
	switch fs {
	case device.FenceUnsignaled:
		return Executing
	case device.FenceSignaled:
		s = Success
	default:
		s = Failure
	}
	t.terminal.CompareAndSwap(uint32(Init), uint32(s))
	return State(t.terminal.Load())
}

// Release records the final state and destroys the fence. The caller must
// ensure the device no longer uses it. Release is idempotent.
func (t *Tracker) Release() {
	if t.fence != nil {
		t.Status()
		t.dev.DestroyFence(t.fence)
		t.fence = nil
	}
}
