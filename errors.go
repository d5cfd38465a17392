package gpujob

import (
	"errors"

	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/internal/binder"
	"github.com/gogpu/gpujob/internal/encoder"
	"github.com/gogpu/gpujob/internal/memory"
	"github.com/gogpu/gpujob/internal/tracker"
)

// Declaration errors, returned by Build.
var (
	// ErrNilDevice is returned when building a job without a device.
	ErrNilDevice = errors.New("gpujob: nil device")

	// ErrEmptyBuffer is returned for a buffer or uniform of zero bytes.
	ErrEmptyBuffer = errors.New("gpujob: buffer size must be positive")

	// ErrDispatchCount is returned when the number of dispatches differs
	// from the number of kernels.
	ErrDispatchCount = errors.New("gpujob: one dispatch per kernel required")

	// ErrDuplicateBindPoint is returned when two buffers of one kernel
	// share a bind point.
	ErrDuplicateBindPoint = errors.New("gpujob: duplicate bind point")

	// ErrInvalidLink is returned when a link names an unknown kernel or
	// buffer.
	ErrInvalidLink = errors.New("gpujob: invalid link")

	// ErrInvalidDispatch is returned for a dispatch with a zero workgroup
	// count.
	ErrInvalidDispatch = encoder.ErrInvalidDispatch
)

// Execution errors.
var (
	// ErrAlreadyExecuted is returned by a second call to Execute.
	ErrAlreadyExecuted = errors.New("gpujob: job already executed")

	// ErrClosed is returned when executing a closed job.
	ErrClosed = errors.New("gpujob: job closed")

	// ErrNoSuitableMemoryType is returned when the device has no host
	// visible, host coherent memory type large enough for the job.
	ErrNoSuitableMemoryType = memory.ErrNoSuitableMemoryType

	// ErrAlreadyBound is returned when a buffer is bound to memory twice.
	ErrAlreadyBound = memory.ErrAlreadyBound

	// ErrOutOfRange is returned for a buffer placed or copied outside its
	// range.
	ErrOutOfRange = memory.ErrOutOfRange

	// ErrBindingMismatch is returned when a kernel's declared bindings do
	// not match the buffers given to it.
	ErrBindingMismatch = binder.ErrBindingMismatch

	// ErrSubmission is returned when the queue rejects the job's work.
	ErrSubmission = tracker.ErrSubmission

	// ErrDeviceLost is reported by Err after the device stopped executing
	// the job.
	ErrDeviceLost = device.ErrDeviceLost
)
