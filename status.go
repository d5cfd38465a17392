package gpujob

import (
	"fmt"

	"github.com/gogpu/gpujob/internal/tracker"
)

// Status is the execution state of a job.
type Status uint8

const (
	// StatusInit means the job has not been submitted.
	StatusInit Status = iota

	// StatusExecuting means the job was submitted and has not finished.
	StatusExecuting

	// StatusSuccess means every kernel of the job completed.
	StatusSuccess

	// StatusFailure means execution failed or the device was lost.
	// Failure is terminal; retrying requires a new job.
	StatusFailure
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "Init"
	case StatusExecuting:
		return "Executing"
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Done reports whether s is terminal.
func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusFailure
}

func statusOf(s tracker.State) Status {
	switch s {
	case tracker.Executing:
		return StatusExecuting
	case tracker.Success:
		return StatusSuccess
	case tracker.Failure:
		return StatusFailure
	default:
		return StatusInit
	}
}
