package gpujob

import "github.com/gogpu/gpujob/kernel"

// Option configures a job during declaration.
//
// Example:
//
//	b := gpujob.NewBuilder(gpujob.WithLabel("saxpy"), gpujob.WithEntryPoint("saxpy"))
type Option func(*options)

// options holds optional configuration for a job.
type options struct {
	label      string
	entryPoint string
	validate   bool
}

// defaultOptions returns the default job options.
func defaultOptions() options {
	return options{
		label:      "job",
		entryPoint: kernel.DefaultEntryPoint,
		validate:   true,
	}
}

// WithLabel sets the label used for device objects and log records.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithEntryPoint sets the entry point used by AddKernel.
// The default is "main".
func WithEntryPoint(name string) Option {
	return func(o *options) {
		o.entryPoint = name
	}
}

// WithValidation controls whether Execute checks each kernel's declared
// bindings against the buffers given to it. Validation is on by default
// and only applies to kernels that can be reflected.
func WithValidation(enabled bool) Option {
	return func(o *options) {
		o.validate = enabled
	}
}
