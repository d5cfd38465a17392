package gpujob

import (
	"testing"

	"github.com/gogpu/gpujob/device/software"
	"github.com/gogpu/gpujob/kernel"
)

func TestDefaultOptions(t *testing.T) {
	b := NewBuilder()
	if b.opts.label != "job" {
		t.Errorf("label = %q, want %q", b.opts.label, "job")
	}
	if b.opts.entryPoint != kernel.DefaultEntryPoint {
		t.Errorf("entryPoint = %q, want %q", b.opts.entryPoint, kernel.DefaultEntryPoint)
	}
	if !b.opts.validate {
		t.Error("validation is off by default")
	}
}

func TestOptions(t *testing.T) {
	b := NewBuilder(WithLabel("reduce"), WithEntryPoint("reduce_main"), WithValidation(false))
	if b.opts.label != "reduce" {
		t.Errorf("label = %q, want %q", b.opts.label, "reduce")
	}
	if b.opts.validate {
		t.Error("WithValidation(false) left validation on")
	}

	b.AddKernel([]uint32{kernel.Magic})
	b.AddKernelEntry([]uint32{kernel.Magic}, "other")
	if got := b.kernels[0].entry; got != "reduce_main" {
		t.Errorf("AddKernel entry = %q, want %q", got, "reduce_main")
	}
	if got := b.kernels[1].entry; got != "other" {
		t.Errorf("AddKernelEntry entry = %q, want %q", got, "other")
	}
}

func TestEntryPointMissing(t *testing.T) {
	j, err := NewBuilder(WithEntryPoint("nope")).
		AddKernel(compile(t, doubleWGSL)).
		AddDispatch(1, 1, 1).
		Build(software.New())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if err := j.Execute(); err == nil {
		t.Error("Execute() with a missing entry point succeeded")
	}
}
