// Package gpujob runs batches of GPU compute work as single-shot jobs.
//
// # Overview
//
// A job is a set of buffers, one or more compute kernels and one dispatch
// per kernel. Execute packs every buffer into a single host-visible device
// allocation, uploads the initial data, binds the buffers to each kernel
// through descriptor sets, records one command buffer per kernel with a
// barrier after each dispatch, and submits everything guarded by a fence.
// Status and Wait follow the fence without busy waiting; Output reads the
// buffers back once the job succeeded.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpujob"
//	    "github.com/gogpu/gpujob/device/software"
//	    "github.com/gogpu/gpujob/kernel"
//	)
//
//	dev := software.New()
//	code, _ := kernel.CompileWGSL(src)
//
//	job, err := gpujob.NewBuilder().
//	    AddBuffer(gpujob.Bytes(input)).
//	    AddROBuffer(uint64(len(input) * 4)).
//	    AddKernel(code).
//	    AddDispatch(kernel.WorkgroupCount(uint32(len(input)), 64), 1, 1).
//	    Build(dev)
//	if err != nil {
//	    return err
//	}
//	defer job.Close()
//
//	if err := job.Execute(); err != nil {
//	    return err
//	}
//	if job.Wait(time.Second) == gpujob.StatusSuccess {
//	    out, _ := job.Output()
//	    doubled, _ := gpujob.Values[float32](out[1])
//	}
//
// # Bind Points
//
// Every buffer has a bind point: a descriptor set index and a binding
// index within that set. AddBuffer and AddROBuffer assign {0, i} where i
// is the declaration index; AddBufferAt, AddROBufferAt and AddUniform take
// an explicit bind point. Each kernel sees every buffer at its bind point
// unless it has explicit links (Builder.Link), in which case it sees only
// the linked buffers. One descriptor set is created per distinct set index.
//
// When a kernel can be reflected, Execute checks that every binding the
// kernel declares is provided with the matching kind and fails with
// ErrBindingMismatch otherwise.
//
// # Devices
//
// Jobs run on a device.Device. The device/software package interprets
// SPIR-V kernels on the CPU and needs no GPU. The device/haldevice package
// drives a real GPU through the gogpu/wgpu HAL (Vulkan, Metal, DX12, GLES).
// device.Default opens the best registered backend.
//
// # Errors
//
// Declaration errors are returned by Build. Layout, allocation and binding
// errors are returned by Execute, which then releases everything it
// acquired. Failures on the device are reported through Status as
// StatusFailure and through Err. Nothing is retried.
//
// # Logging
//
// gpujob logs through log/slog and is silent by default. See SetLogger.
package gpujob
