// Package device defines the GPU device interface used by gpujob and a
// registry of device backends.
//
// The interface follows the explicit Vulkan resource model: buffers are
// created unbound, placed into a single memory allocation at chosen offsets,
// attached to kernels through descriptor sets, and driven by recorded command
// buffers whose completion is observed through fences.
//
// Two backends are provided:
//
//   - device/software: a reference device that executes SPIR-V kernels on the
//     CPU with an asynchronous queue. Always available.
//   - device/haldevice: an adapter over gogpu/wgpu HAL devices (Vulkan, Metal,
//     DX12, GLES).
//
// Backends register themselves from init functions:
//
//	import _ "github.com/gogpu/gpujob/device/software"
//
//	dev, err := device.Open("software")
package device
