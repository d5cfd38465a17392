package gpujob_test

import (
	"fmt"
	"time"

	"github.com/gogpu/gpujob"
	"github.com/gogpu/gpujob/device/software"
	"github.com/gogpu/gpujob/kernel"
)

const doubleKernel = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    dst[id.x] = src[id.x] * 2.0;
}
`

func Example() {
	code, err := kernel.CompileWGSL(doubleKernel)
	if err != nil {
		fmt.Println(err)
		return
	}

	in := []float32{1, 2, 3, 4}
	job, err := gpujob.NewBuilder(gpujob.WithLabel("double")).
		AddBuffer(gpujob.Bytes(in)).
		AddROBuffer(uint64(len(in) * 4)).
		AddKernel(code).
		AddDispatch(kernel.WorkgroupCount(uint32(len(in)), 64), 1, 1).
		Build(software.New())
	if err != nil {
		fmt.Println(err)
		return
	}
	defer job.Close()

	if err := job.Execute(); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(job.Wait(10 * time.Second))

	out, _ := job.Output()
	doubled, _ := gpujob.Values[float32](out[1])
	fmt.Println(doubled)
	// Output:
	// Success
	// [2 4 6 8]
}
