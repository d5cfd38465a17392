package main

import (
	"embed"
	"fmt"
	"image/color"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/gogpu/gpujob"
	"github.com/gogpu/gpujob/device"
	"github.com/gogpu/gpujob/kernel"
	"github.com/gogpu/gpujob/output"
)

//go:embed kernels/*.wgsl
var kernels embed.FS

// epsilon is the tolerance used when checking float results.
const epsilon = 1e-3

// params configures one example run.
type params struct {
	n   int
	out string
	rng *rand.Rand
}

// example is one bundled job: build declares it, verify checks the output.
type example struct {
	name  string
	about string
	build func(p params) (*gpujob.Builder, func(out [][]byte) error, error)
}

var examples = []example{
	{name: "double", about: "doubles a vector of random floats", build: buildDouble},
	{name: "multiply", about: "scales a vector by a uniform factor", build: buildMultiply},
	{name: "pipeline", about: "two kernels: double, then add one", build: buildPipeline},
	{name: "heatmap", about: "evaluates sin(x)*cos(y) on a grid and writes a heat map", build: buildHeatMap},
}

func findExample(name string) (example, bool) {
	for _, ex := range examples {
		if ex.name == name {
			return ex, true
		}
	}
	return example{}, false
}

func loadKernel(name string) ([]uint32, error) {
	src, err := kernels.ReadFile("kernels/" + name + ".wgsl")
	if err != nil {
		return nil, err
	}
	return kernel.CompileWGSL(string(src))
}

func groups(n int) uint32 { return kernel.WorkgroupCount(uint32(n), 64) }

func floats(b []byte) ([]float32, error) { return gpujob.Values[float32](b) }

// compare checks got against want(i) for every element.
func compare(got []float32, want func(i int) float32) error {
	for i, v := range got {
		if w := want(i); !output.ApproxEqual(v, w, epsilon) {
			return fmt.Errorf("element %d = %v, want %v", i, v, w)
		}
	}
	return nil
}

func buildDouble(p params) (*gpujob.Builder, func([][]byte) error, error) {
	code, err := loadKernel("double")
	if err != nil {
		return nil, nil, err
	}
	in := output.Random[float32](p.rng, p.n, -100, 100)

	b := gpujob.NewBuilder(gpujob.WithLabel("double")).
		AddBuffer(gpujob.Bytes(in)).
		AddROBuffer(uint64(p.n * 4)).
		AddKernel(code).
		AddDispatch(groups(p.n), 1, 1)

	verify := func(out [][]byte) error {
		got, err := floats(out[1])
		if err != nil {
			return err
		}
		return compare(got, func(i int) float32 { return in[i] * 2 })
	}
	return b, verify, nil
}

func buildMultiply(p params) (*gpujob.Builder, func([][]byte) error, error) {
	code, err := loadKernel("multiply")
	if err != nil {
		return nil, nil, err
	}
	const factor = 3
	in := output.Random[float32](p.rng, p.n, 0, 10)
	uniform, err := gpujob.UniformBytes(struct{ Factor float32 }{factor})
	if err != nil {
		return nil, nil, err
	}

	b := gpujob.NewBuilder(gpujob.WithLabel("multiply")).
		AddBuffer(gpujob.Bytes(in)).
		AddUniform(uniform, device.BindPoint{Set: 0, Binding: 1}).
		AddKernel(code).
		AddDispatch(groups(p.n), 1, 1)

	verify := func(out [][]byte) error {
		got, err := floats(out[0])
		if err != nil {
			return err
		}
		return compare(got, func(i int) float32 { return in[i] * factor })
	}
	return b, verify, nil
}

func buildPipeline(p params) (*gpujob.Builder, func([][]byte) error, error) {
	double, err := loadKernel("double")
	if err != nil {
		return nil, nil, err
	}
	addOne, err := loadKernel("add_one")
	if err != nil {
		return nil, nil, err
	}
	in := make([]float32, p.n)
	for i := range in {
		in[i] = float32(i)
	}

	b := gpujob.NewBuilder(gpujob.WithLabel("pipeline")).
		AddBuffer(gpujob.Bytes(in)).
		AddROBuffer(uint64(p.n * 4)).
		AddROBuffer(uint64(p.n * 4)).
		AddKernel(double).
		AddDispatch(groups(p.n), 1, 1).
		AddKernel(addOne).
		AddDispatch(groups(p.n), 1, 1)

	verify := func(out [][]byte) error {
		got, err := floats(out[2])
		if err != nil {
			return err
		}
		return compare(got, func(i int) float32 { return float32(2*i + 1) })
	}
	return b, verify, nil
}

// heatMapScale is the grid spacing in radians.
const heatMapScale = 0.1

func buildHeatMap(p params) (*gpujob.Builder, func([][]byte) error, error) {
	code, err := loadKernel("heatmap")
	if err != nil {
		return nil, nil, err
	}
	side := max(int(math.Sqrt(float64(p.n))), 8)
	grid, err := gpujob.UniformBytes(struct {
		Width, Height uint32
		Scale, Pad    float32
	}{uint32(side), uint32(side), heatMapScale, 0})
	if err != nil {
		return nil, nil, err
	}
	wg := kernel.WorkgroupCount(uint32(side), 8)

	b := gpujob.NewBuilder(gpujob.WithLabel("heatmap")).
		AddROBuffer(uint64(side * side * 4)).
		AddUniform(grid, device.BindPoint{Set: 0, Binding: 1}).
		AddKernel(code).
		AddDispatch(wg, wg, 1)

	verify := func(out [][]byte) error {
		field, err := floats(out[0])
		if err != nil {
			return err
		}
		if err := compare(field, func(i int) float32 {
			x, y := float64(i%side)*heatMapScale, float64(i/side)*heatMapScale
			return float32(math.Sin(x) * math.Cos(y))
		}); err != nil {
			return err
		}
		if p.out == "" {
			return nil
		}
		return writeHeatMap(p.out, field, side)
	}
	return b, verify, nil
}

// writeHeatMap writes the field as a labeled PNG plus PPM and CSV dumps.
func writeHeatMap(dir string, field []float32, side int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	img, err := output.HeatMap(field, side, side)
	if err != nil {
		return err
	}
	big := output.Scale(img, side*4, side*4, false)
	lo, hi, _ := output.MinMax(field)
	if err := output.Label(big, fmt.Sprintf("%.2f .. %.2f", lo, hi), 4, 16, 12, color.White); err != nil {
		return err
	}
	if err := output.Save(filepath.Join(dir, "heatmap.png"), big); err != nil {
		return err
	}

	rgb := make([]float32, 0, len(field)*3)
	for _, v := range field {
		rgb = append(rgb, v, v, v)
	}
	ppm, err := os.Create(filepath.Join(dir, "heatmap.ppm"))
	if err != nil {
		return err
	}
	if err := output.WritePPM(ppm, rgb, side, side); err != nil {
		_ = ppm.Close()
		return err
	}
	if err := ppm.Close(); err != nil {
		return err
	}

	csv, err := os.Create(filepath.Join(dir, "heatmap.csv"))
	if err != nil {
		return err
	}
	for y := range side {
		if err := output.WriteCSV(csv, fmt.Sprintf("row%d", y), field[y*side:(y+1)*side]); err != nil {
			_ = csv.Close()
			return err
		}
	}
	return csv.Close()
}
