package output

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, "doubled", []float32{0, 1.5, 2}); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "doubled;0;1.5;2\n"; got != want {
		t.Errorf("WriteCSV() = %q, want %q", got, want)
	}

	buf.Reset()
	if err := WriteCSV(&buf, "ids", []int{3, -4}); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "ids;3;-4\n"; got != want {
		t.Errorf("WriteCSV() = %q, want %q", got, want)
	}
}

func TestWritePPM(t *testing.T) {
	data := []float32{
		0, 0, 0, 10, 10, 10,
		5, 5, 5, 10, 0, 10,
	}
	var buf bytes.Buffer
	if err := WritePPM(&buf, data, 2, 2); err != nil {
		t.Fatal(err)
	}
	want := "P3\n2 2\n255\n0 0 0 255 255 255\n128 128 128 255 0 255\n"
	if buf.String() != want {
		t.Errorf("WritePPM() =\n%s\nwant\n%s", buf.String(), want)
	}

	if err := WritePPM(&buf, data, 3, 2); !errors.Is(err, ErrSize) {
		t.Errorf("WritePPM(wrong size) error = %v, want ErrSize", err)
	}
}

func TestMinMax(t *testing.T) {
	tests := []struct {
		name   string
		data   []float64
		lo, hi float64
		ok     bool
	}{
		{"empty", nil, 0, 0, false},
		{"single", []float64{3}, 3, 3, true},
		{"mixed", []float64{2, -1, 7, 0}, -1, 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, ok := MinMax(tt.data)
			if lo != tt.lo || hi != tt.hi || ok != tt.ok {
				t.Errorf("MinMax() = %v, %v, %v; want %v, %v, %v", lo, hi, ok, tt.lo, tt.hi, tt.ok)
			}
		})
	}
}

func TestRemap(t *testing.T) {
	if got := Remap[float32](5, 0, 10, 0, 255); got != 127.5 {
		t.Errorf("Remap(5, 0..10, 0..255) = %v, want 127.5", got)
	}
	if got := Remap(15, 10, 20, 100, 0); got != 50 {
		t.Errorf("Remap(15, 10..20, 100..0) = %v, want 50", got)
	}
}

func TestApproxEqual(t *testing.T) {
	tests := []struct {
		a, b float32
		want bool
	}{
		{1, 1, true},
		{1, 1.00001, true},
		{1, 1.1, false},
		{-2, -2.0005, true},
	}
	for _, tt := range tests {
		if got := ApproxEqual(tt.a, tt.b, 0.001); got != tt.want {
			t.Errorf("ApproxEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRandom(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	f := Random[float32](r, 1000, -1, 1)
	if len(f) != 1000 {
		t.Fatalf("len = %d, want 1000", len(f))
	}
	for i, v := range f {
		if v < -1 || v >= 1 {
			t.Fatalf("f[%d] = %v outside [-1, 1)", i, v)
		}
	}

	n := Random(r, 1000, 5, 8)
	seen := make(map[int]bool)
	for _, v := range n {
		if v < 5 || v >= 8 {
			t.Fatalf("value %d outside [5, 8)", v)
		}
		seen[v] = true
	}
	if len(seen) != 3 {
		t.Errorf("saw %d distinct values, want 3", len(seen))
	}

	// Same seed, same values.
	a := Random[float64](rand.New(rand.NewPCG(7, 7)), 4, 0, 1)
	b := Random[float64](rand.New(rand.NewPCG(7, 7)), 4, 0, 1)
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("seeded values differ at %d", i)
		}
	}
}

func TestHeatMap(t *testing.T) {
	img, err := HeatMap([]float32{0, 1, 2, 3}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("min pixel = %v, want blue", got)
	}
	if got := img.RGBAAt(1, 1); got != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("max pixel = %v, want red", got)
	}

	flat, err := HeatMap([]float32{4, 4}, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if flat.RGBAAt(0, 0) != flat.RGBAAt(1, 0) {
		t.Error("flat data produced different colors")
	}

	if _, err := HeatMap([]float32{1, 2, 3}, 2, 2); !errors.Is(err, ErrSize) {
		t.Errorf("HeatMap(wrong size) error = %v, want ErrSize", err)
	}
}

func TestScale(t *testing.T) {
	src, _ := HeatMap([]float32{0, 1, 2, 3}, 2, 2)
	dst := Scale(src, 8, 8, false)
	if dst.Bounds().Dx() != 8 || dst.Bounds().Dy() != 8 {
		t.Fatalf("Scale() bounds = %v", dst.Bounds())
	}
	// Nearest neighbour keeps each cell a solid 4x4 block.
	if dst.RGBAAt(0, 0) != src.RGBAAt(0, 0) || dst.RGBAAt(7, 7) != src.RGBAAt(1, 1) {
		t.Error("nearest neighbour scaling changed cell colors")
	}
	if smooth := Scale(src, 8, 8, true); smooth.Bounds() != dst.Bounds() {
		t.Errorf("smooth Scale() bounds = %v", smooth.Bounds())
	}
}

func TestLabel(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 24))
	if err := Label(img, "gpu", 4, 18, 14, color.White); err != nil {
		t.Fatal(err)
	}
	lit := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] > 0 {
			lit++
		}
	}
	if lit == 0 {
		t.Error("Label() drew nothing")
	}
}

func TestEncodeDecode(t *testing.T) {
	src, _ := HeatMap([]float32{0, 1, 2, 3, 4, 5}, 3, 2)
	for _, f := range []Format{PNG, BMP, TIFF} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, src, f); err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, name, err := image.Decode(&buf)
			if err != nil {
				t.Fatalf("image.Decode() error = %v", err)
			}
			if name != f.String() {
				t.Errorf("decoded format = %q, want %q", name, f)
			}
			if got.Bounds() != src.Bounds() {
				t.Errorf("bounds = %v, want %v", got.Bounds(), src.Bounds())
			}
			r, g, b, _ := got.At(2, 1).RGBA()
			if r>>8 != 255 || g>>8 != 0 || b>>8 != 0 {
				t.Errorf("max pixel = %d %d %d, want red", r>>8, g>>8, b>>8)
			}
		})
	}
	if err := Encode(&bytes.Buffer{}, src, Format(9)); !errors.Is(err, ErrFormat) {
		t.Errorf("Encode(unknown) error = %v, want ErrFormat", err)
	}
}

func TestSave(t *testing.T) {
	img, _ := HeatMap([]float32{0, 1}, 2, 1)
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.BMP", "c.tif"} {
		if err := Save(filepath.Join(dir, name), img); err != nil {
			t.Errorf("Save(%s) error = %v", name, err)
		}
	}
	err := Save(filepath.Join(dir, "d.jpg"), img)
	if !errors.Is(err, ErrFormat) || !strings.Contains(err.Error(), ".jpg") {
		t.Errorf("Save(.jpg) error = %v, want ErrFormat", err)
	}
}
