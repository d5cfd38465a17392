package output

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"
)

// Format is an image file format.
type Format uint8

// Supported formats.
const (
	PNG Format = iota
	BMP
	TIFF
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case PNG:
		return "png"
	case BMP:
		return "bmp"
	case TIFF:
		return "tiff"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// ErrFormat is returned for an unknown image format or file extension.
var ErrFormat = errors.New("output: unknown image format")

// FormatOf returns the format matching the extension of path.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return PNG, nil
	case ".bmp":
		return BMP, nil
	case ".tif", ".tiff":
		return TIFF, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrFormat, filepath.Ext(path))
	}
}

// Encode writes img to w in format f.
func Encode(w io.Writer, img image.Image, f Format) error {
	switch f {
	case PNG:
		return png.Encode(w, img)
	case BMP:
		return bmp.Encode(w, img)
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %v", ErrFormat, f)
	}
}

// Save writes img to path in the format given by its extension.
func Save(path string, img image.Image) error {
	f, err := FormatOf(path)
	if err != nil {
		return err
	}
	file, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	if err := Encode(file, img, f); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// HeatMap renders a width x height grid of values, row major, as an image.
// Values are remapped from their min/max range onto a blue to red ramp.
func HeatMap(data []float32, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 || len(data) != width*height {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrSize, len(data), width, height)
	}
	lo, hi, _ := MinMax(data)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetRGBA(x, y, ramp(toByte(data[y*width+x], lo, hi)))
		}
	}
	return img, nil
}

// ramp maps 0..255 to blue, cyan, green, yellow, red.
func ramp(v uint8) color.RGBA {
	t := int(v) * 4 // 0..1020
	switch {
	case t < 256:
		return color.RGBA{0, uint8(t), 255, 255}
	case t < 512:
		return color.RGBA{0, 255, uint8(511 - t), 255}
	case t < 768:
		return color.RGBA{uint8(t - 512), 255, 0, 255}
	default:
		return color.RGBA{255, uint8(1020 - t), 0, 255}
	}
}

// Scale resizes img to width x height. Smooth scaling uses Catmull-Rom;
// otherwise pixels are replicated, which keeps grid cells sharp.
func Scale(img image.Image, width, height int, smooth bool) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	var s draw.Scaler = draw.NearestNeighbor
	if smooth {
		s = draw.CatmullRom
	}
	s.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Label draws text onto img with its baseline at (x, y).
func Label(img draw.Image, text string, x, y int, size float64, col color.Color) error {
	parsed, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return fmt.Errorf("output: label font: %w", err)
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return fmt.Errorf("output: label face: %w", err)
	}
	defer func() {
		_ = face.Close()
	}()

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
	return nil
}
