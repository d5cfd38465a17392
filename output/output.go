// Package output turns job results into files and checks them.
//
// It writes CSV rows and PPM images, renders float grids as heat maps and
// encodes them as PNG, BMP or TIFF, and offers the small numeric helpers
// job tests keep needing: random inputs, tolerant float comparison, min/max
// and linear remapping.
package output

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"

	"golang.org/x/exp/constraints"
)

// Number is an integer or floating point type.
type Number interface {
	constraints.Integer | constraints.Float
}

// ErrSize is returned when data does not match the requested dimensions.
var ErrSize = errors.New("output: data does not match dimensions")

// WriteCSV writes one row: the label followed by every value, separated
// by semicolons.
func WriteCSV[T Number](w io.Writer, label string, values []T) error {
	row := make([]string, 0, len(values)+1)
	row = append(row, label)
	for _, v := range values {
		row = append(row, format(v))
	}

	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("output: csv: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func format[T Number](v T) string {
	switch x := any(v).(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// WritePPM writes data as a plain (P3) PPM image of width x height
// pixels. data holds three channels per pixel; values are remapped from
// their own min/max range to 0..255.
func WritePPM(w io.Writer, data []float32, width, height int) error {
	if width <= 0 || height <= 0 || len(data) != width*height*3 {
		return fmt.Errorf("%w: %d values for %dx%d RGB", ErrSize, len(data), width, height)
	}
	lo, hi, _ := MinMax(data)

	if _, err := fmt.Fprintf(w, "P3\n%d %d\n255\n", width, height); err != nil {
		return err
	}
	for y := range height {
		row := data[y*width*3 : (y+1)*width*3]
		line := make([]byte, 0, len(row)*4)
		for i, v := range row {
			if i > 0 {
				line = append(line, ' ')
			}
			line = strconv.AppendUint(line, uint64(toByte(v, lo, hi)), 10)
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// toByte maps v from [lo, hi] to 0..255. A flat range maps to 0.
func toByte(v, lo, hi float32) uint8 {
	if hi <= lo {
		return 0
	}
	return uint8(Remap(v, lo, hi, 0, 255) + 0.5)
}

// MinMax returns the smallest and largest value of data. ok is false for
// empty data.
func MinMax[T constraints.Ordered](data []T) (lo, hi T, ok bool) {
	if len(data) == 0 {
		return lo, hi, false
	}
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, true
}

// Remap maps x linearly from [fromLo, fromHi] to [toLo, toHi].
// fromLo must differ from fromHi.
func Remap[T Number](x, fromLo, fromHi, toLo, toHi T) T {
	return toLo + (x-fromLo)*(toHi-toLo)/(fromHi-fromLo)
}

// ApproxEqual reports whether a and b differ by less than epsilon.
func ApproxEqual[T constraints.Float](a, b, epsilon T) bool {
	return a+epsilon > b && b > a-epsilon
}

// Random returns n values drawn uniformly from [lo, hi) using r.
func Random[T Number](r *rand.Rand, n int, lo, hi T) []T {
	out := make([]T, n)
	span := float64(hi) - float64(lo)
	for i := range out {
		out[i] = T(float64(lo) + r.Float64()*span)
	}
	return out
}
