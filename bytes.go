package gpujob

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/constraints"
)

// Scalar is a fixed-size numeric type that can live in a device buffer.
type Scalar interface {
	constraints.Float | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Bytes encodes vals as little-endian bytes, the layout kernels read.
func Bytes[T Scalar](vals []T) []byte {
	out, err := binary.Append(make([]byte, 0, binary.Size(vals)), binary.LittleEndian, vals)
	if err != nil {
		// Unreachable: Scalar types always have a fixed size.
		panic(err)
	}
	return out
}

// Values decodes little-endian bytes into values of T. The length of b
// must be a multiple of the size of T.
func Values[T Scalar](b []byte) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if len(b)%size != 0 {
		return nil, fmt.Errorf("gpujob: %d bytes is not a multiple of %d", len(b), size)
	}
	out := make([]T, len(b)/size)
	if _, err := binary.Decode(b, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("gpujob: decode values: %w", err)
	}
	return out, nil
}

// UniformBytes encodes a fixed-layout value, typically a struct of
// Scalar fields, for AddUniform. Fields are written in order with no
// implicit padding; add explicit padding fields where the kernel's layout
// requires them.
func UniformBytes(v any) ([]byte, error) {
	out, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return nil, fmt.Errorf("gpujob: uniform: %w", err)
	}
	return out, nil
}
