// Package layout packs buffers into a single device allocation.
package layout

import (
	"errors"
	"fmt"
	"math"
)

// ErrOverflow is returned when a layout does not fit in 64-bit offsets.
var ErrOverflow = errors.New("layout: size overflows uint64")

// Requirement is the size and alignment the device reports for one buffer.
type Requirement struct {
	Size      uint64
	Alignment uint64
}

// Layout is the placement of a list of buffers in one allocation.
// Offsets[i] belongs to the i-th requirement passed to Compute.
type Layout struct {
	Total   uint64
	Offsets []uint64
}

// Compute places buffers in order, each at the first offset at or after the
// end of the previous buffer that is a multiple of its alignment.
//
// The walk is greedy and O(n); it does not reorder buffers to reduce padding.
// An empty list yields a zero Total, meaning no allocation is needed.
// Alignments of 0 are treated as 1 and need not be powers of two.
func Compute(reqs []Requirement) (Layout, error) {
	l := Layout{Offsets: make([]uint64, len(reqs))}

	var cursor uint64
	for i, r := range reqs {
		off, err := alignUp(cursor, r.Alignment)
		if err != nil {
			return Layout{}, fmt.Errorf("layout: buffer %d: %w", i, err)
		}
		if r.Size > math.MaxUint64-off {
			return Layout{}, fmt.Errorf("layout: buffer %d: %w", i, ErrOverflow)
		}
		l.Offsets[i] = off
		cursor = off + r.Size
	}
	l.Total = cursor
	return l, nil
}

// alignUp returns the smallest multiple of align that is >= v.
func alignUp(v, align uint64) (uint64, error) {
	if align <= 1 {
		return v, nil
	}
	rem := v % align
	if rem == 0 {
		return v, nil
	}
	pad := align - rem
	if v > math.MaxUint64-pad {
		return 0, ErrOverflow
	}
	return v + pad, nil
}
