// Package points handles marker point sets given in a layer's data space.
package points

import (
	"fmt"
	"math"
)

// Set is an ordered list of point coordinates.  All points in a set have the
// same width.
type Set [][]float64

// Width returns the number of coordinates per point, or 0 for an empty set.
func (s Set) Width() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}

// Copy returns a deep copy of the set.
func (s Set) Copy() Set {
	c := make(Set, len(s))
	for i, pt := range s {
		c[i] = append([]float64(nil), pt...)
	}
	return c
}

// Round converts coordinates to the nearest integers, rounding halves away from zero.
func Round(pt []float64) []int {
	out := make([]int, len(pt))
	for i, x := range pt {
		out[i] = int(math.Round(x))
	}
	return out
}

// SliceToStep returns the points lying in the displayed slice given by step,
// where the last ndim axes are the displayed (spatial) ones.  A point's
// non-spatial coordinates, rounded, must equal the step on those axes.  Points
// with fewer coordinates than step are aligned to its trailing axes.
func SliceToStep(pts Set, step []int, ndim int) (Set, error) {
	if ndim <= 0 || ndim > len(step) {
		return nil, fmt.Errorf("cannot display %d axes of %d-d step %v", ndim, len(step), step)
	}
	var sliced Set
	for i, pt := range pts {
		w := len(pt)
		if w < ndim || w > len(step) {
			return nil, fmt.Errorf("point %d has %d coordinates, need between %d and %d", i, w, ndim, len(step))
		}
		offset := len(step) - w
		inSlice := true
		for j := 0; j < w-ndim; j++ {
			if int(math.Round(pt[j])) != step[offset+j] {
				inSlice = false
				break
			}
		}
		if inSlice {
			sliced = append(sliced, append([]float64(nil), pt...))
		}
	}
	return sliced, nil
}
