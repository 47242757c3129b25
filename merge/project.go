package merge

import (
	"fmt"

	"github.com/janelia-flyem/labelmerge/points"
	"github.com/janelia-flyem/labelmerge/transform"
)

// Project maps the points lying in the displayed slice given by step into
// integer voxel coordinates of the displayed ndim axes of the labels.  The
// points are carried to world space by pointsToWorld and then into label
// data space by the inverse of labelsToWorld.  A label volume with fewer
// axes than the points is aligned to their trailing axes.
//
// A nil result with nil error means no point lies in the displayed slice.
func Project(pts points.Set, step []int, ndim int, pointsToWorld, labelsToWorld *transform.Affine) ([][]int, error) {
	if ndim != 2 && ndim != 3 {
		return nil, fmt.Errorf("can only merge in 2 or 3 dimensions, not %d: %w", ndim, ErrInvalidArgument)
	}
	sliced, err := points.SliceToStep(pts, step, ndim)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	if len(sliced) == 0 {
		return nil, nil
	}
	width := sliced.Width()
	for i, pt := range sliced {
		if len(pt) != width {
			return nil, fmt.Errorf("point %d has %d coordinates, expected %d: %w", i, len(pt), width, ErrInvalidState)
		}
	}
	if pointsToWorld.NumDims() != width {
		return nil, fmt.Errorf("points transform is %d-d but points have %d coordinates: %w",
			pointsToWorld.NumDims(), width, ErrInvalidState)
	}
	if labelsToWorld.NumDims() < ndim {
		return nil, fmt.Errorf("labels transform is %d-d, cannot merge in %d dimensions: %w",
			labelsToWorld.NumDims(), ndim, ErrInvalidState)
	}
	worldToLabels, err := labelsToWorld.Inverse()
	if err != nil {
		return nil, fmt.Errorf("bad labels transform: %v: %w", err, ErrInvalidState)
	}

	// Points narrower than the labels only carry the trailing label axes.
	full := width
	if worldToLabels.NumDims() > full {
		full = worldToLabels.NumDims()
	}
	p2w, err := pointsToWorld.Expand(full)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	w2l, err := worldToLabels.Expand(full)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	pointsToLabels, err := p2w.Then(w2l)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}

	padded := make([][]float64, len(sliced))
	for i, pt := range sliced {
		padded[i] = make([]float64, full)
		copy(padded[i][full-width:], pt)
	}
	data, err := pointsToLabels.ApplyAll(padded)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	coords := make([][]int, len(data))
	for i, pt := range data {
		coords[i] = points.Round(pt[full-ndim:])
	}
	return coords, nil
}
