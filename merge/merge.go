/*
Package merge unifies segmentation labels picked out by marker points.

The points of a points layer that lie in the currently displayed slice are
projected into the data space of a label layer.  All nonzero labels under
those points are merged into the smallest of them, the modified slice is
written back asynchronously, and the label layer is refreshed once the
write lands.  The points layer is always emptied afterwards.
*/
package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/points"
	"github.com/janelia-flyem/labelmerge/storage"
	"github.com/janelia-flyem/labelmerge/transform"
)

var (
	// ErrInvalidArgument is returned for a merge dimensionality other than 2 or 3.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned when the layers and current step are not
	// dimensionally consistent with each other.
	ErrInvalidState = errors.New("invalid state")
)

// Dims gives the viewer's current position along every axis.
type Dims interface {
	CurrentStep() []int
}

// LabelLayer is a label volume shown by the host.
type LabelLayer interface {
	Shape() []int
	ReadSlice(ctx context.Context, idx []int) (*labels.Volume, error)
	WriteSlice(idx []int, vol *labels.Volume) *storage.Future
	DataToWorld() (*transform.Affine, error)

	// Refresh is called after a merge has been written, with the changed region.
	Refresh(region labels.Region)
}

// PointsLayer is a set of marker points shown by the host.
type PointsLayer interface {
	Data() points.Set
	DataToWorld() (*transform.Affine, error)

	// SetData replaces all points.  An empty set clears the layer while
	// keeping its coordinate width.
	SetData(points.Set)
}

// Result describes a completed merge.  Op is empty if the points touched
// fewer than two distinct nonzero labels, in which case nothing was written.
type Result struct {
	SliceIdx []int          `json:"slice"`
	Coords   [][]int        `json:"coords"`
	Op       labels.MergeOp `json:"-"`
	Region   labels.Region  `json:"region"`

	// Write finishes when the merged slice has been stored.  Nil if nothing
	// was written.
	Write *storage.Future `json:"-"`
}

// Merged returns the labels rewritten to the target, sorted.
func (r *Result) Merged() []uint64 {
	return r.Op.Merged.Sorted()
}

// SliceIndex returns the index of the label slice addressed by the current
// step when the last ndim axes are displayed.  A label volume with fewer axes
// than the step is aligned to its trailing axes.
func SliceIndex(step, shape []int, ndim int) ([]int, error) {
	if len(shape) < ndim {
		return nil, fmt.Errorf("%d-d labels cannot be merged in %d dimensions: %w", len(shape), ndim, ErrInvalidState)
	}
	if len(shape) > len(step) {
		return nil, fmt.Errorf("%d-d labels but only %d-d current step %v: %w", len(shape), len(step), step, ErrInvalidState)
	}
	idx := append([]int(nil), step[len(step)-len(shape):len(step)-ndim]...)
	for i, c := range idx {
		if c < 0 || c >= shape[i] {
			return nil, fmt.Errorf("current step %v outside labels of shape %v: %w", step, shape, ErrInvalidState)
		}
	}
	return idx, nil
}

// Merge merges all labels under the points in the displayed slice into the
// smallest of them.  It returns a nil Result if there are no points.  The
// write of the merged slice is not waited on; lbl is refreshed when it
// completes.  Whatever the outcome, pts is emptied.
func Merge(ctx context.Context, dims Dims, lbl LabelLayer, pts PointsLayer, ndim int) (*Result, error) {
	data := pts.Data()
	if len(data) == 0 {
		return nil, nil
	}
	defer pts.SetData(points.Set{})

	if ndim != 2 && ndim != 3 {
		return nil, fmt.Errorf("can only merge in 2 or 3 dimensions, not %d: %w", ndim, ErrInvalidArgument)
	}
	timedLog := dvid.NewTimeLog()

	step := dims.CurrentStep()
	sliceIdx, err := SliceIndex(step, lbl.Shape(), ndim)
	if err != nil {
		return nil, err
	}
	pointsToWorld, err := pts.DataToWorld()
	if err != nil {
		return nil, fmt.Errorf("points transform: %v: %w", err, ErrInvalidState)
	}
	labelsToWorld, err := lbl.DataToWorld()
	if err != nil {
		return nil, fmt.Errorf("labels transform: %v: %w", err, ErrInvalidState)
	}
	coords, err := Project(data, step, ndim, pointsToWorld, labelsToWorld)
	if err != nil {
		return nil, err
	}
	result := &Result{SliceIdx: sliceIdx, Coords: coords}
	if len(coords) == 0 {
		dvid.Debugf("None of %d points lie in slice %v, nothing to merge\n", len(data), step)
		return result, nil
	}

	slice, err := lbl.ReadSlice(ctx, sliceIdx)
	if err != nil {
		return nil, err
	}
	for _, coord := range coords {
		if !slice.InBounds(coord) {
			return nil, fmt.Errorf("point at %v lies outside label slice of shape %v: %w", coord, slice.Shape(), ErrInvalidState)
		}
	}
	op, bounds, err := slice.MergeAt(coords)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	result.Op = op
	if op.Empty() {
		dvid.Debugf("Points %v touch fewer than two labels, nothing to merge\n", coords)
		return result, nil
	}
	result.Region = labels.Region{SliceIdx: sliceIdx, Bounds: bounds}

	region := result.Region
	result.Write = lbl.WriteSlice(sliceIdx, slice)
	result.Write.AddDoneCallback(func(err error) {
		if err != nil {
			dvid.Errorf("Write of merge %s into slice %v failed: %v\n", op, sliceIdx, err)
		}
		lbl.Refresh(region)
	})
	timedLog.Infof("Merged %s in slice %v, region %s", op, sliceIdx, region)
	return result, nil
}
