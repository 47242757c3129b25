package labels

import "fmt"

// LabelsAt returns the distinct nonzero labels found at the given coordinates.
// Every coordinate must be a valid index into the volume.
func (v *Volume) LabelsAt(coords [][]int) (Set, error) {
	found := make(Set, len(coords))
	for _, coord := range coords {
		label, err := v.Value(coord)
		if err != nil {
			return nil, err
		}
		if label != 0 {
			found[label] = struct{}{}
		}
	}
	return found, nil
}

// MergeLabels relabels in place every voxel whose label is in op.Merged to
// op.Target.  The set of labels to rewrite is fixed by op before any voxel
// changes, so rewrites never cascade.  It returns the number of voxels
// changed and their bounds.
func (v *Volume) MergeLabels(op MergeOp) (changed int, bounds Bounds) {
	if op.Empty() {
		return
	}
	coord := make([]int, len(v.shape))
	for i, label := range v.data {
		if _, found := op.Merged[label]; !found {
			continue
		}
		v.data[i] = op.Target
		changed++
		v.coordOf(i, coord)
		bounds.extend(coord)
	}
	return
}

// MergeAt unifies all nonzero labels touched by coords into the smallest of
// them, modifying the volume in place.  If the coordinates only touch
// background, or only a single label, the volume is left unchanged and an
// empty op is returned.
func (v *Volume) MergeAt(coords [][]int) (op MergeOp, bounds Bounds, err error) {
	touched, err := v.LabelsAt(coords)
	if err != nil {
		return op, bounds, fmt.Errorf("unable to look up merge labels: %v", err)
	}
	op = MinMergeOp(touched)
	_, bounds = v.MergeLabels(op)
	return op, bounds, nil
}
