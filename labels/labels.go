/*
Package labels supports 64-bit label volumes and the operations that relabel them.
Label 0 is background and is never merged.
*/
package labels

import (
	"fmt"
	"sort"
	"strings"
)

// Set is a set of labels.
type Set map[uint64]struct{}

// NewSet returns a Set holding the given labels.
func NewSet(lbls ...uint64) Set {
	s := make(Set, len(lbls))
	for _, label := range lbls {
		s[label] = struct{}{}
	}
	return s
}

// Sorted returns the labels in ascending order.
func (s Set) Sorted() []uint64 {
	sorted := make([]uint64, 0, len(s))
	for label := range s {
		sorted = append(sorted, label)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, label := range s.Sorted() {
		parts = append(parts, fmt.Sprintf("%d", label))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// MergeOp represents the merging of a set of labels into a target label.
type MergeOp struct {
	Target uint64
	Merged Set
}

func (op MergeOp) String() string {
	return fmt.Sprintf("merge %s -> label %d", op.Merged, op.Target)
}

// Empty is true if the op would not change any voxel.
func (op MergeOp) Empty() bool {
	return len(op.Merged) == 0
}

// MinMergeOp unifies the given labels into the smallest nonzero one.  Background
// is dropped, and an empty op is returned if nothing but background was given.
func MinMergeOp(lbls Set) MergeOp {
	op := MergeOp{Merged: make(Set, len(lbls))}
	for label := range lbls {
		if label == 0 {
			continue
		}
		if op.Target == 0 || label < op.Target {
			op.Target = label
		}
	}
	for label := range lbls {
		if label != 0 && label != op.Target {
			op.Merged[label] = struct{}{}
		}
	}
	return op
}

// Bounds is an inclusive box of voxel coordinates.
type Bounds struct {
	Min []int `json:"min"`
	Max []int `json:"max"`
}

// Empty is true if no voxel has been added to the bounds.
func (b Bounds) Empty() bool {
	return len(b.Min) == 0
}

// FullBounds returns the bounds of every voxel in a volume of the given shape.
func FullBounds(shape []int) Bounds {
	b := Bounds{Min: make([]int, len(shape)), Max: make([]int, len(shape))}
	for i, n := range shape {
		b.Max[i] = n - 1
	}
	return b
}

func (b *Bounds) extend(coord []int) {
	if b.Empty() {
		b.Min = append([]int(nil), coord...)
		b.Max = append([]int(nil), coord...)
		return
	}
	for i, c := range coord {
		if c < b.Min[i] {
			b.Min[i] = c
		}
		if c > b.Max[i] {
			b.Max[i] = c
		}
	}
}

// Region identifies the changed part of a label volume: the index of a slice
// along the leading axes and bounds within that slice.
type Region struct {
	SliceIdx []int  `json:"slice"`
	Bounds   Bounds `json:"bounds"`
}

func (r Region) String() string {
	if r.Bounds.Empty() {
		return fmt.Sprintf("slice %v (unchanged)", r.SliceIdx)
	}
	return fmt.Sprintf("slice %v, %v -> %v", r.SliceIdx, r.Bounds.Min, r.Bounds.Max)
}
