/*
Package storage provides a unified interface to the storage engines that hold
label volumes.  Each engine opens stores given a dvid.StoreConfig, and each store
can hold any number of named label volumes.  Reads are synchronous; writes are
dispatched asynchronously and return a Future.
*/
package storage

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"

	"github.com/blang/semver"
)

// Alias is a nickname for a store configuration, e.g., "main" in a [store.main]
// TOML section.
type Alias string

// Engine is a storage engine that can open stores.
type Engine interface {
	fmt.Stringer
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version

	// NewStore opens or creates a store.  The returned bool is true if the store
	// was newly created.
	NewStore(config dvid.StoreConfig) (Store, bool, error)
}

// Store is an opened database that can hold label volumes.
type Store interface {
	fmt.Stringer

	// LabelStore returns the named label volume with the given shape,
	// creating it if necessary.
	LabelStore(name string, shape []int) (LabelStore, error)

	Close()
}

// LabelStore holds a single n-dimensional label volume.
type LabelStore interface {
	fmt.Stringer

	// Shape returns the extents of the whole volume.
	Shape() []int

	// ReadSlice returns a copy of the sub-volume obtained by fixing the leading
	// axes to idx.  The caller may modify it freely.
	ReadSlice(ctx context.Context, idx []int) (*labels.Volume, error)

	// WriteSlice dispatches a write of vol into the slice at idx and returns
	// immediately.  vol is snapshotted before return, so the caller may keep
	// modifying it.
	WriteSlice(idx []int, vol *labels.Volume) *Future
}

// CheckSlice verifies a slice index, and if vol is non-nil, that its shape
// matches the slice of a volume with the given shape.
func CheckSlice(shape, idx []int, vol *labels.Volume) error {
	if len(idx) >= len(shape) {
		return fmt.Errorf("slice index %v fixes all axes of %d-d volume", idx, len(shape))
	}
	for i, c := range idx {
		if c < 0 || c >= shape[i] {
			return fmt.Errorf("slice index %v out of bounds for volume of shape %v", idx, shape)
		}
	}
	if vol == nil {
		return nil
	}
	sliceShape := shape[len(idx):]
	volShape := vol.Shape()
	if len(volShape) != len(sliceShape) {
		return fmt.Errorf("%d-d data given for %d-d slice %v", len(volShape), len(sliceShape), idx)
	}
	for i := range volShape {
		if volShape[i] != sliceShape[i] {
			return fmt.Errorf("data of shape %v given for slice %v of shape %v", volShape, idx, sliceShape)
		}
	}
	return nil
}
