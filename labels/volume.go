package labels

import (
	"encoding/binary"
	"fmt"
)

// Volume is an n-dimensional array of labels stored in row-major order,
// i.e., the last axis varies fastest.
type Volume struct {
	shape   []int
	strides []int
	data    []uint64
}

func stridesFor(shape []int) ([]int, int, error) {
	strides := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] <= 0 {
			return nil, 0, fmt.Errorf("bad volume shape %v: all extents must be positive", shape)
		}
		strides[i] = n
		n *= shape[i]
	}
	return strides, n, nil
}

// NewVolume returns a background-filled volume of the given shape.
func NewVolume(shape []int) (*Volume, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("volume needs at least one dimension")
	}
	strides, n, err := stridesFor(shape)
	if err != nil {
		return nil, err
	}
	return &Volume{
		shape:   append([]int(nil), shape...),
		strides: strides,
		data:    make([]uint64, n),
	}, nil
}

// NewVolumeFromData wraps existing label data, which is not copied.
func NewVolumeFromData(shape []int, data []uint64) (*Volume, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("volume needs at least one dimension")
	}
	strides, n, err := stridesFor(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("volume of shape %v needs %d labels, got %d", shape, n, len(data))
	}
	return &Volume{
		shape:   append([]int(nil), shape...),
		strides: strides,
		data:    data,
	}, nil
}

// Shape returns a copy of the volume extents.
func (v *Volume) Shape() []int {
	return append([]int(nil), v.shape...)
}

func (v *Volume) NumDims() int {
	return len(v.shape)
}

func (v *Volume) NumVoxels() int {
	return len(v.data)
}

// Data returns the underlying labels in row-major order.  Modifying them
// modifies the volume.
func (v *Volume) Data() []uint64 {
	return v.data
}

// InBounds is true if coord is a valid index into the volume.
func (v *Volume) InBounds(coord []int) bool {
	if len(coord) != len(v.shape) {
		return false
	}
	for i, c := range coord {
		if c < 0 || c >= v.shape[i] {
			return false
		}
	}
	return true
}

func (v *Volume) offset(coord []int) (int, error) {
	if len(coord) != len(v.shape) {
		return 0, fmt.Errorf("%d-d coordinate %v given for %d-d volume", len(coord), coord, len(v.shape))
	}
	var off int
	for i, c := range coord {
		if c < 0 || c >= v.shape[i] {
			return 0, fmt.Errorf("coordinate %v out of bounds for volume of shape %v", coord, v.shape)
		}
		off += c * v.strides[i]
	}
	return off, nil
}

// coordOf converts a data offset back to a coordinate.
func (v *Volume) coordOf(off int, coord []int) {
	for i, stride := range v.strides {
		coord[i] = off / stride
		off %= stride
	}
}

// Value returns the label at the coordinate.
func (v *Volume) Value(coord []int) (uint64, error) {
	off, err := v.offset(coord)
	if err != nil {
		return 0, err
	}
	return v.data[off], nil
}

// SetValue sets the label at the coordinate.
func (v *Volume) SetValue(coord []int, label uint64) error {
	off, err := v.offset(coord)
	if err != nil {
		return err
	}
	v.data[off] = label
	return nil
}

// Slice returns the sub-volume obtained by fixing the leading len(idx) axes.
// The returned volume shares storage with the receiver.  An empty idx returns
// the whole volume.
func (v *Volume) Slice(idx []int) (*Volume, error) {
	if len(idx) >= len(v.shape) {
		return nil, fmt.Errorf("slice index %v fixes all axes of %d-d volume", idx, len(v.shape))
	}
	var off int
	for i, c := range idx {
		if c < 0 || c >= v.shape[i] {
			return nil, fmt.Errorf("slice index %v out of bounds for volume of shape %v", idx, v.shape)
		}
		off += c * v.strides[i]
	}
	n := v.strides[len(idx)] * v.shape[len(idx)]
	return &Volume{
		shape:   append([]int(nil), v.shape[len(idx):]...),
		strides: append([]int(nil), v.strides[len(idx):]...),
		data:    v.data[off : off+n],
	}, nil
}

// Copy returns a deep copy.
func (v *Volume) Copy() *Volume {
	return &Volume{
		shape:   append([]int(nil), v.shape...),
		strides: append([]int(nil), v.strides...),
		data:    append([]uint64(nil), v.data...),
	}
}

// Equal is true if both volumes have the same shape and labels.
func (v *Volume) Equal(v2 *Volume) bool {
	if len(v.shape) != len(v2.shape) || len(v.data) != len(v2.data) {
		return false
	}
	for i := range v.shape {
		if v.shape[i] != v2.shape[i] {
			return false
		}
	}
	for i := range v.data {
		if v.data[i] != v2.data[i] {
			return false
		}
	}
	return true
}

// Bytes returns the labels as little-endian uint64.
func (v *Volume) Bytes() []byte {
	b := make([]byte, 8*len(v.data))
	for i, label := range v.data {
		binary.LittleEndian.PutUint64(b[i*8:], label)
	}
	return b
}

// SetBytes fills the volume from little-endian uint64 labels.
func (v *Volume) SetBytes(b []byte) error {
	if len(b) != 8*len(v.data) {
		return fmt.Errorf("expected %d bytes of labels for shape %v, got %d", 8*len(v.data), v.shape, len(b))
	}
	for i := range v.data {
		v.data[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return nil
}
