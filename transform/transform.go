/*
Package transform provides affine mappings between a layer's data space and the
shared world space.  An n-dimensional affine is held as an (n+1)x(n+1)
homogeneous matrix so composition and inversion are plain matrix operations.
*/
package transform

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/janelia-flyem/labelmerge/dvid"

	"gonum.org/v1/gonum/mat"
)

// ErrDimensionMismatch is returned when a transform is applied to or composed with
// something of a different dimensionality.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// homogeneous coordinates must keep this much precision in the last row.
const rowTolerance = 1e-12

// Affine is an n-dimensional affine transform.
type Affine struct {
	ndim int
	m    *mat.Dense
}

// Identity returns the identity transform in ndim dimensions.
func Identity(ndim int) *Affine {
	m := mat.NewDense(ndim+1, ndim+1, nil)
	for i := 0; i <= ndim; i++ {
		m.Set(i, i, 1)
	}
	return &Affine{ndim: ndim, m: m}
}

// NewAffine returns a transform from an (n+1)x(n+1) homogeneous matrix given
// row by row.  The last row must be [0 ... 0 1].
func NewAffine(rows [][]float64) (*Affine, error) {
	n := len(rows)
	if n < 2 {
		return nil, fmt.Errorf("affine matrix needs at least 2 rows, got %d", n)
	}
	flat := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("affine matrix row %d has %d columns, expected %d", i, len(row), n)
		}
		flat = append(flat, row...)
	}
	last := rows[n-1]
	for j := 0; j < n-1; j++ {
		if math.Abs(last[j]) > rowTolerance {
			return nil, fmt.Errorf("last row of affine matrix must be [0 ... 0 1], got %v", last)
		}
	}
	if math.Abs(last[n-1]-1) > rowTolerance {
		return nil, fmt.Errorf("last row of affine matrix must be [0 ... 0 1], got %v", last)
	}
	return &Affine{ndim: n - 1, m: mat.NewDense(n, n, flat)}, nil
}

// ScaleTranslate returns the transform x -> scale*x + translate.  Either
// argument may be nil, in which case unit scale or zero translation is used,
// but at least one must be given to fix the dimensionality.
func ScaleTranslate(scale, translate []float64) (*Affine, error) {
	ndim := len(scale)
	if ndim == 0 {
		ndim = len(translate)
	}
	if ndim == 0 {
		return nil, fmt.Errorf("scale or translate must be given to set dimensionality")
	}
	if scale != nil && len(scale) != ndim {
		return nil, fmt.Errorf("scale has %d dims but translate has %d: %w", len(scale), len(translate), ErrDimensionMismatch)
	}
	if translate != nil && len(translate) != ndim {
		return nil, fmt.Errorf("scale has %d dims but translate has %d: %w", len(scale), len(translate), ErrDimensionMismatch)
	}
	a := Identity(ndim)
	for i := 0; i < ndim; i++ {
		if scale != nil {
			a.m.Set(i, i, scale[i])
		}
		if translate != nil {
			a.m.Set(i, ndim, translate[i])
		}
	}
	return a, nil
}

// NumDims returns the dimensionality of the points this transform maps.
func (a *Affine) NumDims() int {
	return a.ndim
}

// Matrix returns a copy of the homogeneous matrix as rows.
func (a *Affine) Matrix() [][]float64 {
	n := a.ndim + 1
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(nil, i, a.m)
	}
	return rows
}

// Expand returns the transform in ndim dimensions that leaves the new
// leading axes unchanged and applies the receiver to the trailing ones.
func (a *Affine) Expand(ndim int) (*Affine, error) {
	if ndim < a.ndim {
		return nil, fmt.Errorf("cannot expand %d-d transform to %d dims: %w", a.ndim, ndim, ErrDimensionMismatch)
	}
	extra := ndim - a.ndim
	e := Identity(ndim)
	for i := 0; i <= a.ndim; i++ {
		for j := 0; j <= a.ndim; j++ {
			e.m.Set(extra+i, extra+j, a.m.At(i, j))
		}
	}
	return e, nil
}

// Then returns the transform that applies the receiver and then next.
func (a *Affine) Then(next *Affine) (*Affine, error) {
	if a.ndim != next.ndim {
		return nil, fmt.Errorf("cannot compose %d-d with %d-d transform: %w", a.ndim, next.ndim, ErrDimensionMismatch)
	}
	var m mat.Dense
	m.Mul(next.m, a.m)
	return &Affine{ndim: a.ndim, m: &m}, nil
}

// Inverse returns the inverse transform.  A singular transform is an error;
// an ill-conditioned one is logged and still inverted.
func (a *Affine) Inverse() (*Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("affine transform is not invertible: %v", err)
		}
		dvid.Warningf("Inverting ill-conditioned affine transform (condition %g)\n", float64(cond))
	}
	return &Affine{ndim: a.ndim, m: &inv}, nil
}

// Apply maps a single point.
func (a *Affine) Apply(pt []float64) ([]float64, error) {
	if len(pt) != a.ndim {
		return nil, fmt.Errorf("%d-d point given to %d-d transform: %w", len(pt), a.ndim, ErrDimensionMismatch)
	}
	out := make([]float64, a.ndim)
	for i := 0; i < a.ndim; i++ {
		v := a.m.At(i, a.ndim)
		for j := 0; j < a.ndim; j++ {
			v += a.m.At(i, j) * pt[j]
		}
		out[i] = v
	}
	return out, nil
}

// ApplyAll maps each point, stopping at the first error.
func (a *Affine) ApplyAll(pts [][]float64) ([][]float64, error) {
	out := make([][]float64, len(pts))
	for i, pt := range pts {
		var err error
		if out[i], err = a.Apply(pt); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
	}
	return out, nil
}

func (a *Affine) String() string {
	rows := a.Matrix()
	parts := make([]string, len(rows))
	for i, row := range rows {
		parts[i] = fmt.Sprint(row)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Chain is a sequence of transforms applied first to last.
type Chain []*Affine

// Simplified collapses the chain into a single transform.
func (c Chain) Simplified() (*Affine, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("cannot simplify empty transform chain")
	}
	result := c[0]
	for i, next := range c[1:] {
		var err error
		if result, err = result.Then(next); err != nil {
			return nil, fmt.Errorf("transform %d of chain: %w", i+1, err)
		}
	}
	return result, nil
}
