package structure

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var ErrSingularCell = errors.New("cell vectors are singular")

// Cell is a periodic simulation cell. Rows of the matrix are the three
// lattice vectors in Cartesian coordinates.
type Cell struct {
	vectors *mat.Dense // 3x3, row = lattice vector
	inverse *mat.Dense // cached inverse for Cartesian -> fractional
}

// NewCell builds a cell from three lattice vectors given row-major as nine
// values. The vectors must span a non-degenerate volume.
func NewCell(vectors []float64) (*Cell, error) {
	if len(vectors) != 9 {
		return nil, errors.New("cell requires exactly 9 components")
	}
	v := mat.NewDense(3, 3, append([]float64(nil), vectors...))

	var inv mat.Dense
	if err := inv.Inverse(v); err != nil {
		return nil, ErrSingularCell
	}

	return &Cell{vectors: v, inverse: &inv}, nil
}

// Vectors returns the nine cell components row-major.
func (c *Cell) Vectors() []float64 {
	out := make([]float64, 9)
	copy(out, c.vectors.RawMatrix().Data)
	return out
}

// ShortestVectorLength returns the length of the shortest lattice vector.
func (c *Cell) ShortestVectorLength() float64 {
	shortest := math.Inf(1)
	for i := 0; i < 3; i++ {
		l := mat.Norm(c.vectors.RowView(i), 2)
		if l < shortest {
			shortest = l
		}
	}
	return shortest
}

// MinimumImageDisplacement maps a Cartesian displacement vector onto its
// minimum-image equivalent: each fractional component is wrapped into
// [-0.5, 0.5) before converting back to Cartesian.
func (c *Cell) MinimumImageDisplacement(d [3]float64) [3]float64 {
	frac := c.toFractional(d)
	for k := 0; k < 3; k++ {
		frac[k] -= math.Round(frac[k])
	}
	return c.toCartesian(frac)
}

func (c *Cell) toFractional(d [3]float64) [3]float64 {
	var out [3]float64
	for k := 0; k < 3; k++ {
		out[k] = d[0]*c.inverse.At(0, k) + d[1]*c.inverse.At(1, k) + d[2]*c.inverse.At(2, k)
	}
	return out
}

func (c *Cell) toCartesian(f [3]float64) [3]float64 {
	var out [3]float64
	for k := 0; k < 3; k++ {
		out[k] = f[0]*c.vectors.At(0, k) + f[1]*c.vectors.At(1, k) + f[2]*c.vectors.At(2, k)
	}
	return out
}

// Equal reports whether both cells have bitwise-identical lattice vectors.
func (c *Cell) Equal(other *Cell) bool {
	if other == nil {
		return false
	}
	return mat.Equal(c.vectors, other.vectors)
}

// Clone returns an independent copy of the cell.
func (c *Cell) Clone() *Cell {
	clone, _ := NewCell(c.Vectors())
	return clone
}
