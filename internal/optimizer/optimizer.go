// Package optimizer moves image geometries along their effective forces. The
// coupler computes forces; this is the collaborator that applies them.
package optimizer

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/structure"
)

var ErrBadStepSize = errors.New("step size must be positive")

// Optimizer produces an updated geometry from the current structure and its
// effective force.
type Optimizer interface {
	Step(current *structure.Structure, force *mat.Dense) (*structure.Structure, error)
}

// SteepestDescent displaces every atom along its force scaled by a fixed
// step size. The engine halves the step size as a stall remedy.
type SteepestDescent struct {
	StepSize float64
	// MaxDisplacement caps any single atom's move per step. Zero disables
	// the cap.
	MaxDisplacement float64
}

// NewSteepestDescent builds a fixed-step optimizer.
func NewSteepestDescent(stepSize float64) (*SteepestDescent, error) {
	if stepSize <= 0 {
		return nil, ErrBadStepSize
	}
	return &SteepestDescent{StepSize: stepSize}, nil
}

func (o *SteepestDescent) Step(current *structure.Structure, force *mat.Dense) (*structure.Structure, error) {
	n := current.NAtoms()
	r, c := force.Dims()
	if r != n || c != 3 {
		return nil, structure.ErrDimensionsWrong
	}

	coords := current.Coords()
	for i := 0; i < n; i++ {
		var d [3]float64
		for k := 0; k < 3; k++ {
			d[k] = o.StepSize * force.At(i, k)
		}
		if o.MaxDisplacement > 0 {
			l := mat.Norm(mat.NewVecDense(3, d[:]), 2)
			if l > o.MaxDisplacement {
				scale := o.MaxDisplacement / l
				for k := 0; k < 3; k++ {
					d[k] *= scale
				}
			}
		}
		for k := 0; k < 3; k++ {
			coords.Set(i, k, coords.At(i, k)+d[k])
		}
	}
	return current.WithCoords(coords)
}
