package path

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/structure"
)

// StructureMismatchError reports endpoint structures that cannot form a path:
// different atom counts, different species multisets, or incompatible cells.
// It is fatal and raised before any job submission.
type StructureMismatchError struct {
	Reason string
}

func (e *StructureMismatchError) Error() string {
	return "endpoint structures mismatch: " + e.Reason
}

// AmbiguousPathError reports atoms whose endpoint-to-endpoint displacement is
// too large to disambiguate under the minimum-image convention.
type AmbiguousPathError struct {
	Atoms []int
}

func (e *AmbiguousPathError) Error() string {
	return fmt.Sprintf("interpolation ambiguous under minimum-image convention for atoms %v", e.Atoms)
}

// Interpolate builds a chain of nImages images (endpoints included) between
// two endpoint structures by linear interpolation of Cartesian coordinates
// under the minimum-image convention. Image 0 and image nImages-1 carry
// bitwise-equal copies of the input coordinates.
func Interpolate(initial, final *structure.Structure, nImages int) (*Chain, error) {
	if nImages < 3 {
		return nil, ErrChainTooShort
	}
	if err := validateEndpoints(initial, final); err != nil {
		return nil, err
	}

	disp, err := micDisplacements(initial, final)
	if err != nil {
		return nil, err
	}

	start := initial.Coords()
	n := initial.NAtoms()

	images := make([]*Image, nImages)
	images[0] = &Image{Index: 0, Structure: initial}
	images[nImages-1] = &Image{Index: nImages - 1, Structure: final}

	for i := 1; i < nImages-1; i++ {
		t := float64(i) / float64(nImages-1)
		coords := mat.NewDense(n, 3, nil)
		for a := 0; a < n; a++ {
			for k := 0; k < 3; k++ {
				coords.Set(a, k, start.At(a, k)+t*disp.At(a, k))
			}
		}
		s, err := initial.WithCoords(coords)
		if err != nil {
			return nil, err
		}
		images[i] = &Image{Index: i, Structure: s}
	}

	return NewChain(images)
}

// Reinterpolate rebuilds a chain with a new image count, keeping the existing
// images as anchors so already-relaxed positions are preserved. An old image
// whose fractional position along the chain coincides with a new slot keeps
// its exact structure.
func Reinterpolate(chain *Chain, nImages int) (*Chain, error) {
	if nImages < 3 {
		return nil, ErrChainTooShort
	}

	oldN := chain.Len()
	images := make([]*Image, nImages)
	images[0] = &Image{Index: 0, Structure: chain.Image(0).Structure}
	images[nImages-1] = &Image{Index: nImages - 1, Structure: chain.Image(oldN - 1).Structure}

	for i := 1; i < nImages-1; i++ {
		// Position of the new image on the old chain's index axis.
		x := float64(i) / float64(nImages-1) * float64(oldN-1)
		lo := int(x)
		if lo >= oldN-1 {
			lo = oldN - 2
		}
		frac := x - float64(lo)

		if frac == 0 {
			images[i] = &Image{Index: i, Structure: chain.Image(lo).Structure}
			continue
		}

		a := chain.Image(lo).Structure
		b := chain.Image(lo + 1).Structure
		disp, err := micDisplacements(a, b)
		if err != nil {
			return nil, err
		}

		start := a.Coords()
		n := a.NAtoms()
		coords := mat.NewDense(n, 3, nil)
		for at := 0; at < n; at++ {
			for k := 0; k < 3; k++ {
				coords.Set(at, k, start.At(at, k)+frac*disp.At(at, k))
			}
		}
		s, err := a.WithCoords(coords)
		if err != nil {
			return nil, err
		}
		images[i] = &Image{Index: i, Structure: s}
	}

	return NewChain(images)
}

func validateEndpoints(initial, final *structure.Structure) error {
	if initial.NAtoms() != final.NAtoms() {
		return &StructureMismatchError{
			Reason: fmt.Sprintf("atom counts differ: %d vs %d", initial.NAtoms(), final.NAtoms()),
		}
	}
	if !initial.SameComposition(final) {
		return &StructureMismatchError{Reason: "species multisets differ"}
	}
	if !initial.Cell().Equal(final.Cell()) {
		return &StructureMismatchError{Reason: "cells differ"}
	}
	return nil
}

// micDisplacements returns the per-atom minimum-image displacement matrix
// from a to b, failing when any displacement reaches half the shortest
// lattice vector and the periodic image cannot be disambiguated.
func micDisplacements(a, b *structure.Structure) (*mat.Dense, error) {
	n := a.NAtoms()
	cell := a.Cell()
	limit := cell.ShortestVectorLength() / 2

	disp := mat.NewDense(n, 3, nil)
	var ambiguous []int
	for i := 0; i < n; i++ {
		from := a.Position(i)
		to := b.Position(i)
		d := cell.MinimumImageDisplacement([3]float64{to[0] - from[0], to[1] - from[1], to[2] - from[2]})

		if norm3(d) >= limit {
			ambiguous = append(ambiguous, i)
			continue
		}
		disp.SetRow(i, d[:])
	}
	if len(ambiguous) > 0 {
		return nil, &AmbiguousPathError{Atoms: ambiguous}
	}
	return disp, nil
}

func norm3(v [3]float64) float64 {
	return mat.Norm(mat.NewVecDense(3, v[:]), 2)
}
