// Package structure holds the immutable atomic-structure model shared by the
// interpolator, the force coupler and the checkpoint store. Coordinates are
// Cartesian, in a gonum dense matrix with one row per atom.
package structure

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoAtoms         = errors.New("structure has no atoms")
	ErrDimensionsWrong = errors.New("coordinate matrix must be n x 3")
)

// Structure is an immutable set of atomic sites in a periodic cell. Geometry
// updates always produce a new Structure via WithCoords; nothing mutates a
// Structure in place.
type Structure struct {
	species []string
	coords  *mat.Dense // n x 3 Cartesian
	cell    *Cell
}

// New builds a structure from species labels and flat row-major Cartesian
// coordinates (3 per atom).
func New(species []string, coords []float64, cell *Cell) (*Structure, error) {
	if len(species) == 0 {
		return nil, ErrNoAtoms
	}
	if len(coords) != 3*len(species) {
		return nil, ErrDimensionsWrong
	}
	if cell == nil {
		return nil, errors.New("structure requires a cell")
	}

	sp := make([]string, len(species))
	copy(sp, species)

	return &Structure{
		species: sp,
		coords:  mat.NewDense(len(species), 3, append([]float64(nil), coords...)),
		cell:    cell.Clone(),
	}, nil
}

// NAtoms returns the number of atomic sites.
func (s *Structure) NAtoms() int {
	return len(s.species)
}

// Species returns a copy of the species labels in site order.
func (s *Structure) Species() []string {
	out := make([]string, len(s.species))
	copy(out, s.species)
	return out
}

// Cell returns the periodic cell.
func (s *Structure) Cell() *Cell {
	return s.cell
}

// Coords returns a copy of the Cartesian coordinates as an n x 3 matrix.
func (s *Structure) Coords() *mat.Dense {
	return mat.DenseCopyOf(s.coords)
}

// Position returns the Cartesian position of atom i.
func (s *Structure) Position(i int) [3]float64 {
	return [3]float64{s.coords.At(i, 0), s.coords.At(i, 1), s.coords.At(i, 2)}
}

// WithCoords returns a new Structure sharing this one's species and cell but
// with the given coordinates.
func (s *Structure) WithCoords(coords *mat.Dense) (*Structure, error) {
	r, c := coords.Dims()
	if r != len(s.species) || c != 3 {
		return nil, ErrDimensionsWrong
	}
	data := make([]float64, r*3)
	copy(data, coords.RawMatrix().Data)
	return New(s.species, data, s.cell)
}

// Equal reports bitwise equality of species, coordinates and cell.
func (s *Structure) Equal(other *Structure) bool {
	if other == nil || len(s.species) != len(other.species) {
		return false
	}
	for i := range s.species {
		if s.species[i] != other.species[i] {
			return false
		}
	}
	return mat.Equal(s.coords, other.coords) && s.cell.Equal(other.cell)
}

// SameComposition reports whether both structures describe the same number of
// atoms with the same species multiset.
func (s *Structure) SameComposition(other *Structure) bool {
	if other == nil || len(s.species) != len(other.species) {
		return false
	}
	a := append([]string(nil), s.species...)
	b := append([]string(nil), other.species...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type structureJSON struct {
	Species []string  `json:"species"`
	Coords  []float64 `json:"coords"`
	Cell    []float64 `json:"cell"`
}

// MarshalJSON encodes the structure with flat row-major coordinates. Float
// values survive a JSON round trip exactly, which the checkpoint store relies
// on.
func (s *Structure) MarshalJSON() ([]byte, error) {
	data := s.coords.RawMatrix().Data
	return json.Marshal(structureJSON{
		Species: s.Species(),
		Coords:  append([]float64(nil), data...),
		Cell:    s.cell.Vectors(),
	})
}

// UnmarshalJSON decodes a structure previously encoded by MarshalJSON.
func (s *Structure) UnmarshalJSON(b []byte) error {
	var raw structureJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	cell, err := NewCell(raw.Cell)
	if err != nil {
		return fmt.Errorf("decode cell: %w", err)
	}
	decoded, err := New(raw.Species, raw.Coords, cell)
	if err != nil {
		return fmt.Errorf("decode structure: %w", err)
	}
	*s = *decoded
	return nil
}
