// Package path models the NEB chain: an ordered sequence of images between
// two fixed endpoint structures, and the interpolation that builds it.
package path

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/structure"
)

var (
	ErrChainTooShort = errors.New("chain requires at least 3 images")
	ErrIndexRange    = errors.New("image index out of range")
)

// Image is one structure along the chain. Endpoints (index 0 and N-1) are
// fixed and never re-relaxed. Energy and Forces stay nil until a calculation
// for the current geometry has completed.
type Image struct {
	Index     int
	Structure *structure.Structure
	Energy    *float64
	Forces    *mat.Dense // n x 3, nil until a result arrives
	Iteration int64      // iteration that produced the current geometry
}

// HasResult reports whether the image carries both an energy and forces.
func (im *Image) HasResult() bool {
	return im.Energy != nil && im.Forces != nil
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	clone := &Image{
		Index:     im.Index,
		Structure: im.Structure,
		Iteration: im.Iteration,
	}
	if im.Energy != nil {
		e := *im.Energy
		clone.Energy = &e
	}
	if im.Forces != nil {
		clone.Forces = mat.DenseCopyOf(im.Forces)
	}
	return clone
}

// SetResult records a completed calculation for the current geometry.
func (im *Image) SetResult(energy float64, forces *mat.Dense) {
	e := energy
	im.Energy = &e
	im.Forces = mat.DenseCopyOf(forces)
}

// ClearResult drops stale energy/forces after a geometry update.
func (im *Image) ClearResult() {
	im.Energy = nil
	im.Forces = nil
}

// Chain is the ordered image sequence. Images are uniquely ordered by index
// and never reordered across iterations.
type Chain struct {
	images []*Image
}

// NewChain wraps images into a chain, enforcing the minimum length and the
// index ordering invariant.
func NewChain(images []*Image) (*Chain, error) {
	if len(images) < 3 {
		return nil, ErrChainTooShort
	}
	for i, im := range images {
		if im.Index != i {
			return nil, fmt.Errorf("image at position %d has index %d: %w", i, im.Index, ErrIndexRange)
		}
	}
	return &Chain{images: images}, nil
}

// Len returns the number of images including endpoints.
func (c *Chain) Len() int {
	return len(c.images)
}

// Image returns the image at index i.
func (c *Chain) Image(i int) *Image {
	return c.images[i]
}

// Intermediates returns the movable images, excluding both endpoints.
func (c *Chain) Intermediates() []*Image {
	return c.images[1 : len(c.images)-1]
}

// Clone returns a deep copy of the chain. The engine iterates on a working
// copy and publishes it only when a checkpoint commits.
func (c *Chain) Clone() *Chain {
	images := make([]*Image, len(c.images))
	for i, im := range c.images {
		images[i] = im.Clone()
	}
	return &Chain{images: images}
}

// Complete reports whether every image in the chain has a result.
func (c *Chain) Complete() bool {
	for _, im := range c.images {
		if !im.HasResult() {
			return false
		}
	}
	return true
}

// EnergyProfile returns per-image energies in chain order. Images without a
// result contribute nil.
func (c *Chain) EnergyProfile() []*float64 {
	out := make([]*float64, len(c.images))
	for i, im := range c.images {
		if im.Energy != nil {
			e := *im.Energy
			out[i] = &e
		}
	}
	return out
}

// Barrier returns the migration barrier: the highest known energy along the
// chain minus the initial endpoint's energy. ok is false until both are known.
func (c *Chain) Barrier() (barrier float64, ok bool) {
	first := c.images[0].Energy
	if first == nil {
		return 0, false
	}
	max := *first
	found := false
	for _, im := range c.images {
		if im.Energy == nil {
			continue
		}
		found = true
		if *im.Energy > max {
			max = *im.Energy
		}
	}
	if !found {
		return 0, false
	}
	return max - *first, true
}

// HighestEnergyIntermediate returns the index of the intermediate image with
// the highest known energy, or -1 if no intermediate has a result yet. This
// is the image that climbs in climbing-image mode.
func (c *Chain) HighestEnergyIntermediate() int {
	best := -1
	var bestE float64
	for _, im := range c.Intermediates() {
		if im.Energy == nil {
			continue
		}
		if best == -1 || *im.Energy > bestE {
			best = im.Index
			bestE = *im.Energy
		}
	}
	return best
}

type imageJSON struct {
	Index     int                  `json:"index"`
	Structure *structure.Structure `json:"structure"`
	Energy    *float64             `json:"energy,omitempty"`
	Forces    []float64            `json:"forces,omitempty"`
	Iteration int64                `json:"iteration"`
}

// MarshalJSON encodes the image with forces flattened row-major.
func (im *Image) MarshalJSON() ([]byte, error) {
	raw := imageJSON{
		Index:     im.Index,
		Structure: im.Structure,
		Energy:    im.Energy,
		Iteration: im.Iteration,
	}
	if im.Forces != nil {
		raw.Forces = append([]float64(nil), im.Forces.RawMatrix().Data...)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes an image encoded by MarshalJSON.
func (im *Image) UnmarshalJSON(b []byte) error {
	var raw imageJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	im.Index = raw.Index
	im.Structure = raw.Structure
	im.Energy = raw.Energy
	im.Iteration = raw.Iteration
	im.Forces = nil
	if raw.Forces != nil {
		n := len(raw.Forces) / 3
		if n*3 != len(raw.Forces) {
			return structure.ErrDimensionsWrong
		}
		im.Forces = mat.NewDense(n, 3, raw.Forces)
	}
	return nil
}

// MarshalJSON encodes the chain as its image list.
func (c *Chain) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.images)
}

// UnmarshalJSON decodes a chain encoded by MarshalJSON.
func (c *Chain) UnmarshalJSON(b []byte) error {
	var images []*Image
	if err := json.Unmarshal(b, &images); err != nil {
		return err
	}
	chain, err := NewChain(images)
	if err != nil {
		return err
	}
	*c = *chain
	return nil
}
