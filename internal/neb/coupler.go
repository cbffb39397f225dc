// Package neb computes the spring-coupled effective forces that drive the
// chain toward the minimum-energy path. It only computes forces; moving the
// geometry is the optimizer's job.
package neb

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/path"
	"github.com/nebflow/engine/internal/structure"
)

var ErrNoComputableImages = errors.New("no intermediate image has a complete neighborhood")

const flatTangentEps = 1e-12

// Options configures one coupling pass.
type Options struct {
	// SpringConstant scales the spring force along the tangent.
	SpringConstant float64
	// ClimbingImage is the chain index of the image climbing toward the
	// saddle point, or -1 when climbing-image mode is off.
	ClimbingImage int
}

// Result carries the effective per-image forces of one coupling pass.
// Intermediate images whose neighborhood is incomplete (their own or a
// neighbor's calculation failed this iteration) are listed in Skipped and
// contribute nothing.
type Result struct {
	Forces  map[int]*mat.Dense
	Norms   map[int]float64
	MaxNorm float64
	Skipped []int
}

// Couple computes the NEB effective force for every intermediate image whose
// own result and both neighbors' results are available. Endpoints are fixed
// and receive no force.
func Couple(chain *path.Chain, opts Options) (*Result, error) {
	res := &Result{
		Forces: make(map[int]*mat.Dense),
		Norms:  make(map[int]float64),
	}

	for _, im := range chain.Intermediates() {
		prev := chain.Image(im.Index - 1)
		next := chain.Image(im.Index + 1)
		if !im.HasResult() || prev.Energy == nil || next.Energy == nil {
			res.Skipped = append(res.Skipped, im.Index)
			continue
		}

		f := coupleImage(prev, im, next, opts)
		norm := frobNorm(f)
		res.Forces[im.Index] = f
		res.Norms[im.Index] = norm
		if norm > res.MaxNorm {
			res.MaxNorm = norm
		}
	}

	sort.Ints(res.Skipped)
	if len(res.Forces) == 0 {
		return nil, ErrNoComputableImages
	}
	return res, nil
}

func coupleImage(prev, im, next *path.Image, opts Options) *mat.Dense {
	cell := im.Structure.Cell()
	tauFwd := displacement(cell, im.Structure, next.Structure)
	tauBack := displacement(cell, prev.Structure, im.Structure)

	tau := tangent(*prev.Energy, *im.Energy, *next.Energy, tauFwd, tauBack)
	tauNorm := frobNorm(tau)
	if tauNorm < flatTangentEps {
		// Degenerate geometry: neighbors coincide with the image. Leave the
		// raw force untouched.
		return mat.DenseCopyOf(im.Forces)
	}
	tau.Scale(1/tauNorm, tau)

	parallel := dot(im.Forces, tau)

	out := mat.DenseCopyOf(im.Forces)
	if im.Index == opts.ClimbingImage {
		// Climbing image: invert the along-tangent component, no spring.
		addScaled(out, -2*parallel, tau)
		return out
	}

	addScaled(out, -parallel, tau)
	spring := opts.SpringConstant * (frobNorm(tauFwd) - frobNorm(tauBack))
	addScaled(out, spring, tau)
	return out
}

// tangent implements the energy-weighted tangent estimator. Monotonic energy
// segments use the uphill single-sided neighbor, which also covers flat
// segments where the energy-weighted blend would divide by zero.
func tangent(ePrev, e, eNext float64, tauFwd, tauBack *mat.Dense) *mat.Dense {
	switch {
	case eNext > e && e > ePrev:
		return mat.DenseCopyOf(tauFwd)
	case eNext < e && e < ePrev:
		return mat.DenseCopyOf(tauBack)
	}

	dEFwd := math.Abs(eNext - e)
	dEBack := math.Abs(ePrev - e)
	dEMax := math.Max(dEFwd, dEBack)
	dEMin := math.Min(dEFwd, dEBack)

	if dEMax < flatTangentEps {
		// Flat segment on both sides: single-sided fallback.
		return mat.DenseCopyOf(tauFwd)
	}

	var wFwd, wBack float64
	if eNext > ePrev {
		wFwd, wBack = dEMax, dEMin
	} else {
		wFwd, wBack = dEMin, dEMax
	}

	out := mat.NewDense(rows(tauFwd), 3, nil)
	addScaled(out, wFwd, tauFwd)
	addScaled(out, wBack, tauBack)
	return out
}

// displacement returns the per-atom minimum-image displacement from a to b as
// an n x 3 matrix.
func displacement(cell *structure.Cell, a, b *structure.Structure) *mat.Dense {
	n := a.NAtoms()
	out := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		from := a.Position(i)
		to := b.Position(i)
		d := cell.MinimumImageDisplacement([3]float64{to[0] - from[0], to[1] - from[1], to[2] - from[2]})
		out.SetRow(i, d[:])
	}
	return out
}

func rows(m *mat.Dense) int {
	r, _ := m.Dims()
	return r
}

func frobNorm(m *mat.Dense) float64 {
	return mat.Norm(m, 2)
}

func dot(a, b *mat.Dense) float64 {
	ra := a.RawMatrix()
	rb := b.RawMatrix()
	sum := 0.0
	for i := range ra.Data {
		sum += ra.Data[i] * rb.Data[i]
	}
	return sum
}

func addScaled(dst *mat.Dense, s float64, m *mat.Dense) {
	var scaled mat.Dense
	scaled.Scale(s, m)
	dst.Add(dst, &scaled)
}
