package optimizer

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/tensor"
)

func gradVector(g []float32) blas32.Vector {
	return blas32.Vector{N: len(g), Data: g, Inc: 1}
}

// GlobalGradNorm is the L2 norm of all parameter gradients taken together.
func GlobalGradNorm(params []layers.Param) float64 {
	var sumSq float64
	for _, p := range params {
		g := p.Tensor.Grad()
		if len(g) == 0 {
			continue
		}
		n := float64(blas32.Nrm2(gradVector(g)))
		sumSq += n * n
	}
	return math.Sqrt(sumSq)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm and
// returns the norm measured before clipping. An infinite norm scales by zero,
// which turns infinite entries into NaN; a NaN norm leaves gradients as they
// are. Either way FindNaNGradient reports the problem afterwards.
func ClipGradNorm(params []layers.Param, maxNorm float64) float64 {
	total := GlobalGradNorm(params)
	if math.IsInf(total, 0) {
		// blas Scal short-circuits alpha == 0 to a fill, which would hide
		// the infinities.
		for _, p := range params {
			g := p.Tensor.Grad()
			for j := range g {
				g[j] *= 0
			}
		}
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if !(coef < 1) {
		return total
	}
	for _, p := range params {
		if g := p.Tensor.Grad(); len(g) > 0 {
			blas32.Scal(float32(coef), gradVector(g))
		}
	}
	return total
}

// FindNaNGradient returns the first parameter whose gradient holds a NaN.
func FindNaNGradient(params []layers.Param) (string, bool) {
	for _, p := range params {
		if tensor.HasNaN(p.Tensor.Grad()) {
			return p.Name, true
		}
	}
	return "", false
}
