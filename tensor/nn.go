package tensor

import (
	"fmt"
	"math"
)

// LayerNormOp normalizes each last-dimension vector and applies an affine map.
type LayerNormOp struct {
	inputs []*Tensor
	xhat   []float32
	rstd   []float32
	width  int
}

func (op *LayerNormOp) Inputs() []*Tensor { return op.inputs }

func (op *LayerNormOp) Backward(gradOut []float32) [][]float32 {
	x, gamma, beta := op.inputs[0], op.inputs[1], op.inputs[2]
	w := op.width
	rows := len(gradOut) / w

	var gx, gg, gb []float32
	if x.requiresGrad {
		gx = make([]float32, len(x.Data))
	}
	if gamma.requiresGrad {
		gg = make([]float32, w)
	}
	if beta.requiresGrad {
		gb = make([]float32, w)
	}

	dxhat := make([]float32, w)
	for r := 0; r < rows; r++ {
		g := gradOut[r*w : (r+1)*w]
		xh := op.xhat[r*w : (r+1)*w]

		var meanD, meanDX float64
		for i := 0; i < w; i++ {
			if gg != nil {
				gg[i] += g[i] * xh[i]
			}
			if gb != nil {
				gb[i] += g[i]
			}
			dxhat[i] = g[i] * gamma.Data[i]
			meanD += float64(dxhat[i])
			meanDX += float64(dxhat[i] * xh[i])
		}
		if gx == nil {
			continue
		}
		meanD /= float64(w)
		meanDX /= float64(w)
		rs := op.rstd[r]
		dst := gx[r*w : (r+1)*w]
		for i := 0; i < w; i++ {
			dst[i] = rs * (dxhat[i] - float32(meanD) - xh[i]*float32(meanDX))
		}
	}
	return [][]float32{gx, gg, gb}
}

// LayerNorm normalizes x over its last dimension: gamma * (x - mean) / sqrt(var + eps) + beta.
func LayerNorm(x, gamma, beta *Tensor, eps float64) (*Tensor, error) {
	w := x.Shape[len(x.Shape)-1]
	if len(gamma.Data) != w || len(beta.Data) != w {
		return nil, fmt.Errorf("%w: LayerNorm input %v with gamma %v beta %v", ErrShape, x.Shape, gamma.Shape, beta.Shape)
	}
	rows := len(x.Data) / w

	out := make([]float32, len(x.Data))
	xhat := make([]float32, len(x.Data))
	rstd := make([]float32, rows)
	for r := 0; r < rows; r++ {
		row := x.Data[r*w : (r+1)*w]
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(w)
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(w)
		rs := 1.0 / math.Sqrt(variance+eps)
		rstd[r] = float32(rs)
		for i, v := range row {
			xh := float32((float64(v) - mean) * rs)
			xhat[r*w+i] = xh
			out[r*w+i] = xh*gamma.Data[i] + beta.Data[i]
		}
	}

	op := &LayerNormOp{inputs: []*Tensor{x, gamma, beta}, xhat: xhat, rstd: rstd, width: w}
	return Apply(op, x.Shape, out), nil
}

// MaskedSoftmaxOp is a softmax over the last dimension that ignores padded keys.
type MaskedSoftmaxOp struct {
	inputs []*Tensor
	out    []float32
	width  int
}

func (op *MaskedSoftmaxOp) Inputs() []*Tensor { return op.inputs }

func (op *MaskedSoftmaxOp) Backward(gradOut []float32) [][]float32 {
	w := op.width
	g := make([]float32, len(gradOut))
	for r := 0; r < len(gradOut)/w; r++ {
		y := op.out[r*w : (r+1)*w]
		gy := gradOut[r*w : (r+1)*w]
		var dot float32
		for i := range y {
			dot += y[i] * gy[i]
		}
		for i := range y {
			g[r*w+i] = y[i] * (gy[i] - dot)
		}
	}
	return [][]float32{g}
}

// MaskedSoftmax normalizes scores [B, M, N] over N. keyPad has B*N entries;
// padded keys receive zero weight. A row whose keys are all padded yields all
// zeros rather than NaN.
func MaskedSoftmax(scores *Tensor, keyPad []bool) (*Tensor, error) {
	if len(scores.Shape) != 3 {
		return nil, fmt.Errorf("%w: MaskedSoftmax expects rank 3, got %v", ErrShape, scores.Shape)
	}
	b, m, n := scores.Shape[0], scores.Shape[1], scores.Shape[2]
	if keyPad != nil && len(keyPad) != b*n {
		return nil, fmt.Errorf("%w: MaskedSoftmax %d key flags for %v", ErrShape, len(keyPad), scores.Shape)
	}

	out := make([]float32, len(scores.Data))
	for i := 0; i < b; i++ {
		var pad []bool
		if keyPad != nil {
			pad = keyPad[i*n : (i+1)*n]
		}
		for j := 0; j < m; j++ {
			row := scores.Data[(i*m+j)*n : (i*m+j+1)*n]
			dst := out[(i*m+j)*n : (i*m+j+1)*n]

			maxV := float32(math.Inf(-1))
			for k, v := range row {
				if (pad == nil || !pad[k]) && v > maxV {
					maxV = v
				}
			}
			if math.IsInf(float64(maxV), -1) {
				continue
			}
			var sum float64
			for k, v := range row {
				if pad != nil && pad[k] {
					continue
				}
				e := math.Exp(float64(v - maxV))
				dst[k] = float32(e)
				sum += e
			}
			inv := float32(1.0 / sum)
			for k := range dst {
				dst[k] *= inv
			}
		}
	}

	op := &MaskedSoftmaxOp{inputs: []*Tensor{scores}, out: out, width: n}
	return Apply(op, scores.Shape, out), nil
}
