package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/blockperf/tensor"
)

// sinusoid fills dst with the standard transformer encoding of pos.
func sinusoid(dst []float32, pos int) {
	width := len(dst)
	for k := range dst {
		freq := math.Pow(10000, -float64(2*(k/2))/float64(width))
		angle := float64(pos) * freq
		if k%2 == 0 {
			dst[k] = float32(math.Sin(angle))
		} else {
			dst[k] = float32(math.Cos(angle))
		}
	}
}

// Sinusoidal1D adds a fixed encoding of the position along the second to
// last axis of [..., L, D].
type Sinusoidal1D struct {
	dim int
}

func NewSinusoidal1D(dim int) *Sinusoidal1D {
	return &Sinusoidal1D{dim: dim}
}

func (p *Sinusoidal1D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 || x.Shape[len(x.Shape)-1] != p.dim {
		return nil, fmt.Errorf("%w: 1D positional encoding of width %d applied to %v", tensor.ErrShape, p.dim, x.Shape)
	}
	l := x.Shape[len(x.Shape)-2]
	table := make([]float32, l*p.dim)
	for pos := 0; pos < l; pos++ {
		sinusoid(table[pos*p.dim:(pos+1)*p.dim], pos)
	}

	pe := tensor.Zeros(x.Shape)
	for off := 0; off < len(pe.Data); off += len(table) {
		copy(pe.Data[off:], table)
	}
	return tensor.Add(x, pe)
}

// Sinusoidal2D encodes [B, I, S, D] jointly: the first half of the features
// carries the instruction index, the second half the token index.
type Sinusoidal2D struct {
	dim int
}

// NewSinusoidal2D requires an even width.
func NewSinusoidal2D(dim int) (*Sinusoidal2D, error) {
	if dim%2 != 0 {
		return nil, fmt.Errorf("2D positional encoding needs an even width, got %d", dim)
	}
	return &Sinusoidal2D{dim: dim}, nil
}

func (p *Sinusoidal2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[3] != p.dim {
		return nil, fmt.Errorf("%w: 2D positional encoding of width %d applied to %v", tensor.ErrShape, p.dim, x.Shape)
	}
	instrs, tokens, half := x.Shape[1], x.Shape[2], p.dim/2

	table := make([]float32, instrs*tokens*p.dim)
	for i := 0; i < instrs; i++ {
		for s := 0; s < tokens; s++ {
			row := table[(i*tokens+s)*p.dim : (i*tokens+s+1)*p.dim]
			sinusoid(row[:half], i)
			sinusoid(row[half:], s)
		}
	}

	pe := tensor.Zeros(x.Shape)
	for off := 0; off < len(pe.Data); off += len(table) {
		copy(pe.Data[off:], table)
	}
	return tensor.Add(x, pe)
}
