package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/blockperf/tensor"
)

// MultiHeadAttention is scaled dot-product self-attention over [N, L, D]
// sequences with a per-key padding mask.
type MultiHeadAttention struct {
	heads      int
	q, k, v, o *Linear
	training   bool
}

// NewMultiHeadAttention fails when heads does not divide dim.
func NewMultiHeadAttention(dim, heads int) (*MultiHeadAttention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("%d attention heads do not divide hidden size %d", heads, dim)
	}
	mha := &MultiHeadAttention{heads: heads, training: true}
	for _, dst := range []**Linear{&mha.q, &mha.k, &mha.v, &mha.o} {
		l, err := NewLinear(dim, dim, true)
		if err != nil {
			return nil, err
		}
		*dst = l
	}
	return mha, nil
}

// Forward attends within each of the N sequences. keyPad has N*L flags; a
// padded key receives no attention. A sequence whose keys are all padded
// yields the output projection bias.
func (a *MultiHeadAttention) Forward(x *tensor.Tensor, keyPad []bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("%w: attention expects [N, L, D], got %v", tensor.ErrShape, x.Shape)
	}
	n, l, d := x.Shape[0], x.Shape[1], x.Shape[2]
	if len(keyPad) != n*l {
		return nil, fmt.Errorf("%w: %d key flags for %v", tensor.ErrShape, len(keyPad), x.Shape)
	}

	project := func(lin *Linear) (*tensor.Tensor, error) {
		p, err := lin.Forward(x)
		if err != nil {
			return nil, err
		}
		return tensor.SplitHeads(p, a.heads)
	}
	q, err := project(a.q)
	if err != nil {
		return nil, err
	}
	k, err := project(a.k)
	if err != nil {
		return nil, err
	}
	v, err := project(a.v)
	if err != nil {
		return nil, err
	}

	scores, err := tensor.BatchMatMul(q, k, true)
	if err != nil {
		return nil, err
	}
	scores = tensor.Scale(scores, float32(1/math.Sqrt(float64(d/a.heads))))

	// SplitHeads orders sequences as (n, head), so each sequence's key flags
	// repeat once per head.
	headPad := make([]bool, 0, n*a.heads*l)
	for i := 0; i < n; i++ {
		for h := 0; h < a.heads; h++ {
			headPad = append(headPad, keyPad[i*l:(i+1)*l]...)
		}
	}
	weights, err := tensor.MaskedSoftmax(scores, headPad)
	if err != nil {
		return nil, err
	}

	ctx, err := tensor.BatchMatMul(weights, v, false)
	if err != nil {
		return nil, err
	}
	merged, err := tensor.MergeHeads(ctx, a.heads)
	if err != nil {
		return nil, err
	}
	return a.o.Forward(merged)
}

func (a *MultiHeadAttention) Parameters() []Param {
	var params []Param
	params = append(params, Prefixed("q", a.q.Parameters())...)
	params = append(params, Prefixed("k", a.k.Parameters())...)
	params = append(params, Prefixed("v", a.v.Parameters())...)
	params = append(params, Prefixed("out", a.o.Parameters())...)
	return params
}

func (a *MultiHeadAttention) Train()           { a.training = true }
func (a *MultiHeadAttention) Eval()            { a.training = false }
func (a *MultiHeadAttention) IsTraining() bool { return a.training }

// FeedForward is the position-wise Linear(D, 4D) → ReLU → Linear(4D, D) block.
type FeedForward struct {
	up, down *Linear
	training bool
}

func NewFeedForward(dim int) (*FeedForward, error) {
	up, err := NewLinear(dim, 4*dim, true)
	if err != nil {
		return nil, err
	}
	down, err := NewLinear(4*dim, dim, true)
	if err != nil {
		return nil, err
	}
	return &FeedForward{up: up, down: down, training: true}, nil
}

func (f *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := f.up.Forward(x)
	if err != nil {
		return nil, err
	}
	return f.down.Forward(tensor.ReLU(h))
}

func (f *FeedForward) Parameters() []Param {
	return append(Prefixed("up", f.up.Parameters()), Prefixed("down", f.down.Parameters())...)
}

func (f *FeedForward) Train()           { f.training = true }
func (f *FeedForward) Eval()            { f.training = false }
func (f *FeedForward) IsTraining() bool { return f.training }
