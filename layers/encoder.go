package layers

import (
	"fmt"

	"github.com/tsawler/blockperf/tensor"
)

// EncoderConfig sizes an encoder stack.
type EncoderConfig struct {
	Dim     int
	Heads   int
	Layers  int
	Dropout float64
}

func (c EncoderConfig) validate() error {
	if c.Dim <= 0 || c.Layers <= 0 {
		return fmt.Errorf("encoder needs a positive width and depth, got dim=%d layers=%d", c.Dim, c.Layers)
	}
	return nil
}

// EncoderLayer is one transformer block. With preNorm the residual stream is
// left unnormalized and LayerNorm is applied to each sub-block's input;
// otherwise LayerNorm follows each residual sum.
type EncoderLayer struct {
	attn     *MultiHeadAttention
	ff       *FeedForward
	norm1    *LayerNorm
	norm2    *LayerNorm
	drop     *Dropout
	preNorm  bool
	training bool
}

func NewEncoderLayer(cfg EncoderConfig, preNorm bool) (*EncoderLayer, error) {
	attn, err := NewMultiHeadAttention(cfg.Dim, cfg.Heads)
	if err != nil {
		return nil, err
	}
	ff, err := NewFeedForward(cfg.Dim)
	if err != nil {
		return nil, err
	}
	norm1, err := NewLayerNorm(cfg.Dim, 1e-5)
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(cfg.Dim, 1e-5)
	if err != nil {
		return nil, err
	}
	drop, err := NewDropout(cfg.Dropout)
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{attn: attn, ff: ff, norm1: norm1, norm2: norm2, drop: drop, preNorm: preNorm, training: true}, nil
}

// Forward runs attention and the feed-forward block over x [N, L, D].
func (e *EncoderLayer) Forward(x *tensor.Tensor, keyPad []bool) (*tensor.Tensor, error) {
	attnIn := x
	var err error
	if e.preNorm {
		if attnIn, err = e.norm1.Forward(x); err != nil {
			return nil, err
		}
	}
	a, err := e.attn.Forward(attnIn, keyPad)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	if a, err = e.drop.Forward(a); err != nil {
		return nil, err
	}
	h, err := tensor.Add(x, a)
	if err != nil {
		return nil, err
	}
	if !e.preNorm {
		if h, err = e.norm1.Forward(h); err != nil {
			return nil, err
		}
	}

	ffIn := h
	if e.preNorm {
		if ffIn, err = e.norm2.Forward(h); err != nil {
			return nil, err
		}
	}
	f, err := e.ff.Forward(ffIn)
	if err != nil {
		return nil, fmt.Errorf("feed-forward: %w", err)
	}
	if f, err = e.drop.Forward(f); err != nil {
		return nil, err
	}
	out, err := tensor.Add(h, f)
	if err != nil {
		return nil, err
	}
	if !e.preNorm {
		return e.norm2.Forward(out)
	}
	return out, nil
}

func (e *EncoderLayer) Parameters() []Param {
	var params []Param
	params = append(params, Prefixed("attn", e.attn.Parameters())...)
	params = append(params, Prefixed("ff", e.ff.Parameters())...)
	params = append(params, Prefixed("norm1", e.norm1.Parameters())...)
	params = append(params, Prefixed("norm2", e.norm2.Parameters())...)
	return params
}

func (e *EncoderLayer) Train() {
	e.training = true
	e.drop.Train()
}

func (e *EncoderLayer) Eval() {
	e.training = false
	e.drop.Eval()
}

func (e *EncoderLayer) IsTraining() bool { return e.training }

// stack is the shared layer list behind the three encoder kinds.
type stack struct {
	layers   []*EncoderLayer
	training bool
}

func newStack(cfg EncoderConfig, preNorm bool) (stack, error) {
	if err := cfg.validate(); err != nil {
		return stack{}, err
	}
	s := stack{training: true}
	for i := 0; i < cfg.Layers; i++ {
		l, err := NewEncoderLayer(cfg, preNorm)
		if err != nil {
			return stack{}, fmt.Errorf("layer %d: %w", i, err)
		}
		s.layers = append(s.layers, l)
	}
	return s, nil
}

func (s *stack) forward(x *tensor.Tensor, keyPad []bool) (*tensor.Tensor, error) {
	var err error
	for i, l := range s.layers {
		if x, err = l.Forward(x, keyPad); err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}
	return x, nil
}

func (s *stack) Parameters() []Param {
	var params []Param
	for i, l := range s.layers {
		params = append(params, Prefixed(fmt.Sprintf("layers.%d", i), l.Parameters())...)
	}
	return params
}

func (s *stack) Train() {
	s.training = true
	for _, l := range s.layers {
		l.Train()
	}
}

func (s *stack) Eval() {
	s.training = false
	for _, l := range s.layers {
		l.Eval()
	}
}

func (s *stack) IsTraining() bool { return s.training }

// ContextEncoder is a post-norm transformer stack; every position attends to
// every real position of its sequence.
type ContextEncoder struct {
	stack
}

func NewContextEncoder(cfg EncoderConfig) (*ContextEncoder, error) {
	s, err := newStack(cfg, false)
	if err != nil {
		return nil, fmt.Errorf("context encoder: %w", err)
	}
	return &ContextEncoder{stack: s}, nil
}

// Forward encodes x [N, L, D]; keyPad has N*L flags.
func (c *ContextEncoder) Forward(x *tensor.Tensor, keyPad []bool) (*tensor.Tensor, error) {
	return c.forward(x, keyPad)
}

// SequenceEncoder is a pre-norm stack that never computes sequences flagged
// as padding: their rows come back as zero.
type SequenceEncoder struct {
	stack
}

func NewSequenceEncoder(cfg EncoderConfig) (*SequenceEncoder, error) {
	s, err := newStack(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("sequence encoder: %w", err)
	}
	return &SequenceEncoder{stack: s}, nil
}

// Forward encodes x [N, L, D]. keyPad has N*L flags and seqPad N flags; a
// flagged sequence is skipped.
func (e *SequenceEncoder) Forward(x *tensor.Tensor, keyPad, seqPad []bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || len(seqPad) != x.Shape[0] || len(keyPad) != x.Shape[0]*x.Shape[1] {
		return nil, fmt.Errorf("%w: sequence encoder input %v with %d key and %d sequence flags",
			tensor.ErrShape, x.Shape, len(keyPad), len(seqPad))
	}
	n, l := x.Shape[0], x.Shape[1]

	rows := make([]int, 0, n)
	for i, pad := range seqPad {
		if !pad {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return tensor.Zeros(x.Shape), nil
	}
	if len(rows) == n {
		return e.forward(x, keyPad)
	}

	sub, err := tensor.GatherRows(x, rows)
	if err != nil {
		return nil, err
	}
	subPad := make([]bool, 0, len(rows)*l)
	for _, r := range rows {
		subPad = append(subPad, keyPad[r*l:(r+1)*l]...)
	}
	out, err := e.forward(sub, subPad)
	if err != nil {
		return nil, err
	}
	return tensor.ScatterRows(out, rows, n)
}

// AggregateEncoder is a pre-norm stack followed by a final LayerNorm.
type AggregateEncoder struct {
	stack
	norm *LayerNorm
}

func NewAggregateEncoder(cfg EncoderConfig) (*AggregateEncoder, error) {
	s, err := newStack(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("aggregate encoder: %w", err)
	}
	norm, err := NewLayerNorm(cfg.Dim, 1e-5)
	if err != nil {
		return nil, err
	}
	return &AggregateEncoder{stack: s, norm: norm}, nil
}

func (a *AggregateEncoder) Forward(x *tensor.Tensor, keyPad []bool) (*tensor.Tensor, error) {
	h, err := a.forward(x, keyPad)
	if err != nil {
		return nil, err
	}
	return a.norm.Forward(h)
}

func (a *AggregateEncoder) Parameters() []Param {
	return append(a.stack.Parameters(), Prefixed("norm", a.norm.Parameters())...)
}
