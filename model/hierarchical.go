package model

import (
	"errors"
	"fmt"

	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/masking"
	"github.com/tsawler/blockperf/tensor"
	"github.com/tsawler/blockperf/training"
)

// ErrDimMismatch is returned when the configured width disagrees with the
// pretrained encoder.
var ErrDimMismatch = errors.New("hidden dimension mismatch")

// Config sizes the branches on top of the pretrained encoder.
type Config struct {
	// Dim must equal the pretrained encoder's width; zero means "take it
	// from the encoder".
	Dim      int
	Heads    int
	PadIdx   int
	PredDrop float64
	Loss     training.LossSpec
}

// ConfigFrom converts the model section of a training configuration.
func ConfigFrom(mc training.ModelConfig) (Config, error) {
	spec, err := mc.Loss.Spec()
	if err != nil {
		return Config{}, err
	}
	return Config{Dim: mc.Dim, Heads: mc.NHeads, PadIdx: mc.PadIdx, PredDrop: mc.PredDrop, Loss: spec}, nil
}

// Hierarchical predicts one scalar per block as the sum of per-instruction
// contributions. Three branches read the contextualised tokens: direct
// (sequence encoder per instruction), mixed (context encoder per
// instruction) and temporal (sequence encoder, pooled to instructions, then
// attention across instructions).
type Hierarchical struct {
	pretrained Pretrained
	padIdx     int

	direct *layers.SequenceEncoder
	mixed  *layers.ContextEncoder

	tSingle *layers.SequenceEncoder
	tPos    *layers.Sinusoidal1D
	tMixed  *layers.ContextEncoder
	tOp     *layers.AggregateEncoder

	mergeDrop  *layers.Dropout
	merger     *layers.Linear
	predDrop   *layers.Dropout
	prediction *layers.Linear

	loss     training.Loss
	training bool
}

// New builds the model over pretrained. It fails when cfg.Dim disagrees
// with the encoder width or cfg.Heads does not divide it.
func New(pretrained Pretrained, cfg Config) (*Hierarchical, error) {
	dim := pretrained.Dim()
	if cfg.Dim != 0 && cfg.Dim != dim {
		return nil, fmt.Errorf("%w: configured %d, pretrained encoder produces %d", ErrDimMismatch, cfg.Dim, dim)
	}
	if cfg.Heads <= 0 || dim%cfg.Heads != 0 {
		return nil, fmt.Errorf("%d attention heads do not divide hidden dimension %d", cfg.Heads, dim)
	}

	enc := func(n int) layers.EncoderConfig {
		return layers.EncoderConfig{Dim: dim, Heads: cfg.Heads, Layers: n, Dropout: cfg.PredDrop}
	}
	h := &Hierarchical{pretrained: pretrained, padIdx: cfg.PadIdx, tPos: layers.NewSinusoidal1D(dim), training: true}

	var err error
	if h.direct, err = layers.NewSequenceEncoder(enc(2)); err != nil {
		return nil, err
	}
	if h.mixed, err = layers.NewContextEncoder(enc(2)); err != nil {
		return nil, err
	}
	if h.tSingle, err = layers.NewSequenceEncoder(enc(1)); err != nil {
		return nil, err
	}
	if h.tMixed, err = layers.NewContextEncoder(enc(1)); err != nil {
		return nil, err
	}
	if h.tOp, err = layers.NewAggregateEncoder(enc(1)); err != nil {
		return nil, err
	}
	if h.mergeDrop, err = layers.NewDropout(cfg.PredDrop); err != nil {
		return nil, err
	}
	if h.merger, err = layers.NewLinear(3*dim, dim, true); err != nil {
		return nil, err
	}
	if h.predDrop, err = layers.NewDropout(cfg.PredDrop); err != nil {
		return nil, err
	}
	if h.prediction, err = layers.NewLinear(dim, 1, true); err != nil {
		return nil, err
	}
	if h.loss, err = cfg.Loss.Build(); err != nil {
		return nil, err
	}
	return h, nil
}

// Loss returns the loss the model was configured with.
func (h *Hierarchical) Loss() training.Loss { return h.loss }

// Forward maps a token batch [B, I, S] to predictions [B].
func (h *Hierarchical) Forward(input *masking.Input) (*tensor.Tensor, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	masks := masking.Derive(input, h.padIdx)

	hidden, err := h.pretrained.Embed(input)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if hidden, err = h.pretrained.Encode2D(hidden); err != nil {
		return nil, fmt.Errorf("2D positional encoding: %w", err)
	}
	if hidden, err = h.pretrained.Contextualize(hidden, masks.Token); err != nil {
		return nil, fmt.Errorf("pretrained encoder: %w", err)
	}
	tokens, err := masking.New(hidden, masks.Token)
	if err != nil {
		return nil, err
	}

	mixed, err := tokens.Map(func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return overTokens(x, func(x *tensor.Tensor) (*tensor.Tensor, error) {
			return h.mixed.Forward(x, masks.Token)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("mixed branch: %w", err)
	}
	direct, err := tokens.Map(func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return overTokens(x, func(x *tensor.Tensor) (*tensor.Tensor, error) {
			return h.direct.Forward(x, masks.Token, masks.Instruction)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("direct branch: %w", err)
	}
	temporal, err := h.temporal(tokens, masks)
	if err != nil {
		return nil, fmt.Errorf("temporal branch: %w", err)
	}

	directPooled, err := direct.SumPool()
	if err != nil {
		return nil, err
	}
	mixedPooled, err := mixed.SumPool()
	if err != nil {
		return nil, err
	}
	merged, err := masking.Concat(directPooled, mixedPooled, temporal)
	if err != nil {
		return nil, err
	}

	perInstruction, err := merged.Map(func(x *tensor.Tensor) (*tensor.Tensor, error) {
		x, err := h.mergeDrop.Forward(x)
		if err != nil {
			return nil, err
		}
		if x, err = h.merger.Forward(x); err != nil {
			return nil, err
		}
		if x, err = h.predDrop.Forward(x); err != nil {
			return nil, err
		}
		return h.prediction.Forward(x)
	})
	if err != nil {
		return nil, fmt.Errorf("regression head: %w", err)
	}

	total, err := perInstruction.SumPool()
	if err != nil {
		return nil, err
	}
	return tensor.Reshape(total.Value, []int{input.Batch})
}

// temporal encodes each instruction on its own, pools it to one vector and
// lets instructions attend to each other.
func (h *Hierarchical) temporal(tokens *masking.Masked, masks masking.Masks) (*masking.Masked, error) {
	encoded, err := tokens.Map(func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return overTokens(x, func(x *tensor.Tensor) (*tensor.Tensor, error) {
			return h.tSingle.Forward(x, masks.Token, masks.Instruction)
		})
	})
	if err != nil {
		return nil, err
	}
	instrs, err := encoded.SumPool()
	if err != nil {
		return nil, err
	}
	if instrs, err = instrs.Map(h.tPos.Forward); err != nil {
		return nil, err
	}
	if instrs, err = instrs.Map(func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return h.tMixed.Forward(x, masks.Instruction)
	}); err != nil {
		return nil, err
	}
	return instrs.Map(func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return h.tOp.Forward(x, masks.Instruction)
	})
}

// Parameters lists every trainable tensor, pretrained encoder first.
func (h *Hierarchical) Parameters() []layers.Param {
	var params []layers.Param
	params = append(params, layers.Prefixed("pretrained", h.pretrained.Parameters())...)
	params = append(params, layers.Prefixed("single", h.direct.Parameters())...)
	params = append(params, layers.Prefixed("mixed", h.mixed.Parameters())...)
	params = append(params, layers.Prefixed("t_single", h.tSingle.Parameters())...)
	params = append(params, layers.Prefixed("t_mixed", h.tMixed.Parameters())...)
	params = append(params, layers.Prefixed("t_op", h.tOp.Parameters())...)
	params = append(params, layers.Prefixed("merger", h.merger.Parameters())...)
	params = append(params, layers.Prefixed("prediction", h.prediction.Parameters())...)
	return params
}

func (h *Hierarchical) modules() []layers.Module {
	return []layers.Module{
		h.pretrained, h.direct, h.mixed, h.tSingle, h.tMixed, h.tOp,
		h.mergeDrop, h.merger, h.predDrop, h.prediction,
	}
}

// Train enables dropout.
func (h *Hierarchical) Train() {
	h.training = true
	for _, m := range h.modules() {
		m.Train()
	}
}

// Eval disables dropout.
func (h *Hierarchical) Eval() {
	h.training = false
	for _, m := range h.modules() {
		m.Eval()
	}
}

func (h *Hierarchical) IsTraining() bool { return h.training }

// StateDict returns the parameters keyed by name, sharing storage.
func (h *Hierarchical) StateDict() *layers.StateDict {
	return layers.NewStateDict(h)
}

// LoadStateDict copies sd into the model; every name must match.
func (h *Hierarchical) LoadStateDict(sd *layers.StateDict) error {
	return layers.LoadStateDict(h, sd, true)
}
