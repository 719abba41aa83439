// Package model holds the hierarchical block model and the pretrained
// contextual encoder it builds on.
package model

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/masking"
	"github.com/tsawler/blockperf/tensor"
	"github.com/tsawler/blockperf/training"
)

// Pretrained is the contextual sub-encoder the hierarchical model starts
// from: a token embedder, a 2D positional encoder and a token-axis encoder.
type Pretrained interface {
	layers.Module
	// Dim is the width of every hidden vector the encoder produces.
	Dim() int
	// Embed maps ids [B, I, S] to vectors [B, I, S, D].
	Embed(input *masking.Input) (*tensor.Tensor, error)
	// Encode2D adds the joint instruction/token position encoding.
	Encode2D(hidden *tensor.Tensor) (*tensor.Tensor, error)
	// Contextualize attends across the tokens of each instruction.
	// tokenPad has one flag per token.
	Contextualize(hidden *tensor.Tensor, tokenPad []bool) (*tensor.Tensor, error)
}

// BertConfig sizes a BertEncoder.
type BertConfig struct {
	VocabSize int
	Dim       int
	Heads     int
	Layers    int
	PadIdx    int
	Dropout   float64
}

// BertEncoder is the default Pretrained implementation.
type BertEncoder struct {
	embed    *layers.Embedding
	pos2d    *layers.Sinusoidal2D
	mixed    *layers.ContextEncoder
	training bool
}

// NewBertEncoder creates a randomly initialised encoder.
func NewBertEncoder(cfg BertConfig) (*BertEncoder, error) {
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("vocabulary size must be positive, got %d", cfg.VocabSize)
	}
	embed, err := layers.NewEmbedding(cfg.VocabSize, cfg.Dim, cfg.PadIdx)
	if err != nil {
		return nil, err
	}
	pos2d, err := layers.NewSinusoidal2D(cfg.Dim)
	if err != nil {
		return nil, err
	}
	mixed, err := layers.NewContextEncoder(layers.EncoderConfig{
		Dim: cfg.Dim, Heads: cfg.Heads, Layers: cfg.Layers, Dropout: cfg.Dropout,
	})
	if err != nil {
		return nil, err
	}
	return &BertEncoder{embed: embed, pos2d: pos2d, mixed: mixed, training: true}, nil
}

func (e *BertEncoder) Dim() int { return e.embed.Dim() }

func (e *BertEncoder) Embed(input *masking.Input) (*tensor.Tensor, error) {
	return e.embed.Forward(input.IDs, input.Shape())
}

func (e *BertEncoder) Encode2D(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	return e.pos2d.Forward(hidden)
}

func (e *BertEncoder) Contextualize(hidden *tensor.Tensor, tokenPad []bool) (*tensor.Tensor, error) {
	return overTokens(hidden, func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return e.mixed.Forward(x, tokenPad)
	})
}

func (e *BertEncoder) Parameters() []layers.Param {
	return append(layers.Prefixed("embed", e.embed.Parameters()), layers.Prefixed("mixed", e.mixed.Parameters())...)
}

func (e *BertEncoder) Train() {
	e.training = true
	e.embed.Train()
	e.mixed.Train()
}

func (e *BertEncoder) Eval() {
	e.training = false
	e.embed.Eval()
	e.mixed.Eval()
}

func (e *BertEncoder) IsTraining() bool { return e.training }

// LoadPretrained fills m from a weights file: a PyTorch state dict (.pt,
// .pth, .bin) or a checkpoint written by this module (.mdl, .json). Names
// are matched against m's parameter names after dropping a leading
// "module." and, for checkpoints of a whole model, "pretrained.". At least
// one parameter must match; shapes must agree.
func LoadPretrained(m layers.Module, path string) (int, error) {
	var records []checkpoints.NamedTensor
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth", ".bin":
		var err error
		if records, err = checkpoints.LoadPyTorch(path); err != nil {
			return 0, err
		}
	default:
		ckpt, err := checkpoints.Load(path)
		if err != nil {
			return 0, err
		}
		records = ckpt.Model
	}

	wholeModel := false
	for i := range records {
		records[i].Name = strings.TrimPrefix(records[i].Name, "module.")
		wholeModel = wholeModel || strings.HasPrefix(records[i].Name, "pretrained.")
	}

	known := make(map[string]bool)
	for _, p := range m.Parameters() {
		known[p.Name] = true
	}
	var matched []checkpoints.NamedTensor
	for _, r := range records {
		if wholeModel {
			name, ok := strings.CutPrefix(r.Name, "pretrained.")
			if !ok {
				continue
			}
			r.Name = name
		}
		if known[r.Name] {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return 0, fmt.Errorf("no parameter in %s matches the pretrained encoder", path)
	}
	if err := training.LoadModel(m, matched, false); err != nil {
		return 0, fmt.Errorf("failed to load pretrained weights from %s: %w", path, err)
	}
	return len(matched), nil
}

// overTokens runs fn over [B*I, S, D] views of a [B, I, S, D] tensor.
func overTokens(hidden *tensor.Tensor, fn func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	if len(hidden.Shape) != 4 {
		return nil, fmt.Errorf("%w: expected [B, I, S, D], got %v", tensor.ErrShape, hidden.Shape)
	}
	b, i, s, d := hidden.Shape[0], hidden.Shape[1], hidden.Shape[2], hidden.Shape[3]
	flat, err := tensor.Reshape(hidden, []int{b * i, s, d})
	if err != nil {
		return nil, err
	}
	out, err := fn(flat)
	if err != nil {
		return nil, err
	}
	return tensor.Reshape(out, []int{b, i, s, d})
}
