// Package optimizer updates named parameters from their accumulated
// gradients and exports its state for checkpointing.
package optimizer

import (
	"fmt"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update using the gradients currently stored on the
	// parameters. Parameters without a gradient are left unchanged.
	Step() error

	// ZeroGrad clears every parameter gradient.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() *checkpoints.OptimizerState

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the rate used by the next Step
	LearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// New builds the optimizer named by kind ("adam" or "sgd").
func New(kind string, params []layers.Param, lr float64) (Optimizer, error) {
	switch kind {
	case "", "adam", "Adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdam(params, cfg)
	case "sgd", "SGD":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGD(params, cfg)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}

// paramSet is the bookkeeping shared by every optimizer: parameters in
// registration order plus a name index.
type paramSet struct {
	params []layers.Param
	index  map[string]int
}

func newParamSet(params []layers.Param) (paramSet, error) {
	if len(params) == 0 {
		return paramSet{}, fmt.Errorf("no parameters to optimize")
	}
	ps := paramSet{params: params, index: make(map[string]int, len(params))}
	for i, p := range params {
		if _, dup := ps.index[p.Name]; dup {
			return paramSet{}, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		ps.index[p.Name] = i
	}
	return ps, nil
}

func (ps *paramSet) ZeroGrad() {
	for _, p := range ps.params {
		p.Tensor.ZeroGrad()
	}
}

// buffersToState exports per-parameter buffers under "<prefix>/<name>".
func (ps *paramSet) buffersToState(prefix string, buffers [][]float32) []checkpoints.NamedTensor {
	var out []checkpoints.NamedTensor
	for i, buf := range buffers {
		if buf == nil {
			continue
		}
		p := ps.params[i]
		out = append(out, checkpoints.NamedTensor{
			Name:  prefix + "/" + p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float32(nil), buf...),
		})
	}
	return out
}

// restoreBuffer copies a saved buffer into dst after checking it belongs to a
// known parameter of matching size.
func (ps *paramSet) restoreBuffer(t checkpoints.NamedTensor, dst [][]float32) error {
	_, name, ok := cutPrefix(t.Name)
	if !ok {
		return fmt.Errorf("malformed optimizer state name %q", t.Name)
	}
	i, ok := ps.index[name]
	if !ok {
		return fmt.Errorf("optimizer state for unknown parameter %q", name)
	}
	if len(t.Data) != len(ps.params[i].Tensor.Data) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			t.Name, len(ps.params[i].Tensor.Data), len(t.Data))
	}
	dst[i] = append([]float32(nil), t.Data...)
	return nil
}

func cutPrefix(name string) (prefix, rest string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
