// Package layers provides the trainable building blocks of the model: dense
// and normalization layers, multi-head self-attention, the three encoder
// stacks and the sinusoidal positional encoders.
package layers

import (
	"fmt"
	"math"
	"math/rand"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/tsawler/blockperf/tensor"
)

// Global random source for deterministic initialization
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
// and dropout masks of layers created afterwards.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// newRng derives an independent stream for a stochastic layer.
func newRng() *rand.Rand {
	return rand.New(rand.NewSource(globalRng.Int63()))
}

// Param is a named trainable tensor. Names are dotted paths such as
// "mixed.layers.0.attn.q.weight".
type Param struct {
	Name   string
	Tensor *tensor.Tensor
}

// Module is implemented by every layer with parameters or a train/eval mode.
type Module interface {
	Parameters() []Param
	Train()
	Eval()
	IsTraining() bool
}

// Prefixed prepends prefix and a dot to every parameter name.
func Prefixed(prefix string, params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Name: prefix + "." + p.Name, Tensor: p.Tensor}
	}
	return out
}

// Tensors strips the names.
func Tensors(params []Param) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Tensor
	}
	return out
}

// StateDict maps parameter names to tensors in registration order.
type StateDict = orderedmap.OrderedMap[string, *tensor.Tensor]

// NewStateDict returns the module's parameters keyed by name. The tensors are
// shared, not copied.
func NewStateDict(m Module) *StateDict {
	sd := orderedmap.New[string, *tensor.Tensor]()
	for _, p := range m.Parameters() {
		sd.Set(p.Name, p.Tensor)
	}
	return sd
}

// LoadStateDict copies values from sd into the module's parameters. With
// strict set, missing and unexpected names are errors; otherwise only names
// present on both sides are loaded. Shapes must always match.
func LoadStateDict(m Module, sd *StateDict, strict bool) error {
	seen := 0
	for _, p := range m.Parameters() {
		src, ok := sd.Get(p.Name)
		if !ok {
			if strict {
				return fmt.Errorf("missing parameter %q in state dict", p.Name)
			}
			continue
		}
		if len(src.Data) != len(p.Tensor.Data) || !equalShapes(src.Shape, p.Tensor.Shape) {
			return fmt.Errorf("%w: parameter %q has shape %v, state dict has %v", tensor.ErrShape, p.Name, p.Tensor.Shape, src.Shape)
		}
		copy(p.Tensor.Data, src.Data)
		seen++
	}
	if strict && seen != sd.Len() {
		return fmt.Errorf("state dict has %d entries, module has %d matching parameters", sd.Len(), seen)
	}
	return nil
}

func equalShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Linear implements a fully connected layer over the last dimension: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weight, err := tensor.NewParameter([]int{inputSize, outputSize},
		tensor.Uniform([]int{inputSize, outputSize}, bound, globalRng).Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	linear := &Linear{weight: weight, training: true}
	if bias {
		linear.bias, err = tensor.NewParameter([]int{outputSize}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return linear, nil
}

// Forward maps [..., in] to [..., out].
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output, err := tensor.MatMul(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	if l.bias != nil {
		output, err = tensor.AddBias(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}
	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []Param {
	params := []Param{{Name: "weight", Tensor: l.weight}}
	if l.bias != nil {
		params = append(params, Param{Name: "bias", Tensor: l.bias})
	}
	return params
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// LayerNorm normalizes the last dimension with a learned scale and shift.
type LayerNorm struct {
	gamma    *tensor.Tensor
	beta     *tensor.Tensor
	eps      float64
	training bool
}

// NewLayerNorm creates a LayerNorm over features with gamma=1, beta=0.
func NewLayerNorm(features int, eps float64) (*LayerNorm, error) {
	if eps <= 0 {
		eps = 1e-5
	}
	gamma, err := tensor.NewParameter([]int{features}, tensor.Full([]int{features}, 1).Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	beta, err := tensor.NewParameter([]int{features}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	return &LayerNorm{gamma: gamma, beta: beta, eps: eps, training: true}, nil
}

func (n *LayerNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNorm(input, n.gamma, n.beta, n.eps)
}

func (n *LayerNorm) Parameters() []Param {
	return []Param{{Name: "weight", Tensor: n.gamma}, {Name: "bias", Tensor: n.beta}}
}

func (n *LayerNorm) Train()           { n.training = true }
func (n *LayerNorm) Eval()            { n.training = false }
func (n *LayerNorm) IsTraining() bool { return n.training }

// Dropout zeroes activations with probability Rate while training.
type Dropout struct {
	Rate     float64
	rng      *rand.Rand
	training bool
}

// NewDropout creates a dropout layer in training mode.
func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate %v out of range [0, 1)", rate)
	}
	return &Dropout{Rate: rate, rng: newRng(), training: true}, nil
}

// Forward is the identity in evaluation mode.
func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.Rate == 0 {
		return input, nil
	}
	return tensor.Dropout(input, d.Rate, d.rng)
}

func (d *Dropout) Parameters() []Param { return nil }
func (d *Dropout) Train()              { d.training = true }
func (d *Dropout) Eval()               { d.training = false }
func (d *Dropout) IsTraining() bool    { return d.training }

// Embedding is a lookup table of token vectors.
type Embedding struct {
	table    *tensor.Tensor
	training bool
}

// NewEmbedding creates a table of vocab vectors initialized from N(0, 1).
// The row at padIdx starts at zero.
func NewEmbedding(vocab, dim, padIdx int) (*Embedding, error) {
	data := tensor.RandomNormal([]int{vocab, dim}, 0, 1, globalRng).Data
	if padIdx >= 0 && padIdx < vocab {
		clear(data[padIdx*dim : (padIdx+1)*dim])
	}
	table, err := tensor.NewParameter([]int{vocab, dim}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding table: %w", err)
	}
	return &Embedding{table: table, training: true}, nil
}

// Dim returns the vector width.
func (e *Embedding) Dim() int { return e.table.Shape[1] }

// Forward looks up ids and returns a tensor of shape append(shape, Dim()).
func (e *Embedding) Forward(ids []int, shape []int) (*tensor.Tensor, error) {
	flat, err := tensor.Embedding(e.table, ids)
	if err != nil {
		return nil, err
	}
	return tensor.Reshape(flat, append(append([]int(nil), shape...), e.Dim()))
}

func (e *Embedding) Parameters() []Param {
	return []Param{{Name: "weight", Tensor: e.table}}
}

func (e *Embedding) Train()           { e.training = true }
func (e *Embedding) Eval()            { e.training = false }
func (e *Embedding) IsTraining() bool { return e.training }
