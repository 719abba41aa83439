package training

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/tsawler/blockperf/tensor"
)

// Loss maps a batch of predictions and targets to a scalar that can be
// back-propagated through.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// LossKind enumerates the supported objectives.
type LossKind int

const (
	LossMAPE LossKind = iota
	LossMSE
	LossHuber
	LossL1
)

func (k LossKind) String() string {
	switch k {
	case LossMAPE:
		return "MAPE"
	case LossMSE:
		return "MSE"
	case LossHuber:
		return "Huber"
	case LossL1:
		return "L1"
	default:
		return fmt.Sprintf("LossKind(%d)", int(k))
	}
}

// LossSpec selects a loss and carries the options of that kind. Only the
// fields belonging to Kind are meaningful.
type LossSpec struct {
	Kind LossKind

	// Epsilon guards the MAPE denominator.
	Epsilon float64
	// Delta is the Huber transition point.
	Delta float64
}

var lossNames = map[string]LossKind{
	"mape":     LossMAPE,
	"mapeloss": LossMAPE,
	"mse":      LossMSE,
	"huber":    LossHuber,
	"l1":       LossL1,
	"mae":      LossL1,
}

var lossOptions = map[LossKind][]string{
	LossMAPE:  {"epsilon"},
	LossMSE:   nil,
	LossHuber: {"delta"},
	LossL1:    nil,
}

// DefaultLossSpec is MAPE with the usual 1e-5 guard.
func DefaultLossSpec() LossSpec {
	return LossSpec{Kind: LossMAPE, Epsilon: 1e-5}
}

// ParseLossSpec resolves a configured loss name and its options. Unknown
// names, unknown options and out-of-range values are rejected here so a bad
// configuration never reaches the training loop.
func ParseLossSpec(name string, options map[string]float64) (LossSpec, error) {
	if name == "" {
		name = "mape"
	}
	kind, ok := lossNames[strings.ToLower(name)]
	if !ok {
		return LossSpec{}, fmt.Errorf("unknown loss %q", name)
	}

	spec := LossSpec{Kind: kind, Epsilon: 1e-5, Delta: 1.0}
	for opt, v := range options {
		if !slices.Contains(lossOptions[kind], opt) {
			return LossSpec{}, fmt.Errorf("loss %s does not take option %q", kind, opt)
		}
		switch opt {
		case "epsilon":
			if v <= 0 {
				return LossSpec{}, fmt.Errorf("loss %s: epsilon must be positive, got %g", kind, v)
			}
			spec.Epsilon = v
		case "delta":
			if v <= 0 {
				return LossSpec{}, fmt.Errorf("loss %s: delta must be positive, got %g", kind, v)
			}
			spec.Delta = v
		}
	}
	return spec, nil
}

// Build resolves the spec into a concrete loss.
func (s LossSpec) Build() (Loss, error) {
	switch s.Kind {
	case LossMAPE:
		eps := s.Epsilon
		if eps <= 0 {
			return nil, fmt.Errorf("MAPE epsilon must be positive, got %g", eps)
		}
		return &elementwiseLoss{name: "MAPE", fn: func(p, t float64) (float64, float64) {
			denom := math.Abs(t + eps)
			return math.Abs(p-t) / denom, sign(p-t) / denom
		}}, nil
	case LossMSE:
		return &elementwiseLoss{name: "MSE", fn: func(p, t float64) (float64, float64) {
			d := p - t
			return d * d, 2 * d
		}}, nil
	case LossHuber:
		delta := s.Delta
		if delta <= 0 {
			return nil, fmt.Errorf("Huber delta must be positive, got %g", delta)
		}
		return &elementwiseLoss{name: "Huber", fn: func(p, t float64) (float64, float64) {
			d := p - t
			if math.Abs(d) <= delta {
				return 0.5 * d * d, d
			}
			return delta * (math.Abs(d) - 0.5*delta), delta * sign(d)
		}}, nil
	case LossL1:
		return &elementwiseLoss{name: "L1", fn: func(p, t float64) (float64, float64) {
			return math.Abs(p - t), sign(p - t)
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported loss kind %s", s.Kind)
	}
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// elementwiseLoss averages fn over the batch. fn returns the per-element loss
// and its derivative with respect to the prediction.
type elementwiseLoss struct {
	name string
	fn   func(pred, target float64) (float64, float64)
}

func (l *elementwiseLoss) Name() string { return l.name }

func (l *elementwiseLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !slices.Equal(predicted.Shape, target.Shape) {
		return nil, fmt.Errorf("%w: %s loss prediction %v vs target %v",
			tensor.ErrShape, l.name, predicted.Shape, target.Shape)
	}
	n := len(predicted.Data)
	if n == 0 {
		return nil, fmt.Errorf("%s loss of an empty batch", l.name)
	}

	var total float64
	deriv := make([]float32, n)
	for i := range predicted.Data {
		v, d := l.fn(float64(predicted.Data[i]), float64(target.Data[i]))
		total += v
		deriv[i] = float32(d / float64(n))
	}
	return tensor.Apply(&meanLossOp{inputs: []*tensor.Tensor{predicted}, deriv: deriv},
		[]int{1}, []float32{float32(total / float64(n))}), nil
}

// meanLossOp is the tape node of an elementwiseLoss. Targets are constants.
type meanLossOp struct {
	inputs []*tensor.Tensor
	deriv  []float32
}

func (op *meanLossOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *meanLossOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, len(op.deriv))
	for i, d := range op.deriv {
		g[i] = gradOut[0] * d
	}
	return [][]float32{g}
}
