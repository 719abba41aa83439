package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64 // decoupled (AdamW style) when non-zero
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam update with bias correction.
type Adam struct {
	paramSet
	config AdamConfig

	m, v      [][]float32 // first and second moments, allocated on first use
	stepCount uint64
}

// NewAdam creates an Adam optimizer over params.
func NewAdam(params []layers.Param, config AdamConfig) (*Adam, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): %f, %f", config.Beta1, config.Beta2)
	}
	ps, err := newParamSet(params)
	if err != nil {
		return nil, err
	}
	return &Adam{
		paramSet: ps,
		config:   config,
		m:        make([][]float32, len(params)),
		v:        make([][]float32, len(params)),
	}, nil
}

func (a *Adam) Step() error {
	a.stepCount++
	t := float64(a.stepCount)
	b1, b2 := a.config.Beta1, a.config.Beta2
	bc1 := 1 - math.Pow(b1, t)
	bc2 := 1 - math.Pow(b2, t)
	lr := a.config.LearningRate

	for i, p := range a.params {
		grad := p.Tensor.Grad()
		if grad == nil {
			continue
		}
		if a.m[i] == nil {
			a.m[i] = make([]float32, len(grad))
			a.v[i] = make([]float32, len(grad))
		}
		m, v, w := a.m[i], a.v[i], p.Tensor.Data
		for j, g := range grad {
			m[j] = float32(b1)*m[j] + float32(1-b1)*g
			v[j] = float32(b2)*v[j] + float32(1-b2)*g*g
			mhat := float64(m[j]) / bc1
			vhat := float64(v[j]) / bc2
			update := lr * mhat / (math.Sqrt(vhat) + a.config.Epsilon)
			if a.config.WeightDecay != 0 {
				update += lr * a.config.WeightDecay * float64(w[j])
			}
			w[j] -= float32(update)
		}
	}
	return nil
}

func (a *Adam) GetState() *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type:         "Adam",
		Step:         a.stepCount,
		LearningRate: a.config.LearningRate,
		Beta1:        a.config.Beta1,
		Beta2:        a.config.Beta2,
		Epsilon:      a.config.Epsilon,
		WeightDecay:  a.config.WeightDecay,
	}
	state.StateData = append(a.buffersToState("m", a.m), a.buffersToState("v", a.v)...)
	return state
}

func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != "Adam" {
		return fmt.Errorf("cannot load %s state into Adam", state.Type)
	}
	m := make([][]float32, len(a.params))
	v := make([][]float32, len(a.params))
	for _, t := range state.StateData {
		prefix, _, _ := cutPrefix(t.Name)
		var dst [][]float32
		switch prefix {
		case "m":
			dst = m
		case "v":
			dst = v
		default:
			return fmt.Errorf("unknown Adam state buffer %q", t.Name)
		}
		if err := a.restoreBuffer(t, dst); err != nil {
			return err
		}
	}
	for i := range m {
		if (m[i] == nil) != (v[i] == nil) {
			return fmt.Errorf("incomplete Adam moments for %s", a.params[i].Name)
		}
	}

	a.m, a.v = m, v
	a.stepCount = state.Step
	a.config = AdamConfig{
		LearningRate: state.LearningRate,
		Beta1:        state.Beta1,
		Beta2:        state.Beta2,
		Epsilon:      state.Epsilon,
		WeightDecay:  state.WeightDecay,
	}
	return nil
}

func (a *Adam) GetStepCount() uint64          { return a.stepCount }
func (a *Adam) LearningRate() float64         { return a.config.LearningRate }
func (a *Adam) UpdateLearningRate(lr float64) { a.config.LearningRate = lr }
