package optimizer

import (
	"fmt"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD is stochastic gradient descent with optional (Nesterov) momentum.
type SGD struct {
	paramSet
	config SGDConfig

	// Momentum buffers (only if momentum > 0)
	momentum  [][]float32
	stepCount uint64
}

// NewSGD creates an SGD optimizer over params.
func NewSGD(params []layers.Param, config SGDConfig) (*SGD, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	ps, err := newParamSet(params)
	if err != nil {
		return nil, err
	}
	return &SGD{paramSet: ps, config: config, momentum: make([][]float32, len(params))}, nil
}

func (s *SGD) Step() error {
	s.stepCount++
	lr := float32(s.config.LearningRate)
	mu := float32(s.config.Momentum)
	wd := float32(s.config.WeightDecay)

	for i, p := range s.params {
		grad := p.Tensor.Grad()
		if grad == nil {
			continue
		}
		w := p.Tensor.Data
		if mu > 0 && s.momentum[i] == nil {
			s.momentum[i] = make([]float32, len(grad))
		}
		for j, g := range grad {
			g += wd * w[j]
			if mu > 0 {
				buf := s.momentum[i]
				buf[j] = mu*buf[j] + g
				if s.config.Nesterov {
					g += mu * buf[j]
				} else {
					g = buf[j]
				}
			}
			w[j] -= lr * g
		}
	}
	return nil
}

func (s *SGD) GetState() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{
		Type:         "SGD",
		Step:         s.stepCount,
		LearningRate: s.config.LearningRate,
		Beta1:        s.config.Momentum,
		WeightDecay:  s.config.WeightDecay,
		StateData:    s.buffersToState("momentum", s.momentum),
	}
}

func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != "SGD" {
		return fmt.Errorf("cannot load %s state into SGD", state.Type)
	}
	momentum := make([][]float32, len(s.params))
	for _, t := range state.StateData {
		if err := s.restoreBuffer(t, momentum); err != nil {
			return err
		}
	}
	s.momentum = momentum
	s.stepCount = state.Step
	s.config.LearningRate = state.LearningRate
	s.config.Momentum = state.Beta1
	s.config.WeightDecay = state.WeightDecay
	return nil
}

func (s *SGD) GetStepCount() uint64          { return s.stepCount }
func (s *SGD) LearningRate() float64         { return s.config.LearningRate }
func (s *SGD) UpdateLearningRate(lr float64) { s.config.LearningRate = lr }
