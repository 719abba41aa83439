package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/tensor"
)

func newParams(t *testing.T, values map[string][]float32, order ...string) []layers.Param {
	t.Helper()
	var params []layers.Param
	for _, name := range order {
		p, err := tensor.NewParameter([]int{len(values[name])}, append([]float32(nil), values[name]...))
		require.NoError(t, err)
		params = append(params, layers.Param{Name: name, Tensor: p})
	}
	return params
}

func setGrad(p layers.Param, g ...float32) {
	copy(p.Tensor.EnsureGrad(), g)
}

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestAdamStep(t *testing.T) {
	params := newParams(t, map[string][]float32{"w": {1, -1}}, "w")
	adam, err := NewAdam(params, AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	require.NoError(t, err)

	setGrad(params[0], 0.5, -2)
	require.NoError(t, adam.Step())

	// The first bias-corrected step moves each weight by lr * sign(g).
	require.InDelta(t, 0.9, params[0].Tensor.Data[0], 1e-6)
	require.InDelta(t, -0.9, params[0].Tensor.Data[1], 1e-6)
	require.Equal(t, uint64(1), adam.GetStepCount())
}

func TestAdamSkipsParamsWithoutGrad(t *testing.T) {
	params := newParams(t, map[string][]float32{"a": {1}, "b": {2}}, "a", "b")
	adam, err := NewAdam(params, DefaultAdamConfig())
	require.NoError(t, err)

	setGrad(params[0], 1)
	require.NoError(t, adam.Step())
	require.Equal(t, float32(2), params[1].Tensor.Data[0])
	require.Len(t, adam.GetState().StateData, 2, "only the stepped parameter has moments")
}

func TestAdamStateRoundTrip(t *testing.T) {
	values := map[string][]float32{"a": {1, 2}, "b": {3}}
	params := newParams(t, values, "a", "b")
	adam, err := NewAdam(params, DefaultAdamConfig())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		setGrad(params[0], 0.1, -0.2)
		setGrad(params[1], 0.3)
		require.NoError(t, adam.Step())
	}
	adam.UpdateLearningRate(0.0005)

	state := adam.GetState()
	restored, err := checkpoints.UnmarshalProto(checkpoints.MarshalProto(&checkpoints.Checkpoint{Optimizer: state}))
	require.NoError(t, err)

	fresh, err := NewAdam(newParams(t, values, "a", "b"), DefaultAdamConfig())
	require.NoError(t, err)
	require.NoError(t, fresh.LoadState(restored.Optimizer))
	require.Equal(t, state, fresh.GetState())
	require.Equal(t, 0.0005, fresh.LearningRate())

	state.StateData[0].Name = "m/missing"
	require.Error(t, fresh.LoadState(state))
}

func TestSGDMomentum(t *testing.T) {
	params := newParams(t, map[string][]float32{"w": {1}}, "w")
	sgd, err := NewSGD(params, SGDConfig{LearningRate: 0.1, Momentum: 0.5})
	require.NoError(t, err)

	setGrad(params[0], 1)
	require.NoError(t, sgd.Step())
	require.InDelta(t, 0.9, params[0].Tensor.Data[0], 1e-6)

	require.NoError(t, sgd.Step())
	// buf = 0.5*1 + 1 = 1.5
	require.InDelta(t, 0.75, params[0].Tensor.Data[0], 1e-6)

	state := sgd.GetState()
	fresh, err := NewSGD(newParams(t, map[string][]float32{"w": {0}}, "w"), DefaultSGDConfig())
	require.NoError(t, err)
	require.NoError(t, fresh.LoadState(state))
	require.Equal(t, state, fresh.GetState())

	_, err = NewSGD(params, SGDConfig{Momentum: 2})
	require.Error(t, err)
}

func TestNewOptimizer(t *testing.T) {
	params := newParams(t, map[string][]float32{"w": {1}}, "w")

	opt, err := New("adam", params, 5e-5)
	require.NoError(t, err)
	require.IsType(t, &Adam{}, opt)
	require.Equal(t, 5e-5, opt.LearningRate())

	opt, err = New("sgd", params, 0.1)
	require.NoError(t, err)
	require.IsType(t, &SGD{}, opt)

	_, err = New("lbfgs", params, 0.1)
	require.Error(t, err)

	dup := append(params, params[0])
	_, err = New("adam", dup, 0.1)
	require.Error(t, err)
}

func TestClipGradNorm(t *testing.T) {
	t.Run("Clipped norm is at most the threshold", func(t *testing.T) {
		params := newParams(t, map[string][]float32{"a": {0, 0}, "b": {0}}, "a", "b")
		setGrad(params[0], 3, 4)
		setGrad(params[1], 12)

		before := ClipGradNorm(params, 0.2)
		require.InDelta(t, 13, before, 1e-5)
		require.LessOrEqual(t, GlobalGradNorm(params), 0.2+1e-6)
	})

	t.Run("Small gradients are untouched", func(t *testing.T) {
		params := newParams(t, map[string][]float32{"a": {0}}, "a")
		setGrad(params[0], 0.1)
		ClipGradNorm(params, 0.2)
		require.Equal(t, float32(0.1), params[0].Tensor.Grad()[0])
	})

	t.Run("Infinite gradients surface as NaN", func(t *testing.T) {
		params := newParams(t, map[string][]float32{"a": {0, 0}}, "a")
		setGrad(params[0], float32(math.Inf(1)), 1)
		norm := ClipGradNorm(params, 0.2)
		require.True(t, math.IsInf(norm, 1))

		name, found := FindNaNGradient(params)
		require.True(t, found)
		require.Equal(t, "a", name)
	})
}

func TestFindNaNGradient(t *testing.T) {
	params := newParams(t, map[string][]float32{"a": {0}, "b": {0, 0}}, "a", "b")
	setGrad(params[0], 1)
	setGrad(params[1], 1, 2)

	_, found := FindNaNGradient(params)
	require.False(t, found)

	params[1].Tensor.Grad()[1] = float32(math.NaN())
	name, found := FindNaNGradient(params)
	require.True(t, found)
	require.Equal(t, "b", name)
}
