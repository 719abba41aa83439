package model

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/masking"
	"github.com/tsawler/blockperf/tensor"
	"github.com/tsawler/blockperf/training"
)

const (
	testVocab = 16
	testDim   = 8
	testHeads = 2
)

func newEncoder(t *testing.T, seed int64) *BertEncoder {
	t.Helper()
	layers.SetRandomSeed(seed)
	pt, err := NewBertEncoder(BertConfig{VocabSize: testVocab, Dim: testDim, Heads: testHeads, Layers: 1})
	require.NoError(t, err)
	return pt
}

func newModel(t *testing.T, seed int64, predDrop float64) *Hierarchical {
	t.Helper()
	m, err := New(newEncoder(t, seed), Config{
		Dim:      testDim,
		Heads:    testHeads,
		PredDrop: predDrop,
		Loss:     training.DefaultLossSpec(),
	})
	require.NoError(t, err)
	return m
}

func pack(t *testing.T, samples ...[][]int) *masking.Input {
	t.Helper()
	in, err := masking.Pack(samples, 0)
	require.NoError(t, err)
	return in
}

func predict(t *testing.T, m *Hierarchical, in *masking.Input) []float32 {
	t.Helper()
	var out *tensor.Tensor
	require.NoError(t, tensor.NoGrad(func() error {
		var err error
		out, err = m.Forward(in)
		return err
	}))
	return out.Data
}

func exampleBatch(t *testing.T) *masking.Input {
	return pack(t,
		[][]int{{1, 2, 0, 0}, {3, 0, 0, 0}, {0, 0, 0, 0}},
		[][]int{{5, 6, 7, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}},
	)
}

func TestForwardExampleBatch(t *testing.T) {
	m := newModel(t, 1, 0.1)
	m.Eval()
	in := exampleBatch(t)

	masks := masking.Derive(in, 0)
	require.Equal(t, []bool{false, false, true, false, true, true}, masks.Instruction)

	out := predict(t, m, in)
	require.Len(t, out, 2)
	require.True(t, tensor.AllFinite(out), "prediction %v", out)
}

func TestPaddedInstructionsContributeNothing(t *testing.T) {
	m := newModel(t, 2, 0.1)
	m.Eval()

	padded := predict(t, m, pack(t, [][]int{{5, 6, 7, 0, 0, 0}, {0, 0, 0, 0, 0, 0}, {0, 0, 0, 0, 0, 0}}))
	bare := predict(t, m, pack(t, [][]int{{5, 6, 7}}))
	require.InDelta(t, bare[0], padded[0], 1e-4)

	// A second real instruction does change the prediction.
	longer := predict(t, m, pack(t, [][]int{{5, 6, 7}, {3}}))
	require.NotEqual(t, bare[0], longer[0])
}

func TestPredictionIgnoresPadLength(t *testing.T) {
	m := newModel(t, 9, 0.1)
	m.Eval()

	want := predict(t, m, pack(t, [][]int{{4, 9}, {2, 3, 1}}))[0]
	variants := map[string]*masking.Input{
		"token padding":       pack(t, [][]int{{4, 9, 0, 0, 0}, {2, 3, 1, 0, 0}}),
		"instruction padding": pack(t, [][]int{{4, 9, 0}, {2, 3, 1}, {0, 0, 0}, {0, 0, 0}}),
		"both axes":           pack(t, [][]int{{4, 9, 0, 0, 0, 0}, {2, 3, 1, 0, 0, 0}, {0, 0, 0, 0, 0, 0}}),
		"padded by a longer neighbour": pack(t,
			[][]int{{4, 9}, {2, 3, 1}},
			[][]int{{1, 2, 3, 4, 5, 6, 7}, {8}, {9}, {10}},
		),
	}
	for name, in := range variants {
		t.Run(name, func(t *testing.T) {
			require.InDelta(t, want, predict(t, m, in)[0], 1e-4)
		})
	}
}

func TestBatchMatchesSingleSamples(t *testing.T) {
	m := newModel(t, 3, 0.1)
	m.Eval()

	batched := predict(t, m, exampleBatch(t))
	first := predict(t, m, pack(t, [][]int{{1, 2}, {3}}))
	second := predict(t, m, pack(t, [][]int{{5, 6, 7}}))

	require.InDelta(t, first[0], batched[0], 1e-4)
	require.InDelta(t, second[0], batched[1], 1e-4)
}

func TestEvalIsDeterministic(t *testing.T) {
	m := newModel(t, 4, 0.5)
	m.Eval()
	in := exampleBatch(t)
	require.Equal(t, predict(t, m, in), predict(t, m, in))
	require.False(t, m.IsTraining())

	m.Train()
	require.True(t, m.IsTraining())
}

func TestConstructionErrors(t *testing.T) {
	pt := newEncoder(t, 1)

	_, err := New(pt, Config{Dim: testDim * 2, Heads: testHeads, Loss: training.DefaultLossSpec()})
	require.ErrorIs(t, err, ErrDimMismatch)

	_, err = New(pt, Config{Dim: testDim, Heads: 3, Loss: training.DefaultLossSpec()})
	require.Error(t, err)

	_, err = New(pt, Config{Heads: testHeads, Loss: training.LossSpec{Kind: training.LossKind(42)}})
	require.Error(t, err)

	m, err := New(pt, Config{Heads: testHeads, Loss: training.DefaultLossSpec()})
	require.NoError(t, err, "zero Dim takes the encoder width")
	require.Equal(t, "MAPE", m.Loss().Name())

	_, err = m.Forward(&masking.Input{Batch: 1, Instructions: 1, Tokens: 2, IDs: []int{1}})
	require.ErrorIs(t, err, masking.ErrMalformedInput)
}

func TestGradientsReachEveryParameter(t *testing.T) {
	m := newModel(t, 5, 0)
	m.Train()

	out, err := m.Forward(exampleBatch(t))
	require.NoError(t, err)
	target, err := tensor.NewTensor([]int{2}, []float32{1, 2})
	require.NoError(t, err)
	loss, err := m.Loss().Forward(out, target)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	for _, p := range m.Parameters() {
		require.NotNil(t, p.Tensor.Grad(), "no gradient for %s", p.Name)
		require.False(t, tensor.HasNaN(p.Tensor.Grad()), "NaN gradient for %s", p.Name)
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src := newModel(t, 6, 0.1)
	dst := newModel(t, 7, 0.1)
	src.Eval()
	dst.Eval()
	in := exampleBatch(t)
	require.NotEqual(t, predict(t, src, in), predict(t, dst, in))

	sd := src.StateDict()
	require.Equal(t, "pretrained.embed.weight", sd.Oldest().Key)
	require.NoError(t, dst.LoadStateDict(sd))
	require.Equal(t, predict(t, src, in), predict(t, dst, in))

	names := make(map[string]bool)
	for _, p := range src.Parameters() {
		require.False(t, names[p.Name], "duplicate parameter %s", p.Name)
		names[p.Name] = true
	}
}

func TestLoadPretrained(t *testing.T) {
	dir := t.TempDir()

	t.Run("Encoder checkpoint", func(t *testing.T) {
		src := newEncoder(t, 10)
		path := filepath.Join(dir, "encoder.mdl")
		require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Model: training.ModelTensors(src)}, path))

		dst := newEncoder(t, 11)
		n, err := LoadPretrained(dst, path)
		require.NoError(t, err)
		require.Equal(t, len(src.Parameters()), n)
		require.Equal(t, training.ModelTensors(src), training.ModelTensors(dst))
	})

	t.Run("Whole model checkpoint", func(t *testing.T) {
		full := newModel(t, 12, 0.1)
		path := filepath.Join(dir, "full.json")
		require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Model: training.ModelTensors(full)}, path))

		dst := newEncoder(t, 13)
		_, err := LoadPretrained(dst, path)
		require.NoError(t, err)
		require.Equal(t, training.ModelTensors(full.pretrained), training.ModelTensors(dst))
	})

	t.Run("Nothing matches", func(t *testing.T) {
		path := filepath.Join(dir, "other.mdl")
		require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Model: []checkpoints.NamedTensor{
			{Name: "unrelated.weight", Shape: []int{1}, Data: []float32{1}},
		}}, path))
		_, err := LoadPretrained(newEncoder(t, 14), path)
		require.Error(t, err)
	})
}

func TestLongBlockStaysFinite(t *testing.T) {
	m := newModel(t, 8, 0)
	m.Eval()
	block := make([][]int, 12)
	for i := range block {
		block[i] = []int{1 + i%(testVocab-1), 2, 3}
	}
	out := predict(t, m, pack(t, block))
	require.False(t, math.IsNaN(float64(out[0])))
}

var _ training.Model = (*Hierarchical)(nil)
