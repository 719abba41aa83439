package masking

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/blockperf/tensor"
)

func exampleInput(t *testing.T) *Input {
	t.Helper()
	in, err := Pack([][][]int{
		{{1, 2, 0, 0}, {3, 0, 0, 0}, {0, 0, 0, 0}},
		{{5, 6, 7, 0}},
	}, 0)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	return in
}

func TestPack(t *testing.T) {
	in := exampleInput(t)
	if diff := cmp.Diff([]int{2, 3, 4}, in.Shape()); diff != "" {
		t.Errorf("Shape mismatch (-want +got):\n%s", diff)
	}
	if in.At(1, 0, 2) != 7 || in.At(1, 2, 0) != 0 {
		t.Errorf("Unexpected packed contents %v", in.IDs)
	}

	if _, err := Pack(nil, 0); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("Expected ErrMalformedInput for no samples, got %v", err)
	}
}

func TestPackRejectsInnerPadding(t *testing.T) {
	tests := []struct {
		name   string
		sample [][]int
	}{
		{"pad inside instruction", [][]int{{5, 0, 7}}},
		{"padded instruction between real ones", [][]int{{1}, {0}, {2}}},
		{"empty instruction between real ones", [][]int{{1}, {}, {2}}},
		{"leading pad", [][]int{{0, 3}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Pack([][][]int{{{1, 2}}, test.sample}, 0); !errors.Is(err, ErrMalformedInput) {
				t.Errorf("Expected ErrMalformedInput, got %v", err)
			}
		})
	}

	if _, err := Pack([][][]int{{{5, 0, 7}}}, 9); err != nil {
		t.Errorf("Expected 0 to be a real token under pad id 9, got %v", err)
	}
}

func TestNewInputValidation(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		ids   []int
	}{
		{"rank 2", []int{2, 3}, make([]int, 6)},
		{"empty dimension", []int{2, 0, 3}, nil},
		{"storage mismatch", []int{1, 2, 2}, make([]int, 3)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewInput(test.shape, test.ids); !errors.Is(err, ErrMalformedInput) {
				t.Errorf("Expected ErrMalformedInput, got %v", err)
			}
		})
	}
}

func TestDerive(t *testing.T) {
	t.Run("Example batch", func(t *testing.T) {
		masks := Derive(exampleInput(t), 0)
		want := []bool{false, false, true, false, true, true}
		if diff := cmp.Diff(want, masks.Instruction); diff != "" {
			t.Errorf("Instruction mask mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int{0, 1, 3}, masks.RealInstructions()); diff != "" {
			t.Errorf("Real instructions mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Instruction flag iff every token is pad", func(t *testing.T) {
		rng := rand.New(rand.NewSource(11))
		const padID = 3
		for trial := 0; trial < 50; trial++ {
			ids := make([]int, 2*4*3)
			for i := range ids {
				ids[i] = rng.Intn(5)
			}
			in, err := NewInput([]int{2, 4, 3}, ids)
			if err != nil {
				t.Fatalf("NewInput failed: %v", err)
			}
			masks := Derive(in, padID)
			for b := 0; b < 2; b++ {
				for i := 0; i < 4; i++ {
					all := true
					for s := 0; s < 3; s++ {
						if masks.Token[(b*4+i)*3+s] != (in.At(b, i, s) == padID) {
							t.Fatalf("Token mask wrong at (%d,%d,%d)", b, i, s)
						}
						all = all && in.At(b, i, s) == padID
					}
					if masks.Instruction[b*4+i] != all {
						t.Fatalf("Instruction mask wrong at (%d,%d)", b, i)
					}
				}
			}
		}
	})
}

func TestMaskedZeroesPadRows(t *testing.T) {
	value := tensor.Full([]int{1, 3, 2}, 5)
	m, err := New(value, []bool{false, true, true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if diff := cmp.Diff([]float32{5, 5, 0, 0, 0, 0}, m.Value.Data); diff != "" {
		t.Errorf("Masked value mismatch (-want +got):\n%s", diff)
	}

	mapped, err := m.Map(func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.AddBias(x, tensor.Full([]int{2}, 1))
	})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if diff := cmp.Diff([]float32{6, 6, 0, 0, 0, 0}, mapped.Value.Data); diff != "" {
		t.Errorf("Map must re-mask (-want +got):\n%s", diff)
	}
}

func TestSumPoolEqualsSumOfRealRows(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	// Two instructions of four tokens: 2 real tokens, then none.
	pad := []bool{false, false, true, true, true, true, true, true}
	value := tensor.RandomNormal([]int{2, 4, 3}, 0, 1, rng)

	m, err := New(value, pad)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	pooled, err := m.SumPool()
	if err != nil {
		t.Fatalf("SumPool failed: %v", err)
	}

	if diff := cmp.Diff([]int{2, 3}, pooled.Value.Shape); diff != "" {
		t.Errorf("Pooled shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, true}, pooled.Pad); diff != "" {
		t.Errorf("Pooled mask mismatch (-want +got):\n%s", diff)
	}
	for d := 0; d < 3; d++ {
		want := value.Data[d] + value.Data[3+d]
		if pooled.Value.Data[d] != want {
			t.Errorf("Feature %d: pooled %v, want exactly %v", d, pooled.Value.Data[d], want)
		}
		if pooled.Value.Data[3+d] != 0 {
			t.Errorf("Fully padded instruction pooled to %v", pooled.Value.Data[3+d])
		}
	}
}

func TestConcat(t *testing.T) {
	a, _ := New(tensor.Full([]int{2, 1}, 1), []bool{false, true})
	b, _ := New(tensor.Full([]int{2, 2}, 2), []bool{false, true})
	c, _ := New(tensor.Full([]int{2, 1}, 3), []bool{true, false})

	joined, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 2, 0, 0, 0}, joined.Value.Data); diff != "" {
		t.Errorf("Concat mismatch (-want +got):\n%s", diff)
	}

	if _, err := Concat(a, c); err == nil {
		t.Error("Expected error for differing masks")
	}
}
