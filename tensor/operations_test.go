package tensor

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestAdd(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, []float32{5, 6, 7, 8})

	result, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !reflect.DeepEqual(result.Data, []float32{6, 8, 10, 12}) {
		t.Errorf("Add = %v", result.Data)
	}

	c, _ := NewTensor([]int{4}, nil)
	if _, err := Add(a, c); !errors.Is(err, ErrShape) {
		t.Errorf("Expected ErrShape for mismatched shapes, got %v", err)
	}
}

func TestMaskRows(t *testing.T) {
	x, _ := NewTensor([]int{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	result, err := MaskRows(x, []bool{false, true, false})
	if err != nil {
		t.Fatalf("MaskRows failed: %v", err)
	}
	if !reflect.DeepEqual(result.Data, []float32{1, 2, 0, 0, 5, 6}) {
		t.Errorf("MaskRows = %v", result.Data)
	}
	if x.Data[2] != 3 {
		t.Error("MaskRows modified its input")
	}
	if _, err := MaskRows(x, []bool{true}); err == nil {
		t.Error("Expected error for wrong flag count")
	}
}

func TestConcat(t *testing.T) {
	a, _ := NewTensor([]int{2, 1}, []float32{1, 2})
	b, _ := NewTensor([]int{2, 2}, []float32{3, 4, 5, 6})

	result, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if !reflect.DeepEqual(result.Shape, []int{2, 3}) {
		t.Errorf("Concat shape = %v", result.Shape)
	}
	if !reflect.DeepEqual(result.Data, []float32{1, 3, 4, 2, 5, 6}) {
		t.Errorf("Concat = %v", result.Data)
	}
}

func TestSumAxis(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})

	tests := []struct {
		axis  int
		shape []int
		data  []float32
	}{
		{0, []int{3}, []float32{5, 7, 9}},
		{1, []int{2}, []float32{6, 15}},
	}
	for _, test := range tests {
		result, err := SumAxis(x, test.axis)
		if err != nil {
			t.Fatalf("SumAxis(%d) failed: %v", test.axis, err)
		}
		if !reflect.DeepEqual(result.Shape, test.shape) || !reflect.DeepEqual(result.Data, test.data) {
			t.Errorf("SumAxis(%d) = %v %v, expected %v %v", test.axis, result.Shape, result.Data, test.shape, test.data)
		}
	}

	v, _ := NewTensor([]int{3}, []float32{1, 2, 3})
	result, _ := SumAxis(v, 0)
	if !reflect.DeepEqual(result.Shape, []int{1}) || result.Data[0] != 6 {
		t.Errorf("Full reduction = %v %v", result.Shape, result.Data)
	}
}

func TestGatherScatterRoundTrip(t *testing.T) {
	x, _ := NewTensor([]int{4, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	rows := []int{1, 3}

	gathered, err := GatherRows(x, rows)
	if err != nil {
		t.Fatalf("GatherRows failed: %v", err)
	}
	if !reflect.DeepEqual(gathered.Data, []float32{3, 4, 7, 8}) {
		t.Errorf("GatherRows = %v", gathered.Data)
	}

	scattered, err := ScatterRows(gathered, rows, 4)
	if err != nil {
		t.Fatalf("ScatterRows failed: %v", err)
	}
	if !reflect.DeepEqual(scattered.Data, []float32{0, 0, 3, 4, 0, 0, 7, 8}) {
		t.Errorf("ScatterRows = %v", scattered.Data)
	}

	if _, err := GatherRows(x, []int{4}); err == nil {
		t.Error("Expected error for out of range row")
	}
}

func TestDropout(t *testing.T) {
	x := Full([]int{1000}, 1)
	rng := rand.New(rand.NewSource(3))

	t.Run("Zero probability is identity", func(t *testing.T) {
		result, err := Dropout(x, 0, rng)
		if err != nil || result != x {
			t.Errorf("Expected the input back, got %v, %v", result, err)
		}
	})

	t.Run("Kept values are rescaled", func(t *testing.T) {
		result, err := Dropout(x, 0.5, rng)
		if err != nil {
			t.Fatalf("Dropout failed: %v", err)
		}
		var kept int
		for _, v := range result.Data {
			switch v {
			case 0:
			case 2:
				kept++
			default:
				t.Fatalf("Unexpected value %f", v)
			}
		}
		if kept < 400 || kept > 600 {
			t.Errorf("Kept %d of 1000 with p=0.5", kept)
		}
	})

	t.Run("Invalid probability", func(t *testing.T) {
		if _, err := Dropout(x, 1, rng); err == nil {
			t.Error("Expected error for p=1")
		}
	})
}

func TestEmbedding(t *testing.T) {
	table, _ := NewTensor([]int{3, 2}, []float32{0, 1, 10, 11, 20, 21})

	result, err := Embedding(table, []int{2, 0, 2})
	if err != nil {
		t.Fatalf("Embedding failed: %v", err)
	}
	if !reflect.DeepEqual(result.Data, []float32{20, 21, 0, 1, 20, 21}) {
		t.Errorf("Embedding = %v", result.Data)
	}
	if _, err := Embedding(table, []int{3}); err == nil {
		t.Error("Expected error for id outside the vocabulary")
	}
}

func TestMaskedSoftmax(t *testing.T) {
	t.Run("Rows sum to one over real keys", func(t *testing.T) {
		scores, _ := NewTensor([]int{1, 2, 3}, []float32{1, 2, 3, -1, 0, 5})
		result, err := MaskedSoftmax(scores, []bool{false, false, true})
		if err != nil {
			t.Fatalf("MaskedSoftmax failed: %v", err)
		}
		for r := 0; r < 2; r++ {
			row := result.Data[r*3 : (r+1)*3]
			if row[2] != 0 {
				t.Errorf("Padded key has weight %f", row[2])
			}
			if math.Abs(float64(row[0]+row[1])-1) > 1e-6 {
				t.Errorf("Row %d sums to %f", r, row[0]+row[1])
			}
		}
	})

	t.Run("All padded row is zero", func(t *testing.T) {
		scores, _ := NewTensor([]int{1, 1, 2}, []float32{3, 4})
		result, err := MaskedSoftmax(scores, []bool{true, true})
		if err != nil {
			t.Fatalf("MaskedSoftmax failed: %v", err)
		}
		if !reflect.DeepEqual(result.Data, []float32{0, 0}) {
			t.Errorf("Expected zeros, got %v", result.Data)
		}
		if !AllFinite(result.Data) {
			t.Error("Result contains non-finite values")
		}
	})
}

func TestLayerNorm(t *testing.T) {
	x, _ := NewTensor([]int{2, 4}, []float32{1, 2, 3, 4, -2, 0, 2, 4})
	gamma := Full([]int{4}, 1)
	beta := Zeros([]int{4})

	result, err := LayerNorm(x, gamma, beta, 1e-5)
	if err != nil {
		t.Fatalf("LayerNorm failed: %v", err)
	}
	for r := 0; r < 2; r++ {
		var mean, sq float64
		for _, v := range result.Data[r*4 : (r+1)*4] {
			mean += float64(v)
			sq += float64(v) * float64(v)
		}
		mean /= 4
		if math.Abs(mean) > 1e-5 || math.Abs(sq/4-1) > 1e-3 {
			t.Errorf("Row %d mean %f variance %f", r, mean, sq/4)
		}
	}
}
