package tensor

import (
	"math"
	"strings"
	"testing"
)

func TestFiniteChecks(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	if HasNaN([]float32{1, 2}) {
		t.Error("HasNaN reported NaN in finite data")
	}
	if !HasNaN([]float32{1, nan}) {
		t.Error("HasNaN missed a NaN")
	}
	if AllFinite([]float32{1, inf}) {
		t.Error("AllFinite accepted an infinity")
	}
	if !AllFinite([]float32{0, -1}) {
		t.Error("AllFinite rejected finite data")
	}
}

func TestAllClose(t *testing.T) {
	a, _ := NewTensor([]int{2}, []float32{1, 2})
	b, _ := NewTensor([]int{2}, []float32{1.0001, 2})
	c, _ := NewTensor([]int{1, 2}, []float32{1, 2})

	if !AllClose(a, b, 1e-3, 0) {
		t.Error("Expected tensors to be close")
	}
	if AllClose(a, b, 1e-6, 0) {
		t.Error("Expected tensors to differ at tight tolerance")
	}
	if AllClose(a, c, 1, 1) {
		t.Error("Tensors with different shapes are never close")
	}
}

func TestPrintData(t *testing.T) {
	x, _ := NewTensor([]int{4}, []float32{1, 2, 3, 4})
	out := x.PrintData(2)
	if !strings.Contains(out, "1.0000, 2.0000") || !strings.Contains(out, "(2 more)") {
		t.Errorf("PrintData = %q", out)
	}
}
