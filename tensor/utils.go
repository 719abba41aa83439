package tensor

import (
	"fmt"
	"math"
	"strings"
)

// HasNaN reports whether any value is NaN.
func HasNaN(data []float32) bool {
	for _, v := range data {
		if v != v {
			return true
		}
	}
	return false
}

// AllFinite reports whether every value is neither NaN nor infinite.
func AllFinite(data []float32) bool {
	for _, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// AllClose compares two tensors elementwise within atol + rtol*|b|.
func AllClose(a, b *Tensor, atol, rtol float64) bool {
	if !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		diff := math.Abs(float64(a.Data[i] - b.Data[i]))
		if diff > atol+rtol*math.Abs(float64(b.Data[i])) {
			return false
		}
	}
	return true
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(fmt.Sprintf(", ... (%d more)", len(t.Data)-maxElements))
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", v))
	}
	sb.WriteString("]")
	return sb.String()
}
