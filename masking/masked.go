package masking

import (
	"fmt"

	"github.com/tsawler/blockperf/tensor"
)

// Masked couples a value of shape [..., L, D] with one pad flag per row (a
// row being one D-vector). Padded rows of Value are exactly zero; every
// constructor and combinator in this file preserves that.
type Masked struct {
	Value *tensor.Tensor
	Pad   []bool
}

// New zero-fills the padded rows of value.
func New(value *tensor.Tensor, pad []bool) (*Masked, error) {
	v, err := tensor.MaskRows(value, pad)
	if err != nil {
		return nil, fmt.Errorf("masking value: %w", err)
	}
	return &Masked{Value: v, Pad: pad}, nil
}

// Map applies fn to the value and re-masks the result, which must keep the
// row count.
func (m *Masked) Map(fn func(*tensor.Tensor) (*tensor.Tensor, error)) (*Masked, error) {
	v, err := fn(m.Value)
	if err != nil {
		return nil, err
	}
	return New(v, m.Pad)
}

// SumPool sums over the row axis (second to last). The pooled row is padded
// when all of its source rows were, so token masks become instruction masks
// and instruction masks become sample masks.
func (m *Masked) SumPool() (*Masked, error) {
	shape := m.Value.Shape
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: cannot pool rank %d value", tensor.ErrShape, len(shape))
	}
	rows := shape[len(shape)-2]

	pooled, err := tensor.SumAxis(m.Value, len(shape)-2)
	if err != nil {
		return nil, fmt.Errorf("pooling value: %w", err)
	}

	coarse := make([]bool, len(m.Pad)/rows)
	for g := range coarse {
		all := true
		for _, p := range m.Pad[g*rows : (g+1)*rows] {
			if !p {
				all = false
				break
			}
		}
		coarse[g] = all
	}
	return &Masked{Value: pooled, Pad: coarse}, nil
}

// Concat joins values along the feature axis. All parts must share one mask.
func Concat(parts ...*Masked) (*Masked, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", tensor.ErrShape)
	}
	values := make([]*tensor.Tensor, len(parts))
	for k, p := range parts {
		if !equalMasks(p.Pad, parts[0].Pad) {
			return nil, fmt.Errorf("%w: part %d has a different mask", tensor.ErrShape, k)
		}
		values[k] = p.Value
	}
	v, err := tensor.Concat(values...)
	if err != nil {
		return nil, err
	}
	return &Masked{Value: v, Pad: parts[0].Pad}, nil
}

func equalMasks(a, b []bool) bool {
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
