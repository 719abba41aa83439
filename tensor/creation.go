package tensor

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrShape is wrapped by every shape or size mismatch reported by this package.
var ErrShape = errors.New("shape mismatch")

// NewTensor wraps data in a tensor of the given shape. The slice is not copied.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("%w: data length %d does not match tensor size %d", ErrShape, len(data), numElems)
	}

	return &Tensor{
		Shape:  cloneInts(shape),
		Data:   data,
		Device: CPU,
	}, nil
}

// Zeros allocates a zero-filled tensor. Dimensions must be positive.
func Zeros(shape []int) *Tensor {
	return &Tensor{
		Shape:  cloneInts(shape),
		Data:   make([]float32, calculateNumElements(shape)),
		Device: CPU,
	}
}

// Full allocates a tensor filled with value.
func Full(shape []int, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromScalar returns a one-element tensor.
func FromScalar(value float32) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float32{value}, Device: CPU}
}

// Uniform fills a new tensor with values drawn from U(-bound, bound).
func Uniform(shape []int, bound float64, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}

// RandomNormal fills a new tensor with values drawn from N(mean, std²).
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t
}

// NewParameter allocates a trainable leaf tensor.
func NewParameter(shape []int, data []float32) (*Tensor, error) {
	t, err := NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	t.requiresGrad = true
	return t, nil
}

// Clone copies data and shape into a fresh leaf tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:        cloneInts(t.Shape),
		Data:         append([]float32(nil), t.Data...),
		Device:       t.Device,
		requiresGrad: t.requiresGrad && t.creator == nil,
	}
}
