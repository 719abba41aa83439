package tensor

import (
	"fmt"
	"sync/atomic"
)

// DeviceType identifies where a tensor's storage lives. Only host memory is
// supported; the type is kept so device placement is explicit at call sites.
type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd tape. Inputs returns the tensors the
// operation consumed; Backward maps the gradient of the operation's output to
// one gradient per input (nil for inputs that need none).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut []float32) [][]float32
}

// Tensor is a dense row-major float32 array with optional gradient tracking.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device DeviceType

	requiresGrad bool
	grad         []float32
	creator      Operation
}

var gradDisabled atomic.Bool

// NoGrad runs fn with gradient recording disabled. Tensors produced inside fn
// carry no creator and cannot be back-propagated through.
func NoGrad(fn func() error) error {
	prev := gradDisabled.Swap(true)
	defer gradDisabled.Store(prev)
	return fn()
}

// GradEnabled reports whether new operations are recorded on the tape.
func GradEnabled() bool {
	return !gradDisabled.Load()
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, len(t.Data))
}

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf tensor as trainable.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed.
// The returned slice aliases the tensor's gradient storage.
func (t *Tensor) Grad() []float32 {
	return t.grad
}

// EnsureGrad returns the gradient buffer, allocating a zeroed one if needed.
func (t *Tensor) EnsureGrad() []float32 {
	if t.grad == nil {
		t.grad = make([]float32, len(t.Data))
	}
	return t.grad
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Creator returns the operation that produced this tensor, nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dim returns the rank.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if len(t.Data) != 1 {
		return 0, fmt.Errorf("%w: Item requires a single-element tensor, got shape %v", ErrShape, t.Shape)
	}
	return t.Data[0], nil
}

// Detach returns a tensor sharing t's data but cut off from the tape.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{Shape: cloneInts(t.Shape), Data: t.Data, Device: t.Device}
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrShape)
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("%w: dimension %d has size %d, must be positive", ErrShape, i, dim)
		}
	}
	return nil
}

func cloneInts(s []int) []int {
	return append([]int(nil), s...)
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
