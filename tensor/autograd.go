package tensor

import (
	"fmt"
)

// Apply wraps the forward result of op into a tensor. When gradient recording
// is enabled and any input requires a gradient, the result remembers op so
// Backward can reach the inputs.
func Apply(op Operation, shape []int, data []float32) *Tensor {
	result := &Tensor{Shape: cloneInts(shape), Data: data, Device: CPU}
	if !GradEnabled() {
		return result
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

// Backward back-propagates from a single-element tensor, accumulating
// gradients into every reachable leaf that requires one. Intermediate
// gradients are released once consumed.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return fmt.Errorf("%w: Backward requires a scalar, got shape %v", ErrShape, t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}

	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var build func(node *Tensor)
	build = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				if in != nil && in.requiresGrad {
					build(in)
				}
			}
		}
		topo = append(topo, node)
	}
	build(t)

	t.grad = []float32{1}

	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		if node.creator == nil || node.grad == nil {
			continue
		}

		inputs := node.creator.Inputs()
		grads := node.creator.Backward(node.grad)
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation %T returned %d gradients for %d inputs", node.creator, len(grads), len(inputs))
		}

		for j, in := range inputs {
			if in == nil || !in.requiresGrad || grads[j] == nil {
				continue
			}
			if len(grads[j]) != len(in.Data) {
				return fmt.Errorf("%w: operation %T produced gradient of size %d for input of size %d",
					ErrShape, node.creator, len(grads[j]), len(in.Data))
			}
			acc := in.EnsureGrad()
			for k, g := range grads[j] {
				acc[k] += g
			}
		}

		// Non-leaf gradients are only needed once.
		node.grad = nil
	}

	return nil
}
