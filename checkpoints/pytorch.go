package checkpoints

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// LoadPyTorch reads a state dict saved with torch.save and returns its
// float tensors in file order. Non-tensor entries are skipped.
func LoadPyTorch(path string) ([]NamedTensor, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load pytorch file %s: %w", path, err)
	}

	var out []NamedTensor
	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return nil
		}
		t, ok := value.(*pytorch.Tensor)
		if !ok {
			return nil
		}
		nt, err := convertTorchTensor(name, t)
		if err != nil {
			return err
		}
		out = append(out, nt)
		return nil
	}

	switch dict := pt.(type) {
	case *types.OrderedDict:
		for e := dict.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	case *types.Dict:
		for _, k := range dict.Keys() {
			if err := add(k, dict.MustGet(k)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("pytorch file %s does not hold a state dict (got %T)", path, pt)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("pytorch file %s contains no tensors", path)
	}
	return out, nil
}

func convertTorchTensor(name string, t *pytorch.Tensor) (NamedTensor, error) {
	var storage []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.HalfStorage:
		storage = s.Data
	case *pytorch.BFloat16Storage:
		storage = s.Data
	case *pytorch.DoubleStorage:
		storage = make([]float32, len(s.Data))
		for i, v := range s.Data {
			storage[i] = float32(v)
		}
	default:
		return NamedTensor{}, fmt.Errorf("tensor %q has unsupported storage %T", name, t.Source)
	}

	shape := append([]int(nil), t.Size...)
	size := 1
	for _, d := range shape {
		size *= d
	}
	if len(shape) == 0 {
		shape = []int{1}
	}

	// Only contiguous row-major layouts are supported.
	expected := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] != 1 && t.Stride[i] != expected {
			return NamedTensor{}, fmt.Errorf("tensor %q is not contiguous (size %v, stride %v)", name, t.Size, t.Stride)
		}
		expected *= t.Size[i]
	}
	if t.StorageOffset+size > len(storage) {
		return NamedTensor{}, fmt.Errorf("tensor %q needs %d values from offset %d, storage has %d",
			name, size, t.StorageOffset, len(storage))
	}

	data := make([]float32, size)
	copy(data, storage[t.StorageOffset:t.StorageOffset+size])
	return NamedTensor{Name: name, Shape: shape, Data: data}, nil
}
