package training

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/tsawler/blockperf/checkpoints"
	"github.com/tsawler/blockperf/layers"
	"github.com/tsawler/blockperf/tensor"
)

// ModelTensors copies the module's parameters into checkpoint records.
func ModelTensors(m layers.Module) []checkpoints.NamedTensor {
	sd := layers.NewStateDict(m)
	out := make([]checkpoints.NamedTensor, 0, sd.Len())
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, checkpoints.NamedTensor{
			Name:  pair.Key,
			Shape: append([]int(nil), pair.Value.Shape...),
			Data:  append([]float32(nil), pair.Value.Data...),
		})
	}
	return out
}

// StateDictFrom rebuilds an ordered state dict from checkpoint records.
func StateDictFrom(records []checkpoints.NamedTensor) (*layers.StateDict, error) {
	sd := orderedmap.New[string, *tensor.Tensor]()
	for _, r := range records {
		t, err := tensor.NewTensor(r.Shape, r.Data)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", r.Name, err)
		}
		if _, dup := sd.Set(r.Name, t); dup {
			return nil, fmt.Errorf("duplicate tensor %q", r.Name)
		}
	}
	return sd, nil
}

// LoadModel copies checkpoint records into the module's parameters.
func LoadModel(m layers.Module, records []checkpoints.NamedTensor, strict bool) error {
	sd, err := StateDictFrom(records)
	if err != nil {
		return err
	}
	return layers.LoadStateDict(m, sd, strict)
}
