package layers

import (
	"fmt"
	"strings"
)

// ParamInfo describes one parameter for summaries.
type ParamInfo struct {
	Name  string
	Shape []int
	Count int64
}

// ModelSummary lists every parameter of a module with its size.
type ModelSummary struct {
	Params          []ParamInfo
	TotalParameters int64
}

// Summarize collects parameter metadata in registration order.
func Summarize(m Module) ModelSummary {
	var s ModelSummary
	for _, p := range m.Parameters() {
		count := int64(len(p.Tensor.Data))
		s.Params = append(s.Params, ParamInfo{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Count: count,
		})
		s.TotalParameters += count
	}
	return s
}

// Component returns the first path element of a parameter name, e.g.
// "mixed" for "mixed.layers.0.attn.q.weight".
func (p ParamInfo) Component() string {
	name, _, _ := strings.Cut(p.Name, ".")
	return name
}

// Components sums parameter counts per top-level component, in first-seen
// order.
func (s ModelSummary) Components() []ParamInfo {
	var out []ParamInfo
	index := make(map[string]int)
	for _, p := range s.Params {
		c := p.Component()
		i, ok := index[c]
		if !ok {
			i = len(out)
			index[c] = i
			out = append(out, ParamInfo{Name: c})
		}
		out[i].Count += p.Count
	}
	return out
}

// String returns a human-readable model summary
func (s ModelSummary) String() string {
	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	for _, c := range s.Components() {
		sb.WriteString(fmt.Sprintf("  %-24s %d parameters\n", c.Name, c.Count))
	}
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", s.TotalParameters))
	return sb.String()
}
