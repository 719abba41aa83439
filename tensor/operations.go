package tensor

import (
	"fmt"
	"math/rand"
)

// AddOp implements elementwise addition of equally shaped tensors.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut []float32) [][]float32 {
	return [][]float32{gradOut, gradOut}
}

// Add returns a + b. Shapes must match exactly; no broadcasting is performed.
func Add(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("%w: Add %v vs %v", ErrShape, a.Shape, b.Shape)
	}
	out := make([]float32, len(a.Data))
	for i := range out {
		out[i] = a.Data[i] + b.Data[i]
	}
	return Apply(&AddOp{inputs: []*Tensor{a, b}}, a.Shape, out), nil
}

// AddBiasOp adds a vector along the last dimension.
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor { return op.inputs }

func (op *AddBiasOp) Backward(gradOut []float32) [][]float32 {
	n := len(op.inputs[1].Data)
	gb := make([]float32, n)
	for i, g := range gradOut {
		gb[i%n] += g
	}
	return [][]float32{gradOut, gb}
}

// AddBias returns x + b where b has shape [x.Shape[last]].
func AddBias(x, b *Tensor) (*Tensor, error) {
	last := x.Shape[len(x.Shape)-1]
	if len(b.Shape) != 1 || b.Shape[0] != last {
		return nil, fmt.Errorf("%w: AddBias input %v with bias %v", ErrShape, x.Shape, b.Shape)
	}
	out := make([]float32, len(x.Data))
	for i, v := range x.Data {
		out[i] = v + b.Data[i%last]
	}
	return Apply(&AddBiasOp{inputs: []*Tensor{x, b}}, x.Shape, out), nil
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, len(gradOut))
	for i, v := range gradOut {
		g[i] = v * op.factor
	}
	return [][]float32{g}
}

// Scale returns x * factor.
func Scale(x *Tensor, factor float32) *Tensor {
	out := make([]float32, len(x.Data))
	for i, v := range x.Data {
		out[i] = v * factor
	}
	return Apply(&ScaleOp{inputs: []*Tensor{x}, factor: factor}, x.Shape, out)
}

// ReLUOp implements max(0, x).
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Backward(gradOut []float32) [][]float32 {
	x := op.inputs[0].Data
	g := make([]float32, len(gradOut))
	for i, v := range gradOut {
		if x[i] > 0 {
			g[i] = v
		}
	}
	return [][]float32{g}
}

// ReLU applies the rectifier elementwise.
func ReLU(x *Tensor) *Tensor {
	out := make([]float32, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			out[i] = v
		}
	}
	return Apply(&ReLUOp{inputs: []*Tensor{x}}, x.Shape, out)
}

// MaskRowsOp zeroes whole rows (last-dimension vectors).
type MaskRowsOp struct {
	inputs []*Tensor
	pad    []bool
	width  int
}

func (op *MaskRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *MaskRowsOp) Backward(gradOut []float32) [][]float32 {
	g := append([]float32(nil), gradOut...)
	for r, p := range op.pad {
		if p {
			clear(g[r*op.width : (r+1)*op.width])
		}
	}
	return [][]float32{g}
}

// MaskRows returns a copy of x whose rows flagged in pad are exactly zero. A
// row is one vector along the last dimension, so len(pad) must equal
// Numel / Shape[last].
func MaskRows(x *Tensor, pad []bool) (*Tensor, error) {
	width := x.Shape[len(x.Shape)-1]
	if len(pad)*width != len(x.Data) {
		return nil, fmt.Errorf("%w: MaskRows %d flags for shape %v", ErrShape, len(pad), x.Shape)
	}
	out := append([]float32(nil), x.Data...)
	for r, p := range pad {
		if p {
			clear(out[r*width : (r+1)*width])
		}
	}
	return Apply(&MaskRowsOp{inputs: []*Tensor{x}, pad: pad, width: width}, x.Shape, out), nil
}

// ReshapeOp reinterprets the shape; gradients pass through unchanged.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Backward(gradOut []float32) [][]float32 {
	return [][]float32{gradOut}
}

// Reshape returns a view of x with a new shape of equal size. The data slice
// is shared; no operation in this package mutates its inputs.
func Reshape(x *Tensor, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != len(x.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShape, x.Shape, shape)
	}
	return Apply(&ReshapeOp{inputs: []*Tensor{x}}, shape, x.Data), nil
}

// ConcatOp joins tensors along the last dimension.
type ConcatOp struct {
	inputs []*Tensor
	widths []int
	total  int
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Backward(gradOut []float32) [][]float32 {
	rows := len(gradOut) / op.total
	grads := make([][]float32, len(op.inputs))
	for k, w := range op.widths {
		grads[k] = make([]float32, rows*w)
	}
	for r := 0; r < rows; r++ {
		offset := r * op.total
		for k, w := range op.widths {
			copy(grads[k][r*w:(r+1)*w], gradOut[offset:offset+w])
			offset += w
		}
	}
	return grads
}

// Concat joins tensors along the last dimension. All leading dimensions must
// agree; the result's features follow the argument order.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: Concat of nothing", ErrShape)
	}
	lead := ts[0].Shape[:len(ts[0].Shape)-1]
	widths := make([]int, len(ts))
	total := 0
	for k, t := range ts {
		if !shapesEqual(t.Shape[:len(t.Shape)-1], lead) {
			return nil, fmt.Errorf("%w: Concat leading dims %v vs %v", ErrShape, t.Shape, ts[0].Shape)
		}
		widths[k] = t.Shape[len(t.Shape)-1]
		total += widths[k]
	}

	rows := len(ts[0].Data) / widths[0]
	out := make([]float32, rows*total)
	for r := 0; r < rows; r++ {
		offset := r * total
		for k, t := range ts {
			w := widths[k]
			copy(out[offset:offset+w], t.Data[r*w:(r+1)*w])
			offset += w
		}
	}

	shape := append(cloneInts(lead), total)
	return Apply(&ConcatOp{inputs: ts, widths: widths, total: total}, shape, out), nil
}

// SumAxisOp reduces one axis by summation.
type SumAxisOp struct {
	inputs              []*Tensor
	outer, size, inner int
}

func (op *SumAxisOp) Inputs() []*Tensor { return op.inputs }

func (op *SumAxisOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, op.outer*op.size*op.inner)
	for o := 0; o < op.outer; o++ {
		src := gradOut[o*op.inner : (o+1)*op.inner]
		for k := 0; k < op.size; k++ {
			copy(g[(o*op.size+k)*op.inner:(o*op.size+k+1)*op.inner], src)
		}
	}
	return [][]float32{g}
}

// SumAxis sums x over axis and drops that dimension. Reducing the only
// dimension yields shape [1].
func SumAxis(x *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(x.Shape) {
		return nil, fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, x.Shape)
	}
	outer, inner := 1, 1
	for i := 0; i < axis; i++ {
		outer *= x.Shape[i]
	}
	for i := axis + 1; i < len(x.Shape); i++ {
		inner *= x.Shape[i]
	}
	size := x.Shape[axis]

	out := make([]float32, outer*inner)
	for o := 0; o < outer; o++ {
		dst := out[o*inner : (o+1)*inner]
		for k := 0; k < size; k++ {
			src := x.Data[(o*size+k)*inner : (o*size+k+1)*inner]
			for i, v := range src {
				dst[i] += v
			}
		}
	}

	shape := make([]int, 0, len(x.Shape)-1)
	shape = append(shape, x.Shape[:axis]...)
	shape = append(shape, x.Shape[axis+1:]...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	return Apply(&SumAxisOp{inputs: []*Tensor{x}, outer: outer, size: size, inner: inner}, shape, out), nil
}

// GatherRowsOp selects slices along the first dimension.
type GatherRowsOp struct {
	inputs []*Tensor
	rows   []int
	stride int
}

func (op *GatherRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *GatherRowsOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, len(op.inputs[0].Data))
	for k, r := range op.rows {
		dst := g[r*op.stride : (r+1)*op.stride]
		for i, v := range gradOut[k*op.stride : (k+1)*op.stride] {
			dst[i] += v
		}
	}
	return [][]float32{g}
}

// GatherRows returns x[rows] along the first dimension.
func GatherRows(x *Tensor, rows []int) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: GatherRows with no rows", ErrShape)
	}
	stride := len(x.Data) / x.Shape[0]
	out := make([]float32, len(rows)*stride)
	for k, r := range rows {
		if r < 0 || r >= x.Shape[0] {
			return nil, fmt.Errorf("%w: row %d out of range for %v", ErrShape, r, x.Shape)
		}
		copy(out[k*stride:(k+1)*stride], x.Data[r*stride:(r+1)*stride])
	}
	shape := append([]int{len(rows)}, x.Shape[1:]...)
	return Apply(&GatherRowsOp{inputs: []*Tensor{x}, rows: rows, stride: stride}, shape, out), nil
}

// ScatterRowsOp places slices into a zero tensor along the first dimension.
type ScatterRowsOp struct {
	inputs []*Tensor
	rows   []int
	stride int
}

func (op *ScatterRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *ScatterRowsOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, len(op.rows)*op.stride)
	for k, r := range op.rows {
		copy(g[k*op.stride:(k+1)*op.stride], gradOut[r*op.stride:(r+1)*op.stride])
	}
	return [][]float32{g}
}

// ScatterRows is the inverse of GatherRows: it returns a tensor with total
// rows where row rows[k] holds x[k] and every other row is zero.
func ScatterRows(x *Tensor, rows []int, total int) (*Tensor, error) {
	if len(rows) != x.Shape[0] {
		return nil, fmt.Errorf("%w: ScatterRows %d rows for %v", ErrShape, len(rows), x.Shape)
	}
	stride := len(x.Data) / x.Shape[0]
	out := make([]float32, total*stride)
	for k, r := range rows {
		if r < 0 || r >= total {
			return nil, fmt.Errorf("%w: row %d out of range for %d rows", ErrShape, r, total)
		}
		copy(out[r*stride:(r+1)*stride], x.Data[k*stride:(k+1)*stride])
	}
	shape := append([]int{total}, x.Shape[1:]...)
	return Apply(&ScatterRowsOp{inputs: []*Tensor{x}, rows: rows, stride: stride}, shape, out), nil
}

// DropoutOp zeroes elements with probability p and rescales the rest.
type DropoutOp struct {
	inputs []*Tensor
	keep   []float32
}

func (op *DropoutOp) Inputs() []*Tensor { return op.inputs }

func (op *DropoutOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, len(gradOut))
	for i, v := range gradOut {
		g[i] = v * op.keep[i]
	}
	return [][]float32{g}
}

// Dropout applies inverted dropout. With p == 0 it returns x unchanged.
func Dropout(x *Tensor, p float64, rng *rand.Rand) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability %v out of range [0, 1)", p)
	}
	if p == 0 {
		return x, nil
	}
	scale := float32(1.0 / (1.0 - p))
	keep := make([]float32, len(x.Data))
	out := make([]float32, len(x.Data))
	for i, v := range x.Data {
		if rng.Float64() >= p {
			keep[i] = scale
			out[i] = v * scale
		}
	}
	return Apply(&DropoutOp{inputs: []*Tensor{x}, keep: keep}, x.Shape, out), nil
}

// EmbeddingOp looks up rows of a table.
type EmbeddingOp struct {
	inputs []*Tensor
	ids    []int
}

func (op *EmbeddingOp) Inputs() []*Tensor { return op.inputs }

func (op *EmbeddingOp) Backward(gradOut []float32) [][]float32 {
	table := op.inputs[0]
	dim := table.Shape[1]
	g := make([]float32, len(table.Data))
	for k, id := range op.ids {
		dst := g[id*dim : (id+1)*dim]
		for i, v := range gradOut[k*dim : (k+1)*dim] {
			dst[i] += v
		}
	}
	return [][]float32{g}
}

// Embedding returns table[ids] with shape [len(ids), dim].
func Embedding(table *Tensor, ids []int) (*Tensor, error) {
	if len(table.Shape) != 2 {
		return nil, fmt.Errorf("%w: embedding table must be 2D, got %v", ErrShape, table.Shape)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no ids to embed", ErrShape)
	}
	vocab, dim := table.Shape[0], table.Shape[1]
	out := make([]float32, len(ids)*dim)
	for k, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("token id %d out of range for vocabulary of %d", id, vocab)
		}
		copy(out[k*dim:(k+1)*dim], table.Data[id*dim:(id+1)*dim])
	}
	return Apply(&EmbeddingOp{inputs: []*Tensor{table}, ids: ids}, []int{len(ids), dim}, out), nil
}
