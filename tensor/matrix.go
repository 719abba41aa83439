package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMulOp implements x @ w over the last dimension of x.
type MatMulOp struct {
	inputs     []*Tensor
	rows, k, n int
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

// Backward uses ∂(X W)/∂X = G Wᵀ and ∂(X W)/∂W = Xᵀ G.
func (op *MatMulOp) Backward(gradOut []float32) [][]float32 {
	x, w := op.inputs[0], op.inputs[1]
	g := general(op.rows, op.n, gradOut)

	var gradX, gradW []float32
	if x.requiresGrad {
		gradX = make([]float32, op.rows*op.k)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(op.k, op.n, w.Data), 0, general(op.rows, op.k, gradX))
	}
	if w.requiresGrad {
		gradW = make([]float32, op.k*op.n)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(op.rows, op.k, x.Data), g, 0, general(op.k, op.n, gradW))
	}
	return [][]float32{gradX, gradW}
}

// MatMul multiplies x [..., K] by w [K, N], producing [..., N]. All leading
// dimensions of x are treated as rows.
func MatMul(x, w *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("%w: MatMul weight must be 2D, got %v", ErrShape, w.Shape)
	}
	k, n := w.Shape[0], w.Shape[1]
	if x.Shape[len(x.Shape)-1] != k {
		return nil, fmt.Errorf("%w: MatMul input %v with weight %v", ErrShape, x.Shape, w.Shape)
	}
	rows := len(x.Data) / k

	out := make([]float32, rows*n)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(rows, k, x.Data), general(k, n, w.Data), 0, general(rows, n, out))

	shape := append(cloneInts(x.Shape[:len(x.Shape)-1]), n)
	return Apply(&MatMulOp{inputs: []*Tensor{x, w}, rows: rows, k: k, n: n}, shape, out), nil
}

// BatchMatMulOp multiplies matching matrices of two rank-3 tensors.
type BatchMatMulOp struct {
	inputs         []*Tensor
	batch, m, k, n int
	transB         bool
}

func (op *BatchMatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchMatMulOp) Backward(gradOut []float32) [][]float32 {
	a, b := op.inputs[0], op.inputs[1]

	var gradA, gradB []float32
	if a.requiresGrad {
		gradA = make([]float32, len(a.Data))
	}
	if b.requiresGrad {
		gradB = make([]float32, len(b.Data))
	}

	mk, kn, mn := op.m*op.k, op.k*op.n, op.m*op.n
	for i := 0; i < op.batch; i++ {
		g := general(op.m, op.n, gradOut[i*mn:(i+1)*mn])
		am := general(op.m, op.k, a.Data[i*mk:(i+1)*mk])
		if op.transB {
			// b is stored [N, K]; C = A Bᵀ.
			bm := general(op.n, op.k, b.Data[i*kn:(i+1)*kn])
			if gradA != nil {
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, g, bm, 0, general(op.m, op.k, gradA[i*mk:(i+1)*mk]))
			}
			if gradB != nil {
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, g, am, 0, general(op.n, op.k, gradB[i*kn:(i+1)*kn]))
			}
			continue
		}
		bm := general(op.k, op.n, b.Data[i*kn:(i+1)*kn])
		if gradA != nil {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, bm, 0, general(op.m, op.k, gradA[i*mk:(i+1)*mk]))
		}
		if gradB != nil {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, am, g, 0, general(op.k, op.n, gradB[i*kn:(i+1)*kn]))
		}
	}
	return [][]float32{gradA, gradB}
}

// BatchMatMul computes a[i] @ b[i] for every i. a is [B, M, K]; b is
// [B, K, N], or [B, N, K] when transB is set, in which case a[i] @ b[i]ᵀ is
// computed. The result is [B, M, N].
func BatchMatMul(a, b *Tensor, transB bool) (*Tensor, error) {
	if len(a.Shape) != 3 || len(b.Shape) != 3 || a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("%w: BatchMatMul %v with %v", ErrShape, a.Shape, b.Shape)
	}
	batch, m, k := a.Shape[0], a.Shape[1], a.Shape[2]
	var n int
	if transB {
		if b.Shape[2] != k {
			return nil, fmt.Errorf("%w: BatchMatMul %v with transposed %v", ErrShape, a.Shape, b.Shape)
		}
		n = b.Shape[1]
	} else {
		if b.Shape[1] != k {
			return nil, fmt.Errorf("%w: BatchMatMul %v with %v", ErrShape, a.Shape, b.Shape)
		}
		n = b.Shape[2]
	}

	out := make([]float32, batch*m*n)
	mk, kn, mn := m*k, k*n, m*n
	tB := blas.NoTrans
	bRows, bCols := k, n
	if transB {
		tB = blas.Trans
		bRows, bCols = n, k
	}
	for i := 0; i < batch; i++ {
		blas32.Gemm(blas.NoTrans, tB, 1,
			general(m, k, a.Data[i*mk:(i+1)*mk]),
			general(bRows, bCols, b.Data[i*kn:(i+1)*kn]),
			0, general(m, n, out[i*mn:(i+1)*mn]))
	}

	op := &BatchMatMulOp{inputs: []*Tensor{a, b}, batch: batch, m: m, k: k, n: n, transB: transB}
	return Apply(op, []int{batch, m, n}, out), nil
}

// SplitHeadsOp reorders [N, L, H*Dh] into [N*H, L, Dh].
type SplitHeadsOp struct {
	inputs         []*Tensor
	n, l, heads, d int
}

func (op *SplitHeadsOp) Inputs() []*Tensor { return op.inputs }

func (op *SplitHeadsOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, len(gradOut))
	permuteHeads(gradOut, g, op.n, op.l, op.heads, op.d, false)
	return [][]float32{g}
}

// SplitHeads reshapes x [N, L, H*Dh] into per-head sequences [N*H, L, Dh].
func SplitHeads(x *Tensor, heads int) (*Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2]%heads != 0 {
		return nil, fmt.Errorf("%w: cannot split %v into %d heads", ErrShape, x.Shape, heads)
	}
	n, l, d := x.Shape[0], x.Shape[1], x.Shape[2]/heads
	out := make([]float32, len(x.Data))
	permuteHeads(x.Data, out, n, l, heads, d, true)
	op := &SplitHeadsOp{inputs: []*Tensor{x}, n: n, l: l, heads: heads, d: d}
	return Apply(op, []int{n * heads, l, d}, out), nil
}

// MergeHeadsOp reorders [N*H, L, Dh] into [N, L, H*Dh].
type MergeHeadsOp struct {
	inputs         []*Tensor
	n, l, heads, d int
}

func (op *MergeHeadsOp) Inputs() []*Tensor { return op.inputs }

func (op *MergeHeadsOp) Backward(gradOut []float32) [][]float32 {
	g := make([]float32, len(gradOut))
	permuteHeads(gradOut, g, op.n, op.l, op.heads, op.d, true)
	return [][]float32{g}
}

// MergeHeads is the inverse of SplitHeads.
func MergeHeads(x *Tensor, heads int) (*Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[0]%heads != 0 {
		return nil, fmt.Errorf("%w: cannot merge %v from %d heads", ErrShape, x.Shape, heads)
	}
	n, l, d := x.Shape[0]/heads, x.Shape[1], x.Shape[2]
	out := make([]float32, len(x.Data))
	permuteHeads(x.Data, out, n, l, heads, d, false)
	op := &MergeHeadsOp{inputs: []*Tensor{x}, n: n, l: l, heads: heads, d: d}
	return Apply(op, []int{n, l, heads * d}, out), nil
}

// permuteHeads moves data between the [N, L, H, Dh] and [N, H, L, Dh]
// layouts. split selects the direction.
func permuteHeads(src, dst []float32, n, l, heads, d int, split bool) {
	for b := 0; b < n; b++ {
		for t := 0; t < l; t++ {
			for h := 0; h < heads; h++ {
				merged := ((b*l+t)*heads + h) * d
				perHead := ((b*heads+h)*l + t) * d
				if split {
					copy(dst[perHead:perHead+d], src[merged:merged+d])
				} else {
					copy(dst[merged:merged+d], src[perHead:perHead+d])
				}
			}
		}
	}
}
