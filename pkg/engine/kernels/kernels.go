// Package kernels holds the float32 operators shared by the pure-Go backends.
//
// Kernels never modify their inputs and always return freshly allocated tensors.
package kernels

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

func general(t *tensor.Tensor, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: max(cols, 1), Data: t.Data}
}

// MatMul multiplies a [m,k] by b [k,n]. A rank-1 a is treated as [1,k].
func MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return Gemm(a, b, nil, 1, 1, false, false)
}

// Gemm computes alpha*op(a)*op(b) + beta*c, where op transposes when asked.
// c may be nil, or any shape that broadcasts to [m,n].
func Gemm(a, b, c *tensor.Tensor, alpha, beta float32, transA, transB bool) (*tensor.Tensor, error) {
	aRows, aCols, err := matrixDims(a)
	if err != nil {
		return nil, err
	}
	bRows, bCols, err := matrixDims(b)
	if err != nil {
		return nil, err
	}

	m, k := aRows, aCols
	tA := blas.NoTrans
	if transA {
		m, k = aCols, aRows
		tA = blas.Trans
	}
	kb, n := bRows, bCols
	tB := blas.NoTrans
	if transB {
		kb, n = bCols, bRows
		tB = blas.Trans
	}
	if k != kb {
		return nil, errdefs.Runtimef("cannot multiply %v by %v: inner dimensions %d and %d differ", a.Shape, b.Shape, k, kb)
	}

	out := tensor.New(m, n)
	if c != nil && beta != 0 {
		bias, err := BroadcastTo(c, out.Shape)
		if err != nil {
			return nil, err
		}
		copy(out.Data, bias.Data)
	} else {
		beta = 0
	}
	if m == 0 || n == 0 || k == 0 {
		for i := range out.Data {
			out.Data[i] *= beta
		}
		return out, nil
	}
	blas32.Gemm(tA, tB, alpha, general(a, aRows, aCols), general(b, bRows, bCols), beta, general(out, m, n))
	return out, nil
}

func matrixDims(t *tensor.Tensor) (rows, cols int, err error) {
	switch t.Rank() {
	case 1:
		return 1, t.Shape[0], nil
	case 2:
		return t.Shape[0], t.Shape[1], nil
	default:
		return 0, 0, errdefs.Runtimef("matrix multiplication needs rank 1 or 2 operands, got %v", t.Shape)
	}
}

// BroadcastShape returns the numpy broadcast of shapes a and b.
func BroadcastShape(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := dimFromEnd(a, n-1-i), dimFromEnd(b, n-1-i)
		switch {
		case da == db || db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, errdefs.Runtimef("shapes %v and %v do not broadcast", a, b)
		}
	}
	return out, nil
}

func dimFromEnd(shape []int, fromEnd int) int {
	i := len(shape) - 1 - fromEnd
	if i < 0 {
		return 1
	}
	return shape[i]
}

// BroadcastTo expands t to shape.
func BroadcastTo(t *tensor.Tensor, shape []int) (*tensor.Tensor, error) {
	full, err := BroadcastShape(t.Shape, shape)
	if err != nil || !slices.Equal(full, shape) {
		return nil, errdefs.Runtimef("cannot broadcast %v to %v", t.Shape, shape)
	}
	out := tensor.New(shape...)
	idx := broadcastIndex(t.Shape, shape)
	for i := range out.Data {
		out.Data[i] = t.Data[idx(i)]
	}
	return out, nil
}

// broadcastIndex maps a flat row-major index into outShape to the flat index of the
// element of a (broadcast) operand of shape in.
func broadcastIndex(in, outShape []int) func(int) int {
	if slices.Equal(in, outShape) {
		return func(i int) int { return i }
	}
	n := len(outShape)
	strides := make([]int, n)
	stride := 1
	for i := n - 1; i >= 0; i-- {
		d := dimFromEnd(in, n-1-i)
		if d != 1 {
			strides[i] = stride
		}
		stride *= d
	}
	return func(flat int) int {
		src := 0
		for i := n - 1; i >= 0; i-- {
			d := outShape[i]
			src += (flat % d) * strides[i]
			flat /= d
		}
		return src
	}
}

// Binary applies f elementwise with numpy broadcasting.
func Binary(a, b *tensor.Tensor, f func(x, y float32) float32) (*tensor.Tensor, error) {
	shape, err := BroadcastShape(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out := tensor.New(shape...)
	ia, ib := broadcastIndex(a.Shape, shape), broadcastIndex(b.Shape, shape)
	for i := range out.Data {
		out.Data[i] = f(a.Data[ia(i)], b.Data[ib(i)])
	}
	return out, nil
}

func Add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x + y })
}

func Sub(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x - y })
}

func Mul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x * y })
}

func Div(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x / y })
}

// Unary applies f to every element.
func Unary(t *tensor.Tensor, f func(float32) float32) *tensor.Tensor {
	out := tensor.New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = f(v)
	}
	return out
}

func Relu(x float32) float32 { return max(x, 0) }

func Relu6(x float32) float32 { return min(max(x, 0), 6) }

func LeakyRelu(alpha float32) func(float32) float32 {
	return func(x float32) float32 {
		if x < 0 {
			return alpha * x
		}
		return x
	}
}

func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func Identity(x float32) float32 { return x }

// Softmax normalises along axis (negative counts from the end), scaling logits by beta.
func Softmax(t *tensor.Tensor, axis int, beta float32) (*tensor.Tensor, error) {
	rank := t.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= max(rank, 1) {
		return nil, errdefs.Runtimef("softmax axis %d is out of range for shape %v", axis, t.Shape)
	}
	out := tensor.New(t.Shape...)
	if rank == 0 {
		out.Data[0] = 1
		return out, nil
	}

	n := t.Shape[axis]
	inner := tensor.NumElements(t.Shape[axis+1:])
	outer := tensor.NumElements(t.Shape[:axis])
	for o := range outer {
		for in := range inner {
			base := o*n*inner + in
			maxV := float32(math.Inf(-1))
			for j := range n {
				maxV = max(maxV, beta*t.Data[base+j*inner])
			}
			var sum float64
			for j := range n {
				e := math.Exp(float64(beta*t.Data[base+j*inner] - maxV))
				out.Data[base+j*inner] = float32(e)
				sum += e
			}
			for j := range n {
				out.Data[base+j*inner] = float32(float64(out.Data[base+j*inner]) / sum)
			}
		}
	}
	return out, nil
}

// RMSNorm scales t by the reciprocal root mean square of all its values.
func RMSNorm(t *tensor.Tensor, epsilon float32) *tensor.Tensor {
	if epsilon == 0 {
		epsilon = 1e-5
	}
	out := t.Clone()
	sumX2 := float32(0)
	for _, v := range out.Data {
		sumX2 += v * v
	}
	mean := sumX2 / float32(len(out.Data))
	rms := float32(1.0 / math.Sqrt(float64(mean)+float64(epsilon)))
	for i := range out.Data {
		out.Data[i] *= rms
	}
	return out
}

// Scale multiplies every value by s.
func Scale(t *tensor.Tensor, s float32) *tensor.Tensor {
	return Unary(t, func(x float32) float32 { return x * s })
}

// Reshape returns a copy of t with a new shape. One dimension may be -1 and is inferred;
// a 0 copies the input dimension at that position.
func Reshape(t *tensor.Tensor, shape []int) (*tensor.Tensor, error) {
	resolved := slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range resolved {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, errdefs.Runtimef("reshape %v has more than one -1", shape)
			}
			infer = i
			continue
		case d == 0:
			if i >= t.Rank() {
				return nil, errdefs.Runtimef("reshape %v copies dimension %d of %v", shape, i, t.Shape)
			}
			resolved[i] = t.Shape[i]
		case d < 0:
			return nil, errdefs.Runtimef("reshape %v has a negative dimension", shape)
		}
		known *= resolved[i]
	}
	if infer >= 0 {
		if known == 0 || t.Size()%known != 0 {
			return nil, errdefs.Runtimef("cannot reshape %v to %v", t.Shape, shape)
		}
		resolved[infer] = t.Size() / known
	}
	if tensor.NumElements(resolved) != t.Size() {
		return nil, errdefs.Runtimef("cannot reshape %v to %v", t.Shape, shape)
	}
	out := t.Clone()
	out.Shape = resolved
	return out, nil
}

// Flatten reshapes t to 2D, splitting the dimensions at axis.
func Flatten(t *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if axis < 0 {
		axis += t.Rank()
	}
	if axis < 0 || axis > t.Rank() {
		return nil, errdefs.Runtimef("flatten axis %d is out of range for shape %v", axis, t.Shape)
	}
	return Reshape(t, []int{tensor.NumElements(t.Shape[:axis]), tensor.NumElements(t.Shape[axis:])})
}
