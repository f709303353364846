package onnx

import (
	"k8s.io/examples/AI/infero/pkg/engine/kernels"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

type opFunc func(args []*tensor.Tensor) ([]*tensor.Tensor, error)

func one(t *tensor.Tensor, err error) ([]*tensor.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{t}, nil
}

func (n *nodeProto) floatAttr(name string, def float32) float32 {
	if a, ok := n.attributes[name]; ok {
		return a.f
	}
	return def
}

func (n *nodeProto) intAttr(name string, def int64) int64 {
	if a, ok := n.attributes[name]; ok {
		return a.i
	}
	return def
}

func unary(f func(float32) float32) opFunc {
	return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return []*tensor.Tensor{kernels.Unary(args[0], f)}, nil
	}
}

func binaryOp(f func(a, b *tensor.Tensor) (*tensor.Tensor, error)) opFunc {
	return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return one(f(args[0], args[1]))
	}
}

// arity is the allowed number of inputs per operator.
var arity = map[string][2]int{
	"MatMul":    {2, 2},
	"Gemm":      {2, 3},
	"Add":       {2, 2},
	"Sub":       {2, 2},
	"Mul":       {2, 2},
	"Div":       {2, 2},
	"Relu":      {1, 1},
	"LeakyRelu": {1, 1},
	"Sigmoid":   {1, 1},
	"Tanh":      {1, 1},
	"Softmax":   {1, 1},
	"Identity":  {1, 1},
	"Flatten":   {1, 1},
	"Reshape":   {2, 2},
}

// compile checks a node against the supported operator set and returns its kernel.
func (e *Engine) compile(n *nodeProto) (opFunc, error) {
	limits, ok := arity[n.opType]
	if !ok {
		return nil, errdefs.Configurationf("node %q: unsupported operator %q", n.name, n.opType)
	}
	if len(n.inputs) < limits[0] || len(n.inputs) > limits[1] {
		return nil, errdefs.Configurationf("node %q: %s takes %d to %d inputs, got %d", n.name, n.opType, limits[0], limits[1], len(n.inputs))
	}
	for i, in := range n.inputs[:limits[0]] {
		if in == "" {
			return nil, errdefs.Configurationf("node %q: required input %d of %s is empty", n.name, i, n.opType)
		}
	}
	if len(n.outputs) != 1 {
		return nil, errdefs.Configurationf("node %q: %s must have exactly one output", n.name, n.opType)
	}

	switch n.opType {
	case "MatMul":
		return binaryOp(kernels.MatMul), nil
	case "Gemm":
		alpha := n.floatAttr("alpha", 1)
		beta := n.floatAttr("beta", 1)
		transA := n.intAttr("transA", 0) != 0
		transB := n.intAttr("transB", 0) != 0
		return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
			var c *tensor.Tensor
			if len(args) > 2 {
				c = args[2]
			}
			return one(kernels.Gemm(args[0], args[1], c, alpha, beta, transA, transB))
		}, nil
	case "Add":
		return binaryOp(kernels.Add), nil
	case "Sub":
		return binaryOp(kernels.Sub), nil
	case "Mul":
		return binaryOp(kernels.Mul), nil
	case "Div":
		return binaryOp(kernels.Div), nil
	case "Relu":
		return unary(kernels.Relu), nil
	case "LeakyRelu":
		return unary(kernels.LeakyRelu(n.floatAttr("alpha", 0.01))), nil
	case "Sigmoid":
		return unary(kernels.Sigmoid), nil
	case "Tanh":
		return unary(kernels.Tanh), nil
	case "Identity":
		return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
			return []*tensor.Tensor{args[0]}, nil
		}, nil
	case "Softmax":
		return e.compileSoftmax(n), nil
	case "Flatten":
		axis := int(n.intAttr("axis", 1))
		return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
			return one(kernels.Flatten(args[0], axis))
		}, nil
	case "Reshape":
		ints, ok := e.ints[n.inputs[1]]
		if !ok {
			return nil, errdefs.Configurationf("node %q: Reshape needs a constant integer shape, %q is not one", n.name, n.inputs[1])
		}
		shape := make([]int, len(ints))
		for i, d := range ints {
			shape[i] = int(d)
		}
		return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
			return one(kernels.Reshape(args[0], shape))
		}, nil
	}
	return nil, errdefs.Configurationf("node %q: unsupported operator %q", n.name, n.opType)
}

// compileSoftmax follows the opset in use: from opset 13 Softmax normalises along one
// axis (default -1); before that it normalises the input flattened to 2D at axis
// (default 1).
func (e *Engine) compileSoftmax(n *nodeProto) opFunc {
	if e.model.opsetVersion >= 13 || e.model.opsetVersion == 0 {
		axis := int(n.intAttr("axis", -1))
		return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
			return one(kernels.Softmax(args[0], axis, 1))
		}
	}
	axis := int(n.intAttr("axis", 1))
	return func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		flat, err := kernels.Flatten(args[0], axis)
		if err != nil {
			return nil, err
		}
		soft, err := kernels.Softmax(flat, 1, 1)
		if err != nil {
			return nil, err
		}
		return one(kernels.Reshape(soft, args[0].Shape))
	}
}
