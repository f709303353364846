package tflite

import (
	"k8s.io/examples/AI/infero/pkg/engine/kernels"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

// BuiltinOptions union members.
const (
	optionsFullyConnected = 8
	optionsSoftmax        = 9
	optionsAdd            = 11
	optionsReshape        = 17
	optionsMul            = 21
)

// ActivationFunctionType values.
const (
	activationNone      = 0
	activationRelu      = 1
	activationReluN1To1 = 2
	activationRelu6     = 3
	activationTanh      = 4
)

var opNames = map[int32]string{
	opAdd:            "ADD",
	opFullyConnected: "FULLY_CONNECTED",
	opLogistic:       "LOGISTIC",
	opMul:            "MUL",
	opRelu:           "RELU",
	opRelu6:          "RELU6",
	opReshape:        "RESHAPE",
	opSoftmax:        "SOFTMAX",
	opTanh:           "TANH",
}

func fusedActivation(code byte) (func(float32) float32, error) {
	switch code {
	case activationNone:
		return nil, nil
	case activationRelu:
		return kernels.Relu, nil
	case activationReluN1To1:
		return func(x float32) float32 { return min(max(x, -1), 1) }, nil
	case activationRelu6:
		return kernels.Relu6, nil
	case activationTanh:
		return kernels.Tanh, nil
	default:
		return nil, errdefs.Configurationf("unsupported fused activation %d", code)
	}
}

// optionsOf returns the operator's options table when it has the expected union type.
func (op *operator) optionsOf(want byte) (table, bool) {
	if !op.hasOptions || op.optionsType != want {
		return table{}, false
	}
	return op.options, true
}

func (e *Engine) compile(op *operator) (*compiledOp, error) {
	name, ok := opNames[op.opcode]
	if !ok {
		return nil, errdefs.Configurationf("unsupported builtin operator %d", op.opcode)
	}
	c := &compiledOp{op: op, name: name}

	minInputs, maxInputs := 1, 1
	switch op.opcode {
	case opAdd, opMul:
		minInputs, maxInputs = 2, 2
	case opFullyConnected:
		minInputs, maxInputs = 2, 3
	case opReshape:
		maxInputs = 2
	}
	if len(op.inputs) < minInputs || len(op.inputs) > maxInputs {
		return nil, errdefs.Configurationf("%s takes %d to %d inputs, got %d", name, minInputs, maxInputs, len(op.inputs))
	}
	for _, in := range op.inputs[:minInputs] {
		if in < 0 {
			return nil, errdefs.Configurationf("%s is missing a required input", name)
		}
	}

	withActivation := func(run func(args []*tensor.Tensor) (*tensor.Tensor, error), code byte) (func(args []*tensor.Tensor) (*tensor.Tensor, error), error) {
		act, err := fusedActivation(code)
		if err != nil || act == nil {
			return run, err
		}
		return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			out, err := run(args)
			if err != nil {
				return nil, err
			}
			return kernels.Unary(out, act), nil
		}, nil
	}
	unary := func(f func(float32) float32) func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			return kernels.Unary(args[0], f), nil
		}
	}

	var err error
	switch op.opcode {
	case opAdd, opMul:
		f, optionsType := kernels.Add, byte(optionsAdd)
		if op.opcode == opMul {
			f, optionsType = kernels.Mul, optionsMul
		}
		var activation byte
		if opts, ok := op.optionsOf(optionsType); ok {
			activation = opts.getByte(0, 0)
		}
		c.run, err = withActivation(func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			return f(args[0], args[1])
		}, activation)

	case opFullyConnected:
		var activation byte
		keepNumDims := false
		if opts, ok := op.optionsOf(optionsFullyConnected); ok {
			activation = opts.getByte(0, 0)
			keepNumDims = opts.getBool(2)
		}
		c.run, err = withActivation(func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			return fullyConnected(args, keepNumDims)
		}, activation)

	case opRelu:
		c.run = unary(kernels.Relu)
	case opRelu6:
		c.run = unary(kernels.Relu6)
	case opLogistic:
		c.run = unary(kernels.Sigmoid)
	case opTanh:
		c.run = unary(kernels.Tanh)

	case opSoftmax:
		beta := float32(1)
		if opts, ok := op.optionsOf(optionsSoftmax); ok {
			beta = opts.getFloat32(0, 0)
		}
		c.run = func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			return kernels.Softmax(args[0], -1, beta)
		}

	case opReshape:
		shape, err := e.reshapeTarget(op)
		if err != nil {
			return nil, err
		}
		c.run = func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			return kernels.Reshape(args[0], shape)
		}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// reshapeTarget finds the new shape from, in order: a constant shape input, the
// ReshapeOptions new_shape, or the declared output shape.
func (e *Engine) reshapeTarget(op *operator) ([]int, error) {
	tensors := e.model.subgraph.tensors
	if len(op.inputs) == 2 && op.inputs[1] >= 0 {
		if shape, ok := e.model.intBuffer(tensors[op.inputs[1]]); ok {
			return shape, nil
		}
	}
	if opts, ok := op.optionsOf(optionsReshape); ok && opts.has(0) {
		return toInts(opts.int32s(0)), nil
	}
	if out := tensors[op.outputs[0]]; out.signature == nil {
		return out.shape, nil
	}
	return nil, errdefs.Configurationf("RESHAPE has no constant target shape")
}

// fullyConnected computes input * weights^T + bias, with input flattened to
// [batch, weights.Shape[1]].
func fullyConnected(args []*tensor.Tensor, keepNumDims bool) (*tensor.Tensor, error) {
	input, weights := args[0], args[1]
	var bias *tensor.Tensor
	if len(args) > 2 {
		bias = args[2]
	}
	if weights.Rank() != 2 {
		return nil, errdefs.Runtimef("FULLY_CONNECTED weights must be 2D, got %v", weights.Shape)
	}
	depth := weights.Shape[1]
	flat, err := kernels.Reshape(input, []int{-1, depth})
	if err != nil {
		return nil, err
	}
	out, err := kernels.Gemm(flat, weights, bias, 1, 1, false, true)
	if err != nil {
		return nil, err
	}
	if keepNumDims && input.Rank() > 0 {
		shape := append(append([]int(nil), input.Shape[:input.Rank()-1]...), weights.Shape[0])
		return kernels.Reshape(out, shape)
	}
	return out, nil
}
