package fallback

import (
	"k8s.io/examples/AI/infero/pkg/engine/kernels"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

type TensorID = int

// inputID is the id of the network input; layer i produces tensor i+1.
const inputID TensorID = 0

// layerTensor is the output of one layer of the network.
type layerTensor struct {
	id    TensorID
	layer *Layer

	// constants, decoded once at load.
	weights *tensor.Tensor
	bias    *tensor.Tensor

	dependencies []TensorID
}

func newLayerTensor(id TensorID, layer *Layer) (*layerTensor, error) {
	t := &layerTensor{
		id:           id,
		layer:        layer,
		dependencies: []TensorID{id - 1},
	}
	if layer.Weights != nil {
		rows := len(layer.Weights)
		cols := len(layer.Weights[0])
		flat := make([]float32, 0, rows*cols)
		for i, row := range layer.Weights {
			if len(row) != cols {
				return nil, errdefs.Configurationf("layer %d: weight row %d has %d values, row 0 has %d", id-1, i, len(row), cols)
			}
			flat = append(flat, row...)
		}
		w, err := tensor.Wrap(flat, []int{rows, cols}, true)
		if err != nil {
			return nil, err
		}
		t.weights = w
		if layer.Bias != nil {
			if len(layer.Bias) != rows {
				return nil, errdefs.Configurationf("layer %d: bias has %d values for %d outputs", id-1, len(layer.Bias), rows)
			}
			b, err := tensor.FromValues(layer.Bias, rows)
			if err != nil {
				return nil, err
			}
			t.bias = b
		}
	}
	return t, nil
}

func (t *layerTensor) Dependencies() []TensorID {
	return t.dependencies
}

func (t *layerTensor) TensorID() TensorID {
	return t.id
}

// evaluate computes this layer from the output of the previous one.
func (t *layerTensor) evaluate(source *tensor.Tensor) (*tensor.Tensor, error) {
	result := source
	if t.weights != nil {
		flat, err := kernels.Reshape(source, []int{-1, t.weights.Shape[1]})
		if err != nil {
			return nil, err
		}
		if result, err = kernels.Gemm(flat, t.weights, t.bias, 1, 1, false, true); err != nil {
			return nil, err
		}
	}

	switch t.layer.Op {
	case "", "dense":
	case "rmsnorm":
		result = kernels.RMSNorm(result, t.layer.Epsilon)
	case "scale":
		result = kernels.Scale(result, t.layer.Scale)
	case "softmax":
		var err error
		if result, err = kernels.Softmax(result, -1, 1); err != nil {
			return nil, err
		}
	default:
		return nil, errdefs.Runtimef("unsupported operation: %v", t.layer.Op)
	}

	if act := activations[t.layer.Activation]; act != nil {
		result = kernels.Unary(result, act)
	}
	if result == source {
		result = source.Clone()
	}
	return result, nil
}

var activations = map[string]func(float32) float32{
	"":        nil,
	"none":    nil,
	"relu":    kernels.Relu,
	"relu6":   kernels.Relu6,
	"sigmoid": kernels.Sigmoid,
	"tanh":    kernels.Tanh,
}
