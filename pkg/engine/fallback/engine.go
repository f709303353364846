// Package fallback is the reference backend: a dense network described in YAML and
// evaluated with the shared kernels. It needs no vendor runtime.
//
// A model looks like:
//
//	input_name: input
//	output_name: output
//	input_shape: [1, 4]
//	layers:
//	  - weights: [[1, 0, 0, 0], [0, 1, 0, 0]]
//	    bias: [0.5, -0.5]
//	    activation: relu
//	  - op: rmsnorm
//	  - op: scale
//	    scale: 2
package fallback

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

const Name = "fallback"

func init() {
	engine.Register(Name, New)
}

// Network is the YAML model format.
type Network struct {
	InputName  string  `yaml:"input_name"`
	OutputName string  `yaml:"output_name"`
	InputShape []int   `yaml:"input_shape"`
	Layers     []Layer `yaml:"layers"`
}

// Layer is applied as: optional dense (weights [out][in], bias [out]), then Op, then
// Activation.
type Layer struct {
	Weights    [][]float32 `yaml:"weights,omitempty"`
	Bias       []float32   `yaml:"bias,omitempty"`
	Op         string      `yaml:"op,omitempty"`
	Epsilon    float32     `yaml:"epsilon,omitempty"`
	Scale      float32     `yaml:"scale,omitempty"`
	Activation string      `yaml:"activation,omitempty"`
}

type CalculationScope struct {
	network *Network
	sig     engine.Signature
	tensors []*layerTensor
	closed  bool
}

var _ engine.Engine = (*CalculationScope)(nil)

// New parses buf as a Network. The config keys input_name and output_name override the
// names given in the model.
func New(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (engine.Engine, error) {
	network := &Network{}
	if err := yaml.Unmarshal(buf.Bytes(), network); err != nil {
		return nil, errdefs.Configurationf("parsing fallback model: %v", err)
	}
	if len(network.Layers) == 0 {
		return nil, errdefs.Configurationf("fallback model has no layers")
	}

	var err error
	if network.InputName, err = cfg.GetString("input_name", defaultString(network.InputName, "input")); err != nil {
		return nil, err
	}
	if network.OutputName, err = cfg.GetString("output_name", defaultString(network.OutputName, "output")); err != nil {
		return nil, err
	}
	if shape, ok, err := cfg.GetIntSlice("input_shape"); err != nil {
		return nil, err
	} else if ok {
		network.InputShape = shape
	}

	scope := &CalculationScope{network: network}
	for i := range network.Layers {
		layer := &network.Layers[i]
		if _, ok := activations[layer.Activation]; !ok {
			return nil, errdefs.Configurationf("layer %d: unknown activation %q", i, layer.Activation)
		}
		if layer.Weights != nil && len(layer.Weights) == 0 {
			return nil, errdefs.Configurationf("layer %d: empty weights", i)
		}
		switch layer.Op {
		case "", "dense", "rmsnorm", "scale", "softmax":
		default:
			return nil, errdefs.Configurationf("layer %d: unsupported operation %q", i, layer.Op)
		}
		t, err := newLayerTensor(TensorID(i+1), layer)
		if err != nil {
			return nil, err
		}
		scope.tensors = append(scope.tensors, t)
	}

	scope.sig = engine.Signature{
		Inputs:  []engine.IO{{Name: network.InputName, Shape: network.InputShape}},
		Outputs: []engine.IO{{Name: network.OutputName}},
	}
	return scope, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (c *CalculationScope) Name() string { return Name }

func (c *CalculationScope) Describe() engine.Signature { return c.sig }

func (c *CalculationScope) Close() error {
	c.closed = true
	c.tensors = nil
	return nil
}

func (c *CalculationScope) Infer(ctx context.Context, in, out *tensor.Tensor) error {
	inputs, outputs, err := engine.Single(c.sig, in, out)
	if err != nil {
		return err
	}
	return c.InferMIMO(ctx, inputs, outputs)
}

func (c *CalculationScope) InferMIMO(ctx context.Context, inputs, outputs []engine.Named) error {
	if c.closed {
		return errdefs.InvalidStatef("fallback engine is closed")
	}
	feeds, err := engine.BindInputs(c.sig.Inputs, inputs)
	if err != nil {
		return err
	}
	wanted, err := engine.BindOutputs(c.sig.Outputs, outputs)
	if err != nil {
		return err
	}

	result, err := c.Evaluate(ctx, feeds[c.network.InputName])
	if err != nil {
		return err
	}
	return engine.WriteOutputs(wanted, map[string]*tensor.Tensor{c.network.OutputName: result})
}

// Evaluate runs every layer over input and returns the last layer's output.
func (c *CalculationScope) Evaluate(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	nodes := make([]engine.Node[TensorID], 0, len(c.tensors)+1)
	nodes = append(nodes, inputNode{})
	for _, t := range c.tensors {
		nodes = append(nodes, t)
	}
	last := TensorID(len(c.tensors))
	evaluationOrder, err := engine.BuildDAG(nodes, []TensorID{last})
	if err != nil {
		return nil, err
	}

	values := map[TensorID]*tensor.Tensor{inputID: input}
	for _, tensorID := range evaluationOrder {
		if tensorID == inputID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Mark(err, errdefs.ErrEngineRuntime)
		}
		t := c.tensors[tensorID-1]
		result, err := t.evaluate(values[t.dependencies[0]])
		if err != nil {
			return nil, errdefs.Mark(fmt.Errorf("evaluating layer %d: %w", tensorID-1, err), errdefs.ErrEngineRuntime)
		}
		values[tensorID] = result
	}
	return values[last], nil
}

type inputNode struct{}

func (inputNode) TensorID() TensorID       { return inputID }
func (inputNode) Dependencies() []TensorID { return nil }

func (c *CalculationScope) Print(w io.Writer) {
	details := [][2]string{{"layers", fmt.Sprint(len(c.network.Layers))}}
	for i, layer := range c.network.Layers {
		desc := layer.Op
		if layer.Weights != nil {
			desc = fmt.Sprintf("dense %dx%d", len(layer.Weights), len(layer.Weights[0]))
			if layer.Op != "" && layer.Op != "dense" {
				desc += " + " + layer.Op
			}
		}
		if layer.Activation != "" {
			desc += " + " + layer.Activation
		}
		details = append(details, [2]string{fmt.Sprintf("layer %d", i), desc})
	}
	engine.PrintSummary(w, Name, c.sig, details)
}
