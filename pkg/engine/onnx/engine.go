// Package onnx is a pure-Go interpreter for small float32 ONNX models.
//
// Only the operators listed in ops.go are supported; anything else is rejected when
// the engine is created.
package onnx

import (
	"context"
	"fmt"
	"io"
	"slices"

	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

const Name = "onnx"

func init() {
	engine.Register(Name, New)
}

// Engine interprets one ONNX graph.
type Engine struct {
	model *modelProto
	sig   engine.Signature

	// constants holds initializers and folded Constant nodes.
	constants map[string]*tensor.Tensor
	// ints holds integer constants, used for shape operands.
	ints map[string][]int64

	nodes    []*node
	producer map[string]*node
	values   []value

	closed bool
}

var _ engine.Engine = (*Engine)(nil)

// value is a tensor of the graph, as seen by engine.BuildDAG.
type value struct {
	name string
	deps []string
}

func (v value) TensorID() string       { return v.name }
func (v value) Dependencies() []string { return v.deps }

type node struct {
	proto *nodeProto
	run   opFunc
}

// New parses buf as an ONNX ModelProto.
func New(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (engine.Engine, error) {
	m, err := parseModel(buf.Bytes())
	if err != nil {
		return nil, err
	}
	e := &Engine{
		model:     m,
		constants: make(map[string]*tensor.Tensor),
		ints:      make(map[string][]int64),
		producer:  make(map[string]*node),
	}

	for _, initializer := range m.graph.initializer {
		if err := e.addConstant(initializer.name, initializer); err != nil {
			return nil, err
		}
		e.values = append(e.values, value{name: initializer.name})
	}

	for _, in := range m.graph.inputs {
		if e.isConstant(in.name) {
			continue
		}
		if in.elemType != dataTypeFloat {
			return nil, errdefs.Configurationf("input %q has element type %d; only float inputs are supported", in.name, in.elemType)
		}
		e.sig.Inputs = append(e.sig.Inputs, engine.IO{Name: in.name, Shape: in.shape})
		e.values = append(e.values, value{name: in.name})
	}

	for _, np := range m.graph.nodes {
		if np.domain != "" && np.domain != "ai.onnx" {
			return nil, errdefs.Configurationf("node %q uses unsupported domain %q", np.name, np.domain)
		}
		if np.opType == "Constant" {
			if err := e.foldConstant(np); err != nil {
				return nil, err
			}
			continue
		}
		run, err := e.compile(np)
		if err != nil {
			return nil, err
		}
		n := &node{proto: np, run: run}
		e.nodes = append(e.nodes, n)
		deps := slices.DeleteFunc(slices.Clone(np.inputs), func(s string) bool { return s == "" })
		for _, out := range np.outputs {
			e.producer[out] = n
			e.values = append(e.values, value{name: out, deps: deps})
		}
	}

	var outputs []string
	for _, out := range m.graph.outputs {
		if out.elemType != 0 && out.elemType != dataTypeFloat {
			return nil, errdefs.Configurationf("output %q has element type %d; only float outputs are supported", out.name, out.elemType)
		}
		e.sig.Outputs = append(e.sig.Outputs, engine.IO{Name: out.name, Shape: out.shape})
		outputs = append(outputs, out.name)
	}
	if len(outputs) == 0 {
		return nil, errdefs.Configurationf("ONNX graph %q declares no outputs", m.graph.name)
	}
	if _, err := engine.BuildDAG(e.values, outputs); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) isConstant(name string) bool {
	_, isFloat := e.constants[name]
	_, isInt := e.ints[name]
	return isFloat || isInt
}

func (e *Engine) addConstant(name string, t *tensorProto) error {
	if t.isInteger() {
		ints, err := t.ints()
		if err != nil {
			return err
		}
		e.ints[name] = ints
		// Integer constants can also feed arithmetic.
		floats := make([]float32, len(ints))
		for i, v := range ints {
			floats[i] = float32(v)
		}
		e.constants[name], err = tensor.Wrap(floats, t.shape(), true)
		return err
	}
	floats, err := t.floats()
	if err != nil {
		return err
	}
	e.constants[name], err = tensor.Wrap(floats, t.shape(), true)
	return err
}

func (e *Engine) foldConstant(np *nodeProto) error {
	if len(np.outputs) != 1 {
		return errdefs.Configurationf("Constant node %q must have one output", np.name)
	}
	out := np.outputs[0]
	if a, ok := np.attributes["value"]; ok && a.t != nil {
		if err := e.addConstant(out, a.t); err != nil {
			return err
		}
	} else if a, ok := np.attributes["value_float"]; ok {
		e.constants[out] = tensor.Full(a.f)
	} else if a, ok := np.attributes["value_floats"]; ok {
		t, err := tensor.FromValues(a.floats, len(a.floats))
		if err != nil {
			return err
		}
		e.constants[out] = t
	} else if a, ok := np.attributes["value_ints"]; ok {
		if err := e.addConstant(out, &tensorProto{name: out, dims: []int64{int64(len(a.ints))}, dataType: dataTypeInt64, int64Data: a.ints}); err != nil {
			return err
		}
	} else {
		return errdefs.Configurationf("Constant node %q has no supported value attribute", np.name)
	}
	e.values = append(e.values, value{name: out})
	return nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Describe() engine.Signature { return e.sig }

func (e *Engine) Infer(ctx context.Context, in, out *tensor.Tensor) error {
	inputs, outputs, err := engine.Single(e.sig, in, out)
	if err != nil {
		return err
	}
	return e.InferMIMO(ctx, inputs, outputs)
}

func (e *Engine) InferMIMO(ctx context.Context, inputs, outputs []engine.Named) error {
	if e.closed {
		return errdefs.InvalidStatef("onnx engine is closed")
	}
	feeds, err := engine.BindInputs(e.sig.Inputs, inputs)
	if err != nil {
		return err
	}
	wanted, err := engine.BindOutputs(e.sig.Outputs, outputs)
	if err != nil {
		return err
	}
	want := make([]string, 0, len(outputs))
	for _, o := range outputs {
		want = append(want, o.Name)
	}

	results, err := e.run(ctx, feeds, want)
	if err != nil {
		return err
	}
	return engine.WriteOutputs(wanted, results)
}

func (e *Engine) run(ctx context.Context, feeds map[string]*tensor.Tensor, want []string) (map[string]*tensor.Tensor, error) {
	order, err := engine.BuildDAG(e.values, want)
	if err != nil {
		return nil, err
	}

	values := make(map[string]*tensor.Tensor, len(order))
	for name, t := range feeds {
		values[name] = t
	}
	for _, name := range order {
		if _, done := values[name]; done {
			continue
		}
		if c, ok := e.constants[name]; ok {
			values[name] = c
			continue
		}
		n, ok := e.producer[name]
		if !ok {
			return nil, errdefs.Runtimef("value %q has no producer", name)
		}
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Mark(err, errdefs.ErrEngineRuntime)
		}
		args := make([]*tensor.Tensor, len(n.proto.inputs))
		for i, in := range n.proto.inputs {
			if in != "" {
				args[i] = values[in]
			}
		}
		results, err := n.run(args)
		if err != nil {
			return nil, errdefs.Mark(fmt.Errorf("evaluating %s node %q: %w", n.proto.opType, n.proto.name, err), errdefs.ErrEngineRuntime)
		}
		for i, out := range n.proto.outputs {
			if i < len(results) && out != "" {
				values[out] = results[i]
			}
		}
	}

	results := make(map[string]*tensor.Tensor, len(want))
	for _, name := range want {
		results[name] = values[name]
	}
	return results, nil
}

func (e *Engine) Print(w io.Writer) {
	counts := make(map[string]int)
	for _, n := range e.nodes {
		counts[n.proto.opType]++
	}
	details := [][2]string{
		{"producer", e.model.producerName},
		{"ir_version", fmt.Sprint(e.model.irVersion)},
		{"opset", fmt.Sprint(e.model.opsetVersion)},
		{"graph", e.model.graph.name},
		{"nodes", fmt.Sprint(len(e.nodes))},
		{"constants", fmt.Sprint(len(e.constants))},
	}
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	for _, op := range ops {
		details = append(details, [2]string{"op " + op, fmt.Sprint(counts[op])})
	}
	engine.PrintSummary(w, Name, e.sig, details)
}

// Close drops the interpreted graph. Further calls fail with ErrInvalidState.
func (e *Engine) Close() error {
	e.closed = true
	e.constants = nil
	e.ints = nil
	e.nodes = nil
	e.producer = nil
	return nil
}
