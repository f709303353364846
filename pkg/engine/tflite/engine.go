// Package tflite is a pure-Go interpreter for small float32 TFLite models.
package tflite

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

const Name = "tflite"

func init() {
	engine.Register(Name, New)
}

type Engine struct {
	model *model
	sig   engine.Signature

	// byName maps signature names to tensor indices.
	byName    map[string]int32
	constants map[int32]*tensor.Tensor
	ops       []*compiledOp
	producer  map[int32]*compiledOp
	nodes     []node

	closed bool
}

var _ engine.Engine = (*Engine)(nil)

type node struct {
	id   int32
	deps []int32
}

func (n node) TensorID() int32       { return n.id }
func (n node) Dependencies() []int32 { return n.deps }

type compiledOp struct {
	op   *operator
	name string
	run  func(args []*tensor.Tensor) (*tensor.Tensor, error)
}

// New parses buf as a TFLite flatbuffer and runs its first subgraph.
func New(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (engine.Engine, error) {
	m, err := parseModel(buf.Bytes())
	if err != nil {
		return nil, err
	}
	sg := &m.subgraph
	e := &Engine{
		model:     m,
		byName:    make(map[string]int32),
		constants: make(map[int32]*tensor.Tensor),
		producer:  make(map[int32]*compiledOp),
	}

	checkIndex := func(i int32) error {
		if i < 0 || int(i) >= len(sg.tensors) {
			return errdefs.Configurationf("tensor index %d out of range (%d tensors)", i, len(sg.tensors))
		}
		return nil
	}

	for i, info := range sg.tensors {
		data, ok := m.floatBuffer(info)
		if !ok {
			// Integer constants (shape operands) are kept as floats too.
			ints, isInt := m.intBuffer(info)
			if !isInt {
				continue
			}
			data = make([]float32, len(ints))
			for j, v := range ints {
				data[j] = float32(v)
			}
		}
		t, err := tensor.Wrap(data, info.shape, true)
		if err != nil {
			return nil, errdefs.Configurationf("constant tensor %q: %v", info.name, err)
		}
		e.constants[int32(i)] = t
		e.nodes = append(e.nodes, node{id: int32(i)})
	}

	declare := func(index int32) (engine.IO, error) {
		if err := checkIndex(index); err != nil {
			return engine.IO{}, err
		}
		info := sg.tensors[index]
		if info.typ != typeFloat32 {
			return engine.IO{}, errdefs.Configurationf("tensor %q has type %d; only float32 inputs and outputs are supported", info.name, info.typ)
		}
		name := info.name
		if name == "" {
			name = fmt.Sprintf("tensor_%d", index)
		}
		shape := info.shape
		if info.signature != nil {
			shape = info.signature
		}
		e.byName[name] = index
		return engine.IO{Name: name, Shape: slices.Clone(shape)}, nil
	}
	for _, index := range sg.inputs {
		in, err := declare(index)
		if err != nil {
			return nil, err
		}
		e.sig.Inputs = append(e.sig.Inputs, in)
		e.nodes = append(e.nodes, node{id: index})
	}

	for i := range sg.operators {
		op := &sg.operators[i]
		for _, idx := range slices.Concat(op.inputs, op.outputs) {
			if idx == -1 {
				continue
			}
			if err := checkIndex(idx); err != nil {
				return nil, err
			}
		}
		if len(op.outputs) != 1 {
			return nil, errdefs.Configurationf("operator %d has %d outputs, expected 1", i, len(op.outputs))
		}
		c, err := e.compile(op)
		if err != nil {
			return nil, errdefs.Mark(fmt.Errorf("operator %d: %w", i, err), errdefs.ErrConfiguration)
		}
		e.ops = append(e.ops, c)
		deps := slices.DeleteFunc(slices.Clone(op.inputs), func(i int32) bool { return i == -1 })
		e.producer[op.outputs[0]] = c
		e.nodes = append(e.nodes, node{id: op.outputs[0], deps: deps})
	}

	var outputs []int32
	for _, index := range sg.outputs {
		out, err := declare(index)
		if err != nil {
			return nil, err
		}
		e.sig.Outputs = append(e.sig.Outputs, out)
		outputs = append(outputs, index)
	}
	if len(outputs) == 0 {
		return nil, errdefs.Configurationf("TFLite subgraph %q declares no outputs", sg.name)
	}
	if _, err := engine.BuildDAG(e.nodes, outputs); err != nil {
		return nil, err
	}
	return e, nil
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
		return errdefs.InvalidStatef("tflite engine is closed")
	}
	feeds, err := engine.BindInputs(e.sig.Inputs, inputs)
	if err != nil {
		return err
	}
	wanted, err := engine.BindOutputs(e.sig.Outputs, outputs)
	if err != nil {
		return err
	}

	values := make(map[int32]*tensor.Tensor)
	for name, t := range feeds {
		values[e.byName[name]] = t
	}
	want := make([]int32, 0, len(outputs))
	for _, o := range outputs {
		want = append(want, e.byName[o.Name])
	}

	order, err := engine.BuildDAG(e.nodes, want)
	if err != nil {
		return err
	}
	for _, id := range order {
		if _, done := values[id]; done {
			continue
		}
		if c, ok := e.constants[id]; ok {
			values[id] = c
			continue
		}
		c, ok := e.producer[id]
		if !ok {
			return errdefs.Runtimef("tensor %d has no producer", id)
		}
		if err := ctx.Err(); err != nil {
			return errdefs.Mark(err, errdefs.ErrEngineRuntime)
		}
		args := make([]*tensor.Tensor, len(c.op.inputs))
		for i, in := range c.op.inputs {
			if in >= 0 {
				args[i] = values[in]
			}
		}
		result, err := c.run(args)
		if err != nil {
			return errdefs.Mark(fmt.Errorf("evaluating %s: %w", c.name, err), errdefs.ErrEngineRuntime)
		}
		values[id] = result
	}

	results := make(map[string]*tensor.Tensor, len(wanted))
	for name := range wanted {
		results[name] = values[e.byName[name]]
	}
	return engine.WriteOutputs(wanted, results)
}

func (e *Engine) Print(w io.Writer) {
	counts := make(map[string]int)
	for _, c := range e.ops {
		counts[c.name]++
	}
	details := [][2]string{
		{"schema", fmt.Sprint(e.model.version)},
		{"description", e.model.description},
		{"subgraph", e.model.subgraph.name},
		{"tensors", fmt.Sprint(len(e.model.subgraph.tensors))},
		{"operators", fmt.Sprint(len(e.ops))},
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		details = append(details, [2]string{"op " + name, fmt.Sprint(counts[name])})
	}
	engine.PrintSummary(w, Name, e.sig, details)
}

func (e *Engine) Close() error {
	e.closed = true
	e.constants = nil
	e.ops = nil
	e.producer = nil
	return nil
}
