package testmodels

import (
	"encoding/binary"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"k8s.io/examples/AI/infero/pkg/wire"
)

// ONNXModel is an ONNX ModelProto, encoded by Bytes.
type ONNXModel struct {
	Producer string
	Opset    int64
	Graph    ONNXGraph
}

type ONNXGraph struct {
	Name         string
	Nodes        []ONNXNode
	Initializers []ONNXTensor
	Inputs       []ONNXValue
	Outputs      []ONNXValue
}

type ONNXNode struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string

	Floats map[string]float32
	Ints   map[string]int64
	// Value is the "value" attribute of a Constant node.
	Value *ONNXTensor
}

// ONNXTensor holds float data, or int64 data when Int64s is set.
type ONNXTensor struct {
	Name   string
	Dims   []int64
	Floats []float32
	Int64s []int64
	// Raw stores the data in raw_data instead of the typed field.
	Raw bool
}

// ONNXValue declares a graph input or output. Negative dims become symbolic.
type ONNXValue struct {
	Name  string
	Shape []int64
}

// AttributeProto.AttributeType values.
const (
	attrFloat  = 1
	attrInt    = 2
	attrTensor = 4
)

func (m *ONNXModel) Bytes() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, 8) // ir_version
	b = wire.AppendString(b, 2, m.Producer)
	b = wire.AppendBytes(b, 7, m.Graph.marshal())
	var opset []byte
	opset = wire.AppendVarint(opset, 2, uint64(m.Opset))
	b = wire.AppendBytes(b, 8, opset)
	return b
}

func (g *ONNXGraph) marshal() []byte {
	var b []byte
	for i := range g.Nodes {
		b = wire.AppendBytes(b, 1, g.Nodes[i].marshal())
	}
	b = wire.AppendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = wire.AppendBytes(b, 5, g.Initializers[i].marshal())
	}
	for i := range g.Inputs {
		b = wire.AppendBytes(b, 11, g.Inputs[i].marshal())
	}
	for i := range g.Outputs {
		b = wire.AppendBytes(b, 12, g.Outputs[i].marshal())
	}
	return b
}

func (n *ONNXNode) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = wire.AppendBytes(b, 1, []byte(in))
	}
	for _, out := range n.Outputs {
		b = wire.AppendBytes(b, 2, []byte(out))
	}
	b = wire.AppendString(b, 3, n.Name)
	b = wire.AppendString(b, 4, n.OpType)

	for _, name := range sortedKeys(n.Floats) {
		var a []byte
		a = wire.AppendString(a, 1, name)
		a = wire.AppendFloat32(a, 2, n.Floats[name])
		a = wire.AppendVarint(a, 20, attrFloat)
		b = wire.AppendBytes(b, 5, a)
	}
	for _, name := range sortedKeys(n.Ints) {
		var a []byte
		a = wire.AppendString(a, 1, name)
		a = appendInt64(a, 3, n.Ints[name])
		a = wire.AppendVarint(a, 20, attrInt)
		b = wire.AppendBytes(b, 5, a)
	}
	if n.Value != nil {
		var a []byte
		a = wire.AppendString(a, 1, "value")
		a = wire.AppendBytes(a, 5, n.Value.marshal())
		a = wire.AppendVarint(a, 20, attrTensor)
		b = wire.AppendBytes(b, 5, a)
	}
	return b
}

func (t *ONNXTensor) marshal() []byte {
	dims := make([]uint64, len(t.Dims))
	for i, d := range t.Dims {
		dims[i] = uint64(d)
	}
	var b []byte
	b = wire.AppendPackedVarints(b, 1, dims)
	switch {
	case t.Int64s != nil:
		b = wire.AppendVarint(b, 2, 7) // INT64
		if t.Raw {
			raw := make([]byte, 0, 8*len(t.Int64s))
			for _, v := range t.Int64s {
				raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
			}
			b = wire.AppendBytes(b, 9, raw)
		} else {
			vs := make([]uint64, len(t.Int64s))
			for i, v := range t.Int64s {
				vs[i] = uint64(v)
			}
			b = wire.AppendPackedVarints(b, 7, vs)
		}
	default:
		b = wire.AppendVarint(b, 2, 1) // FLOAT
		if t.Raw {
			raw := make([]byte, 0, 4*len(t.Floats))
			for _, v := range t.Floats {
				raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
			}
			b = wire.AppendBytes(b, 9, raw)
		} else {
			b = wire.AppendPackedFloat32s(b, 4, t.Floats)
		}
	}
	b = wire.AppendString(b, 8, t.Name)
	return b
}

func (v *ONNXValue) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d < 0 {
			dim = wire.AppendString(dim, 2, "N")
		} else {
			dim = appendInt64(dim, 1, d)
		}
		shape = wire.AppendBytes(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = wire.AppendVarint(tensorType, 1, 1) // FLOAT
	if v.Shape != nil {
		tensorType = wire.AppendBytes(tensorType, 2, shape)
	}
	var typeProto []byte
	typeProto = wire.AppendBytes(typeProto, 1, tensorType)

	var b []byte
	b = wire.AppendString(b, 1, v.Name)
	b = wire.AppendBytes(b, 2, typeProto)
	return b
}

// appendInt64 writes v even when it is zero.
func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DenseONNX returns the Dense network as an ONNX graph of MatMul, Add, Relu, Gemm,
// Sigmoid and a Reshape driven by a Constant node.
func DenseONNX() *ONNXModel {
	return &ONNXModel{
		Producer: "infero-testmodels",
		Opset:    13,
		Graph: ONNXGraph{
			Name: "dense",
			Initializers: []ONNXTensor{
				{Name: "W1", Dims: []int64{DenseInputs, DenseHidden}, Floats: flatten(DenseW1())},
				{Name: "B1", Dims: []int64{DenseHidden}, Floats: DenseB1(), Raw: true},
				{Name: "W2", Dims: []int64{DenseHidden, DenseOutputs}, Floats: flatten(DenseW2()), Raw: true},
				{Name: "B2", Dims: []int64{DenseOutputs}, Floats: DenseB2()},
			},
			Inputs: []ONNXValue{
				{Name: DenseInputName, Shape: []int64{-1, DenseInputs}},
				// Older exporters also list initializers as inputs.
				{Name: "W1", Shape: []int64{DenseInputs, DenseHidden}},
			},
			Outputs: []ONNXValue{
				{Name: DenseOutputName, Shape: []int64{-1, DenseOutputs}},
			},
			Nodes: []ONNXNode{
				{Name: "matmul", OpType: "MatMul", Inputs: []string{DenseInputName, "W1"}, Outputs: []string{"h0"}},
				{Name: "add", OpType: "Add", Inputs: []string{"h0", "B1"}, Outputs: []string{"h1"}},
				{Name: "relu", OpType: "Relu", Inputs: []string{"h1"}, Outputs: []string{"h2"}},
				{Name: "gemm", OpType: "Gemm", Inputs: []string{"h2", "W2", "B2"}, Outputs: []string{"h3"},
					Floats: map[string]float32{"alpha": 1, "beta": 1}, Ints: map[string]int64{"transB": 0}},
				{Name: "sigmoid", OpType: "Sigmoid", Inputs: []string{"h3"}, Outputs: []string{"h4"}},
				{Name: "shape", OpType: "Constant", Outputs: []string{"shape"},
					Value: &ONNXTensor{Name: "shape", Dims: []int64{2}, Int64s: []int64{-1, DenseOutputs}}},
				{Name: "reshape", OpType: "Reshape", Inputs: []string{"h4", "shape"}, Outputs: []string{DenseOutputName}},
			},
		},
	}
}
