package testmodels

import (
	"encoding/binary"
	"math"

	flatbuffers "github.com/google/flatbuffers/go"
)

// TFLiteModel is a single-subgraph TFLite model, encoded by Bytes.
type TFLiteModel struct {
	Description string
	Version     uint32
	Tensors     []TFLiteTensor
	Inputs      []int32
	Outputs     []int32
	Operators   []TFLiteOperator
	// Custom names a custom operator code appended after the builtin ones.
	Custom string
}

type TFLiteTensor struct {
	Name  string
	Shape []int32
	// Signature is the shape_signature, with -1 for dynamic dims.
	Signature []int32
	// Floats or Ints make the tensor a constant.
	Floats []float32
	Ints   []int32
}

type TFLiteOperator struct {
	// Builtin is the BuiltinOperator code.
	Builtin int32
	Inputs  []int32
	Outputs []int32

	// FusedActivation applies to ADD, MUL and FULLY_CONNECTED.
	FusedActivation byte
	// Beta applies to SOFTMAX.
	Beta float32
	// NewShape applies to RESHAPE.
	NewShape []int32
}

// BuiltinOperator values used by the test models.
const (
	TFLiteAdd            = 0
	TFLiteFullyConnected = 9
	TFLiteLogistic       = 14
	TFLiteMul            = 18
	TFLiteRelu           = 19
	TFLiteReshape        = 22
	TFLiteSoftmax        = 25
	TFLiteTanh           = 28
)

const TFLiteRelu6Activation = 3

func (m *TFLiteModel) Bytes() []byte {
	b := flatbuffers.NewBuilder(1024)

	// Buffer 0 is the conventional empty buffer.
	var buffers []flatbuffers.UOffsetT
	b.StartObject(3)
	buffers = append(buffers, b.EndObject())
	bufferIndex := make([]uint32, len(m.Tensors))
	for i, t := range m.Tensors {
		var data []byte
		switch {
		case t.Floats != nil:
			for _, v := range t.Floats {
				data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
			}
		case t.Ints != nil:
			for _, v := range t.Ints {
				data = binary.LittleEndian.AppendUint32(data, uint32(v))
			}
		default:
			continue
		}
		vec := b.CreateByteVector(data)
		b.StartObject(3)
		b.PrependUOffsetTSlot(0, vec, 0)
		bufferIndex[i] = uint32(len(buffers))
		buffers = append(buffers, b.EndObject())
	}

	var tensors []flatbuffers.UOffsetT
	for i, t := range m.Tensors {
		name := b.CreateString(t.Name)
		shape := int32Vector(b, t.Shape)
		var signature flatbuffers.UOffsetT
		if t.Signature != nil {
			signature = int32Vector(b, t.Signature)
		}
		b.StartObject(8)
		b.PrependUOffsetTSlot(0, shape, 0)
		if t.Ints != nil {
			b.PrependByteSlot(1, 2, 0) // INT32
		}
		b.PrependUint32Slot(2, bufferIndex[i], 0)
		b.PrependUOffsetTSlot(3, name, 0)
		if t.Signature != nil {
			b.PrependUOffsetTSlot(7, signature, 0)
		}
		tensors = append(tensors, b.EndObject())
	}

	// One operator code per distinct builtin, in order of first use.
	var codes []int32
	codeIndex := map[int32]uint32{}
	for _, op := range m.Operators {
		if _, ok := codeIndex[op.Builtin]; !ok {
			codeIndex[op.Builtin] = uint32(len(codes))
			codes = append(codes, op.Builtin)
		}
	}

	var operators []flatbuffers.UOffsetT
	for _, op := range m.Operators {
		inputs := int32Vector(b, op.Inputs)
		outputs := int32Vector(b, op.Outputs)
		optionsType, options := tfliteOptions(b, op)
		b.StartObject(5)
		b.PrependUint32Slot(0, codeIndex[op.Builtin], 0)
		b.PrependUOffsetTSlot(1, inputs, 0)
		b.PrependUOffsetTSlot(2, outputs, 0)
		if options != 0 {
			b.PrependByteSlot(3, optionsType, 0)
			b.PrependUOffsetTSlot(4, options, 0)
		}
		operators = append(operators, b.EndObject())
	}

	var opcodes []flatbuffers.UOffsetT
	for _, code := range codes {
		b.StartObject(4)
		if code < 127 {
			b.PrependInt8Slot(0, int8(code), 0)
		}
		b.PrependInt32Slot(2, 1, 1)
		b.PrependInt32Slot(3, code, 0)
		opcodes = append(opcodes, b.EndObject())
	}
	if m.Custom != "" {
		custom := b.CreateString(m.Custom)
		b.StartObject(4)
		b.PrependInt8Slot(0, 32, 0) // CUSTOM
		b.PrependUOffsetTSlot(1, custom, 0)
		b.PrependInt32Slot(3, 32, 0)
		opcodes = append(opcodes, b.EndObject())
	}

	tensorsVec := offsetVector(b, tensors)
	inputs := int32Vector(b, m.Inputs)
	outputs := int32Vector(b, m.Outputs)
	operatorsVec := offsetVector(b, operators)
	subgraphName := b.CreateString("main")
	b.StartObject(5)
	b.PrependUOffsetTSlot(0, tensorsVec, 0)
	b.PrependUOffsetTSlot(1, inputs, 0)
	b.PrependUOffsetTSlot(2, outputs, 0)
	b.PrependUOffsetTSlot(3, operatorsVec, 0)
	b.PrependUOffsetTSlot(4, subgraphName, 0)
	subgraph := b.EndObject()

	opcodesVec := offsetVector(b, opcodes)
	subgraphsVec := offsetVector(b, []flatbuffers.UOffsetT{subgraph})
	description := b.CreateString(m.Description)
	buffersVec := offsetVector(b, buffers)

	version := m.Version
	if version == 0 {
		version = 3
	}
	b.StartObject(5)
	b.PrependUint32Slot(0, version, 0)
	b.PrependUOffsetTSlot(1, opcodesVec, 0)
	b.PrependUOffsetTSlot(2, subgraphsVec, 0)
	b.PrependUOffsetTSlot(3, description, 0)
	b.PrependUOffsetTSlot(4, buffersVec, 0)
	root := b.EndObject()
	b.FinishWithFileIdentifier(root, []byte("TFL3"))
	return b.FinishedBytes()
}

// tfliteOptions builds the BuiltinOptions table for op, or returns 0 when it takes none.
func tfliteOptions(b *flatbuffers.Builder, op TFLiteOperator) (byte, flatbuffers.UOffsetT) {
	switch op.Builtin {
	case TFLiteFullyConnected:
		b.StartObject(4)
		b.PrependByteSlot(0, op.FusedActivation, 0)
		return 8, b.EndObject()
	case TFLiteAdd:
		b.StartObject(2)
		b.PrependByteSlot(0, op.FusedActivation, 0)
		return 11, b.EndObject()
	case TFLiteMul:
		b.StartObject(1)
		b.PrependByteSlot(0, op.FusedActivation, 0)
		return 21, b.EndObject()
	case TFLiteSoftmax:
		b.StartObject(1)
		b.PrependFloat32Slot(0, op.Beta, 0)
		return 9, b.EndObject()
	case TFLiteReshape:
		if op.NewShape == nil {
			return 0, 0
		}
		shape := int32Vector(b, op.NewShape)
		b.StartObject(1)
		b.PrependUOffsetTSlot(0, shape, 0)
		return 17, b.EndObject()
	}
	return 0, 0
}

func int32Vector(b *flatbuffers.Builder, vs []int32) flatbuffers.UOffsetT {
	b.StartVector(4, len(vs), 4)
	for i := len(vs) - 1; i >= 0; i-- {
		b.PrependInt32(vs[i])
	}
	return b.EndVector(len(vs))
}

func offsetVector(b *flatbuffers.Builder, vs []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(4, len(vs), 4)
	for i := len(vs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(vs[i])
	}
	return b.EndVector(len(vs))
}

// DenseTFLite returns the Dense network as two FULLY_CONNECTED operators, the first
// with a fused RELU, followed by LOGISTIC.
func DenseTFLite() *TFLiteModel {
	return &TFLiteModel{
		Description: "infero-testmodels",
		Tensors: []TFLiteTensor{
			{Name: DenseInputName, Shape: []int32{1, DenseInputs}, Signature: []int32{-1, DenseInputs}},
			{Name: "w1", Shape: []int32{DenseHidden, DenseInputs}, Floats: flatten(transpose(DenseW1()))},
			{Name: "b1", Shape: []int32{DenseHidden}, Floats: DenseB1()},
			{Name: "hidden", Shape: []int32{1, DenseHidden}},
			{Name: "w2", Shape: []int32{DenseOutputs, DenseHidden}, Floats: flatten(transpose(DenseW2()))},
			{Name: "b2", Shape: []int32{DenseOutputs}, Floats: DenseB2()},
			{Name: "logits", Shape: []int32{1, DenseOutputs}},
			{Name: DenseOutputName, Shape: []int32{1, DenseOutputs}, Signature: []int32{-1, DenseOutputs}},
		},
		Inputs:  []int32{0},
		Outputs: []int32{7},
		Operators: []TFLiteOperator{
			{Builtin: TFLiteFullyConnected, Inputs: []int32{0, 1, 2}, Outputs: []int32{3}, FusedActivation: 1},
			{Builtin: TFLiteFullyConnected, Inputs: []int32{3, 4, 5}, Outputs: []int32{6}},
			{Builtin: TFLiteLogistic, Inputs: []int32{6}, Outputs: []int32{7}},
		},
	}
}
