package tflite

import (
	"encoding/binary"
	"math"

	flatbuffers "github.com/google/flatbuffers/go"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// Field slots of the TFLite schema (schema.fbs, version 3) that the interpreter reads.
// A slot's vtable offset is 4 + 2*index.
const (
	modelVersion       = 0
	modelOperatorCodes = 1
	modelSubgraphs     = 2
	modelDescription   = 3
	modelBuffers       = 4

	opcodeDeprecatedBuiltin = 0
	opcodeCustom            = 1
	opcodeBuiltin           = 3

	subgraphTensors   = 0
	subgraphInputs    = 1
	subgraphOutputs   = 2
	subgraphOperators = 3
	subgraphName      = 4

	tensorShape          = 0
	tensorType           = 1
	tensorBuffer         = 2
	tensorName           = 3
	tensorShapeSignature = 7

	operatorOpcodeIndex = 0
	operatorInputs      = 1
	operatorOutputs     = 2
	operatorOptionsType = 3
	operatorOptions     = 4

	bufferData   = 0
	bufferOffset = 1
)

// BuiltinOperator values.
const (
	opAdd            = 0
	opFullyConnected = 9
	opLogistic       = 14
	opMul            = 18
	opRelu           = 19
	opRelu6          = 21
	opReshape        = 22
	opSoftmax        = 25
	opTanh           = 28
)

// TensorType values.
const (
	typeFloat32 = 0
	typeInt32   = 2
	typeInt64   = 4
)

// FileIdentifier marks a TFLite flatbuffer.
const FileIdentifier = "TFL3"

func vt(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}

// table wraps a flatbuffers.Table with the accessors generated code would provide.
type table struct {
	flatbuffers.Table
}

func rootTable(buf []byte) table {
	n := flatbuffers.GetUOffsetT(buf)
	return table{flatbuffers.Table{Bytes: buf, Pos: n}}
}

func (t table) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(vt(slot)))
}

func (t table) getUint32(slot int, def uint32) uint32 {
	if o := t.field(slot); o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return def
}

func (t table) getInt32(slot int, def int32) int32 {
	if o := t.field(slot); o != 0 {
		return t.GetInt32(o + t.Pos)
	}
	return def
}

func (t table) getByte(slot int, def byte) byte {
	if o := t.field(slot); o != 0 {
		return t.GetByte(o + t.Pos)
	}
	return def
}

func (t table) getBool(slot int) bool {
	if o := t.field(slot); o != 0 {
		return t.GetBool(o + t.Pos)
	}
	return false
}

func (t table) getFloat32(slot int, def float32) float32 {
	if o := t.field(slot); o != 0 {
		return t.GetFloat32(o + t.Pos)
	}
	return def
}

func (t table) getUint64(slot int) uint64 {
	if o := t.field(slot); o != 0 {
		return t.GetUint64(o + t.Pos)
	}
	return 0
}

func (t table) getString(slot int) string {
	if o := t.field(slot); o != 0 {
		return t.String(o + t.Pos)
	}
	return ""
}

func (t table) getBytes(slot int) []byte {
	if o := t.field(slot); o != 0 {
		return t.ByteVector(o + t.Pos)
	}
	return nil
}

func (t table) has(slot int) bool {
	return t.field(slot) != 0
}

func (t table) int32s(slot int) []int32 {
	o := t.field(slot)
	if o == 0 {
		return nil
	}
	n := t.VectorLen(o)
	start := t.Vector(o)
	out := make([]int32, n)
	for i := range out {
		out[i] = t.GetInt32(start + flatbuffers.UOffsetT(i*4))
	}
	return out
}

func (t table) tables(slot int) []table {
	o := t.field(slot)
	if o == 0 {
		return nil
	}
	n := t.VectorLen(o)
	start := t.Vector(o)
	out := make([]table, n)
	for i := range out {
		x := t.Indirect(start + flatbuffers.UOffsetT(i*4))
		out[i] = table{flatbuffers.Table{Bytes: t.Bytes, Pos: x}}
	}
	return out
}

func (t table) union(slot int) (table, bool) {
	o := t.field(slot)
	if o == 0 {
		return table{}, false
	}
	var u flatbuffers.Table
	t.Union(&u, o)
	return table{u}, true
}

// The decoded model.

type model struct {
	version     uint32
	description string
	opcodes     []int32
	buffers     [][]byte
	subgraph    subgraph
}

type subgraph struct {
	name      string
	tensors   []tensorInfo
	inputs    []int32
	outputs   []int32
	operators []operator
}

type tensorInfo struct {
	name      string
	shape     []int
	signature []int
	typ       byte
	buffer    uint32
}

type operator struct {
	opcode      int32
	inputs      []int32
	outputs     []int32
	optionsType byte
	options     table
	hasOptions  bool
}

func parseModel(buf []byte) (m *model, err error) {
	if len(buf) < 8 || string(buf[4:8]) != FileIdentifier {
		return nil, errdefs.Configurationf("not a TFLite model (missing %s identifier)", FileIdentifier)
	}
	// flatbuffers does no bounds checking of its own.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, errdefs.Configurationf("corrupt TFLite model: %v", r)
		}
	}()

	root := rootTable(buf)
	m = &model{
		version:     root.getUint32(modelVersion, 0),
		description: root.getString(modelDescription),
	}
	if m.version != 3 {
		return nil, errdefs.Configurationf("unsupported TFLite schema version %d", m.version)
	}

	for _, oc := range root.tables(modelOperatorCodes) {
		code := max(int32(int8(oc.getByte(opcodeDeprecatedBuiltin, 0))), oc.getInt32(opcodeBuiltin, 0))
		if custom := oc.getString(opcodeCustom); custom != "" {
			return nil, errdefs.Configurationf("custom operator %q is not supported", custom)
		}
		m.opcodes = append(m.opcodes, code)
	}

	for _, b := range root.tables(modelBuffers) {
		if b.getUint64(bufferOffset) > 1 {
			return nil, errdefs.Configurationf("TFLite buffers stored outside the flatbuffer are not supported")
		}
		m.buffers = append(m.buffers, b.getBytes(bufferData))
	}

	subgraphs := root.tables(modelSubgraphs)
	if len(subgraphs) == 0 {
		return nil, errdefs.Configurationf("TFLite model has no subgraphs")
	}
	sg := subgraphs[0]
	m.subgraph = subgraph{
		name:    sg.getString(subgraphName),
		inputs:  sg.int32s(subgraphInputs),
		outputs: sg.int32s(subgraphOutputs),
	}
	for _, t := range sg.tables(subgraphTensors) {
		info := tensorInfo{
			name:   t.getString(tensorName),
			shape:  toInts(t.int32s(tensorShape)),
			typ:    t.getByte(tensorType, typeFloat32),
			buffer: t.getUint32(tensorBuffer, 0),
		}
		if t.has(tensorShapeSignature) {
			info.signature = toInts(t.int32s(tensorShapeSignature))
		}
		m.subgraph.tensors = append(m.subgraph.tensors, info)
	}
	for _, o := range sg.tables(subgraphOperators) {
		op := operator{
			inputs:      o.int32s(operatorInputs),
			outputs:     o.int32s(operatorOutputs),
			optionsType: o.getByte(operatorOptionsType, 0),
		}
		index := o.getUint32(operatorOpcodeIndex, 0)
		if int(index) >= len(m.opcodes) {
			return nil, errdefs.Configurationf("operator refers to opcode %d of %d", index, len(m.opcodes))
		}
		op.opcode = m.opcodes[index]
		op.options, op.hasOptions = o.union(operatorOptions)
		m.subgraph.operators = append(m.subgraph.operators, op)
	}
	return m, nil
}

func toInts(vs []int32) []int {
	if vs == nil {
		return []int{}
	}
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = int(v)
	}
	return out
}

func (m *model) floatBuffer(t tensorInfo) ([]float32, bool) {
	data := m.buffer(t)
	if data == nil || t.typ != typeFloat32 {
		return nil, false
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, true
}

func (m *model) intBuffer(t tensorInfo) ([]int, bool) {
	data := m.buffer(t)
	if data == nil {
		return nil, false
	}
	switch t.typ {
	case typeInt32:
		out := make([]int, len(data)/4)
		for i := range out {
			out[i] = int(int32(binary.LittleEndian.Uint32(data[4*i:])))
		}
		return out, true
	case typeInt64:
		out := make([]int, len(data)/8)
		for i := range out {
			out[i] = int(int64(binary.LittleEndian.Uint64(data[8*i:])))
		}
		return out, true
	}
	return nil, false
}

// buffer returns the constant data of t, or nil for a tensor computed at run time.
func (m *model) buffer(t tensorInfo) []byte {
	if t.buffer == 0 || int(t.buffer) >= len(m.buffers) {
		return nil
	}
	data := m.buffers[t.buffer]
	if len(data) == 0 {
		return nil
	}
	return data
}
