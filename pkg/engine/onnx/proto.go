package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/wire"
)

// The subset of onnx.proto the interpreter reads. Field numbers follow onnx.proto.

type modelProto struct {
	irVersion    int64
	producerName string
	opsetVersion int64
	graph        *graphProto
}

type graphProto struct {
	name        string
	nodes       []*nodeProto
	initializer []*tensorProto
	inputs      []*valueInfo
	outputs     []*valueInfo
}

type nodeProto struct {
	name       string
	opType     string
	domain     string
	inputs     []string
	outputs    []string
	attributes map[string]*attribute
}

type attribute struct {
	name   string
	f      float32
	i      int64
	s      []byte
	t      *tensorProto
	floats []float32
	ints   []int64
}

type tensorProto struct {
	name     string
	dims     []int64
	dataType int32
	location int32

	floatData  []float32
	int32Data  []int64
	int64Data  []int64
	doubleData []float64
	rawData    []byte
}

type valueInfo struct {
	name     string
	elemType int32
	// shape is nil when the model does not declare one; unknown dims are -1.
	shape []int
}

// TensorProto.DataType values.
const (
	dataTypeFloat  = 1
	dataTypeInt32  = 6
	dataTypeInt64  = 7
	dataTypeDouble = 11
)

func parseModel(b []byte) (*modelProto, error) {
	m := &modelProto{}
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.irVersion = f.Int64()
		case 2:
			m.producerName = string(f.Bytes)
		case 7:
			g, err := parseGraph(f.Bytes)
			if err != nil {
				return err
			}
			m.graph = g
		case 8:
			var domain string
			var version int64
			if err := wire.Decode(f.Bytes, func(f wire.Field) error {
				switch f.Num {
				case 1:
					domain = string(f.Bytes)
				case 2:
					version = f.Int64()
				}
				return nil
			}); err != nil {
				return err
			}
			if domain == "" || domain == "ai.onnx" {
				m.opsetVersion = version
			}
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Configurationf("parsing ONNX model: %v", err)
	}
	if m.graph == nil {
		return nil, errdefs.Configurationf("ONNX model has no graph")
	}
	return m, nil
}

func parseGraph(b []byte) (*graphProto, error) {
	g := &graphProto{}
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n, err := parseNode(f.Bytes)
			if err != nil {
				return err
			}
			g.nodes = append(g.nodes, n)
		case 2:
			g.name = string(f.Bytes)
		case 5:
			t, err := parseTensor(f.Bytes)
			if err != nil {
				return err
			}
			g.initializer = append(g.initializer, t)
		case 11, 12:
			v, err := parseValueInfo(f.Bytes)
			if err != nil {
				return err
			}
			if f.Num == 11 {
				g.inputs = append(g.inputs, v)
			} else {
				g.outputs = append(g.outputs, v)
			}
		}
		return nil
	})
	return g, err
}

func parseNode(b []byte) (*nodeProto, error) {
	n := &nodeProto{attributes: make(map[string]*attribute)}
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n.inputs = append(n.inputs, string(f.Bytes))
		case 2:
			n.outputs = append(n.outputs, string(f.Bytes))
		case 3:
			n.name = string(f.Bytes)
		case 4:
			n.opType = string(f.Bytes)
		case 5:
			a, err := parseAttribute(f.Bytes)
			if err != nil {
				return err
			}
			n.attributes[a.name] = a
		case 7:
			n.domain = string(f.Bytes)
		}
		return nil
	})
	return n, err
}

func parseAttribute(b []byte) (*attribute, error) {
	a := &attribute{}
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			a.name = string(f.Bytes)
		case 2:
			a.f = f.Float32()
		case 3:
			a.i = f.Int64()
		case 4:
			a.s = f.Bytes
		case 5:
			t, err := parseTensor(f.Bytes)
			if err != nil {
				return err
			}
			a.t = t
		case 7:
			vs, err := repeatedFloat32(f)
			if err != nil {
				return err
			}
			a.floats = append(a.floats, vs...)
		case 8:
			vs, err := repeatedInt64(f)
			if err != nil {
				return err
			}
			a.ints = append(a.ints, vs...)
		}
		return nil
	})
	return a, err
}

func parseTensor(b []byte) (*tensorProto, error) {
	t := &tensorProto{}
	err := wire.Decode(b, func(f wire.Field) error {
		var err error
		var ints []int64
		var floats []float32
		switch f.Num {
		case 1:
			ints, err = repeatedInt64(f)
			t.dims = append(t.dims, ints...)
		case 2:
			t.dataType = int32(f.Varint)
		case 4:
			floats, err = repeatedFloat32(f)
			t.floatData = append(t.floatData, floats...)
		case 5:
			ints, err = repeatedInt64(f)
			t.int32Data = append(t.int32Data, ints...)
		case 7:
			ints, err = repeatedInt64(f)
			t.int64Data = append(t.int64Data, ints...)
		case 8:
			t.name = string(f.Bytes)
		case 9:
			t.rawData = f.Bytes
		case 10:
			if f.Type == protowire.BytesType {
				if len(f.Bytes)%8 != 0 {
					return fmt.Errorf("packed double field has %d bytes", len(f.Bytes))
				}
				for i := 0; i < len(f.Bytes); i += 8 {
					t.doubleData = append(t.doubleData, math.Float64frombits(binary.LittleEndian.Uint64(f.Bytes[i:])))
				}
			} else {
				t.doubleData = append(t.doubleData, math.Float64frombits(f.Fixed))
			}
		case 14:
			t.location = int32(f.Varint)
		}
		return err
	})
	return t, err
}

func parseValueInfo(b []byte) (*valueInfo, error) {
	v := &valueInfo{}
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v.name = string(f.Bytes)
		case 2:
			// TypeProto.tensor_type
			return wire.Decode(f.Bytes, func(f wire.Field) error {
				if f.Num != 1 {
					return nil
				}
				return wire.Decode(f.Bytes, func(f wire.Field) error {
					switch f.Num {
					case 1:
						v.elemType = int32(f.Varint)
					case 2:
						v.shape = []int{}
						return wire.Decode(f.Bytes, func(f wire.Field) error {
							if f.Num != 1 {
								return nil
							}
							dim := -1
							err := wire.Decode(f.Bytes, func(f wire.Field) error {
								if f.Num == 1 {
									dim = int(f.Int64())
								}
								return nil
							})
							v.shape = append(v.shape, dim)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return v, err
}

// repeatedInt64 reads a repeated int64 field in either packed or unpacked encoding.
func repeatedInt64(f wire.Field) ([]int64, error) {
	if f.Type != protowire.BytesType {
		return []int64{f.Int64()}, nil
	}
	vs, err := wire.PackedVarints(f.Bytes)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = int64(v)
	}
	return out, nil
}

func repeatedFloat32(f wire.Field) ([]float32, error) {
	if f.Type != protowire.BytesType {
		return []float32{f.Float32()}, nil
	}
	return wire.PackedFloat32s(f.Bytes)
}

func (t *tensorProto) shape() []int {
	shape := make([]int, len(t.dims))
	for i, d := range t.dims {
		shape[i] = int(d)
	}
	return shape
}

func (t *tensorProto) numElements() int {
	n := 1
	for _, d := range t.dims {
		n *= int(d)
	}
	return n
}

// floats decodes a FLOAT or DOUBLE tensor.
func (t *tensorProto) floats() ([]float32, error) {
	if t.location != 0 {
		return nil, errdefs.Configurationf("tensor %q uses external data, which is not supported", t.name)
	}
	n := t.numElements()
	var out []float32
	switch t.dataType {
	case dataTypeFloat:
		if t.rawData != nil {
			out = make([]float32, len(t.rawData)/4)
			for i := range out {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.rawData[4*i:]))
			}
		} else {
			out = append([]float32(nil), t.floatData...)
		}
	case dataTypeDouble:
		if t.rawData != nil {
			out = make([]float32, len(t.rawData)/8)
			for i := range out {
				out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.rawData[8*i:])))
			}
		} else {
			out = make([]float32, len(t.doubleData))
			for i, v := range t.doubleData {
				out[i] = float32(v)
			}
		}
	default:
		return nil, errdefs.Configurationf("tensor %q has data type %d, expected float", t.name, t.dataType)
	}
	if len(out) != n {
		return nil, errdefs.Configurationf("tensor %q has %d values for dims %v", t.name, len(out), t.dims)
	}
	return out, nil
}

// ints decodes an INT64 or INT32 tensor.
func (t *tensorProto) ints() ([]int64, error) {
	if t.location != 0 {
		return nil, errdefs.Configurationf("tensor %q uses external data, which is not supported", t.name)
	}
	var out []int64
	switch t.dataType {
	case dataTypeInt64:
		if t.rawData != nil {
			out = make([]int64, len(t.rawData)/8)
			for i := range out {
				out[i] = int64(binary.LittleEndian.Uint64(t.rawData[8*i:]))
			}
		} else {
			out = t.int64Data
		}
	case dataTypeInt32:
		if t.rawData != nil {
			out = make([]int64, len(t.rawData)/4)
			for i := range out {
				out[i] = int64(int32(binary.LittleEndian.Uint32(t.rawData[4*i:])))
			}
		} else {
			out = t.int32Data
		}
	default:
		return nil, errdefs.Configurationf("tensor %q has data type %d, expected an integer type", t.name, t.dataType)
	}
	if len(out) != t.numElements() {
		return nil, errdefs.Configurationf("tensor %q has %d values for dims %v", t.name, len(out), t.dims)
	}
	return out, nil
}

func (t *tensorProto) isInteger() bool {
	return t.dataType == dataTypeInt64 || t.dataType == dataTypeInt32
}
