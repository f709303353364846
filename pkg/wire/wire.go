// Package wire encodes the small messages infero exchanges over gRPC.
//
// Messages are written in protobuf wire format with protowire, without generated code,
// and carried by a gRPC codec named "infero" that both sides force.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every value the codec carries.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

// Codec is a grpc encoding.Codec for Message values.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Name is also used as the gRPC content-subtype.
func (Codec) Name() string { return "infero" }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return m.MarshalWire(), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

// Field is one decoded field. Bytes aliases the input buffer.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Fixed  uint64
	Bytes  []byte
}

// Float32 interprets a fixed32 field.
func (f Field) Float32() float32 { return math.Float32frombits(uint32(f.Fixed)) }

// Int64 interprets a varint field as a two's-complement int64.
func (f Field) Int64() int64 { return int64(f.Varint) }

// Decode calls fn for each field of the message b in order.
func Decode(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Fixed = uint64(v)
		case protowire.Fixed64Type:
			f.Fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// PackedVarints decodes a packed repeated varint field.
func PackedVarints(b []byte) ([]uint64, error) {
	var out []uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// PackedFloat32s decodes a packed repeated float field.
func PackedFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed float field has %d bytes, not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// AppendVarint appends a varint field; zero values are skipped.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBytes appends a length-delimited field, even when empty.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendString appends a string field; empty strings are skipped.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendFloat32 appends a fixed32 float field.
func AppendFloat32(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// AppendPackedVarints appends a packed repeated varint field.
func AppendPackedVarints(b []byte, num protowire.Number, vs []uint64) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, v)
	}
	return AppendBytes(b, num, packed)
}

// AppendPackedFloat32s appends a packed repeated float field.
func AppendPackedFloat32s(b []byte, num protowire.Number, vs []float32) []byte {
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = binary.LittleEndian.AppendUint32(packed, math.Float32bits(v))
	}
	return AppendBytes(b, num, packed)
}

// AppendMessage appends an embedded message field.
func AppendMessage(b []byte, num protowire.Number, m Message) []byte {
	return AppendBytes(b, num, m.MarshalWire())
}
