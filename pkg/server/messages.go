package server

import (
	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/tensor"
	"k8s.io/examples/AI/infero/pkg/wire"
)

// Tensor is a named tensor on the wire.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

func FromTensor(name string, t *tensor.Tensor) Tensor {
	return Tensor{Name: name, Shape: t.Shape, Data: t.Data}
}

// Tensor returns an owned tensor, checking shape against data.
func (t *Tensor) Tensor() (*tensor.Tensor, error) {
	return tensor.Wrap(t.Data, t.Shape, true)
}

func (t *Tensor) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, t.Name)
	b = wire.AppendPackedVarints(b, 2, dims(t.Shape))
	b = wire.AppendPackedFloat32s(b, 3, t.Data)
	return b
}

func (t *Tensor) unmarshal(b []byte) error {
	return wire.Decode(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			t.Name = string(f.Bytes)
		case 2:
			t.Shape, err = undims(f.Bytes)
		case 3:
			t.Data, err = wire.PackedFloat32s(f.Bytes)
		}
		return err
	})
}

// dims encodes a shape; dynamic dims (-1) survive as two's complement.
func dims(shape []int) []uint64 {
	out := make([]uint64, len(shape))
	for i, d := range shape {
		out[i] = uint64(int64(d))
	}
	return out
}

func undims(b []byte) ([]int, error) {
	vs, err := wire.PackedVarints(b)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = int(int64(v))
	}
	return out, nil
}

type InferRequest struct {
	Inputs []Tensor
	// Outputs names the outputs to return; empty means all of them.
	Outputs []string
}

var _ wire.Message = (*InferRequest)(nil)

func (r *InferRequest) MarshalWire() []byte {
	var b []byte
	for i := range r.Inputs {
		b = wire.AppendBytes(b, 1, r.Inputs[i].marshal())
	}
	for _, name := range r.Outputs {
		b = wire.AppendBytes(b, 2, []byte(name))
	}
	return b
}

func (r *InferRequest) UnmarshalWire(b []byte) error {
	*r = InferRequest{}
	return wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			var t Tensor
			if err := t.unmarshal(f.Bytes); err != nil {
				return err
			}
			r.Inputs = append(r.Inputs, t)
		case 2:
			r.Outputs = append(r.Outputs, string(f.Bytes))
		}
		return nil
	})
}

type InferResponse struct {
	Outputs []Tensor
}

var _ wire.Message = (*InferResponse)(nil)

func (r *InferResponse) MarshalWire() []byte {
	var b []byte
	for i := range r.Outputs {
		b = wire.AppendBytes(b, 1, r.Outputs[i].marshal())
	}
	return b
}

func (r *InferResponse) UnmarshalWire(b []byte) error {
	*r = InferResponse{}
	return wire.Decode(b, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		var t Tensor
		if err := t.unmarshal(f.Bytes); err != nil {
			return err
		}
		r.Outputs = append(r.Outputs, t)
		return nil
	})
}

type DescribeRequest struct{}

var _ wire.Message = (*DescribeRequest)(nil)

func (r *DescribeRequest) MarshalWire() []byte          { return nil }
func (r *DescribeRequest) UnmarshalWire(b []byte) error { return nil }

type DescribeResponse struct {
	Engine    string
	Signature engine.Signature
}

var _ wire.Message = (*DescribeResponse)(nil)

func (r *DescribeResponse) MarshalWire() []byte {
	var b []byte
	b = wire.AppendString(b, 1, r.Engine)
	for _, in := range r.Signature.Inputs {
		b = wire.AppendBytes(b, 2, marshalIO(in))
	}
	for _, out := range r.Signature.Outputs {
		b = wire.AppendBytes(b, 3, marshalIO(out))
	}
	return b
}

func (r *DescribeResponse) UnmarshalWire(b []byte) error {
	*r = DescribeResponse{}
	return wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.Engine = string(f.Bytes)
		case 2, 3:
			io, err := unmarshalIO(f.Bytes)
			if err != nil {
				return err
			}
			if f.Num == 2 {
				r.Signature.Inputs = append(r.Signature.Inputs, io)
			} else {
				r.Signature.Outputs = append(r.Signature.Outputs, io)
			}
		}
		return nil
	})
}

// An IO with an unknown shape is sent without field 3; field 2 flags a known one so an
// empty (scalar) shape survives.
func marshalIO(d engine.IO) []byte {
	var b []byte
	b = wire.AppendString(b, 1, d.Name)
	if d.Shape != nil {
		b = wire.AppendVarint(b, 2, 1)
		b = wire.AppendPackedVarints(b, 3, dims(d.Shape))
	}
	return b
}

func unmarshalIO(b []byte) (engine.IO, error) {
	var d engine.IO
	err := wire.Decode(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			d.Name = string(f.Bytes)
		case 2:
			if d.Shape == nil {
				d.Shape = []int{}
			}
		case 3:
			d.Shape, err = undims(f.Bytes)
		}
		return err
	})
	return d, err
}
