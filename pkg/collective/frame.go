package collective

import (
	"bytes"

	"k8s.io/examples/AI/infero/pkg/wire"
)

type frameKind uint64

const (
	kindHello frameKind = iota + 1
	kindWelcome
	kindData
	kindBarrier
	kindRelease
)

func (k frameKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindWelcome:
		return "welcome"
	case kindData:
		return "data"
	case kindBarrier:
		return "barrier"
	case kindRelease:
		return "release"
	default:
		return "unknown"
	}
}

// frame is the single message type of the group stream.
type frame struct {
	Kind    frameKind
	Rank    int
	Size    int
	Seq     uint64
	Root    int
	Session string
	// Offset and Total place Payload within the broadcast buffer.
	Offset  int
	Total   int
	Payload []byte
}

// chunkSize keeps data frames well below gRPC's default 4MiB message limit.
const chunkSize = 1 << 20

// chunks splits buf into frame payloads; an empty buf still yields one frame.
func chunks(buf []byte) [][]byte {
	if len(buf) == 0 {
		return [][]byte{buf}
	}
	var out [][]byte
	for start := 0; start < len(buf); start += chunkSize {
		out = append(out, buf[start:min(start+chunkSize, len(buf))])
	}
	return out
}

var _ wire.Message = (*frame)(nil)

func (f *frame) MarshalWire() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(f.Kind))
	b = wire.AppendVarint(b, 2, uint64(f.Rank))
	b = wire.AppendVarint(b, 3, uint64(f.Size))
	b = wire.AppendVarint(b, 4, f.Seq)
	b = wire.AppendVarint(b, 5, uint64(f.Root))
	b = wire.AppendString(b, 6, f.Session)
	if f.Kind == kindData {
		b = wire.AppendBytes(b, 7, f.Payload)
		b = wire.AppendVarint(b, 8, uint64(f.Offset))
		b = wire.AppendVarint(b, 9, uint64(f.Total))
	}
	return b
}

func (f *frame) UnmarshalWire(b []byte) error {
	*f = frame{}
	return wire.Decode(b, func(fd wire.Field) error {
		switch fd.Num {
		case 1:
			f.Kind = frameKind(fd.Varint)
		case 2:
			f.Rank = int(fd.Varint)
		case 3:
			f.Size = int(fd.Varint)
		case 4:
			f.Seq = fd.Varint
		case 5:
			f.Root = int(fd.Varint)
		case 6:
			f.Session = string(fd.Bytes)
		case 7:
			f.Payload = bytes.Clone(fd.Bytes)
		case 8:
			f.Offset = int(fd.Varint)
		case 9:
			f.Total = int(fd.Varint)
		}
		return nil
	})
}
