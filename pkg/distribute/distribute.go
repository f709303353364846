// Package distribute loads a model on one member of a group and hands identical copies
// of it to every other member.
package distribute

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/collective"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
)

// Source produces the model on the root member.
type Source func(ctx context.Context) (*modelbuffer.ModelBuffer, error)

// FromLocation loads the model with modelbuffer.FromSource.
func FromLocation(location string, opts modelbuffer.SourceOptions) Source {
	return func(ctx context.Context) (*modelbuffer.ModelBuffer, error) {
		return modelbuffer.FromSource(ctx, location, opts)
	}
}

// FromBuffer distributes a model the caller already holds.
func FromBuffer(buf *modelbuffer.ModelBuffer) Source {
	return func(ctx context.Context) (*modelbuffer.ModelBuffer, error) {
		if buf == nil {
			return nil, errdefs.IOf("no model buffer supplied")
		}
		return buf, nil
	}
}

type Options struct {
	// Root is the member that loads the model. Default 0.
	Root int
	// Timeout bounds each of the two broadcasts. Zero means no bound.
	Timeout time.Duration
	// MaxSize rejects models larger than this. Default modelbuffer.MaxModelSize.
	MaxSize int64
}

const (
	headerMagic = 0x4d464e49 // "INFM"
	headerSize  = 4 + 4 + 8 + sha256.Size

	// Any other status is the errdefs code of the root's load failure.
	statusOK = uint32(codes.OK)
)

// header is broadcast before the model bytes so every member learns the outcome of the
// root's load, and how much to receive, in one collective step.
type header struct {
	status uint32
	size   uint64
	digest [sha256.Size]byte
}

func (h *header) marshal() []byte {
	b := make([]byte, 0, headerSize)
	b = binary.LittleEndian.AppendUint32(b, headerMagic)
	b = binary.LittleEndian.AppendUint32(b, h.status)
	b = binary.LittleEndian.AppendUint64(b, h.size)
	return append(b, h.digest[:]...)
}

func (h *header) unmarshal(b []byte) error {
	if len(b) != headerSize {
		return errdefs.Protocolf("model header is %d bytes, expected %d", len(b), headerSize)
	}
	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != headerMagic {
		return errdefs.Protocolf("model header has bad magic %#x", magic)
	}
	h.status = binary.LittleEndian.Uint32(b[4:8])
	h.size = binary.LittleEndian.Uint64(b[8:16])
	copy(h.digest[:], b[16:])
	return nil
}

// Load runs the distribution protocol. Every member of comm must call it with the same
// options; src is only consulted on the root. All members return either byte-identical
// buffers or an error, never a mix of hangs and results.
func Load(ctx context.Context, comm collective.Communicator, src Source, opts Options) (*modelbuffer.ModelBuffer, error) {
	log := klog.FromContext(ctx).WithValues("rank", comm.Rank(), "root", opts.Root)

	if opts.Root < 0 || opts.Root >= comm.Size() {
		return nil, errdefs.Configurationf("root %d is outside group of size %d", opts.Root, comm.Size())
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = modelbuffer.MaxModelSize
	}
	isRoot := comm.Rank() == opts.Root

	var buf *modelbuffer.ModelBuffer
	var loadErr error
	hdr := header{}
	if isRoot {
		buf, loadErr = loadOnRoot(ctx, src, maxSize)
		if loadErr != nil {
			if errdefs.Kind(loadErr) == nil {
				loadErr = errdefs.Mark(loadErr, errdefs.ErrIO)
			}
			// Members still need to hear about it, so no early return.
			hdr.status = uint32(errdefs.Code(loadErr))
			log.Error(loadErr, "root failed to load model")
		} else {
			hdr.size = uint64(buf.Size())
			hdr.digest = buf.Digest()
		}
	}

	if comm.Size() == 1 {
		return buf, loadErr
	}

	raw := hdr.marshal()
	if err := broadcast(ctx, comm, raw, opts); err != nil {
		return nil, errdefs.Mark(fmt.Errorf("broadcasting model header: %w", err), errdefs.ErrProtocol)
	}
	if !isRoot {
		if err := hdr.unmarshal(raw); err != nil {
			return nil, err
		}
	}

	if hdr.status != statusOK {
		if isRoot {
			return nil, loadErr
		}
		return nil, rootFailure(hdr.status, opts.Root)
	}
	if hdr.size == 0 || hdr.size > uint64(maxSize) {
		return nil, errdefs.Protocolf("root announced a model of %d bytes, accepted range is 1..%d", hdr.size, maxSize)
	}

	if isRoot {
		if err := broadcast(ctx, comm, buf.Bytes(), opts); err != nil {
			return nil, errdefs.Mark(fmt.Errorf("broadcasting model: %w", err), errdefs.ErrProtocol)
		}
		log.V(2).Info("sent model to group", "size", humanize.IBytes(hdr.size), "members", comm.Size()-1)
		return buf, nil
	}

	data := make([]byte, hdr.size)
	startedAt := time.Now()
	if err := broadcast(ctx, comm, data, opts); err != nil {
		return nil, errdefs.Mark(fmt.Errorf("receiving model: %w", err), errdefs.ErrProtocol)
	}
	if digest := sha256.Sum256(data); !bytes.Equal(digest[:], hdr.digest[:]) {
		return nil, errdefs.Protocolf("received model digest %x does not match root digest %x", digest[:6], hdr.digest[:6])
	}
	log.Info("received model", "size", humanize.IBytes(hdr.size), "duration", time.Since(startedAt))
	return modelbuffer.Adopt(data), nil
}

// rootFailure rebuilds the kind of the root's load error from the header status.
func rootFailure(status uint32, root int) error {
	code := codes.Code(status)
	kind := errdefs.FromCode(code)
	if code == codes.OK || errdefs.Code(kind) != code {
		return errdefs.Protocolf("unknown model header status %d", status)
	}
	return fmt.Errorf("root %d failed to load the model: %w", root, kind)
}

func loadOnRoot(ctx context.Context, src Source, maxSize int64) (*modelbuffer.ModelBuffer, error) {
	if src == nil {
		return nil, errdefs.Configurationf("root has no model source")
	}
	buf, err := src(ctx)
	if err != nil {
		return nil, err
	}
	if buf.Size() == 0 {
		return nil, errdefs.IOf("model is empty")
	}
	if int64(buf.Size()) > maxSize {
		return nil, errdefs.Protocolf("model is %s, larger than the %s limit", humanize.IBytes(uint64(buf.Size())), humanize.IBytes(uint64(maxSize)))
	}
	return buf, nil
}

func broadcast(ctx context.Context, comm collective.Communicator, buf []byte, opts Options) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return comm.Broadcast(ctx, buf, opts.Root)
}
