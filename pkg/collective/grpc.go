package collective

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/wire"
)

// Options describe how a process joins a gRPC group.
//
// Rank 0 hosts the hub at Address; every other rank keeps one bidirectional stream to
// it. Broadcasts from a non-zero root are relayed by the hub.
type Options struct {
	Rank int
	Size int
	// Address is the host:port the hub listens on and the other ranks dial.
	Address string
	// Listener, when set, is used by the hub instead of listening on Address.
	Listener net.Listener
	// Session must match between the hub and the ranks; the hub generates one when empty
	// and ranks with an empty Session accept any.
	Session string
}

const joinMethod = "/infero.collective.Group/Join"

type groupService interface {
	Join(stream grpc.ServerStream) error
}

var groupServiceDesc = grpc.ServiceDesc{
	ServiceName: "infero.collective.Group",
	HandlerType: (*groupService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Join",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(groupService).Join(stream) },
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "infero/collective",
}

// Dial joins the group described by opts. Rank 0 returns once every other rank has
// joined; the other ranks return once the hub has accepted them.
func Dial(ctx context.Context, opts Options) (Communicator, error) {
	if opts.Size < 1 || opts.Rank < 0 || opts.Rank >= opts.Size {
		return nil, errdefs.Configurationf("rank %d is invalid for a group of size %d", opts.Rank, opts.Size)
	}
	if opts.Size == 1 {
		return Self(), nil
	}
	if opts.Rank == 0 {
		return listenHub(ctx, opts)
	}
	return dialHub(ctx, opts)
}

// streamComm holds what both sides share: sequencing and the broken flag that is set
// when a collective is abandoned half way.
type streamComm struct {
	rank int
	size int
	seq  uint64

	mu     sync.Mutex
	broken error
}

func (s *streamComm) Rank() int { return s.rank }
func (s *streamComm) Size() int { return s.size }

func (s *streamComm) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *streamComm) breakWith(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken == nil {
		s.broken = errdefs.Protocolf("communicator unusable after failed collective: %v", err)
	}
	return err
}

// recvFrame reads one frame, giving up when ctx is done. A receive that was abandoned
// leaves the stream in an unknown position, so the caller must break the communicator.
func recvFrame(ctx context.Context, recv func(any) error) (*frame, error) {
	type result struct {
		f   *frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f := &frame{}
		err := recv(f)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func expectFrame(f *frame, kind frameKind, seq uint64, root int) error {
	if f.Kind != kind || f.Seq != seq {
		return errdefs.Protocolf("expected %s frame #%d, got %s frame #%d", kind, seq, f.Kind, f.Seq)
	}
	if kind == kindData && f.Root != root {
		return errdefs.Protocolf("expected broadcast from root %d, got one from %d", root, f.Root)
	}
	return nil
}

// receiveInto reads the data frames of broadcast seq into buf, calling each (when set)
// for every frame received.
func receiveInto(ctx context.Context, recv func(any) error, buf []byte, seq uint64, root int, each func(*frame) error) error {
	offset := 0
	for {
		f, err := recvFrame(ctx, recv)
		if err != nil {
			return errdefs.Mark(fmt.Errorf("receiving broadcast from root %d: %w", root, err), errdefs.ErrProtocol)
		}
		if err := expectFrame(f, kindData, seq, root); err != nil {
			return err
		}
		if f.Total != len(buf) {
			return errdefs.Protocolf("expected a %d byte broadcast, root %d is sending %d", len(buf), root, f.Total)
		}
		if f.Offset != offset || offset+len(f.Payload) > len(buf) {
			return errdefs.Protocolf("out of order chunk at offset %d (expected %d)", f.Offset, offset)
		}
		copy(buf[offset:], f.Payload)
		offset += len(f.Payload)
		if each != nil {
			if err := each(f); err != nil {
				return err
			}
		}
		if offset == len(buf) {
			return nil
		}
	}
}

type peer struct {
	rank   int
	stream grpc.ServerStream
}

// hub is rank 0.
type hub struct {
	streamComm
	session string

	server *grpc.Server
	lis    net.Listener

	peersMu sync.Mutex
	peers   map[int]*peer
	joined  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Communicator = (*hub)(nil)

func listenHub(ctx context.Context, opts Options) (*hub, error) {
	log := klog.FromContext(ctx)

	lis := opts.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", opts.Address)
		if err != nil {
			return nil, errdefs.Mark(fmt.Errorf("listening on %q: %w", opts.Address, err), errdefs.ErrIO)
		}
	}

	session := opts.Session
	if session == "" {
		session = uuid.NewString()
	}

	h := &hub{
		streamComm: streamComm{rank: 0, size: opts.Size},
		session:    session,
		lis:        lis,
		peers:      make(map[int]*peer),
		joined:     make(chan struct{}),
		closed:     make(chan struct{}),
	}
	h.server = grpc.NewServer(grpc.ForceServerCodec(wire.Codec{}))
	h.server.RegisterService(&groupServiceDesc, h)

	go func() {
		if err := h.server.Serve(lis); err != nil {
			log.Error(err, "collective hub stopped serving")
		}
	}()

	log.Info("waiting for group members", "address", lis.Addr().String(), "size", opts.Size, "session", session)
	select {
	case <-h.joined:
	case <-ctx.Done():
		h.Close()
		return nil, fmt.Errorf("waiting for %d group members: %w", opts.Size-1, ctx.Err())
	}
	log.Info("all group members joined", "size", opts.Size)
	return h, nil
}

// Addr is the address the hub is listening on.
func (h *hub) Addr() net.Addr { return h.lis.Addr() }

func (h *hub) Join(stream grpc.ServerStream) error {
	log := klog.FromContext(stream.Context())

	hello := &frame{}
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	if hello.Kind != kindHello {
		return status.Errorf(codes.InvalidArgument, "expected hello, got %s", hello.Kind)
	}
	if hello.Size != h.size {
		return status.Errorf(codes.InvalidArgument, "rank %d believes the group has %d members, hub has %d", hello.Rank, hello.Size, h.size)
	}
	if hello.Rank <= 0 || hello.Rank >= h.size {
		return status.Errorf(codes.InvalidArgument, "rank %d is outside the group", hello.Rank)
	}
	if hello.Session != "" && hello.Session != h.session {
		return status.Errorf(codes.PermissionDenied, "session %q does not match %q", hello.Session, h.session)
	}

	h.peersMu.Lock()
	if _, dup := h.peers[hello.Rank]; dup {
		h.peersMu.Unlock()
		return status.Errorf(codes.AlreadyExists, "rank %d already joined", hello.Rank)
	}
	if err := stream.SendMsg(&frame{Kind: kindWelcome, Rank: hello.Rank, Size: h.size, Session: h.session}); err != nil {
		h.peersMu.Unlock()
		return err
	}
	h.peers[hello.Rank] = &peer{rank: hello.Rank, stream: stream}
	if len(h.peers) == h.size-1 {
		close(h.joined)
	}
	h.peersMu.Unlock()

	log.V(2).Info("group member joined", "rank", hello.Rank)

	select {
	case <-h.closed:
		return nil
	case <-stream.Context().Done():
		h.breakWith(fmt.Errorf("rank %d left the group", hello.Rank))
		return stream.Context().Err()
	}
}

func (h *hub) peer(rank int) *peer {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	return h.peers[rank]
}

func (h *hub) sendAll(ctx context.Context, f *frame, skip int) error {
	for rank := 1; rank < h.size; rank++ {
		if rank == skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return h.breakWith(err)
		}
		if err := h.peer(rank).stream.SendMsg(f); err != nil {
			return h.breakWith(errdefs.Mark(fmt.Errorf("sending %s frame to rank %d: %w", f.Kind, rank, err), errdefs.ErrProtocol))
		}
	}
	return nil
}

func (h *hub) Broadcast(ctx context.Context, buf []byte, root int) error {
	if err := h.usable(); err != nil {
		return err
	}
	if err := checkRoot(h, root); err != nil {
		return err
	}
	h.seq++
	seq := h.seq

	if root == 0 {
		offset := 0
		for _, chunk := range chunks(buf) {
			f := &frame{Kind: kindData, Seq: seq, Root: root, Offset: offset, Total: len(buf), Payload: chunk}
			if err := h.sendAll(ctx, f, 0); err != nil {
				return err
			}
			offset += len(chunk)
		}
		return nil
	}

	// Relay each chunk from the root to everyone else as it arrives.
	err := receiveInto(ctx, h.peer(root).stream.RecvMsg, buf, seq, root, func(f *frame) error {
		return h.sendAll(ctx, f, root)
	})
	if err != nil {
		return h.breakWith(err)
	}
	return nil
}

func (h *hub) Barrier(ctx context.Context) error {
	if err := h.usable(); err != nil {
		return err
	}
	h.seq++
	seq := h.seq

	for rank := 1; rank < h.size; rank++ {
		f, err := recvFrame(ctx, h.peer(rank).stream.RecvMsg)
		if err != nil {
			return h.breakWith(errdefs.Mark(fmt.Errorf("waiting for rank %d at barrier: %w", rank, err), errdefs.ErrProtocol))
		}
		if err := expectFrame(f, kindBarrier, seq, 0); err != nil {
			return h.breakWith(err)
		}
	}
	return h.sendAll(ctx, &frame{Kind: kindRelease, Seq: seq}, 0)
}

func (h *hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		stopped := make(chan struct{})
		go func() {
			h.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			h.server.Stop()
		}
	})
	return nil
}

// member is any rank other than 0.
type member struct {
	streamComm
	session string

	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

var _ Communicator = (*member)(nil)

func dialHub(ctx context.Context, opts Options) (*member, error) {
	log := klog.FromContext(ctx)

	conn, err := grpc.NewClient(opts.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
	)
	if err != nil {
		return nil, errdefs.Configurationf("connecting to hub %q: %v", opts.Address, err)
	}

	// The stream outlives ctx; ctx only bounds the join.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	fail := func(err error) (*member, error) {
		cancel()
		conn.Close()
		return nil, err
	}

	log.Info("joining group", "hub", opts.Address, "rank", opts.Rank, "size", opts.Size)
	stream, err := conn.NewStream(streamCtx, &groupServiceDesc.Streams[0], joinMethod, grpc.WaitForReady(true))
	if err != nil {
		return fail(errdefs.Mark(fmt.Errorf("opening stream to hub %q: %w", opts.Address, err), errdefs.ErrProtocol))
	}
	if err := stream.SendMsg(&frame{Kind: kindHello, Rank: opts.Rank, Size: opts.Size, Session: opts.Session}); err != nil {
		return fail(errdefs.Mark(fmt.Errorf("sending hello to hub: %w", err), errdefs.ErrProtocol))
	}
	welcome := &frame{}
	if err := stream.RecvMsg(welcome); err != nil {
		return fail(errdefs.Mark(fmt.Errorf("joining group at %q: %w", opts.Address, err), errdefs.ErrProtocol))
	}
	if welcome.Kind != kindWelcome {
		return fail(errdefs.Protocolf("expected welcome from hub, got %s", welcome.Kind))
	}

	return &member{
		streamComm: streamComm{rank: opts.Rank, size: opts.Size},
		session:    welcome.Session,
		conn:       conn,
		stream:     stream,
		cancel:     cancel,
	}, nil
}

func (m *member) Broadcast(ctx context.Context, buf []byte, root int) error {
	if err := m.usable(); err != nil {
		return err
	}
	if err := checkRoot(m, root); err != nil {
		return err
	}
	m.seq++
	seq := m.seq

	if root == m.rank {
		offset := 0
		for _, chunk := range chunks(buf) {
			f := &frame{Kind: kindData, Seq: seq, Root: root, Offset: offset, Total: len(buf), Payload: chunk}
			if err := m.stream.SendMsg(f); err != nil {
				return m.breakWith(errdefs.Mark(fmt.Errorf("sending broadcast to hub: %w", err), errdefs.ErrProtocol))
			}
			offset += len(chunk)
		}
		return nil
	}

	if err := receiveInto(ctx, m.stream.RecvMsg, buf, seq, root, nil); err != nil {
		return m.breakWith(err)
	}
	return nil
}

func (m *member) Barrier(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	m.seq++
	seq := m.seq

	if err := m.stream.SendMsg(&frame{Kind: kindBarrier, Rank: m.rank, Seq: seq}); err != nil {
		return m.breakWith(errdefs.Mark(fmt.Errorf("entering barrier: %w", err), errdefs.ErrProtocol))
	}
	f, err := recvFrame(ctx, m.stream.RecvMsg)
	if err != nil {
		return m.breakWith(errdefs.Mark(fmt.Errorf("waiting for barrier release: %w", err), errdefs.ErrProtocol))
	}
	return expectFrame(f, kindRelease, seq, 0)
}

func (m *member) Close() error {
	_ = m.stream.CloseSend()
	m.cancel()
	return m.conn.Close()
}
