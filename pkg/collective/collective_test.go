package collective

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// broadcastAll runs one broadcast from root across members and returns every member's buffer.
func broadcastAll(t *testing.T, members []Communicator, payload []byte, root int) [][]byte {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bufs := make([][]byte, len(members))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range members {
		if m.Rank() == root {
			bufs[i] = payload
		} else {
			bufs[i] = make([]byte, len(payload))
		}
		g.Go(func() error {
			return m.Broadcast(ctx, bufs[i], root)
		})
	}
	require.NoError(t, g.Wait())
	return bufs
}

func TestLocalBroadcast(t *testing.T) {
	for _, size := range []int{1, 2, 5} {
		members := NewLocalGroup(size)
		payload := randomBytes(t, 4096)
		for root := range size {
			for i, buf := range broadcastAll(t, members, payload, root) {
				assert.Equal(t, payload, buf, "size %d root %d member %d", size, root, i)
			}
		}
	}
}

func TestLocalLengthMismatch(t *testing.T) {
	members := NewLocalGroup(2)
	ctx := context.Background()

	g := errgroup.Group{}
	g.Go(func() error { return members[0].Broadcast(ctx, []byte{1, 2, 3}, 0) })
	err := members[1].Broadcast(ctx, make([]byte, 2), 0)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
	require.NoError(t, g.Wait())
}

func TestLocalBadRoot(t *testing.T) {
	members := NewLocalGroup(2)
	err := members[0].Broadcast(context.Background(), nil, 2)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
}

func TestLocalCancelledBroadcast(t *testing.T) {
	members := NewLocalGroup(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Rank 1 never participates, so the root must give up when ctx expires.
	err := members[0].Broadcast(ctx, []byte{1}, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalBarrierAndClose(t *testing.T) {
	members := NewLocalGroup(3)
	g := errgroup.Group{}
	for _, m := range members {
		g.Go(func() error { return m.Barrier(context.Background()) })
	}
	require.NoError(t, g.Wait())

	require.NoError(t, members[0].Close())
	err := members[0].Broadcast(context.Background(), nil, 0)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestLocalCancelledBarrierLeavesGroup(t *testing.T) {
	members := NewLocalGroup(2)
	short := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Millisecond)
	}

	ctx, cancel := short()
	err := members[0].Barrier(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Rank 0 gave up, so rank 1 alone must not pass.
	ctx, cancel = short()
	err = members[1].Barrier(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g := errgroup.Group{}
	for _, m := range members {
		g.Go(func() error { return m.Barrier(context.Background()) })
	}
	require.NoError(t, g.Wait())
}

// dialGroup starts a gRPC group of size n on a loopback port.
func dialGroup(t *testing.T, n int) []Communicator {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	members := make([]Communicator, n)
	g := errgroup.Group{}
	for rank := range n {
		g.Go(func() error {
			c, err := Dial(ctx, Options{Rank: rank, Size: n, Address: addr, Listener: lis})
			members[rank] = c
			return err
		})
	}
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		for rank := n - 1; rank >= 0; rank-- {
			members[rank].Close()
		}
	})
	return members
}

func TestGRPCBroadcast(t *testing.T) {
	members := dialGroup(t, 3)
	for i, m := range members {
		assert.Equal(t, i, m.Rank())
		assert.Equal(t, 3, m.Size())
	}

	payload := randomBytes(t, 1<<20)
	for _, root := range []int{0, 2, 1} {
		for i, buf := range broadcastAll(t, members, payload, root) {
			assert.Equal(t, payload, buf, "root %d member %d", root, i)
		}
	}

	// Zero-length broadcasts are legal.
	for _, buf := range broadcastAll(t, members, []byte{}, 0) {
		assert.Empty(t, buf)
	}

	g := errgroup.Group{}
	for _, m := range members {
		g.Go(func() error { return m.Barrier(context.Background()) })
	}
	require.NoError(t, g.Wait())
}

func TestGRPCLengthMismatchBreaksMember(t *testing.T) {
	members := dialGroup(t, 2)
	ctx := context.Background()

	g := errgroup.Group{}
	g.Go(func() error { return members[0].Broadcast(ctx, []byte{1, 2, 3, 4}, 0) })
	err := members[1].Broadcast(ctx, make([]byte, 8), 0)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
	require.NoError(t, g.Wait())

	err = members[1].Broadcast(ctx, make([]byte, 4), 0)
	assert.ErrorIs(t, err, errdefs.ErrProtocol, "a member stays broken after a failed collective")
}

func TestDialValidation(t *testing.T) {
	_, err := Dial(context.Background(), Options{Rank: 3, Size: 2})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	c, err := Dial(context.Background(), Options{Rank: 0, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Size())
}

func TestFromEnvSingleProcess(t *testing.T) {
	t.Setenv("INFERO_WORLD_SIZE", "1")
	c, err := FromEnv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, c.Rank())
	require.NoError(t, c.Broadcast(context.Background(), []byte{1}, 0))
}
