package collective

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// localGroup connects members running as goroutines of one process.
type localGroup struct {
	size  int
	inbox []chan localMessage

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

type localMessage struct {
	root int
	data []byte
}

// NewLocalGroup returns the n members of an in-process group; member i has rank i.
func NewLocalGroup(n int) []Communicator {
	g := &localGroup{
		size:    n,
		inbox:   make([]chan localMessage, n),
		release: make(chan struct{}),
	}
	members := make([]Communicator, n)
	for i := range n {
		g.inbox[i] = make(chan localMessage)
		members[i] = &localComm{group: g, rank: i}
	}
	return members
}

// Self returns a group of one.
func Self() Communicator {
	return NewLocalGroup(1)[0]
}

type localComm struct {
	group  *localGroup
	rank   int
	closed atomic.Bool
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.group.size }

func (c *localComm) Broadcast(ctx context.Context, buf []byte, root int) error {
	if c.closed.Load() {
		return errdefs.InvalidStatef("communicator is closed")
	}
	if err := checkRoot(c, root); err != nil {
		return err
	}
	if c.group.size == 1 {
		return nil
	}

	if c.rank == root {
		msg := localMessage{root: root, data: bytes.Clone(buf)}
		for rank, inbox := range c.group.inbox {
			if rank == root {
				continue
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	select {
	case msg := <-c.group.inbox[c.rank]:
		if msg.root != root {
			return errdefs.Protocolf("rank %d expected a broadcast from %d, got one from %d", c.rank, root, msg.root)
		}
		if len(msg.data) != len(buf) {
			return errdefs.Protocolf("rank %d expected %d bytes, root sent %d", c.rank, len(buf), len(msg.data))
		}
		copy(buf, msg.data)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *localComm) Barrier(ctx context.Context) error {
	if c.closed.Load() {
		return errdefs.InvalidStatef("communicator is closed")
	}
	g := c.group
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		close(g.release)
		g.release = make(chan struct{})
		g.mu.Unlock()
		return nil
	}
	release := g.release
	g.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		select {
		case <-release:
			// The last member arrived before we could leave.
			return nil
		default:
		}
		g.arrived--
		return ctx.Err()
	}
}

func (c *localComm) Close() error {
	c.closed.Store(true)
	return nil
}
