// Package collective provides the group communication used to distribute models.
//
// Every operation is collective: all members of the group must enter it, with the same
// root, in the same order, or the group stalls.
package collective

import (
	"context"

	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// Communicator connects one process to its group.
type Communicator interface {
	// Rank is this member's position in the group, in [0, Size).
	Rank() int
	// Size is the number of members in the group.
	Size() int
	// Broadcast sends buf from root to every other member. On non-root members buf is
	// the destination and must be exactly as long as the root's buf.
	Broadcast(ctx context.Context, buf []byte, root int) error
	// Barrier returns once every member has entered it.
	Barrier(ctx context.Context) error
	// Close leaves the group.
	Close() error
}

func checkRoot(c Communicator, root int) error {
	if root < 0 || root >= c.Size() {
		return errdefs.Protocolf("broadcast root %d is outside group of size %d", root, c.Size())
	}
	return nil
}

// FromEnv joins the group described by INFERO_RANK, INFERO_WORLD_SIZE and
// INFERO_COORDINATOR. A world size of 1 yields Self().
func FromEnv(ctx context.Context) (Communicator, error) {
	size := config.WorldSize()
	if size <= 1 {
		return Self(), nil
	}
	return Dial(ctx, Options{
		Rank:    config.Rank(),
		Size:    size,
		Address: config.Coordinator(),
	})
}
