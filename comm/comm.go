// Package comm is the collective fabric of a run as seen from one rank.
// Collectives are built from point-to-point messages walking reduce and
// broadcast trees, so any Transport that can move a named vector between
// two ranks provides the full interface.
package comm

import (
	"fmt"

	"github.com/mlweave/loom/base"
)

// Group is an ordered list of global ranks participating in one collective.
// Every member must pass an identical Group to the matching call site, or
// the group deadlocks.
type Group []int

func (g Group) Size() int { return len(g) }

// Local returns the position of rank within the group.
func (g Group) Local(rank int) (int, bool) {
	for i, r := range g {
		if r == rank {
			return i, true
		}
	}
	return -1, false
}

func (g Group) rotate(i int) Group {
	rot := make(Group, 0, len(g))
	rot = append(rot, g[i:]...)
	return append(rot, g[:i]...)
}

// Transport moves one named vector between two ranks. Send may buffer;
// Recv blocks until the matching message arrives. Messages on one
// (from, to, name) link are delivered in send order.
type Transport interface {
	Rank() int
	Size() int
	Send(to int, name string, v *base.Vector) error
	Recv(from int, name string, v *base.Vector) error
	Close() error
}

// Comm is the collective contract the trainer programs against.
type Comm interface {
	Rank() int
	Size() int
	AllReduce(g Group, w base.Workspace) error
	Broadcast(g Group, w base.Workspace, root int) error
	AllGather(g Group, w base.Workspace) error
	Consensus(g Group, data []byte, name string) (bool, error)
	Barrier(g Group) error
	Send(to int, name string, v *base.Vector) error
	Recv(from int, name string, v *base.Vector) error
	Close() error
}

// TimeoutError reports a rank-group operation that failed to complete in
// time. Partial-group progress leaves unrecoverable divergence, so it is
// always fatal to the run.
type TimeoutError struct {
	Name string
	Rank int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("collective %q timed out on rank %d", e.Name, e.Rank)
}
