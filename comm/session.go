package comm

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/plan"
	"github.com/mlweave/loom/plan/graph"
)

// Session implements the collectives of one rank over a point-to-point
// transport. Reductions climb a binary tree to the group root and the
// result is pushed back down the same tree.
type Session struct {
	t    Transport
	rank int
}

func NewSession(t Transport) *Session {
	return &Session{t: t, rank: t.Rank()}
}

func (s *Session) Rank() int { return s.rank }
func (s *Session) Size() int { return s.t.Size() }

func (s *Session) Send(to int, name string, v *base.Vector) error {
	return s.t.Send(to, name, v)
}

func (s *Session) Recv(from int, name string, v *base.Vector) error {
	return s.t.Recv(from, name, v)
}

func (s *Session) Close() error { return s.t.Close() }

func (s *Session) local(g Group) (int, error) {
	me, ok := g.Local(s.rank)
	if !ok {
		return -1, errors.Errorf("rank %d not in group %v", s.rank, g)
	}
	return me, nil
}

// AllReduce reduces SendBuf across the group with w.OP and leaves the
// result in every member's RecvBuf.
func (s *Session) AllReduce(g Group, w base.Workspace) error {
	me, err := s.local(g)
	if err != nil {
		return err
	}
	if w.RecvBuf != w.SendBuf {
		if err := w.RecvBuf.CopyFrom(w.SendBuf); err != nil {
			return errors.Wrapf(err, "allreduce %q", w.Name)
		}
	}
	if g.Size() == 1 {
		return nil
	}
	bcast := plan.GenBinaryTree(g.Size())
	reduce := plan.GenDefaultReduceGraph(bcast)
	if err := s.reduce(g, me, reduce, w); err != nil {
		return errors.Wrapf(err, "allreduce %q", w.Name)
	}
	if err := s.bcast(g, me, bcast, w.RecvBuf, w.Name); err != nil {
		return errors.Wrapf(err, "allreduce %q", w.Name)
	}
	return nil
}

func (s *Session) reduce(g Group, me int, rg *graph.Graph, w base.Workspace) error {
	var tmp *base.Vector
	for _, c := range rg.Prevs(me) {
		if tmp == nil {
			tmp = base.NewVector(w.RecvBuf.Count, w.RecvBuf.Type)
		}
		if err := s.t.Recv(g[c], w.Name+"/reduce", tmp); err != nil {
			return err
		}
		base.Transform(w.RecvBuf, tmp, w.OP)
	}
	for _, p := range rg.Nexts(me) {
		if err := s.t.Send(g[p], w.Name+"/reduce", w.RecvBuf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) bcast(g Group, me int, bg *graph.Graph, buf *base.Vector, name string) error {
	for _, p := range bg.Prevs(me) {
		if err := s.t.Recv(g[p], name+"/bcast", buf); err != nil {
			return err
		}
	}
	for _, c := range bg.Nexts(me) {
		if err := s.t.Send(g[c], name+"/bcast", buf); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast copies root's SendBuf into every member's RecvBuf. root is a
// global rank and must be a member of g.
func (s *Session) Broadcast(g Group, w base.Workspace, root int) error {
	if _, err := s.local(g); err != nil {
		return err
	}
	ri, ok := g.Local(root)
	if !ok {
		return errors.Errorf("broadcast %q: root %d not in group %v", w.Name, root, g)
	}
	if s.rank == root && w.RecvBuf != w.SendBuf {
		if err := w.RecvBuf.CopyFrom(w.SendBuf); err != nil {
			return errors.Wrapf(err, "broadcast %q", w.Name)
		}
	}
	if g.Size() == 1 {
		return nil
	}
	rot := g.rotate(ri)
	me, _ := rot.Local(s.rank)
	if err := s.bcast(rot, me, plan.GenBinaryTree(g.Size()), w.RecvBuf, w.Name); err != nil {
		return errors.Wrapf(err, "broadcast %q", w.Name)
	}
	return nil
}

// AllGather concatenates every member's SendBuf into RecvBuf in group
// order. RecvBuf must hold group size times SendBuf.Count elements.
func (s *Session) AllGather(g Group, w base.Workspace) error {
	me, err := s.local(g)
	if err != nil {
		return err
	}
	n := w.SendBuf.Count
	if w.RecvBuf.Count != n*g.Size() {
		return errors.Errorf("allgather %q: recv buffer holds %d, want %d", w.Name, w.RecvBuf.Count, n*g.Size())
	}
	tree := plan.GenBinaryTree(g.Size())
	for i := range g {
		part := w.RecvBuf.Slice(i*n, (i+1)*n)
		if i == me {
			if err := part.CopyFrom(w.SendBuf); err != nil {
				return errors.Wrapf(err, "allgather %q", w.Name)
			}
		}
		if g.Size() == 1 {
			continue
		}
		rot := g.rotate(i)
		rme, _ := rot.Local(s.rank)
		name := fmt.Sprintf("%s/part%d", w.Name, i)
		if err := s.bcast(rot, rme, tree, part, name); err != nil {
			return errors.Wrapf(err, "allgather %q", w.Name)
		}
	}
	return nil
}

// Barrier blocks until every member of the group arrives.
func (s *Session) Barrier(g Group) error {
	b := base.NewVector(1, base.U8)
	return s.AllReduce(g, base.Workspace{SendBuf: b, RecvBuf: b, OP: base.SUM, Name: "barrier"})
}

// Consensus reports whether every member of the group passed identical
// bytes. All members receive the same verdict.
func (s *Session) Consensus(g Group, data []byte, name string) (bool, error) {
	ln := base.NewVector(2, base.I64)
	ln.AsI64()[0] = int64(len(data))
	ln.AsI64()[1] = -int64(len(data))
	if err := s.AllReduce(g, base.Workspace{SendBuf: ln, RecvBuf: ln, OP: base.MAX, Name: name + "/len"}); err != nil {
		return false, err
	}
	if ln.AsI64()[0] != -ln.AsI64()[1] {
		return false, nil
	}
	lo := base.NewVector(len(data), base.U8)
	hi := base.NewVector(len(data), base.U8)
	copy(lo.AsU8(), data)
	copy(hi.AsU8(), data)
	if err := s.AllReduce(g, base.Workspace{SendBuf: lo, RecvBuf: lo, OP: base.MIN, Name: name + "/min"}); err != nil {
		return false, err
	}
	if err := s.AllReduce(g, base.Workspace{SendBuf: hi, RecvBuf: hi, OP: base.MAX, Name: name + "/max"}); err != nil {
		return false, err
	}
	return bytes.Equal(lo.AsU8(), hi.AsU8()), nil
}
