// Package inproc wires the ranks of one process through in-memory links.
// It backs world-size-1 runs and the collective tests.
package inproc

import (
	"sync"
	"time"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/comm"
)

// linkCap bounds the in-flight messages per (sender, receiver, name) link.
// The deepest producer/consumer imbalance of the runtime is the pipeline
// warm-up, which is bounded by the pipeline depth.
const linkCap = 32

type linkKey struct {
	from int
	to   int
	name string
}

type Fabric struct {
	size    int
	timeout time.Duration
	links   sync.Map // linkKey -> chan *base.Vector
}

type Option func(*Fabric)

// WithTimeout bounds every send and receive; zero blocks forever.
func WithTimeout(d time.Duration) Option {
	return func(f *Fabric) { f.timeout = d }
}

func New(size int, opts ...Option) *Fabric {
	f := &Fabric{size: size}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Fabric) link(k linkKey) chan *base.Vector {
	if ch, ok := f.links.Load(k); ok {
		return ch.(chan *base.Vector)
	}
	ch, _ := f.links.LoadOrStore(k, make(chan *base.Vector, linkCap))
	return ch.(chan *base.Vector)
}

// Peer returns the transport endpoint of one rank.
func (f *Fabric) Peer(rank int) comm.Transport {
	return &peer{fabric: f, rank: rank}
}

// Comm returns the collective session of one rank.
func (f *Fabric) Comm(rank int) comm.Comm {
	return comm.NewSession(f.Peer(rank))
}

type peer struct {
	fabric *Fabric
	rank   int
}

func (p *peer) Rank() int    { return p.rank }
func (p *peer) Size() int    { return p.fabric.size }
func (p *peer) Close() error { return nil }

func (p *peer) Send(to int, name string, v *base.Vector) error {
	// hand off by value so the sender may reuse its buffer immediately
	msg := v.Clone()
	ch := p.fabric.link(linkKey{from: p.rank, to: to, name: name})
	if p.fabric.timeout == 0 {
		ch <- msg
		return nil
	}
	select {
	case ch <- msg:
		return nil
	case <-time.After(p.fabric.timeout):
		return &comm.TimeoutError{Name: name, Rank: p.rank}
	}
}

func (p *peer) Recv(from int, name string, v *base.Vector) error {
	ch := p.fabric.link(linkKey{from: from, to: p.rank, name: name})
	if p.fabric.timeout == 0 {
		return v.CopyFrom(<-ch)
	}
	select {
	case msg := <-ch:
		return v.CopyFrom(msg)
	case <-time.After(p.fabric.timeout):
		return &comm.TimeoutError{Name: name, Rank: p.rank}
	}
}
