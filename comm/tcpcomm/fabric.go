// Package tcpcomm runs the collective fabric over TCP, one rank per
// process. A fabric listens on its own peer address, keeps one outbound
// link per destination, and parks inbound messages in per-(sender, name)
// queues until the matching Recv arrives.
package tcpcomm

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/comm"
	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/plan"
)

// queueCap bounds the in-flight messages per (sender, name) link. The
// deepest producer/consumer imbalance of the runtime is the pipeline
// warm-up, which is bounded by the pipeline depth.
const queueCap = 32

type linkKey struct {
	from int
	name string
}

// Fabric is the transport endpoint of one rank.
type Fabric struct {
	self    plan.PeerID
	peers   plan.PeerList
	rank    int
	timeout time.Duration
	retries int
	period  time.Duration

	listener net.Listener
	queues   sync.Map // linkKey -> chan *message
	wg       sync.WaitGroup

	conns struct {
		sync.Mutex
		m map[int]*conn
	}
	inbound struct {
		sync.Mutex
		m map[net.Conn]struct{}
	}
}

type Option func(*Fabric)

// WithTimeout bounds every receive; zero blocks forever.
func WithTimeout(d time.Duration) Option {
	return func(f *Fabric) { f.timeout = d }
}

// WithDialRetry overrides how long sends wait for a peer to come up.
func WithDialRetry(retries int, period time.Duration) Option {
	return func(f *Fabric) {
		f.retries = retries
		f.period = period
	}
}

// New binds the rank's listen port and starts accepting peers. The
// listener is up before New returns, so workers may start in any order
// and dial whenever they are ready.
func New(self plan.PeerID, peers plan.PeerList, opts ...Option) (*Fabric, error) {
	rank, ok := peers.Rank(self)
	if !ok {
		return nil, errors.Errorf("self %s is not in the peer list %s", self, peers)
	}
	f := &Fabric{
		self:    self,
		peers:   peers,
		rank:    rank,
		retries: defaultDialRetries,
		period:  defaultDialPeriod,
	}
	f.conns.m = make(map[int]*conn)
	f.inbound.m = make(map[net.Conn]struct{})
	for _, o := range opts {
		o(f)
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", self.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", self)
	}
	f.listener = l
	f.wg.Add(1)
	go f.serve()
	return f, nil
}

// Comm returns the collective session of this rank.
func (f *Fabric) Comm() comm.Comm { return comm.NewSession(f) }

func (f *Fabric) Rank() int { return f.rank }
func (f *Fabric) Size() int { return len(f.peers) }

func (f *Fabric) Send(to int, name string, v *base.Vector) error {
	if to < 0 || to >= len(f.peers) {
		return errors.Errorf("send %q to rank %d of %d", name, to, len(f.peers))
	}
	if to == f.rank {
		// loopback skips the wire but keeps queue semantics
		m := &message{name: name, dtype: v.Type, data: append([]byte(nil), v.Data...)}
		f.queue(linkKey{from: f.rank, name: name}) <- m
		return nil
	}
	return f.conn(to).send(name, v)
}

func (f *Fabric) Recv(from int, name string, v *base.Vector) error {
	if from < 0 || from >= len(f.peers) {
		return errors.Errorf("recv %q from rank %d of %d", name, from, len(f.peers))
	}
	ch := f.queue(linkKey{from: from, name: name})
	var m *message
	if f.timeout == 0 {
		m = <-ch
	} else {
		select {
		case m = <-ch:
		case <-time.After(f.timeout):
			return &comm.TimeoutError{Name: name, Rank: f.rank}
		}
	}
	if m.dtype != v.Type {
		return errors.Errorf("recv %q from rank %d: got %s, want %s", name, from, m.dtype, v.Type)
	}
	if len(m.data) != len(v.Data) {
		return errors.Errorf("recv %q from rank %d: got %d bytes, want %d", name, from, len(m.data), len(v.Data))
	}
	copy(v.Data, m.data)
	return nil
}

// Close stops the listener and tears down every link. In-flight queue
// contents are dropped.
func (f *Fabric) Close() error {
	err := f.listener.Close()
	f.conns.Lock()
	for _, c := range f.conns.m {
		c.close()
	}
	f.conns.Unlock()
	f.inbound.Lock()
	for sock := range f.inbound.m {
		sock.Close()
	}
	f.inbound.Unlock()
	f.wg.Wait()
	return err
}

func (f *Fabric) queue(k linkKey) chan *message {
	if ch, ok := f.queues.Load(k); ok {
		return ch.(chan *message)
	}
	ch, _ := f.queues.LoadOrStore(k, make(chan *message, queueCap))
	return ch.(chan *message)
}

func (f *Fabric) conn(to int) *conn {
	f.conns.Lock()
	defer f.conns.Unlock()
	if c, ok := f.conns.m[to]; ok {
		return c
	}
	c := &conn{remote: f.peers[to], local: f.self, retries: f.retries, period: f.period}
	f.conns.m[to] = c
	return c
}

func (f *Fabric) serve() {
	defer f.wg.Done()
	for {
		sock, err := f.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("accept: %v", err)
			continue
		}
		f.inbound.Lock()
		f.inbound.m[sock] = struct{}{}
		f.inbound.Unlock()
		f.wg.Add(1)
		go f.handle(sock)
	}
}

func (f *Fabric) handle(sock net.Conn) {
	defer f.wg.Done()
	defer func() {
		sock.Close()
		f.inbound.Lock()
		delete(f.inbound.m, sock)
		f.inbound.Unlock()
	}()
	from, err := f.upgrade(sock)
	if err != nil {
		log.Warnf("reject %s: %v", sock.RemoteAddr(), err)
		return
	}
	for {
		m := new(message)
		if err := m.readFrom(sock); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warnf("link from rank %d broke: %v", from, err)
			}
			return
		}
		f.queue(linkKey{from: from, name: m.name}) <- m
	}
}

func (f *Fabric) upgrade(sock net.Conn) (int, error) {
	var h connHeader
	if err := h.ReadFrom(sock); err != nil {
		return -1, err
	}
	if h.Magic != fabricMagic {
		return -1, errors.Errorf("bad handshake magic %#x", h.Magic)
	}
	src := plan.PeerID{IPv4: h.SrcIPv4, Port: h.SrcPort}
	from, ok := f.peers.Rank(src)
	if !ok {
		return -1, errors.Errorf("peer %s is not in this run", src)
	}
	if err := (connAck{Magic: fabricMagic}).WriteTo(sock); err != nil {
		return -1, err
	}
	return from, nil
}
