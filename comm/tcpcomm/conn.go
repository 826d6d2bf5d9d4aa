package tcpcomm

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
	"github.com/mlweave/loom/log"
	"github.com/mlweave/loom/plan"
)

// Workers of one run start in arbitrary order, so dials retry until the
// remote listener is up.
const (
	defaultDialRetries = 500
	defaultDialPeriod  = 200 * time.Millisecond
)

// conn is one outbound link. It dials lazily on first use and keeps the
// socket for the life of the fabric; writes are serialized, so messages
// on one link arrive in send order.
type conn struct {
	mu      sync.Mutex
	remote  plan.PeerID
	local   plan.PeerID
	retries int
	period  time.Duration
	sock    net.Conn
}

func (c *conn) dial() error {
	h := connHeader{Magic: fabricMagic, SrcIPv4: c.local.IPv4, SrcPort: c.local.Port}
	var lastErr error
	for i := 0; i <= c.retries; i++ {
		if i > 0 {
			time.Sleep(c.period)
		}
		sock, err := net.Dial("tcp", c.remote.String())
		if err != nil {
			lastErr = err
			continue
		}
		if err := handshake(sock, h); err != nil {
			sock.Close()
			lastErr = err
			continue
		}
		log.Debugf("link to %s up after %d dials", c.remote, i+1)
		c.sock = sock
		return nil
	}
	return errors.Wrapf(lastErr, "no link to %s after %d dials", c.remote, c.retries+1)
}

func handshake(sock net.Conn, h connHeader) error {
	if err := h.WriteTo(sock); err != nil {
		return err
	}
	var ack connAck
	if err := ack.ReadFrom(sock); err != nil {
		return err
	}
	if ack.Magic != fabricMagic {
		return errors.Errorf("bad handshake ack %#x", ack.Magic)
	}
	return nil
}

func (c *conn) send(name string, v *base.Vector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		if err := c.dial(); err != nil {
			return err
		}
	}
	m := message{name: name, dtype: v.Type, data: v.Data}
	if err := m.writeTo(c.sock); err != nil {
		return errors.Wrapf(err, "send %q to %s", name, c.remote)
	}
	return nil
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	return err
}
