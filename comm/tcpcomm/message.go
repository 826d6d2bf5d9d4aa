package tcpcomm

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/mlweave/loom/base"
)

var endian = binary.LittleEndian

// fabricMagic opens both handshake directions, so a dial that reached the
// wrong service fails before any payload moves.
const fabricMagic uint32 = 0x6d6f6f6c

// Wire limits. Rendezvous names are short static strings and payloads are
// bounded by the model size; anything past these is a broken stream.
const (
	maxNameLen = 1 << 12
	maxPayload = 1 << 30
)

// connHeader introduces the dialing peer. SrcPort is the peer's listen
// port, not the ephemeral port of the dial.
type connHeader struct {
	Magic   uint32
	SrcIPv4 uint32
	SrcPort uint16
}

func (h connHeader) WriteTo(w io.Writer) error {
	return binary.Write(w, endian, &h)
}

func (h *connHeader) ReadFrom(r io.Reader) error {
	return binary.Read(r, endian, h)
}

type connAck struct {
	Magic uint32
}

func (a connAck) WriteTo(w io.Writer) error {
	return binary.Write(w, endian, &a)
}

func (a *connAck) ReadFrom(r io.Reader) error {
	return binary.Read(r, endian, a)
}

// message is one named vector in flight: name length, name, dtype and
// payload length, then the raw payload bytes.
type message struct {
	name  string
	dtype base.DataType
	data  []byte
}

func (m message) writeTo(w io.Writer) error {
	name := []byte(m.name)
	if err := binary.Write(w, endian, uint32(len(name))); err != nil {
		return err
	}
	if _, err := w.Write(name); err != nil {
		return err
	}
	if err := binary.Write(w, endian, uint32(m.dtype)); err != nil {
		return err
	}
	if err := binary.Write(w, endian, uint32(len(m.data))); err != nil {
		return err
	}
	_, err := w.Write(m.data)
	return err
}

func (m *message) readFrom(r io.Reader) error {
	var nameLen uint32
	if err := binary.Read(r, endian, &nameLen); err != nil {
		return err
	}
	if nameLen > maxNameLen {
		return errors.Errorf("message name of %d bytes", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return err
	}
	var dtype, length uint32
	if err := binary.Read(r, endian, &dtype); err != nil {
		return err
	}
	if err := binary.Read(r, endian, &length); err != nil {
		return err
	}
	if length > maxPayload {
		return errors.Errorf("message payload of %d bytes", length)
	}
	m.name = string(name)
	m.dtype = base.DataType(dtype)
	m.data = make([]byte, length)
	_, err := io.ReadFull(r, m.data)
	return err
}
