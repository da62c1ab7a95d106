// Package tunio provides the two TunSink implementations named by
// spec.md §9's redesign note ("Real vs InMemory, selected at
// construction, no runtime toggle"): a desktop TUN device adapter for
// production and a paired in-process pipe for tests.
package tunio

import (
	"io"
	"net"

	"github.com/songgao/water"

	"github.com/devstroop/vpnse/errs"
)

// RealTunSink adapts a github.com/songgao/water TUN device to
// pipeline.TunSink. IP packets read from/written to the device are
// length-delimited only by the device's own read/write semantics (one
// syscall = one packet), so no additional framing is needed here.
type RealTunSink struct {
	iface *water.Interface
	mtu   uint16
	buf   []byte
}

// NewRealTunSink opens a TUN device named name (empty lets the OS
// assign one) with the given MTU. The device itself is not configured
// with an address here; that's the host application's job once it has
// the negotiated Descriptor.
func NewRealTunSink(name string, mtu uint16) (*RealTunSink, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	iface, err := water.New(cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindTunSink, err, "opening tun device %q", name)
	}
	if mtu == 0 {
		mtu = 1500
	}
	return &RealTunSink{iface: iface, mtu: mtu, buf: make([]byte, mtu+64)}, nil
}

// Name reports the OS-assigned or requested interface name.
func (r *RealTunSink) Name() string { return r.iface.Name() }

func (r *RealTunSink) ReadIPPacket() ([]byte, error) {
	n, err := r.iface.Read(r.buf)
	if err != nil {
		return nil, errs.Wrap(errs.KindTunSink, err, "reading tun device")
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	return out, nil
}

func (r *RealTunSink) WriteIPPacket(pkt []byte) error {
	if _, err := r.iface.Write(pkt); err != nil {
		return errs.Wrap(errs.KindTunSink, err, "writing tun device")
	}
	return nil
}

func (r *RealTunSink) MTU() uint16 { return r.mtu }

func (r *RealTunSink) Close() error {
	if err := r.iface.Close(); err != nil {
		return errs.Wrap(errs.KindTunSink, err, "closing tun device")
	}
	return nil
}

// InMemory is a pipeline.TunSink test double: packets Enqueue'd on one
// side are what ReadIPPacket returns, and WriteIPPacket'd packets land
// in a channel the test can drain with Written(). It never touches the
// OS network stack (spec §9's "InMemory" variant).
type InMemory struct {
	mtu     uint16
	inbound chan []byte // fed by the test via Enqueue; drained by ReadIPPacket
	written chan []byte // fed by WriteIPPacket; drained by the test via Written
	closed  chan struct{}
}

// NewInMemory builds an InMemory sink with the given MTU and queue
// depth for both directions.
func NewInMemory(mtu uint16, queueSize int) *InMemory {
	if mtu == 0 {
		mtu = 1500
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &InMemory{
		mtu:     mtu,
		inbound: make(chan []byte, queueSize),
		written: make(chan []byte, queueSize),
		closed:  make(chan struct{}),
	}
}

// Enqueue makes pkt available to the next ReadIPPacket call, as if it
// arrived from the OS network stack.
func (m *InMemory) Enqueue(pkt []byte) {
	select {
	case m.inbound <- pkt:
	case <-m.closed:
	}
}

// Written returns the channel of packets the pipeline has written out
// (i.e. received from the wire and delivered to this sink).
func (m *InMemory) Written() <-chan []byte { return m.written }

func (m *InMemory) ReadIPPacket() ([]byte, error) {
	select {
	case pkt := <-m.inbound:
		return pkt, nil
	case <-m.closed:
		return nil, errs.New(errs.KindTunSink, "sink closed", io.EOF)
	}
}

func (m *InMemory) WriteIPPacket(pkt []byte) error {
	select {
	case <-m.closed:
		return errs.New(errs.KindTunSink, "sink closed", net.ErrClosed)
	default:
	}
	select {
	case m.written <- pkt:
		return nil
	case <-m.closed:
		return errs.New(errs.KindTunSink, "sink closed", net.ErrClosed)
	}
}

func (m *InMemory) MTU() uint16 { return m.mtu }

func (m *InMemory) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}
