// Package pipeline couples the binary frame codec to a host-provided
// TunSink, pumping IP packets in both directions over one TLS stream
// (spec §4.5).
package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"golang.org/x/sync/errgroup"

	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/frame"
	"github.com/devstroop/vpnse/internal/xlog"
)

// DefaultQueueSize is the default bound on each direction's internal
// queue before TUN reads are suspended (spec §4.5).
const DefaultQueueSize = 256

// TunSink is the host-provided collaborator the pipeline borrows for
// the Session's lifetime; it is never closed by this package (spec §3
// TunSink ownership note).
type TunSink interface {
	ReadIPPacket() ([]byte, error)
	WriteIPPacket([]byte) error
	MTU() uint16
	Close() error
}

// KeepaliveSink receives decoded Ping/Pong/Bye frames and data-flow
// notifications so the keepalive component can track liveness without
// this package importing it (spec §4.6).
type KeepaliveSink interface {
	OnPing()
	OnPong()
	OnBye(reason string)
	// OnInboundFrame is called for every successfully decoded frame,
	// regardless of opcode: "server liveness is proven by any traffic".
	OnInboundFrame()
	// OnOutboundData is called after a Data frame is written, so the
	// keepalive timer can skip a Ping when ordinary traffic already
	// proved the connection is alive.
	OnOutboundData()
}

// Stats are the pipeline's own counters, kept apart from session.Stats;
// the client façade reports Dropped as its Stats.PipelineDropped.
type Stats struct {
	Dropped uint64 // packets dropped for exceeding MTU
}

// Pipeline runs the outbound and inbound pumps for one Session's TLS
// stream, with bounded backpressure queues in front of each writer
// (spec §4.5).
type Pipeline struct {
	conn      net.Conn
	sink      TunSink
	keepalive KeepaliveSink
	queueSize int
	logger    log.Logger

	dropped uint64

	writeMu sync.Mutex // serializes conn.Write between the data pump and Pong replies
	outbox  chan []byte // TUN -> TLS stream
	inbox   chan []byte // TLS stream -> TUN
}

// writeFrame serializes a write to the shared TLS stream; both the
// outbound data pump and the immediate Pong reply in readFromWire go
// through this so concurrent writers never interleave frame bytes.
func (p *Pipeline) writeFrame(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// New builds a Pipeline. queueSize <= 0 uses DefaultQueueSize.
func New(conn net.Conn, sink TunSink, ka KeepaliveSink, queueSize int, logger log.Logger) *Pipeline {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pipeline{
		conn:      conn,
		sink:      sink,
		keepalive: ka,
		queueSize: queueSize,
		logger:    xlog.Scope(logger, "pipeline"),
		outbox:    make(chan []byte, queueSize),
		inbox:     make(chan []byte, queueSize),
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{Dropped: atomic.LoadUint64(&p.dropped)}
}

// SendPing writes a Ping frame through the same serialized writer the
// data pump uses, so the keepalive component's timer-driven Pings
// never interleave with in-flight Data frames.
func (p *Pipeline) SendPing() error {
	if err := p.writeFrame(frame.EncodePing()); err != nil {
		return errs.Wrap(errs.KindTLS, err, "writing ping")
	}
	return nil
}

// SendBye writes a Bye frame, used by the client façade's Disconnect
// when it initiates a graceful close (spec §4.4 Draining).
func (p *Pipeline) SendBye(reason string) error {
	encoded, err := frame.EncodeBye(reason)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err, "encoding bye frame")
	}
	if err := p.writeFrame(encoded); err != nil {
		return errs.Wrap(errs.KindTLS, err, "writing bye")
	}
	return nil
}

// Run drives both directions until ctx is canceled or either pump
// returns an error, then stops the other and returns the first error
// (spec §4.5 "single shutdown signal").
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readFromTun(ctx) })
	g.Go(func() error { return p.writeToWire(ctx) })
	g.Go(func() error { return p.readFromWire(ctx) })
	g.Go(func() error { return p.writeToTun(ctx) })
	return g.Wait()
}

// readFromTun pulls packets off the TunSink and enqueues them for the
// wire writer; it blocks (suspending further TUN reads) when outbox is
// full, per spec §4.5's "suspend, don't drop" backpressure rule.
func (p *Pipeline) readFromTun(ctx context.Context) error {
	for {
		pkt, err := p.sink.ReadIPPacket()
		if err != nil {
			return errs.Wrap(errs.KindTunSink, err, "reading from tun")
		}
		select {
		case p.outbox <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeToWire drains outbox, encoding each packet as a Data frame.
// Packets exceeding the sink's MTU are dropped and counted, never
// fragmented (spec §4.5, B2).
func (p *Pipeline) writeToWire(ctx context.Context) error {
	mtu := int(p.sink.MTU())
	for {
		select {
		case pkt := <-p.outbox:
			encoded, err := frame.EncodeData(pkt, mtu)
			if err != nil {
				atomic.AddUint64(&p.dropped, 1)
				p.logger.Log("drop", "oversize packet", "len", len(pkt), "mtu", mtu)
				continue
			}
			if err := p.writeFrame(encoded); err != nil {
				return errs.Wrap(errs.KindTLS, err, "writing data frame")
			}
			if p.keepalive != nil {
				p.keepalive.OnOutboundData()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readFromWire decodes frames off the TLS stream and dispatches them:
// Data to inbox, Ping/Pong to the keepalive sink, Bye to the keepalive
// sink's OnBye (spec §4.5).
func (p *Pipeline) readFromWire(ctx context.Context) error {
	buf := make([]byte, 0, 64*1024)
	read := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(read)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errs.Wrap(errs.KindTLS, err, "reading from wire")
		}
		buf = append(buf, read[:n]...)

		for {
			f, rest, decErr := frame.Decode(buf)
			if decErr == frame.ErrNeedMore {
				buf = rest
				break
			}
			if decErr != nil {
				return errs.Wrap(errs.KindProtocol, decErr, "decoding frame")
			}
			buf = rest

			if p.keepalive != nil {
				p.keepalive.OnInboundFrame()
			}

			switch f.Opcode {
			case frame.OpData:
				select {
				case p.inbox <- f.Payload:
				case <-ctx.Done():
					return ctx.Err()
				}
			case frame.OpPing:
				if p.keepalive != nil {
					p.keepalive.OnPing()
				}
				if err := p.writeFrame(frame.EncodePong()); err != nil {
					return errs.Wrap(errs.KindTLS, err, "writing pong reply")
				}
			case frame.OpPong:
				if p.keepalive != nil {
					p.keepalive.OnPong()
				}
			case frame.OpBye:
				if p.keepalive != nil {
					p.keepalive.OnBye(string(f.Payload))
				}
				return nil
			}
		}
	}
}

// writeToTun drains inbox into the TunSink.
func (p *Pipeline) writeToTun(ctx context.Context) error {
	for {
		select {
		case pkt := <-p.inbox:
			if err := p.sink.WriteIPPacket(pkt); err != nil {
				return errs.Wrap(errs.KindTunSink, err, "writing to tun")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
