package pipeline

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstroop/vpnse/frame"
)

// memSink is an in-memory TunSink test double: writes land in a slice,
// reads come from a channel the test feeds.
type memSink struct {
	mu      sync.Mutex
	written [][]byte
	toRead  chan []byte
	mtu     uint16
	closed  bool
}

func newMemSink(mtu uint16) *memSink {
	return &memSink{toRead: make(chan []byte, 16), mtu: mtu}
}

func (m *memSink) ReadIPPacket() ([]byte, error) {
	pkt, ok := <-m.toRead
	if !ok {
		return nil, errClosedSink
	}
	return pkt, nil
}

func (m *memSink) WriteIPPacket(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), b...)
	m.written = append(m.written, cp)
	return nil
}

func (m *memSink) MTU() uint16 { return m.mtu }

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.toRead)
	}
	return nil
}

func (m *memSink) snapshot() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

var errClosedSink = &sinkClosedError{}

type sinkClosedError struct{}

func (*sinkClosedError) Error() string { return "sink closed" }

type fakeKeepalive struct {
	mu       sync.Mutex
	pings    int
	pongs    int
	bye      string
	inbound  int
	outbound int
}

func (f *fakeKeepalive) OnPing() { f.mu.Lock(); f.pings++; f.mu.Unlock() }
func (f *fakeKeepalive) OnPong() { f.mu.Lock(); f.pongs++; f.mu.Unlock() }
func (f *fakeKeepalive) OnBye(reason string) {
	f.mu.Lock()
	f.bye = reason
	f.mu.Unlock()
}
func (f *fakeKeepalive) OnInboundFrame() { f.mu.Lock(); f.inbound++; f.mu.Unlock() }
func (f *fakeKeepalive) OnOutboundData() { f.mu.Lock(); f.outbound++; f.mu.Unlock() }

func TestPipelineOutboundEncodesDataFrames(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sink := newMemSink(1500)
	ka := &fakeKeepalive{}
	p := New(clientConn, sink, ka, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	pkt := []byte{1, 2, 3, 4}
	sink.toRead <- pkt

	f, _, err := readOneFrame(t, serverConn)
	require.NoError(t, err)
	require.Equal(t, frame.OpData, f.Opcode)
	require.Equal(t, pkt, f.Payload)
}

func TestPipelineInboundDispatchesDataToSink(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sink := newMemSink(1500)
	ka := &fakeKeepalive{}
	p := New(clientConn, sink, ka, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	pkt := []byte{9, 9, 9}
	encoded, err := frame.EncodeData(pkt, 1500)
	require.NoError(t, err)
	_, err = serverConn.Write(encoded)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := sink.snapshot()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, pkt, sink.snapshot()[0])
}

func TestPipelineRespondsToPingWithPong(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sink := newMemSink(1500)
	ka := &fakeKeepalive{}
	p := New(clientConn, sink, ka, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	_, err := serverConn.Write(frame.EncodePing())
	require.NoError(t, err)

	f, _, err := readOneFrame(t, serverConn)
	require.NoError(t, err)
	require.Equal(t, frame.OpPong, f.Opcode)

	require.Eventually(t, func() bool {
		ka.mu.Lock()
		defer ka.mu.Unlock()
		return ka.pings == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPipelineOversizePacketDroppedAndCounted(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sink := newMemSink(100)
	ka := &fakeKeepalive{}
	p := New(clientConn, sink, ka, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	oversized := make([]byte, 300)
	sink.toRead <- oversized
	goodPkt := []byte{1, 2, 3}
	sink.toRead <- goodPkt

	f, _, err := readOneFrame(t, serverConn)
	require.NoError(t, err)
	require.Equal(t, goodPkt, f.Payload)
	require.Eventually(t, func() bool {
		return p.Stats().Dropped == 1
	}, time.Second, 10*time.Millisecond)
}

// readOneFrame blocks on conn until a full frame is available.
func readOneFrame(t *testing.T, conn net.Conn) (*frame.Frame, []byte, error) {
	t.Helper()
	buf := make([]byte, 0, 1024)
	read := make([]byte, 1024)
	for {
		f, rest, err := frame.Decode(buf)
		if err == nil {
			return f, rest, nil
		}
		if err != frame.ErrNeedMore {
			return nil, nil, err
		}
		n, rerr := conn.Read(read)
		if rerr != nil {
			return nil, nil, rerr
		}
		buf = append(buf, read[:n]...)
	}
}
