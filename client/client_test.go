package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstroop/vpnse/admission"
	"github.com/devstroop/vpnse/cluster"
	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/session"
)

type memSink struct {
	closed bool
}

func (m *memSink) ReadIPPacket() ([]byte, error) { select {} }
func (m *memSink) WriteIPPacket(p []byte) error  { return nil }
func (m *memSink) MTU() uint16                   { return 1500 }
func (m *memSink) Close() error                  { m.closed = true; return nil }

func TestNewHandleStartsIdle(t *testing.T) {
	c := New(Config{Cluster: cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}}}, nil)
	require.Equal(t, session.StateIdle, c.Status())
}

func TestConnectFailsFastWhenAdmissionExhausted(t *testing.T) {
	c := New(Config{
		Cluster:   cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}},
		Admission: admission.Limits{MaxConcurrent: 1},
	}, nil)
	// Consume the only concurrency slot directly.
	grant, err := c.gate.Acquire()
	require.NoError(t, err)
	defer grant.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Connect(ctx)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindConnectionLimitReached, e.Kind)
}

func TestConnectRejectsReuseOfHandle(t *testing.T) {
	c := New(Config{Cluster: cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}}}, nil)
	c.sess = session.New(session.Target{Host: "127.0.0.1", Port: 1}, nil)

	_, err := c.Connect(context.Background())
	require.Error(t, err)
}

func TestConnectWithNoEndpointsIsConfigError(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.Connect(context.Background())
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindConfig, e.Kind)
}

func TestDisconnectOnNeverConnectedHandleIsNoop(t *testing.T) {
	c := New(Config{Cluster: cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}}}, nil)
	require.NotPanics(t, func() { c.Disconnect() })
}

func TestFreeIsIdempotent(t *testing.T) {
	c := New(Config{Cluster: cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}}}, nil)
	c.Free()
	require.NotPanics(t, func() { c.Free() })
}

func TestStatsZeroBeforeConnect(t *testing.T) {
	c := New(Config{Cluster: cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}}}, nil)
	st := c.Stats()
	require.Zero(t, st.BytesIn)
	require.Zero(t, st.PipelineDropped)
}

func TestAttachTunBeforeConnectDoesNotStartPipeline(t *testing.T) {
	c := New(Config{Cluster: cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}}}, nil)
	c.AttachTun(&memSink{})
	require.Nil(t, c.pipe)
}

func TestLastErrorReflectsFailedConnect(t *testing.T) {
	c := New(Config{
		Cluster:   cluster.Config{Endpoints: []cluster.Endpoint{{Host: "127.0.0.1", Port: 1}}},
		Admission: admission.Limits{MaxRetries: 0},
	}, nil)
	grant, err := c.gate.Acquire()
	require.NoError(t, err)
	defer grant.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = c.Connect(ctx)
	// Nothing listens on port 1, so the attempt fails (dial error or the
	// context deadline) and Connect records that error for LastError.
	require.Error(t, c.LastError())
}
