package session

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/devstroop/vpnse/disguise"
	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/pack"
)

// Config parameterizes one Connect attempt: everything Handshaking and
// Authenticating need that isn't already on the Session/Target.
type Config struct {
	ClientVersion   uint32
	Build           uint32
	SupportedMin    uint32
	SupportedMax    uint32
	Credentials     Credentials
	TLSInsecureSkip bool
	Timeout         time.Duration // overall handshake deadline; 0 = no deadline
}

// randomNonce is swappable in tests; production always uses the real
// crypto/rand-backed generator installed in fsm_rand.go.
var randomNonce = cryptoRandomNonce

// Connect drives the Session from Idle through Tunneling, returning the
// live connection (already past the HTTP phase, ready for the binary
// frame codec) and the negotiated Descriptor. On any failure the
// Session moves to Failed and the returned error is one of the
// errs.Kind values from spec §7; Connect never retries internally.
func (s *Session) Connect(ctx context.Context, cfg Config) (net.Conn, Descriptor, error) {
	if s.state != StateIdle {
		return nil, Descriptor{}, errs.New(errs.KindProtocol, "Connect called outside Idle state", nil)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(s.target.Host, strconv.Itoa(int(s.target.Port)))
	conn, err := disguise.DialTLS(ctx, addr, disguise.TLSConfig{
		ServerName:         s.target.SNI,
		InsecureSkipVerify: cfg.TLSInsecureSkip || !s.target.Verify,
	})
	if err != nil {
		s.setState(StateFailed)
		return nil, Descriptor{}, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	s.setState(StateTlsUp)

	hs := disguise.NewSession(conn, firstNonEmpty(s.target.SNI, s.target.Host))
	if err := hs.SendWatermark(); err != nil {
		s.setState(StateFailed)
		return nil, Descriptor{}, err
	}
	ackReq, _ := http.NewRequest(http.MethodPost, "/vpnsvc/connect.cgi", nil)
	if _, err := hs.ReadResponse(ackReq); err != nil {
		s.setState(StateFailed)
		return nil, Descriptor{}, err
	}
	s.setState(StateHandshaking)

	nonce := randomNonce()
	helloReq := pack.New()
	_ = helloReq.AddInt("client_version", cfg.ClientVersion)
	_ = helloReq.AddInt("build", cfg.Build)
	_ = helloReq.AddBytes("random_nonce", nonce)

	helloReply, err := hs.PostPack(helloReq)
	if err != nil {
		s.setState(StateFailed)
		return nil, Descriptor{}, err
	}

	serverVersion := helloReply.GetIntDefault("server_version", 0)
	if serverVersion < cfg.SupportedMin || serverVersion > cfg.SupportedMax {
		s.setState(StateFailed)
		return nil, Descriptor{}, errs.New(errs.KindIncompatible, "server_version outside supported range", nil).WithCode(int(serverVersion))
	}
	serverNonce := helloReply.GetBytesDefault("random_nonce", nil)
	if len(serverNonce) == 0 {
		s.setState(StateFailed)
		return nil, Descriptor{}, errs.New(errs.KindProtocol, "hello reply carries no random_nonce", nil)
	}
	s.setState(StateAuthenticating)

	authReq, err := buildAuthPack(cfg.Credentials, serverNonce)
	if err != nil {
		s.setState(StateFailed)
		return nil, Descriptor{}, errs.Wrap(errs.KindProtocol, err, "building auth request")
	}
	authReply, err := hs.PostPack(authReq)
	if err != nil {
		s.setState(StateFailed)
		return nil, Descriptor{}, err
	}

	result := authReply.GetStringDefault("result", "")
	switch result {
	case "welcome":
		desc, err := descriptorFromWelcome(authReply)
		if err != nil {
			s.setState(StateFailed)
			return nil, Descriptor{}, err
		}
		s.descriptor = desc
		_ = conn.SetDeadline(time.Time{})
		s.setState(StateTunneling)
		return hs.Conn(), desc, nil
	case "deny":
		code := int(authReply.GetIntDefault("deny_code", 0))
		message := authReply.GetStringDefault("deny_message", "authentication rejected")
		s.setState(StateFailed)
		return nil, Descriptor{}, errs.New(errs.KindAuthRejected, message, nil).WithCode(code)
	default:
		s.setState(StateFailed)
		return nil, Descriptor{}, errs.New(errs.KindProtocol, "auth reply carries neither welcome nor deny", nil)
	}
}

// Bye moves a Tunneling Session to Draining (spec §4.4 Tunneling). The
// client façade's Disconnect calls it; a Bye frame received from the
// server goes to the pipeline's KeepaliveSink.OnBye and does not reach
// this method.
func (s *Session) Bye() {
	if s.state == StateTunneling {
		s.setState(StateDraining)
	}
}

// Close moves a Draining or Tunneling Session to Closed at once. It
// does not use deadline: the bounded wait for pending writes (spec §4.4
// Draining, default 2s) happens in the client façade's Disconnect
// before it calls Close.
func (s *Session) Close(deadline time.Duration) {
	if s.state == StateDraining || s.state == StateTunneling {
		s.setState(StateClosed)
	}
}

// Fail transitions to Failed with the given cause logged; the client
// façade calls it when the keepalive component reports LivenessLost. A
// pipeline error (a TunSink error included) is only logged by the
// client and does not call Fail.
func (s *Session) Fail(cause error) {
	s.logger.Log("fail", cause)
	s.setState(StateFailed)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
