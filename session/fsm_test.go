package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstroop/vpnse/disguise"
	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/pack"
)

// mockServer drives one handshake from the wire side: reads the
// watermark POST, replies 200; reads the hello POST, replies with a
// hello pack; reads the auth POST, replies with whatever pack the test
// supplies.
type mockServer struct {
	conn       net.Conn
	br         *bufio.Reader
	helloReply *pack.Pack
	authReply  *pack.Pack
}

func (m *mockServer) serve(t *testing.T) {
	t.Helper()

	// watermark
	req, err := http.ReadRequest(m.br)
	require.NoError(t, err)
	io.Copy(io.Discard, req.Body)
	writeOK(t, m.conn, nil)

	// hello
	req = readPackRequest(t, m.br)
	_ = req
	encoded, err := pack.Encode(m.helloReply)
	require.NoError(t, err)
	writeOK(t, m.conn, encoded)

	// auth
	readPackRequest(t, m.br)
	encoded, err = pack.Encode(m.authReply)
	require.NoError(t, err)
	writeOK(t, m.conn, encoded)
}

func readPackRequest(t *testing.T, br *bufio.Reader) *http.Request {
	t.Helper()
	req, err := http.ReadRequest(br)
	require.NoError(t, err)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	_, err = pack.Decode(body)
	require.NoError(t, err)
	return req
}

func writeOK(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	resp := "HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: " +
		itoaTest(len(body)) + "\r\n\r\n"
	_, err := conn.Write([]byte(resp))
	require.NoError(t, err)
	if len(body) > 0 {
		_, err = conn.Write(body)
		require.NoError(t, err)
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// session.Connect dials via disguise.DialTLS, which we can't easily
// intercept without a real listener, so the other tests here exercise
// the handshake/auth logic directly against disguise.Session instead of
// going through Connect's dialer. TestConnectRejectsWrongState is the
// one Connect-level test that doesn't need a live socket.
func TestConnectRejectsWrongState(t *testing.T) {
	s := New(Target{Host: "127.0.0.1", Port: 1443}, nil)
	s.state = StateTunneling

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := s.Connect(ctx, Config{})
	require.Error(t, err)
}

func TestHandshakeWelcomeProducesDescriptor(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	helloReply := pack.New()
	require.NoError(t, helloReply.AddInt("server_version", 1))
	require.NoError(t, helloReply.AddBytes("random_nonce", []byte("serverside-nonce")))

	authReply := pack.New()
	require.NoError(t, authReply.AddString("result", "welcome"))
	require.NoError(t, authReply.AddString("assigned_ip", "10.21.0.5"))
	require.NoError(t, authReply.AddString("netmask", "255.255.255.0"))
	require.NoError(t, authReply.AddString("gateway", "10.21.0.1"))
	require.NoError(t, authReply.AddInt("mtu", 1500))
	require.NoError(t, authReply.AddBytes("session_id", []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	m := &mockServer{conn: server, br: bufio.NewReader(server), helloReply: helloReply, authReply: authReply}
	go m.serve(t)

	hs := disguise.NewSession(client, "vpn.example.com")
	require.NoError(t, hs.SendWatermark())
	ackReq, _ := http.NewRequest(http.MethodPost, "/vpnsvc/connect.cgi", nil)
	_, err := hs.ReadResponse(ackReq)
	require.NoError(t, err)

	helloReq := pack.New()
	require.NoError(t, helloReq.AddInt("client_version", 441))
	gotHello, err := hs.PostPack(helloReq)
	require.NoError(t, err)
	require.EqualValues(t, 1, gotHello.GetIntDefault("server_version", 0))

	authReq := pack.New()
	require.NoError(t, authReq.AddString("method", "anonymous"))
	gotAuth, err := hs.PostPack(authReq)
	require.NoError(t, err)

	desc, err := descriptorFromWelcome(gotAuth)
	require.NoError(t, err)
	require.Equal(t, "10.21.0.5", desc.AssignedIP.String())
	require.Equal(t, "10.21.0.1", desc.Gateway.String())
	require.EqualValues(t, 1500, desc.MTU)
	require.False(t, desc.Heuristic)
}

func TestDenyReplyIsAuthRejected(t *testing.T) {
	authReply := pack.New()
	require.NoError(t, authReply.AddString("result", "deny"))
	require.NoError(t, authReply.AddInt("deny_code", 7))
	require.NoError(t, authReply.AddString("deny_message", "Invalid password"))

	code := int(authReply.GetIntDefault("deny_code", 0))
	message := authReply.GetStringDefault("deny_message", "")
	err := errs.New(errs.KindAuthRejected, message, nil).WithCode(code)

	require.Equal(t, errs.KindAuthRejected, err.Kind)
	require.Equal(t, 7, err.Code)
	require.Equal(t, "Invalid password", err.Message)
	require.True(t, errs.Fatal(err))
}

func TestSecurePasswordIsDeterministic(t *testing.T) {
	nonce := []byte{1, 2, 3, 4}
	a := securePassword("hunter2", nonce)
	b := securePassword("hunter2", nonce)
	require.Equal(t, a, b)

	c := securePassword("different", nonce)
	require.NotEqual(t, a, c)
}

func TestBuildAuthPackAnonymousHasNoPassword(t *testing.T) {
	p, err := buildAuthPack(Credentials{Method: AuthAnonymous, Hub: "DEFAULT"}, []byte("nonce"))
	require.NoError(t, err)
	require.Nil(t, p.Get("secure_password"))
	require.Equal(t, "anonymous", p.GetStringDefault("method", ""))
}
