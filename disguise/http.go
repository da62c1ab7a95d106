package disguise

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/pack"
)

const (
	watermarkPath = "/vpnsvc/connect.cgi"
	vpnPath       = "/vpnsvc/vpn.cgi"
)

// Session wraps a TLS net.Conn with the buffered reader HTTP response
// parsing needs, so multiple request/response round trips can share one
// connection (keep-alive) the way a real SoftEther client does.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
	host string // Host header; falls back to the endpoint host if unset
}

// NewSession wraps conn. host is used for the Host: header; pass "" to
// derive it from conn.RemoteAddr().
func NewSession(conn net.Conn, host string) *Session {
	if host == "" {
		host = conn.RemoteAddr().String()
	}
	return &Session{conn: conn, br: bufio.NewReader(conn), host: host}
}

// SendWatermark writes the fixed first HTTP POST that opens the
// disguise phase (spec §4.2, §6). It must be called at most once per
// connection: a retry here would create a duplicate session server-side.
func (s *Session) SendWatermark() error {
	req, err := http.NewRequest(http.MethodPost, watermarkPath, bytes.NewReader(Watermark))
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err, "building watermark request")
	}
	req.Host = s.host
	req.Header.Set("Content-Type", "image/jpeg")
	req.ContentLength = int64(len(Watermark))

	if err := req.Write(s.conn); err != nil {
		return errs.Wrap(errs.KindTLS, err, "writing watermark request")
	}
	return nil
}

// ReadResponse parses one HTTP/1.1 response off the connection,
// accepts any 2xx status, and returns the body. Chunked
// transfer-encoding is handled transparently by http.Response.Body.
//
// Edge case (spec §4.2): the server's first reply may itself be a
// watermark-shaped echo rather than a real PACK; callers that expect a
// PACK reply should tolerate a non-PACK first body by calling
// ReadResponse once more.
func (s *Session) ReadResponse(req *http.Request) ([]byte, error) {
	resp, err := http.ReadResponse(s.br, req)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "parsing HTTP response")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.KindHTTP, fmt.Sprintf("unexpected status %s", resp.Status), nil).WithCode(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "reading response body")
	}
	return body, nil
}

// PostPack serializes p, POSTs it to /vpnsvc/vpn.cgi with an explicit
// Content-Length, and decodes the response body as a Pack (spec §4.2).
func (s *Session) PostPack(p *pack.Pack) (*pack.Pack, error) {
	encoded, err := pack.Encode(p)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "encoding request pack")
	}

	req, err := http.NewRequest(http.MethodPost, vpnPath, bytes.NewReader(encoded))
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "building pack request")
	}
	req.Host = s.host
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(encoded))

	if err := req.Write(s.conn); err != nil {
		return nil, errs.Wrap(errs.KindTLS, err, "writing pack request")
	}

	body, err := s.ReadResponse(req)
	if err != nil {
		return nil, err
	}

	// Tolerate a leading watermark-shaped echo before the real PACK
	// reply (spec §4.2 edge case): if the body doesn't parse as a Pack
	// but looks like the watermark, read one more response.
	decoded, decodeErr := pack.Decode(body)
	if decodeErr != nil && bytes.HasPrefix(body, []byte("GIF89a")) {
		body, err = s.ReadResponse(req)
		if err != nil {
			return nil, err
		}
		decoded, decodeErr = pack.Decode(body)
	}
	if decodeErr != nil {
		return nil, errs.Wrap(errs.KindProtocol, decodeErr, "decoding response pack")
	}
	return decoded, nil
}

// Conn exposes the underlying connection so callers (the binary frame
// phase, spec §4.3) can take over the stream once the welcome reply
// arrives. The buffered reader is drained into a combined reader so no
// bytes the HTTP parser has already buffered are lost.
func (s *Session) Conn() net.Conn {
	if s.br.Buffered() == 0 {
		return s.conn
	}
	return &bufferedConn{Conn: s.conn, r: s.br}
}

// bufferedConn prepends any bytes bufio.Reader already pulled off the
// wire ahead of further reads from the raw connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
