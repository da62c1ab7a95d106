// Package disguise is the handshake-phase transport: it wraps a TLS
// byte stream and exposes "send the watermark" / "send PACK, receive
// PACK" operations, disguising the whole exchange as ordinary HTTP/1.1
// traffic over TLS (spec §4.2, §6).
package disguise

import (
	"context"
	"crypto/tls"
	"net"

	utls "github.com/refraction-networking/utls"

	"github.com/devstroop/vpnse/errs"
)

// TLSConfig controls the TLS dial that opens the disguise phase.
type TLSConfig struct {
	// ServerName overrides SNI; if empty, the dialed host is used
	// unless it's an IP literal (spec: "SNI = sni ?? host when host is
	// a name").
	ServerName string
	// InsecureSkipVerify disables certificate verification
	// (Endpoint.Verify toggle, spec §3).
	InsecureSkipVerify bool
	// MinVersion defaults to TLS 1.2 (spec §6: "version >= 1.2").
	MinVersion uint16
}

// DialTLS opens a TCP connection to addr and layers a uTLS ClientHello
// on top with a stable browser fingerprint (Chrome), so the TLS
// handshake itself doesn't out the client as a bespoke Go binary —
// the entire point of the disguise layer. Certificate verification and
// SNI follow cfg.
func DialTLS(ctx context.Context, addr string, cfg TLSConfig) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindTLS, err, "dial %s", addr)
	}

	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	serverName := cfg.ServerName
	if serverName == "" {
		if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
			serverName = host
		} else {
			serverName = addr
		}
	}

	uConn := utls.UClient(raw, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         minVersion,
	}, utls.HelloChrome_Auto)

	if err := uConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, errs.Wrap(errs.KindTLS, err, "tls handshake to %s", addr)
	}

	return uConn, nil
}
