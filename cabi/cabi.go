// Package cabi is the C-ABI surface (spec §4.9, §6): cgo-exported
// functions over opaque integer handles, so no Go pointer ever crosses
// the cgo boundary. Every exported function returns one of the status
// codes below; handles are process-wide registry keys, not pointers.
package cabi

/*
#include <stddef.h>

typedef long long vpnse_handle_t;
*/
import "C"

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/devstroop/vpnse/client"
	"github.com/devstroop/vpnse/config"
	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/session"
)

// Status codes (spec §4.9): {0 OK, -1 InvalidConfig, -2
// ConnectionFailed, -3 AuthFailed, -4 Timeout, -5 TunnelFailed, -6
// LimitReached}.
const (
	StatusOK               C.int = 0
	StatusInvalidConfig    C.int = -1
	StatusConnectionFailed C.int = -2
	StatusAuthFailed       C.int = -3
	StatusTimeout          C.int = -4
	StatusTunnelFailed     C.int = -5
	StatusLimitReached     C.int = -6
)

const version = "vpnse-core 1.0"

// The registry maps integer handles to live Go objects; it is the only
// state shared across Handles (spec §4.9 "no global state beyond the
// admission registry" — the admission registry itself lives inside
// each client.Client's Gate, this map is purely a cgo-boundary device).
var (
	registryMu  sync.Mutex
	nextHandle  int64
	configs     = map[int64]*client.Config{}
	clients     = map[int64]*client.Client{}
)

func allocHandle() int64 {
	return atomic.AddInt64(&nextHandle, 1)
}

func writeCString(dst *C.char, dstLen C.size_t, s string) {
	if dst == nil || dstLen == 0 {
		return
	}
	n := int(dstLen) - 1
	if n < 0 {
		n = 0
	}
	if len(s) < n {
		n = len(s)
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(dstLen))
	copy(buf, s[:n])
	buf[n] = 0
}

func writeErr(errBuf *C.char, errBufLen C.size_t, err error) C.int {
	writeCString(errBuf, errBufLen, err.Error())
	return statusFor(err)
}

func statusFor(err error) C.int {
	e, ok := err.(*errs.Error)
	if !ok {
		return StatusConnectionFailed
	}
	switch e.Kind {
	case errs.KindConfig:
		return StatusInvalidConfig
	case errs.KindAuthRejected:
		return StatusAuthFailed
	case errs.KindConnectionLimitReached, errs.KindRateLimited:
		return StatusLimitReached
	case errs.KindLivenessLost, errs.KindTunSink:
		return StatusTunnelFailed
	case errs.KindDNS, errs.KindTLS, errs.KindHTTP, errs.KindProtocol, errs.KindIncompatible, errs.KindShuttingDown:
		return StatusConnectionFailed
	default:
		return StatusConnectionFailed
	}
}

// vpnse_version writes the core's version string into buf.
//
//export vpnse_version
func vpnse_version(buf *C.char, bufLen C.size_t) {
	writeCString(buf, bufLen, version)
}

// vpnse_parse_config loads and validates a TOML config file, returning
// a config handle in outHandle on success.
//
//export vpnse_parse_config
func vpnse_parse_config(path *C.char, outHandle *C.vpnse_handle_t, errBuf *C.char, errBufLen C.size_t) C.int {
	f, err := config.LoadFile(C.GoString(path))
	if err != nil {
		return writeErr(errBuf, errBufLen, err)
	}
	cfg, err := f.ToClientConfig()
	if err != nil {
		return writeErr(errBuf, errBufLen, err)
	}

	registryMu.Lock()
	h := allocHandle()
	configs[h] = &cfg
	registryMu.Unlock()

	*outHandle = C.vpnse_handle_t(h)
	return StatusOK
}

// vpnse_client_new builds a Handle from a previously parsed config.
//
//export vpnse_client_new
func vpnse_client_new(configHandle C.vpnse_handle_t, outClient *C.vpnse_handle_t, errBuf *C.char, errBufLen C.size_t) C.int {
	registryMu.Lock()
	cfg, ok := configs[int64(configHandle)]
	registryMu.Unlock()
	if !ok {
		return writeErr(errBuf, errBufLen, errs.New(errs.KindConfig, "unknown config handle", nil))
	}

	c := client.New(*cfg, nil)

	registryMu.Lock()
	h := allocHandle()
	clients[h] = c
	registryMu.Unlock()

	*outClient = C.vpnse_handle_t(h)
	return StatusOK
}

func lookupClient(h C.vpnse_handle_t) (*client.Client, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	c, ok := clients[int64(h)]
	return c, ok
}

// vpnse_client_connect runs the admission-gated, cluster-selected
// connect sequence and writes the negotiated descriptor's fields into
// the caller-owned out-buffers. On the spec's wire contract, connect
// and authenticate are offered as two calls; internally
// session.Session.Connect already performs TLS-up through
// Authenticating atomically (splitting that across a cgo call boundary
// would mean suspending mid-handshake, which the FSM doesn't support
// and spec §5 doesn't require — "owned by one Handle; no sharing"),
// so vpnse_client_connect does the full sequence and
// vpnse_client_authenticate below is a cheap idempotent check of the
// result already on the Handle.
//
//export vpnse_client_connect
func vpnse_client_connect(
	h C.vpnse_handle_t,
	timeoutMs C.int,
	outAssignedIP *C.char, assignedIPLen C.size_t,
	outGateway *C.char, gatewayLen C.size_t,
	outSessionIDHex *C.char, sessionIDHexLen C.size_t,
	outMTU *C.int,
	errBuf *C.char, errBufLen C.size_t,
) C.int {
	c, ok := lookupClient(h)
	if !ok {
		return writeErr(errBuf, errBufLen, errs.New(errs.KindConfig, "unknown client handle", nil))
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, durationFromMs(timeoutMs))
		defer cancel()
	}

	desc, err := c.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			writeCString(errBuf, errBufLen, err.Error())
			return StatusTimeout
		}
		return writeErr(errBuf, errBufLen, err)
	}

	writeCString(outAssignedIP, assignedIPLen, desc.AssignedIP.String())
	writeCString(outGateway, gatewayLen, desc.Gateway.String())
	writeCString(outSessionIDHex, sessionIDHexLen, hex.EncodeToString(desc.SessionID))
	if outMTU != nil {
		*outMTU = C.int(desc.MTU)
	}
	return StatusOK
}

// vpnse_client_authenticate reports whether the Handle reached
// Tunneling; see vpnse_client_connect's doc comment for why this
// doesn't perform a second network round trip.
//
//export vpnse_client_authenticate
func vpnse_client_authenticate(h C.vpnse_handle_t, errBuf *C.char, errBufLen C.size_t) C.int {
	c, ok := lookupClient(h)
	if !ok {
		return writeErr(errBuf, errBufLen, errs.New(errs.KindConfig, "unknown client handle", nil))
	}
	if c.Status() != session.StateTunneling {
		err := c.LastError()
		if err == nil {
			err = errs.New(errs.KindProtocol, "client has not completed authentication", nil)
		}
		return writeErr(errBuf, errBufLen, err)
	}
	return StatusOK
}

// vpnse_client_status writes the Handle's session.State ordinal to outState.
//
//export vpnse_client_status
func vpnse_client_status(h C.vpnse_handle_t, outState *C.int) C.int {
	c, ok := lookupClient(h)
	if !ok {
		return StatusInvalidConfig
	}
	*outState = C.int(c.Status())
	return StatusOK
}

// vpnse_client_disconnect gracefully tears down the Handle's connection
// without freeing the handle itself.
//
//export vpnse_client_disconnect
func vpnse_client_disconnect(h C.vpnse_handle_t) C.int {
	c, ok := lookupClient(h)
	if !ok {
		return StatusInvalidConfig
	}
	c.Disconnect()
	return StatusOK
}

// vpnse_client_free disconnects (if needed) and releases the Handle;
// safe to call at most once per handle, matching client.Client.Free's
// own idempotence (spec §4.9 "can be freed at most once").
//
//export vpnse_client_free
func vpnse_client_free(h C.vpnse_handle_t) C.int {
	registryMu.Lock()
	c, ok := clients[int64(h)]
	if ok {
		delete(clients, int64(h))
	}
	registryMu.Unlock()
	if !ok {
		return StatusInvalidConfig
	}
	c.Free()
	return StatusOK
}

func durationFromMs(ms C.int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
