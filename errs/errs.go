// Package errs defines the error taxonomy the façade and C-ABI surface
// map onto status codes and retry decisions (see admission.ShouldRetry).
package errs

import "fmt"

// Kind classifies an Error for retry and status-code mapping purposes.
// It deliberately mirrors the taxonomy in the spec, not a generic error
// code scheme: the façade's retry loop and the cluster's health tracker
// both switch on Kind.
type Kind int

const (
	KindConfig Kind = iota
	KindDNS
	KindTLS
	KindHTTP
	KindProtocol
	KindAuthRejected
	KindIncompatible
	KindLivenessLost
	KindConnectionLimitReached
	KindRateLimited
	KindTunSink
	KindShuttingDown
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindDNS:
		return "DnsError"
	case KindTLS:
		return "TlsError"
	case KindHTTP:
		return "HttpError"
	case KindProtocol:
		return "ProtocolError"
	case KindAuthRejected:
		return "AuthRejected"
	case KindIncompatible:
		return "Incompatible"
	case KindLivenessLost:
		return "LivenessLost"
	case KindConnectionLimitReached:
		return "ConnectionLimitReached"
	case KindRateLimited:
		return "RateLimited"
	case KindTunSink:
		return "TunSinkError"
	case KindShuttingDown:
		return "ShuttingDown"
	default:
		return "UnknownError"
	}
}

// Error is the core's single error type. Code carries an HTTP status or
// server-supplied deny code when Kind is KindHTTP or KindAuthRejected;
// RetryAfterMs carries the window-remaining hint when Kind is
// KindRateLimited.
type Error struct {
	Kind         Kind
	Message      string
	Code         int
	RetryAfterMs int64
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(KindAuthRejected, "", nil)) style
// comparisons by Kind alone (message/cause ignored).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithCode attaches an HTTP/server status code, for KindHTTP/KindAuthRejected.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// WithRetryAfter attaches the RateLimited retry_after_ms hint.
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.RetryAfterMs = ms
	return e
}

// Retryable reports whether the façade's retry loop (spec §7) should
// attempt another connect for this error kind. AuthRejected,
// Incompatible and ConnectionLimitReached are fatal and never retried;
// everything else the retry loop might retry is TlsError, DnsError,
// HttpError with Code >= 500, and LivenessLost.
func Retryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindTLS, KindDNS, KindLivenessLost:
		return true
	case KindHTTP:
		return e.Code >= 500
	default:
		return false
	}
}

// Fatal reports whether err should break a retry loop immediately.
func Fatal(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindAuthRejected, KindIncompatible, KindConnectionLimitReached:
		return true
	default:
		return false
	}
}
