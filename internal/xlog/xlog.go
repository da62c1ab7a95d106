// Package xlog scopes a go-kit logger per component, the way
// l2tp/transport.go scopes its logger with log.With(logger, "logger", "transport").
package xlog

import (
	"io"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// New builds a leveled go-kit logger writing logfmt to w. levelName is
// one of "debug", "info", "warn", "error"; anything else defaults to
// "info".
func New(w io.Writer, levelName string) log.Logger {
	if w == nil {
		w = os.Stderr
	}
	base := log.NewLogfmtLogger(log.NewSyncWriter(w))
	base = log.With(base, "ts", log.DefaultTimestampUTC)

	var lvl level.Option
	switch levelName {
	case "debug":
		lvl = level.AllowDebug()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		lvl = level.AllowInfo()
	}
	return level.NewFilter(base, lvl)
}

// Nop returns a logger that discards everything, used as the default
// when a caller constructs a component without a logger.
func Nop() log.Logger {
	return log.NewNopLogger()
}

// Scope tags logger with a "component" key, mirroring katalix's
// per-subsystem log.With scoping.
func Scope(logger log.Logger, component string) log.Logger {
	if logger == nil {
		logger = Nop()
	}
	return log.With(logger, "component", component)
}
