//go:build !linux

package statusapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
)

// connContextWithPeerCred is a no-op on platforms without SO_PEERCRED
// support: the status socket falls back to filesystem permissions alone.
func connContextWithPeerCred(_ *slog.Logger) func(ctx context.Context, c net.Conn) context.Context {
	return func(ctx context.Context, _ net.Conn) context.Context {
		return ctx
	}
}

// wrapPeerAuth is a pass-through on platforms without SO_PEERCRED support.
func wrapPeerAuth(next http.Handler, _ *slog.Logger) http.Handler {
	return next
}
