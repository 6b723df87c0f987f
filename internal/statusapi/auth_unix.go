//go:build linux

package statusapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the peer credentials extracted from a Unix socket
// connection via SO_PEERCRED.
type PeerCredentials struct {
	PID uint32
	UID uint32
	GID uint32
}

// GetPeerCredentials extracts peer credentials from a Unix socket connection.
// Returns an error if conn is not a Unix socket or the credentials cannot be
// retrieved.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("statusapi: auth: not a Unix socket connection")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("statusapi: auth: get syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("statusapi: auth: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("statusapi: auth: getsockopt SO_PEERCRED: %w", credErr)
	}
	return &PeerCredentials{PID: uint32(cred.Pid), UID: uint32(cred.Uid), GID: uint32(cred.Gid)}, nil
}

type peerCredKey struct{}

// connContextWithPeerCred returns a ConnContext function for http.Server
// that extracts Unix socket peer credentials and stashes them in the
// request context for wrapPeerAuth to check.
func connContextWithPeerCred(logger *slog.Logger) func(ctx context.Context, c net.Conn) context.Context {
	return func(ctx context.Context, c net.Conn) context.Context {
		cred, err := GetPeerCredentials(c)
		if err != nil {
			logger.Debug("failed to get peer credentials", "error", err)
			return ctx
		}
		return context.WithValue(ctx, peerCredKey{}, cred)
	}
}

// wrapPeerAuth restricts access to the same UID the daemon runs as, or
// root. There is no group-based secrets split here, unlike a control-plane
// node API: every route this server exposes is the same read-only
// snapshot, so one check covers the whole mux.
func wrapPeerAuth(next http.Handler, logger *slog.Logger) http.Handler {
	selfUID := uint32(os.Getuid())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := r.Context().Value(peerCredKey{}).(*PeerCredentials)
		if !ok || cred == nil {
			logger.Warn("denying request with no peer credentials", "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if cred.UID != 0 && cred.UID != selfUID {
			logger.Warn("denying request from other user", "uid", cred.UID, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
