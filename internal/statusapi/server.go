// Package statusapi serves a running node's overlay.Snapshot over a local
// Unix socket, for the CLI's status and peers subcommands to query a
// detached agent process. There is no control-plane reconciliation,
// secret caching or report syncing here: symphonyd has no control plane
// to report to, so the socket is a read-only window onto in-process
// state, nothing more. On Linux, callers are checked via SO_PEERCRED
// against the daemon's own UID (or root); other platforms rely on the
// socket file's Unix permissions alone.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
)

// DefaultSocketPath is where a running agent listens for status queries.
const DefaultSocketPath = "/var/run/symphonyd/agent.sock"

// Server serves node status over a Unix socket.
type Server struct {
	socketPath string
	snapshot   func() any
	logger     *slog.Logger
}

// New creates a Server. socketPath defaults to DefaultSocketPath if empty.
// snapshot is called fresh on every request; the caller passes
// (*overlay.Node).Snapshot, kept as func() any so this package does not need
// to import internal/overlay just to name its response type.
func New(socketPath string, snapshot func() any, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		snapshot:   snapshot,
		logger:     logger.With("component", "statusapi"),
	}
}

// Start listens on the Unix socket and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	os.Remove(s.socketPath)
	if dir := filepath.Dir(s.socketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("statusapi: create socket dir: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("statusapi: listen unix %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)
	httpServer := &http.Server{
		Handler:     wrapPeerAuth(mux, s.logger),
		ConnContext: connContextWithPeerCred(s.logger),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.logger.Info("status server started", "socket", s.socketPath)

	select {
	case <-ctx.Done():
		_ = httpServer.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
	}
}
