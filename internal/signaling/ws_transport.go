package signaling

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// wireFrame is the envelope every websocket message is wrapped in, letting
// one socket carry both directed messages and presence broadcasts.
type wireFrame struct {
	Kind     string    `json:"kind"` // "message" or "presence"
	To       string    `json:"to,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Presence *Presence `json:"presence,omitempty"`
}

// WebSocketTransport implements Transport over a gorilla/websocket client
// connection to a signalling server.
type WebSocketTransport struct {
	endpoint string
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	selfAddress string

	msgHandler  MessageHandler
	presHandler PresenceHandler
}

// NewWebSocketTransport returns a transport that dials endpoint on Connect.
// tlsConfig, if non-nil, is used for wss:// connections — in particular to
// present this node's client certificate to the signalling server. A nil
// tlsConfig falls back to websocket.DefaultDialer's zero-value TLS config.
func NewWebSocketTransport(endpoint string, tlsConfig *tls.Config, logger *slog.Logger) *WebSocketTransport {
	dialer := websocket.DefaultDialer
	if tlsConfig != nil {
		d := *websocket.DefaultDialer
		d.TLSClientConfig = tlsConfig
		dialer = &d
	}
	return &WebSocketTransport{
		endpoint: endpoint,
		dialer:   dialer,
		logger:   logger.With("component", "signaling"),
	}
}

// SelfAddress returns this node's assigned signalling address.
func (t *WebSocketTransport) SelfAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfAddress
}

// SetMessageHandler registers the inbound directed-message callback.
func (t *WebSocketTransport) SetMessageHandler(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgHandler = h
}

// SetPresenceHandler registers the inbound presence callback.
func (t *WebSocketTransport) SetPresenceHandler(h PresenceHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presHandler = h
}

// Connect dials the signalling server and reads frames until the connection
// drops or ctx is cancelled.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("signaling: websocket: dial: %w", err)
	}

	addr, err := newSelfAddress()
	if err != nil {
		conn.Close()
		return fmt.Errorf("signaling: websocket: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.selfAddress = addr
	t.mu.Unlock()

	t.logger.Info("signalling transport connected", "endpoint", t.endpoint, "self_address", addr)

	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
			}
			return fmt.Errorf("signaling: websocket: read: %w", err)
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Error("malformed signalling frame", "error", err)
			continue
		}

		t.dispatch(frame)
	}
}

func (t *WebSocketTransport) dispatch(frame wireFrame) {
	t.mu.Lock()
	msgHandler := t.msgHandler
	presHandler := t.presHandler
	t.mu.Unlock()

	switch frame.Kind {
	case "message":
		if frame.Envelope == nil || msgHandler == nil {
			return
		}
		msgHandler(frame.To, *frame.Envelope)
	case "presence":
		if frame.Presence == nil || presHandler == nil {
			return
		}
		presHandler(*frame.Presence)
	default:
		t.logger.Warn("unrecognized signalling frame kind", "kind", frame.Kind)
	}
}

// Send delivers a directed message to peerAddr.
func (t *WebSocketTransport) Send(_ context.Context, peerAddr string, env Envelope) error {
	return t.writeJSON(wireFrame{Kind: "message", To: peerAddr, Envelope: &env})
}

// SendPresence broadcasts a presence status under this node's address.
func (t *WebSocketTransport) SendPresence(_ context.Context, status string) error {
	self := t.SelfAddress()
	return t.writeJSON(wireFrame{Kind: "presence", Presence: &Presence{From: self, Status: status}})
}

func (t *WebSocketTransport) writeJSON(frame wireFrame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("signaling: websocket: not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("signaling: websocket: marshal frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("signaling: websocket: not connected")
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: websocket: write: %w", err)
	}
	return nil
}

// Close tears down the active connection, if any.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// newSelfAddress derives a fresh random signalling address for this session,
// analogous to a server-assigned JID's resource part.
func newSelfAddress() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
