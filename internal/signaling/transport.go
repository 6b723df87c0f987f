package signaling

import "context"

// MessageHandler receives a directed message from a peer address.
type MessageHandler func(from string, env Envelope)

// PresenceHandler receives a presence broadcast from a peer address.
type PresenceHandler func(p Presence)

// Transport is the wire-level signalling connection: it delivers directed
// messages and presence broadcasts to registered handlers, and sends them
// on request. Implementations must be safe for concurrent Send/SendPresence
// calls from multiple goroutines.
type Transport interface {
	// Connect dials the signalling server and blocks, dispatching inbound
	// messages to the registered handlers, until the connection drops or
	// ctx is cancelled. It returns ctx.Err() when ctx is cancelled and a
	// non-nil error when the connection drops.
	Connect(ctx context.Context) error

	// Send delivers a directed message to the peer at the given address.
	Send(ctx context.Context, peerAddr string, env Envelope) error

	// SendPresence broadcasts a presence status under this node's address.
	SendPresence(ctx context.Context, status string) error

	// SelfAddress returns this node's own signalling address, valid once
	// Connect has established a session.
	SelfAddress() string

	// SetMessageHandler registers the callback for inbound directed messages.
	SetMessageHandler(h MessageHandler)

	// SetPresenceHandler registers the callback for inbound presence broadcasts.
	SetPresenceHandler(h PresenceHandler)

	// Close tears down the connection.
	Close() error
}
