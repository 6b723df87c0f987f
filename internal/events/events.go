// Package events implements the pub/sub event bus on which tunnel lifecycle
// transitions are published, one topic per tunnel manager.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies a tunnel lifecycle event.
type Type string

const (
	// Authorized fires once a tunnel's handshake has been locally approved
	// but not yet confirmed by the peer.
	Authorized Type = "Authorized"
	// AuthExpired fires when a handshake fails to reach completion before
	// its timed transaction expires.
	AuthExpired Type = "AuthExpired"
	// Connected fires exactly once per session when a handshake reaches its
	// terminal creation state.
	Connected Type = "Connected"
	// Disconnected fires when an online tunnel is found offline.
	Disconnected Type = "Disconnected"
	// Removed fires when a tunnel is torn down and its state discarded.
	Removed Type = "Removed"
)

// Event describes a tunnel lifecycle transition.
type Event struct {
	Type      Type
	OverlayID string
	PeerID    string
	TunnelID  string
	TapName   string
	Timestamp time.Time

	// Connected-only fields.
	LocalMAC      string
	PeerMAC       string
	DataplaneKind string
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus is a mutex-guarded multi-producer, multi-consumer event dispatcher
// keyed by event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger.With("component", "events"),
	}
}

// Subscribe registers handler to receive every event of the given type.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Publish delivers ev to every handler subscribed to ev.Type. A handler
// panic is recovered and logged; remaining handlers still run.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no subscriber for event type",
			"event_type", ev.Type, "tunnel_id", ev.TunnelID,
		)
		return
	}

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event handler",
				"event_type", ev.Type, "tunnel_id", ev.TunnelID, "panic", r,
			)
		}
	}()
	h(ev)
}
