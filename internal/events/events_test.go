package events_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symphonymesh/symphonyd/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := events.New(discardLogger())

	var got events.Event
	b.Subscribe(events.Connected, func(ev events.Event) { got = ev })

	b.Publish(events.Event{Type: events.Connected, TunnelID: "tnl-1", PeerMAC: "aa:bb"})

	require.Equal(t, "tnl-1", got.TunnelID)
	require.Equal(t, "aa:bb", got.PeerMAC)
	require.False(t, got.Timestamp.IsZero())
}

func TestPublishWithNoSubscriberIsNoOp(t *testing.T) {
	b := events.New(discardLogger())
	require.NotPanics(t, func() {
		b.Publish(events.Event{Type: events.Removed, TunnelID: "tnl-2"})
	})
}

func TestPublishDeliversToMultipleSubscribersDespitePanic(t *testing.T) {
	b := events.New(discardLogger())

	var secondCalled bool
	b.Subscribe(events.Disconnected, func(events.Event) { panic("boom") })
	b.Subscribe(events.Disconnected, func(events.Event) { secondCalled = true })

	require.NotPanics(t, func() {
		b.Publish(events.Event{Type: events.Disconnected, TunnelID: "tnl-3"})
	})
	require.True(t, secondCalled)
}

func TestSubscribeOnlyReceivesMatchingType(t *testing.T) {
	b := events.New(discardLogger())

	var authorizedCount, connectedCount int
	b.Subscribe(events.Authorized, func(events.Event) { authorizedCount++ })
	b.Subscribe(events.Connected, func(events.Event) { connectedCount++ })

	b.Publish(events.Event{Type: events.Authorized, TunnelID: "tnl-4"})

	require.Equal(t, 1, authorizedCount)
	require.Equal(t, 0, connectedCount)
}
