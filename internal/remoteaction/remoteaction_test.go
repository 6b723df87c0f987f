package remoteaction_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symphonymesh/symphonyd/internal/remoteaction"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	ra := remoteaction.RemoteAction{
		OverlayID:   "ov-1",
		InitiatorID: "node-a",
		RecipientID: "node-b",
		Action:      "createTunnel",
		ActionTag:   "tag-123",
		Params:      json.RawMessage(`{"tap_name":"symph-a1b2"}`),
		Status:      remoteaction.StatusOK,
	}

	raw, err := ra.Marshal()
	require.NoError(t, err)

	got, err := remoteaction.Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, ra, got)
}

func TestUnmarshalRequiresActionTag(t *testing.T) {
	_, err := remoteaction.Unmarshal([]byte(`{"action":"createTunnel"}`))
	require.Error(t, err)
}

func TestIsLocalInvocationAndCompletion(t *testing.T) {
	ra := remoteaction.RemoteAction{InitiatorID: "node-a", RecipientID: "node-b"}

	require.True(t, ra.IsLocalInvocation("node-b"))
	require.False(t, ra.IsLocalInvocation("node-a"))
	require.True(t, ra.IsLocalCompletion("node-a"))
	require.False(t, ra.IsLocalCompletion("node-b"))
}

func TestWithResultDoesNotMutateOriginal(t *testing.T) {
	ra := remoteaction.RemoteAction{ActionTag: "tag-1", Status: remoteaction.StatusFailed}
	done := ra.WithResult(json.RawMessage(`{"ok":true}`), remoteaction.StatusOK)

	require.False(t, ra.Status)
	require.True(t, done.Status)
	require.Equal(t, json.RawMessage(`{"ok":true}`), done.Data)
}
