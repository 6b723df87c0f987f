package signaling

import (
	"testing"
	"time"

	"github.com/symphonymesh/symphonyd/internal/remoteaction"
)

func TestCircleEnqueueAndDrain(t *testing.T) {
	c := newCircle("ov-1", "self", time.Minute)
	c.enqueue("peer-1", Invoke, remoteaction.RemoteAction{Action: "a"})
	c.enqueue("peer-1", Invoke, remoteaction.RemoteAction{Action: "b"})

	q := c.drain("peer-1")
	if len(q) != 2 {
		t.Fatalf("expected 2 queued actions, got %d", len(q))
	}
	if len(c.drain("peer-1")) != 0 {
		t.Fatal("expected queue to be empty after drain")
	}
}

func TestCircleScavengeExpiredOnlyDropsAgedQueues(t *testing.T) {
	c := newCircle("ov-1", "self", time.Minute)
	c.enqueue("stale", Invoke, remoteaction.RemoteAction{ActionTag: "t1"})
	c.outgoing["stale"][0].queuedAt = time.Now().Add(-time.Hour)

	c.enqueue("fresh", Invoke, remoteaction.RemoteAction{ActionTag: "t2"})

	expired := c.scavengeExpired(time.Second)
	if len(expired) != 1 || expired[0].action.ActionTag != "t1" {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
	if _, ok := c.outgoing["stale"]; ok {
		t.Fatal("stale queue should have been removed")
	}
	if _, ok := c.outgoing["fresh"]; !ok {
		t.Fatal("fresh queue should remain")
	}
}
