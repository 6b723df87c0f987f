package signaling

import (
	"time"

	"github.com/symphonymesh/symphonyd/internal/jidcache"
	"github.com/symphonymesh/symphonyd/internal/remoteaction"
)

// queuedAction is a RemoteAction waiting for its recipient's signalling
// address to resolve, analogous to an entry in the original's
// OutgoingRemoteActs per-peer queue.
type queuedAction struct {
	msgType  MessageType
	action   remoteaction.RemoteAction
	queuedAt time.Time
}

// circle holds all per-overlay signalling state: the node's own id on that
// overlay, its address cache, and remote actions queued for peers whose
// address has not yet resolved.
type circle struct {
	overlayID string
	nodeID    string

	jidCache *jidcache.Cache

	outgoing map[string][]queuedAction // peer id -> queued actions

	announceAt time.Time
}

func newCircle(overlayID, nodeID string, cacheExpiry time.Duration) *circle {
	return &circle{
		overlayID: overlayID,
		nodeID:    nodeID,
		jidCache:  jidcache.New(cacheExpiry),
		outgoing:  make(map[string][]queuedAction),
	}
}

// enqueue appends a remote action to peerID's waiting queue.
func (c *circle) enqueue(peerID string, msgType MessageType, ra remoteaction.RemoteAction) {
	c.outgoing[peerID] = append(c.outgoing[peerID], queuedAction{
		msgType:  msgType,
		action:   ra,
		queuedAt: time.Now(),
	})
}

// drain removes and returns all actions waiting for peerID.
func (c *circle) drain(peerID string) []queuedAction {
	q := c.outgoing[peerID]
	delete(c.outgoing, peerID)
	return q
}

// scavengeExpired drops any peer's waiting queue whose oldest entry has
// aged past timeout, returning every dropped entry so callers can fail the
// pending completions of the invk ones.
func (c *circle) scavengeExpired(timeout time.Duration) []queuedAction {
	var expired []queuedAction
	now := time.Now()
	for peerID, q := range c.outgoing {
		if len(q) == 0 {
			continue
		}
		if now.Sub(q[0].queuedAt) >= timeout {
			expired = append(expired, q...)
			delete(c.outgoing, peerID)
		}
	}
	return expired
}
