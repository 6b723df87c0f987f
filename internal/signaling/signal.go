package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/symphonymesh/symphonyd/internal/remoteaction"
)

// InvokeHandler executes a RemoteAction addressed to this node and returns
// the result to carry back to the initiator.
type InvokeHandler func(ctx context.Context, ra remoteaction.RemoteAction) (data json.RawMessage, status bool)

// CompletionHandler receives the result of a RemoteAction this node
// initiated.
type CompletionHandler func(ra remoteaction.RemoteAction)

type pendingAction struct {
	onComplete  CompletionHandler
	submittedAt time.Time
}

// Signal is the signalling-plane manager for a single overlay: it resolves
// peer node ids to signalling addresses via presence, and ferries
// RemoteActions between peers that may not hold a direct connection to each
// other. One Signal owns one Transport connection; a node participating in
// several overlays runs one Signal per overlay.
type Signal struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	mu            sync.Mutex
	circle        *circle
	pending       map[string]pendingAction
	invokeHandler InvokeHandler
}

// New creates a Signal for overlayID/nodeID, driven by the given transport.
func New(cfg Config, transport Transport, overlayID, nodeID string, logger *slog.Logger) *Signal {
	cfg.ApplyDefaults()
	s := &Signal{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("component", "signaling", "overlay_id", overlayID),
		circle:    newCircle(overlayID, nodeID, cfg.CacheExpiry),
		pending:   make(map[string]pendingAction),
	}
	transport.SetMessageHandler(s.handleMessage)
	transport.SetPresenceHandler(s.handlePresence)
	return s
}

// SetInvokeHandler registers the callback that executes RemoteActions
// addressed to this node.
func (s *Signal) SetInvokeHandler(h InvokeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invokeHandler = h
}

// KnownPeers returns the node ids this Signal has seen a presence
// announcement from and not yet expired, excluding self. It is the
// membership source a topology rebuild feeds to graph.Builder: the
// signalling plane has no separate directory service, so presence is the
// only source of truth for who else is on the overlay.
func (s *Signal) KnownPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.circle.jidCache.NodeIDs()
	peers := ids[:0]
	for _, id := range ids {
		if id != s.circle.nodeID {
			peers = append(peers, id)
		}
	}
	return peers
}

// Run connects the transport (retrying a bounded number of times on
// failure) and then runs the maintenance loop until ctx is cancelled or the
// transport gives up.
func (s *Signal) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWithBoundedRetry(ctx, s.cfg.MaxConnectRetries, s.cfg.RetryInterval, s.logger, s.transport.Connect)
	}()

	s.runMaintenance(ctx)

	return <-errCh
}

// runMaintenance periodically re-announces presence, scavenges the jid
// cache and expired outgoing remote actions, and fails pending completions
// whose request timeout has elapsed. It mirrors the original's timer_method.
func (s *Signal) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	nextAnnounce := s.jitteredAnnounceDelay()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if time.Now().After(s.circle.announceAt) {
				_ = s.announce(ctx)
				s.circle.announceAt = time.Now().Add(nextAnnounce)
				nextAnnounce = s.jitteredAnnounceDelay()
			}
			s.circle.jidCache.Scavenge()
			expired := s.circle.scavengeExpired(s.cfg.RequestTimeout)
			s.mu.Unlock()

			s.failExpired(expired)
			s.scavengePending()
		}
	}
}

func (s *Signal) jitteredAnnounceDelay() time.Duration {
	factor := 1 + mrand.Float64()*2 // [1,3), mirrors randint(1,3)/randint(2,20) jitter bands
	return time.Duration(float64(s.cfg.PresenceInterval) * factor)
}

func (s *Signal) announce(ctx context.Context) error {
	status := BuildPresenceStatus(PresenceIdent, s.circle.nodeID)
	if err := s.transport.SendPresence(ctx, status); err != nil {
		s.logger.Error("presence announce failed", "error", err)
		return err
	}
	return nil
}

// scavengePending force-fails pending remote actions older than RequestTimeout.
func (s *Signal) scavengePending() {
	s.mu.Lock()
	var expired []remoteaction.RemoteAction
	var handlers []CompletionHandler
	now := time.Now()
	for tag, p := range s.pending {
		if now.Sub(p.submittedAt) < s.cfg.RequestTimeout {
			continue
		}
		delete(s.pending, tag)
		expired = append(expired, remoteaction.RemoteAction{ActionTag: tag, Status: remoteaction.StatusFailed})
		handlers = append(handlers, p.onComplete)
	}
	s.mu.Unlock()

	for i, ra := range expired {
		s.safeComplete(handlers[i], ra)
	}
}

func (s *Signal) failExpired(expired []queuedAction) {
	for _, qa := range expired {
		if qa.msgType != Invoke {
			continue
		}
		s.mu.Lock()
		p, ok := s.pending[qa.action.ActionTag]
		if ok {
			delete(s.pending, qa.action.ActionTag)
		}
		s.mu.Unlock()
		if ok {
			s.safeComplete(p.onComplete, qa.action.WithResult(nil, remoteaction.StatusFailed))
		}
	}
}

func (s *Signal) safeComplete(h CompletionHandler, ra remoteaction.RemoteAction) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in remote action completion handler", "panic", r)
		}
	}()
	h(ra)
}

// Initiate sends ra to its RecipientID as an invocation, setting its
// InitiatorID and ActionTag. onComplete is called when the matching "cmpt"
// arrives, or with a failed status if the request times out.
func (s *Signal) Initiate(ctx context.Context, ra remoteaction.RemoteAction, onComplete CompletionHandler) (string, error) {
	tag, err := newActionTag()
	if err != nil {
		return "", fmt.Errorf("signaling: initiate: %w", err)
	}

	s.mu.Lock()
	ra.InitiatorID = s.circle.nodeID
	ra.ActionTag = tag
	s.pending[tag] = pendingAction{onComplete: onComplete, submittedAt: time.Now()}
	s.mu.Unlock()

	if err := s.transmit(ctx, ra, ra.RecipientID, Invoke); err != nil {
		s.mu.Lock()
		delete(s.pending, tag)
		s.mu.Unlock()
		return "", err
	}

	return tag, nil
}

// transmit sends ra to peerID. If the peer's address is not yet cached, the
// action is queued and a uid? presence query is broadcast to resolve it.
func (s *Signal) transmit(ctx context.Context, ra remoteaction.RemoteAction, peerID string, msgType MessageType) error {
	s.mu.Lock()
	addr, cached := s.circle.jidCache.Lookup(peerID)
	if !cached {
		s.circle.enqueue(peerID, msgType, ra)
	}
	s.mu.Unlock()

	if !cached {
		return s.transport.SendPresence(ctx, BuildPresenceStatus(PresenceUIDQuery, peerID))
	}

	return s.sendAction(ctx, addr, ra, msgType)
}

func (s *Signal) sendAction(ctx context.Context, addr string, ra remoteaction.RemoteAction, msgType MessageType) error {
	payload, err := MarshalRemoteActionPayload(ra)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, addr, Envelope{Type: msgType, Payload: payload}); err != nil {
		return fmt.Errorf("signaling: send action: %w", err)
	}
	return nil
}

// sendWaiting flushes peerID's queued actions now that its address resolved.
func (s *Signal) sendWaiting(ctx context.Context, peerID, addr string) {
	s.mu.Lock()
	q := s.circle.drain(peerID)
	s.mu.Unlock()

	for _, qa := range q {
		if err := s.sendAction(ctx, addr, qa.action, qa.msgType); err != nil {
			s.logger.Error("failed to send queued remote action", "peer_id", peerID, "error", err)
		}
	}
}

func (s *Signal) handlePresence(p Presence) {
	tag, nodeID, ok := ParsePresenceStatus(p.Status)
	if !ok {
		s.logger.Warn("malformed presence status", "status", p.Status)
		return
	}

	ctx := context.Background()

	switch tag {
	case PresenceIdent:
		if nodeID == s.circle.nodeID {
			return
		}
		s.mu.Lock()
		s.circle.jidCache.Add(nodeID, p.From)
		s.mu.Unlock()
		s.sendWaiting(ctx, nodeID, p.From)

		payload := BuildAddressPayload(s.transport.SelfAddress(), s.circle.nodeID)
		if err := s.transport.Send(ctx, p.From, Envelope{Type: Announce, Payload: payload}); err != nil {
			s.logger.Error("failed to reply to ident presence", "error", err)
		}

	case PresenceUIDQuery:
		if nodeID != s.circle.nodeID {
			return
		}
		payload := BuildAddressPayload(s.transport.SelfAddress(), s.circle.nodeID)
		if err := s.transport.Send(ctx, p.From, Envelope{Type: UIDReply, Payload: payload}); err != nil {
			s.logger.Error("failed to reply to uid query", "error", err)
		}

	default:
		s.logger.Warn("unrecognized presence tag", "tag", tag)
	}
}

func (s *Signal) handleMessage(from string, env Envelope) {
	ctx := context.Background()

	switch env.Type {
	case Announce, UIDReply:
		addr, nodeID, ok := ParseAddressPayload(env.Payload)
		if !ok {
			s.logger.Warn("malformed address payload", "payload", env.Payload)
			return
		}
		s.mu.Lock()
		s.circle.jidCache.Add(nodeID, addr)
		s.mu.Unlock()
		s.sendWaiting(ctx, nodeID, addr)

	case Invoke:
		var ra remoteaction.RemoteAction
		if err := json.Unmarshal([]byte(env.Payload), &ra); err != nil {
			s.logger.Error("malformed remote action invocation", "error", err)
			return
		}
		if !ra.IsLocalInvocation(s.circle.nodeID) {
			s.logger.Warn("mis-delivered remote action invocation discarded", "recipient_id", ra.RecipientID)
			return
		}
		go s.runInvocation(ctx, ra)

	case Complete:
		var ra remoteaction.RemoteAction
		if err := json.Unmarshal([]byte(env.Payload), &ra); err != nil {
			s.logger.Error("malformed remote action completion", "error", err)
			return
		}
		if !ra.IsLocalCompletion(s.circle.nodeID) {
			s.logger.Warn("mis-delivered remote action completion discarded", "initiator_id", ra.InitiatorID)
			return
		}
		s.mu.Lock()
		p, ok := s.pending[ra.ActionTag]
		if ok {
			delete(s.pending, ra.ActionTag)
		}
		s.mu.Unlock()
		if ok {
			s.safeComplete(p.onComplete, ra)
		}

	default:
		s.logger.Warn("unrecognized directed message type", "type", env.Type, "from", from)
	}
}

func (s *Signal) runInvocation(ctx context.Context, ra remoteaction.RemoteAction) {
	s.mu.Lock()
	h := s.invokeHandler
	s.mu.Unlock()
	if h == nil {
		s.logger.Warn("no invoke handler registered, discarding remote action", "action", ra.Action)
		return
	}

	data, status := func() (data json.RawMessage, status bool) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in remote action invoke handler", "panic", r, "action", ra.Action)
				data, status = nil, false
			}
		}()
		return h(ctx, ra)
	}()

	result := ra.WithResult(data, status)
	if err := s.transmit(ctx, result, result.InitiatorID, Complete); err != nil {
		s.logger.Error("failed to send remote action completion", "error", err)
	}
}

func newActionTag() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
