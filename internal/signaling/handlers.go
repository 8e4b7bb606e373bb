package signaling

import (
	"errors"

	"github.com/wilsonzlin/quickdrop/internal/metrics"
	"github.com/wilsonzlin/quickdrop/internal/sessioncode"
	"github.com/wilsonzlin/quickdrop/internal/store"
)

func (c *wsConn) handleCreate(ack uint64) {
	if c.srv.sessionOf(c) != "" {
		c.reply(ack, AckReply{Error: ReplyAlreadyInSession})
		return
	}

	ctx, cancel := c.srv.storeContext()
	defer cancel()
	sess, err := c.srv.store.Create(ctx, c.id)
	if err != nil {
		c.srv.metrics.Inc(metrics.StoreError)
		c.log.Error("create session failed", "err", err)
		c.reply(ack, AckReply{Error: ReplyCreateFailed})
		return
	}

	c.srv.joinGroup(sess.Code, c, true)
	c.srv.metrics.Inc(metrics.SessionCreated)
	c.log.Info("session created", "session_code", sess.Code)
	c.reply(ack, AckReply{Success: true, SessionID: sess.Code})
}

func (c *wsConn) handleJoin(ack uint64, req JoinRequest) {
	code := sessioncode.Normalize(req.SessionID)
	if err := sessioncode.Validate(code); err != nil {
		c.reply(ack, AckReply{Error: ReplyInvalidCode})
		return
	}
	if c.srv.sessionOf(c) != "" {
		c.reply(ack, AckReply{Error: ReplyAlreadyInSession})
		return
	}

	ctx, cancel := c.srv.storeContext()
	defer cancel()
	sess, err := c.srv.store.Join(ctx, code, c.id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.srv.metrics.Inc(metrics.SessionJoinNotFound)
		c.reply(ack, AckReply{Error: ReplySessionNotFound})
		return
	case errors.Is(err, store.ErrSessionFull):
		c.srv.metrics.Inc(metrics.SessionJoinFull)
		c.reply(ack, AckReply{Error: ReplySessionFull})
		return
	case err != nil:
		c.srv.metrics.Inc(metrics.StoreError)
		c.log.Error("join session failed", "session_code", code, "err", err)
		c.reply(ack, AckReply{Error: ReplyJoinFailed})
		return
	}

	if !c.srv.joinLive(code, sess.SenderID, c) {
		// The sender left between the store update and now; undo the join.
		if _, err := c.srv.store.RemoveParticipant(ctx, code, c.id); err != nil {
			c.srv.metrics.Inc(metrics.StoreError)
			c.log.Error("undo join failed", "session_code", code, "err", err)
		}
		c.srv.metrics.Inc(metrics.SessionJoinNotFound)
		c.log.Info("join raced sender disconnect", "session_code", code, "sender_id", sess.SenderID)
		c.reply(ack, AckReply{Error: ReplySessionNotFound})
		return
	}
	c.srv.metrics.Inc(metrics.SessionJoined)
	c.log.Info("session joined", "session_code", code, "sender_id", sess.SenderID)
	c.reply(ack, AckReply{Success: true, SessionID: code})

	c.srv.broadcast(code, "", mustEnvelope(EventPeerConnected, 0, PeerConnected{
		Sender:   sess.SenderID,
		Receiver: sess.ReceiverID,
	}))
}

var forwardMetric = map[string]string{
	EventOffer:     metrics.ForwardOffer,
	EventAnswer:    metrics.ForwardAnswer,
	EventCandidate: metrics.ForwardCandidate,
}

// handleForward relays a negotiation payload verbatim, but only between the
// two participants recorded for the session.
func (c *wsConn) handleForward(event string, req NegotiationRequest) {
	payload := req.payload(event)
	if req.Target == "" || req.SessionID == "" || len(payload) == 0 {
		c.sendError(ErrorCodeBadMessage, event+" requires sessionId, target and payload")
		return
	}

	ctx, cancel := c.srv.storeContext()
	defer cancel()
	sess, err := c.srv.store.Get(ctx, req.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.srv.metrics.Inc(metrics.StoreError)
		c.log.Error("session lookup for forward failed", "session_code", req.SessionID, "err", err)
	}
	if err != nil {
		c.rejectForward(event, req, "unknown session")
		return
	}
	if peer, ok := sess.Peer(c.id); !ok || peer != req.Target {
		c.rejectForward(event, req, "sender and target are not the session's participants")
		return
	}

	target := c.srv.lookup(req.Target)
	if target == nil {
		c.rejectForward(event, req, "target is not connected")
		return
	}
	if err := target.send(mustEnvelope(event, 0, negotiationFor(event, payload, c.id))); err != nil {
		c.log.Debug("forward write failed", "event", event, "target_id", req.Target, "err", err)
		return
	}
	c.srv.metrics.Inc(forwardMetric[event])
	c.log.Debug("forwarded", "event", event, "session_code", req.SessionID, "target_id", req.Target)
}

func (c *wsConn) rejectForward(event string, req NegotiationRequest, reason string) {
	c.srv.metrics.Inc(metrics.ForwardRejected)
	c.log.Warn("forward rejected", "event", event, "session_code", req.SessionID, "target_id", req.Target, "reason", reason)
	c.sendError(ErrorCodeForwardRejected, reason)
}

func (c *wsConn) handleTransferStatus(req TransferStatusRequest) {
	code := c.srv.sessionOf(c)
	if code == "" || code != req.SessionID {
		c.sendError(ErrorCodeForwardRejected, "not a member of that session")
		return
	}
	status := req.Status
	if len(status) == 0 {
		status = []byte("null")
	}
	c.srv.metrics.Inc(metrics.TransferStatus)
	c.srv.broadcast(code, c.id, Envelope{Event: EventTransferStatus, Data: status})
}

// disconnect runs once the read loop ends: leave the group, tell whoever is
// left, then release the endpoint's slot in the store.
func (c *wsConn) disconnect() {
	c.Close()

	code, peers := c.srv.unregister(c)
	if len(peers) > 0 {
		env := mustEnvelope(EventPeerDisconnected, 0, PeerDisconnected{PeerID: c.id})
		for _, p := range peers {
			if err := p.send(env); err != nil {
				p.log.Debug("peer-disconnected write failed", "err", err)
			}
		}
	}
	c.log.Debug("endpoint disconnected", "session_code", code)
	if code == "" {
		return
	}
	c.srv.metrics.Inc(metrics.PeerDisconnected)

	ctx, cancel := c.srv.storeContext()
	defer cancel()
	removal, err := c.srv.store.RemoveParticipant(ctx, code, c.id)
	if err != nil {
		c.srv.metrics.Inc(metrics.StoreError)
		c.log.Error("session cleanup failed", "session_code", code, "err", err)
		return
	}
	c.log.Info("participant removed", "session_code", code, "removed", removal.String())
}
