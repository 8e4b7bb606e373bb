package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/quickdrop/internal/metrics"
	"github.com/wilsonzlin/quickdrop/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// wsConn is one endpoint's connection. All request handling happens on the
// run goroutine, so an endpoint's events are processed strictly in order.
type wsConn struct {
	srv     *Server
	id      string
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	// sessionCode and isSender are guarded by srv.mu.
	sessionCode string
	isSender    bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) run() {
	defer c.disconnect()

	idle := c.srv.cfg.IdleTimeout
	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})
	go c.keepalive()

	c.log.Debug("endpoint connected")
	if err := c.send(mustEnvelope(EventWelcome, 0, Welcome{ID: c.id})); err != nil {
		return
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				c.srv.metrics.Inc(metrics.BadMessage)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so the peer's bytes are drained and it sees
		// the close frame rather than a reset.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.fail(ErrorCodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail(ErrorCodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail(ErrorCodeBadMessage, "malformed envelope", websocket.ClosePolicyViolation, "bad message")
			return
		}
		if err := c.dispatch(env); err != nil {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail(ErrorCodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

// dispatch routes one request. A returned error is fatal to the connection.
func (c *wsConn) dispatch(env Envelope) error {
	switch env.Event {
	case EventCreateSession:
		c.handleCreate(env.Ack)
	case EventJoinSession:
		var req JoinRequest
		if err := decodeData(env.Data, &req); err != nil {
			return fmt.Errorf("join-session: %w", err)
		}
		c.handleJoin(env.Ack, req)
	case EventOffer, EventAnswer, EventCandidate:
		var req NegotiationRequest
		if err := decodeData(env.Data, &req); err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}
		c.handleForward(env.Event, req)
	case EventTransferStatus:
		var req TransferStatusRequest
		if err := decodeData(env.Data, &req); err != nil {
			return fmt.Errorf("transfer-status: %w", err)
		}
		c.handleTransferStatus(req)
	default:
		c.sendError(ErrorCodeUnknownEvent, fmt.Sprintf("unknown event %q", env.Event))
	}
	return nil
}

func (c *wsConn) keepalive() {
	t := time.NewTicker(c.srv.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) reply(ack uint64, r AckReply) {
	if ack == 0 {
		return
	}
	_ = c.send(mustEnvelope(EventAck, ack, r))
}

// sendError reports a non-fatal problem; the connection stays open.
func (c *wsConn) sendError(code, message string) {
	_ = c.send(mustEnvelope(EventError, 0, ErrorPayload{Code: code, Message: message}))
}

func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	c.sendError(code, message)
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
