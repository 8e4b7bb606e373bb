// Package client is an endpoint's connection to the signaling relay. One
// Client is created per transfer attempt and closed when the attempt ends.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/quickdrop/internal/sessioncode"
	"github.com/wilsonzlin/quickdrop/internal/signaling"
)

var (
	ErrClosed          = errors.New("relay connection closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session is full")
	ErrNotInSession    = errors.New("not in a session")
	// ErrRejected wraps any other failed create/join reply.
	ErrRejected = errors.New("relay rejected request")
)

const (
	writeWait        = 2 * time.Second
	handshakeTimeout = 10 * time.Second
	defaultEventBuf  = 64
)

type Options struct {
	Logger *slog.Logger
	// Header is sent with the WebSocket handshake (e.g. Origin).
	Header http.Header
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

// Event is a relay push message. Name selects which field is meaningful.
type Event struct {
	Name             string
	PeerConnected    signaling.PeerConnected
	Negotiation      signaling.Negotiation
	PeerDisconnected signaling.PeerDisconnected
	Status           json.RawMessage
	Error            signaling.ErrorPayload
}

type Client struct {
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	nextAck     uint64
	pending     map[uint64]chan signaling.AckReply
	sessionCode string
	err         error

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay and waits for the welcome message carrying this
// endpoint's id.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuf
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var env signaling.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	var welcome signaling.Welcome
	if env.Event != signaling.EventWelcome || json.Unmarshal(env.Data, &welcome) != nil || welcome.ID == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", env.Event)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		id:      welcome.ID,
		log:     opts.Logger.With("endpoint_id", welcome.ID),
		pending: make(map[uint64]chan signaling.AckReply),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID is this endpoint's relay-assigned identifier.
func (c *Client) ID() string { return c.id }

// SessionCode is the code created or joined, or "".
func (c *Client) SessionCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCode
}

// Events delivers relay pushes until the connection ends, then closes.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// CreateSession asks the relay for a new code owned by this endpoint.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	r, err := c.call(ctx, signaling.EventCreateSession, nil)
	if err != nil {
		return "", err
	}
	if !r.Success {
		return "", replyError(r.Error)
	}
	c.setSession(r.SessionID)
	return r.SessionID, nil
}

// JoinSession joins an existing code. Malformed codes fail with
// sessioncode.ErrInvalid before anything is sent.
func (c *Client) JoinSession(ctx context.Context, code string) error {
	code = sessioncode.Normalize(code)
	if err := sessioncode.Validate(code); err != nil {
		return err
	}
	r, err := c.call(ctx, signaling.EventJoinSession, signaling.JoinRequest{SessionID: code})
	if err != nil {
		return err
	}
	if !r.Success {
		return replyError(r.Error)
	}
	c.setSession(code)
	return nil
}

func (c *Client) SendOffer(target string, offer webrtc.SessionDescription) error {
	return c.forward(signaling.EventOffer, target, offer)
}

func (c *Client) SendAnswer(target string, answer webrtc.SessionDescription) error {
	return c.forward(signaling.EventAnswer, target, answer)
}

func (c *Client) SendCandidate(target string, cand webrtc.ICECandidateInit) error {
	return c.forward(signaling.EventCandidate, target, cand)
}

// SendTransferStatus shares a status value with the other participant.
func (c *Client) SendTransferStatus(status any) error {
	code := c.SessionCode()
	if code == "" {
		return ErrNotInSession
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.write(signaling.EventTransferStatus, 0, signaling.TransferStatusRequest{SessionID: code, Status: raw})
}

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	<-c.done
	return nil
}

func (c *Client) forward(event, target string, payload any) error {
	code := c.SessionCode()
	if code == "" {
		return ErrNotInSession
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req := signaling.NegotiationRequest{SessionID: code, Target: target}
	switch event {
	case signaling.EventOffer:
		req.Offer = raw
	case signaling.EventAnswer:
		req.Answer = raw
	case signaling.EventCandidate:
		req.Candidate = raw
	}
	return c.write(event, 0, req)
}

func (c *Client) call(ctx context.Context, event string, data any) (signaling.AckReply, error) {
	ch := make(chan signaling.AckReply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return signaling.AckReply{}, err
	}
	c.nextAck++
	ack := c.nextAck
	c.pending[ack] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ack)
		c.mu.Unlock()
	}()

	if err := c.write(event, ack, data); err != nil {
		return signaling.AckReply{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return signaling.AckReply{}, ctx.Err()
	case <-c.done:
		return signaling.AckReply{}, c.Err()
	}
}

func (c *Client) write(event string, ack uint64, data any) error {
	env, err := signaling.NewEnvelope(event, ack, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var env signaling.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.shutdown(err)
			return
		}
		if env.Event == signaling.EventAck {
			c.deliverAck(env)
			continue
		}
		ev, ok := c.decodeEvent(env)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliverAck(env signaling.Envelope) {
	var r signaling.AckReply
	if err := json.Unmarshal(env.Data, &r); err != nil {
		c.log.Warn("malformed ack", "err", err)
		return
	}
	c.mu.Lock()
	ch := c.pending[env.Ack]
	c.mu.Unlock()
	if ch != nil {
		ch <- r
	}
}

func (c *Client) decodeEvent(env signaling.Envelope) (Event, bool) {
	ev := Event{Name: env.Event}
	var err error
	switch env.Event {
	case signaling.EventPeerConnected:
		err = json.Unmarshal(env.Data, &ev.PeerConnected)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventCandidate:
		err = json.Unmarshal(env.Data, &ev.Negotiation)
	case signaling.EventPeerDisconnected:
		err = json.Unmarshal(env.Data, &ev.PeerDisconnected)
	case signaling.EventTransferStatus:
		ev.Status = env.Data
	case signaling.EventError:
		err = json.Unmarshal(env.Data, &ev.Error)
		if err == nil {
			c.log.Warn("relay error", "code", ev.Error.Code, "message", ev.Error.Message)
		}
	default:
		c.log.Debug("ignoring relay event", "event", env.Event)
		return Event{}, false
	}
	if err != nil {
		c.log.Warn("malformed relay event", "event", env.Event, "err", err)
		return Event{}, false
	}
	return ev, true
}

func (c *Client) setSession(code string) {
	c.mu.Lock()
	c.sessionCode = code
	c.mu.Unlock()
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func replyError(msg string) error {
	switch msg {
	case signaling.ReplySessionNotFound:
		return ErrSessionNotFound
	case signaling.ReplySessionFull:
		return ErrSessionFull
	case signaling.ReplyInvalidCode:
		return sessioncode.ErrInvalid
	default:
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
}
