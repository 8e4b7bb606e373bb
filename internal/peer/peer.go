package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

type Role int

const (
	// Initiator created the session and sends the offer.
	Initiator Role = iota
	// Joiner joined with a code and answers.
	Joiner
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "joiner"
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateChannelOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateChannelOpen:
		return "channel-open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event reports a state transition. Channel is set for StateChannelOpen; Err
// is set for a StateClosed caused by a failure.
type Event struct {
	State   State
	Channel *webrtc.DataChannel
	Err     error
}

// Signaler forwards negotiation messages to the remote endpoint. The relay
// client implements it.
type Signaler interface {
	SendOffer(target string, offer webrtc.SessionDescription) error
	SendAnswer(target string, answer webrtc.SessionDescription) error
	SendCandidate(target string, cand webrtc.ICECandidateInit) error
}

type Config struct {
	// API defaults to NewAPI with zero options.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Role       Role
	Signaler   Signaler
	Logger     *slog.Logger

	// OnChannel is called as soon as the data channel exists, before it
	// opens, so message handlers are in place before the first message.
	OnChannel func(dc *webrtc.DataChannel)
}

// Establisher runs one connection attempt. It never retries: after Closed a
// new Establisher is needed.
type Establisher struct {
	pc       *webrtc.PeerConnection
	role     Role
	signaler Signaler
	log      *slog.Logger
	onChan   func(*webrtc.DataChannel)

	// At most one event per state is emitted, so the buffer never fills.
	events chan Event

	mu            sync.Mutex
	state         State
	remoteID      string
	localSent     bool
	pendingLocal  []webrtc.ICECandidateInit
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	channel       *webrtc.DataChannel
	err           error

	close sync.Once
}

func New(cfg Config) (*Establisher, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("peer: Signaler is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI(APIOptions{Logger: log})
		if err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	e := &Establisher{
		pc:       pc,
		role:     cfg.Role,
		signaler: cfg.Signaler,
		log:      log.With("role", cfg.Role.String()),
		onChan:   cfg.OnChannel,
		events:   make(chan Event, int(StateClosed)+1),
	}

	pc.OnICECandidate(e.onLocalCandidate)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.log.Debug("ice connection state", "state", s.String())
		if s == webrtc.ICEConnectionStateConnected {
			e.advance(StateConnected, nil)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Debug("peer connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			e.fail(ErrConnectionFailed)
		}
	})
	if cfg.Role == Joiner {
		pc.OnDataChannel(e.onRemoteChannel)
	}
	return e, nil
}

// Events is closed after the StateClosed event.
func (e *Establisher) Events() <-chan Event { return e.events }

func (e *Establisher) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the failure that closed the establisher, if any.
func (e *Establisher) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Channel returns the open data channel, or nil before StateChannelOpen.
func (e *Establisher) Channel() *webrtc.DataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// HandlePeerConnected records the remote endpoint. The initiator opens the
// data channel and sends its offer; the joiner waits for that offer.
func (e *Establisher) HandlePeerConnected(remoteID string) error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.remoteID != "" && e.remoteID != remoteID {
		e.mu.Unlock()
		return fmt.Errorf("peer: already paired with %s", e.remoteID)
	}
	first := e.remoteID == ""
	e.remoteID = remoteID
	e.mu.Unlock()

	if e.role != Initiator || !first {
		return nil
	}
	e.advance(StateConnecting, nil)

	dc, err := CreateDataChannel(e.pc)
	if err != nil {
		return e.negotiationFailed(StepOffer, fmt.Errorf("create datachannel: %w", err))
	}
	e.watchChannel(dc)

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return e.negotiationFailed(StepOffer, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return e.negotiationFailed(StepOffer, err)
	}
	if err := e.signaler.SendOffer(remoteID, offer); err != nil {
		return e.negotiationFailed(StepOffer, fmt.Errorf("send offer: %w", err))
	}
	e.flushLocal()
	return nil
}

// HandleOffer applies a forwarded offer and answers it. Only the joiner
// accepts offers.
func (e *Establisher) HandleOffer(from string, raw json.RawMessage) error {
	if err := e.acceptFrom(from); err != nil {
		return err
	}
	if e.role != Joiner {
		return e.negotiationFailed(StepOffer, errors.New("initiator received an offer"))
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return e.negotiationFailed(StepOffer, fmt.Errorf("decode offer: %w", err))
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return e.negotiationFailed(StepOffer, fmt.Errorf("unexpected sdp type %q", offer.Type))
	}
	e.advance(StateConnecting, nil)

	if err := e.setRemote(offer); err != nil {
		return e.negotiationFailed(StepOffer, err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return e.negotiationFailed(StepAnswer, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return e.negotiationFailed(StepAnswer, err)
	}
	if err := e.signaler.SendAnswer(from, answer); err != nil {
		return e.negotiationFailed(StepAnswer, fmt.Errorf("send answer: %w", err))
	}
	e.flushLocal()
	return nil
}

func (e *Establisher) HandleAnswer(from string, raw json.RawMessage) error {
	if err := e.acceptFrom(from); err != nil {
		return err
	}
	if e.role != Initiator {
		return e.negotiationFailed(StepAnswer, errors.New("joiner received an answer"))
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return e.negotiationFailed(StepAnswer, fmt.Errorf("decode answer: %w", err))
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return e.negotiationFailed(StepAnswer, fmt.Errorf("unexpected sdp type %q", answer.Type))
	}
	if err := e.setRemote(answer); err != nil {
		return e.negotiationFailed(StepAnswer, err)
	}
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it when the
// remote description has not been set yet. End-of-candidates markers are
// ignored.
func (e *Establisher) HandleCandidate(from string, raw json.RawMessage) error {
	if err := e.acceptFrom(from); err != nil {
		return err
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return e.negotiationFailed(StepCandidate, fmt.Errorf("decode candidate: %w", err))
	}
	if cand.Candidate == "" {
		return nil
	}

	e.mu.Lock()
	if !e.remoteSet {
		e.pendingRemote = append(e.pendingRemote, cand)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.pc.AddICECandidate(cand); err != nil {
		return e.negotiationFailed(StepCandidate, err)
	}
	return nil
}

// Close tears down the peer connection. It is safe to call more than once.
func (e *Establisher) Close() error {
	e.advance(StateClosed, nil)
	return e.closePC()
}

func (e *Establisher) closePC() error {
	var err error
	e.close.Do(func() {
		err = e.pc.Close()
	})
	return err
}

// acceptFrom pins the remote endpoint on first contact and drops messages
// from anyone else.
func (e *Establisher) acceptFrom(from string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return ErrClosed
	}
	if e.remoteID == "" {
		e.remoteID = from
		return nil
	}
	if from != e.remoteID {
		return fmt.Errorf("peer: message from %s, paired with %s", from, e.remoteID)
	}
	return nil
}

func (e *Establisher) setRemote(desc webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	e.mu.Lock()
	e.remoteSet = true
	pending := e.pendingRemote
	e.pendingRemote = nil
	e.mu.Unlock()

	for _, cand := range pending {
		if err := e.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("apply buffered candidate: %w", err)
		}
	}
	return nil
}

func (e *Establisher) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	cand := c.ToJSON()

	e.mu.Lock()
	if !e.localSent || e.remoteID == "" {
		e.pendingLocal = append(e.pendingLocal, cand)
		e.mu.Unlock()
		return
	}
	target := e.remoteID
	e.mu.Unlock()

	if err := e.signaler.SendCandidate(target, cand); err != nil {
		e.log.Warn("failed to forward ice candidate", "err", err)
	}
}

// flushLocal marks the local description as sent and forwards candidates
// gathered before it.
func (e *Establisher) flushLocal() {
	e.mu.Lock()
	e.localSent = true
	pending := e.pendingLocal
	e.pendingLocal = nil
	target := e.remoteID
	e.mu.Unlock()

	for _, cand := range pending {
		if err := e.signaler.SendCandidate(target, cand); err != nil {
			e.log.Warn("failed to forward ice candidate", "err", err)
			return
		}
	}
}

func (e *Establisher) onRemoteChannel(dc *webrtc.DataChannel) {
	if err := validateDataChannel(dc); err != nil {
		e.log.Warn("rejecting datachannel",
			"label", dc.Label(),
			"ordered", dc.Ordered(),
			"err", err,
		)
		_ = dc.Close()
		e.fail(fmt.Errorf("%w: %w", ErrUnexpectedChannel, err))
		return
	}
	e.watchChannel(dc)
}

func (e *Establisher) watchChannel(dc *webrtc.DataChannel) {
	if e.onChan != nil {
		e.onChan(dc)
	}
	dc.OnOpen(func() {
		e.advance(StateChannelOpen, dc)
	})
}

func (e *Establisher) negotiationFailed(step Step, err error) error {
	nerr := &NegotiationError{Step: step, Err: err}
	e.fail(nerr)
	return nerr
}

// fail closes the establisher with err. The peer connection is closed on a
// separate goroutine because fail may run inside a pion callback.
func (e *Establisher) fail(err error) {
	if !e.transition(StateClosed, nil, err) {
		return
	}
	e.log.Warn("peer connection attempt failed", "err", err)
	go func() { _ = e.closePC() }()
}

// advance moves the state machine forward. Transitions that would go
// backwards, or out of StateClosed, are dropped.
func (e *Establisher) advance(to State, dc *webrtc.DataChannel) bool {
	return e.transition(to, dc, nil)
}

func (e *Establisher) transition(to State, dc *webrtc.DataChannel, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed || to <= e.state {
		return false
	}
	e.state = to
	ev := Event{State: to}
	switch to {
	case StateChannelOpen:
		e.channel = dc
		ev.Channel = dc
	case StateClosed:
		e.err = err
		ev.Err = err
	}
	e.events <- ev
	if to == StateClosed {
		close(e.events)
	}
	return true
}
