package signaling

import "encoding/json"

// Event names carried in Envelope.Event.
const (
	EventWelcome = "welcome"
	EventAck     = "ack"
	EventError   = "error"

	EventCreateSession    = "create-session"
	EventJoinSession      = "join-session"
	EventPeerConnected    = "peer-connected"
	EventPeerDisconnected = "peer-disconnected"

	EventOffer          = "webrtc-offer"
	EventAnswer         = "webrtc-answer"
	EventCandidate      = "webrtc-ice-candidate"
	EventTransferStatus = "transfer-status"
)

// Reply strings for failed acks. Clients match on these.
const (
	ReplyAlreadyInSession    = "already in a session"
	ReplyInvalidCode         = "invalid session code"
	ReplySessionNotFound     = "Session not found"
	ReplySessionFull         = "Session is full"
	ReplyCreateFailed        = "Failed to create session"
	ReplyJoinFailed          = "Failed to join session"
	ErrorCodeForwardRejected = "forward_rejected"
	ErrorCodeBadMessage      = "bad_message"
	ErrorCodeUnknownEvent    = "unknown_event"
	ErrorCodeRateLimited     = "rate_limited"
)

// Envelope is the single JSON shape of every WebSocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Welcome struct {
	ID string `json:"id"`
}

// AckReply answers create-session and join-session.
type AckReply struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type JoinRequest struct {
	SessionID string `json:"sessionId"`
}

type PeerConnected struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

type PeerDisconnected struct {
	PeerID string `json:"peerId"`
}

// NegotiationRequest is what a client sends for webrtc-offer, webrtc-answer
// and webrtc-ice-candidate. Only the field matching the event is set.
type NegotiationRequest struct {
	SessionID string          `json:"sessionId"`
	Target    string          `json:"target"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func (r NegotiationRequest) payload(event string) json.RawMessage {
	switch event {
	case EventOffer:
		return r.Offer
	case EventAnswer:
		return r.Answer
	case EventCandidate:
		return r.Candidate
	}
	return nil
}

// Negotiation is what the target receives: the payload under the same key
// plus the sender's endpoint id.
type Negotiation struct {
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Sender    string          `json:"sender"`
}

func negotiationFor(event string, payload json.RawMessage, sender string) Negotiation {
	n := Negotiation{Sender: sender}
	switch event {
	case EventOffer:
		n.Offer = payload
	case EventAnswer:
		n.Answer = payload
	case EventCandidate:
		n.Candidate = payload
	}
	return n
}

// Payload returns whichever negotiation field is set.
func (n Negotiation) Payload() json.RawMessage {
	switch {
	case len(n.Offer) > 0:
		return n.Offer
	case len(n.Answer) > 0:
		return n.Answer
	default:
		return n.Candidate
	}
}

// TransferStatusRequest is relayed to the rest of the group as just Status.
type TransferStatusRequest struct {
	SessionID string          `json:"sessionId"`
	Status    json.RawMessage `json:"status"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event string, ack uint64, data any) (Envelope, error) {
	env := Envelope{Event: event, Ack: ack}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}
