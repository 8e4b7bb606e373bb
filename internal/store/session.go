package store

import "time"

// Record is the persisted part of a session.
type Record struct {
	SenderID   string
	ReceiverID string
}

// Session is a live session as seen by callers of Store.
type Session struct {
	Code       string
	SenderID   string
	ReceiverID string
	ExpiresAt  time.Time
}

func (s Session) HasReceiver() bool { return s.ReceiverID != "" }

// IsParticipant reports whether id is the sender or the receiver.
func (s Session) IsParticipant(id string) bool {
	return id != "" && (id == s.SenderID || id == s.ReceiverID)
}

// Peer returns the other participant for id.
func (s Session) Peer(id string) (string, bool) {
	switch {
	case id == "":
		return "", false
	case id == s.SenderID && s.ReceiverID != "":
		return s.ReceiverID, true
	case id == s.ReceiverID:
		return s.SenderID, true
	default:
		return "", false
	}
}

// Op tells a backend what to do with a record after an Update callback.
type Op int

const (
	// OpSave persists the (possibly modified) record and refreshes its TTL.
	OpSave Op = iota
	// OpDelete removes the record.
	OpDelete
	// OpKeep leaves the record and its TTL untouched.
	OpKeep
)

// Removal describes what RemoveParticipant did.
type Removal int

const (
	// RemovedNothing means the endpoint was not a participant (or the session
	// was already gone).
	RemovedNothing Removal = iota
	// RemovedSession means the sender left and the session was deleted.
	RemovedSession
	// RemovedReceiver means the receiver left; the session stays open for a
	// new joiner.
	RemovedReceiver
)

func (r Removal) String() string {
	switch r {
	case RemovedSession:
		return "session"
	case RemovedReceiver:
		return "receiver"
	default:
		return "nothing"
	}
}
